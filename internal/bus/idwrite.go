package bus

import "sync/atomic"

// adapterIdWrite is the adapter-scoped wrapper described in spec.md
// §4.1/§9: it closes over the owning adapter so that Acknowledge can
// insert the assigned MessageId into that adapter's expected-responses
// set. Go has no borrow checker, so where the original design uses a
// scoped lifetime, this carries a plain pointer back to the adapter —
// the "tagged index" alternative spec.md §9 explicitly sanctions for
// languages without scoped borrows.
type adapterIdWrite struct {
	inner   IdWrite
	adapter *adapter

	acknowledged atomic.Bool
}

// acknowledge consumes the capability: forwards to the inner,
// program-supplied capability first, then inserts the identifier into
// the adapter's expected-responses set (spec.md §4.2, in that order).
// A double-acknowledge is a programming error on the kernel's side;
// this panics rather than silently corrupting the expected-responses
// set, matching spec.md §7's treatment of DoubleAcknowledge as a
// refused, detected condition rather than a swallowed one.
func (w *adapterIdWrite) acknowledge(id MessageId) {
	if !w.acknowledged.CompareAndSwap(false, true) {
		panic("bus: MessageIdWrite acknowledged twice")
	}

	w.inner.Acknowledge(id)

	w.adapter.mu.Lock()
	w.adapter.expectedResponses[id] = struct{}{}
	w.adapter.mu.Unlock()
}

// Acknowledge implements IdWrite, so the wrapper can stand in for the
// program's capability on the ProgramEvent the adapter returns.
func (w *adapterIdWrite) Acknowledge(id MessageId) { w.acknowledge(id) }

// MessageIdWrite is the bus-scoped capability handed to the kernel
// driver on a Collection's Event. Per spec.md §4.3, it does nothing of
// its own beyond forwarding to the adapter-scoped wrapper; the
// indirection exists so the kernel driver only ever depends on the bus
// package's public type, never on adapter internals.
type MessageIdWrite struct {
	write *adapterIdWrite
}

// Acknowledge consumes the capability, recording id as the MessageId
// the kernel assigned to the emission this capability came from. It is
// a programming error to call this more than once on the same value.
func (w MessageIdWrite) Acknowledge(id MessageId) {
	w.write.acknowledge(id)
}
