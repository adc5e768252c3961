package bus

import (
	"context"
	"sync"
)

// Event is the bus-level rendering of a ProgramEvent: the same shape,
// plus the emitting Pid on Emit and with any IdWrite lifted into the
// bus-scoped MessageIdWrite wrapper (spec.md §3 "Bus event").
type Event struct {
	Kind EventKind

	// Emit fields.
	EmitterPid Pid
	Interface  InterfaceHash
	Message    EncodedMessage
	IdWrite    *MessageIdWrite // nil if this emission needs no answer

	// CancelMessage / Answer fields.
	MessageId MessageId
	Answer    Response
}

// processEntry pairs a Pid with the adapter wrapping its program.
// Collection.processes is an ordered, append-only slice of these; order
// is insertion order and is the deterministic tie-break spec.md §3
// requires of the collection.
type processEntry struct {
	pid     Pid
	adapter *adapter
}

// Collection holds the set of native programs the bus dispatches to. A
// Collection is not safe for concurrent NextEvent calls (spec.md §5:
// "concurrent polling of the same collection is not supported"); Add
// and the inbound delivery operations may be called from any goroutine
// and are each internally synchronized.
type Collection struct {
	mu        sync.RWMutex
	processes []processEntry
}

// NewCollection builds an empty collection. NextEvent on an empty
// collection blocks until ctx is done (spec.md S1).
func NewCollection() *Collection {
	return &Collection{}
}

// Add wraps program in a fresh adapter and appends it to the
// collection. Returns a *DuplicatePidError if pid is already present.
func (c *Collection) Add(pid Pid, program Program) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.processes {
		if p.pid == pid {
			return &DuplicatePidError{Pid: pid}
		}
	}

	c.processes = append(c.processes, processEntry{pid: pid, adapter: newAdapter(pid, program)})
	return nil
}

// snapshot returns a copy of the current process list, taking c.mu for
// reading only while copying. Every operation below iterates over such a
// copy, so that Add can safely append while
// a NextEvent round is suspended waiting on a wake signal (invariant:
// the collection never drops an adapter while a poll is in flight —
// there is no removal operation at all, so this is automatic).
func (c *Collection) snapshot() []processEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]processEntry, len(c.processes))
	copy(out, c.processes)
	return out
}

// NextEvent polls every adapter, in insertion order, exactly once per
// round, and returns the first Ready event (C3: Event multiplexer). If
// every adapter is Pending, it blocks until some adapter calls
// PollContext.Wake or ctx is done, without spinning (spec.md S6). If
// ctx is done before any adapter becomes ready, it returns ctx.Err().
func (c *Collection) NextEvent(ctx context.Context) (Event, error) {
	pc := &PollContext{Ctx: ctx, wake: make(chan struct{}, 1)}

	for {
		for _, p := range c.snapshot() {
			event, ok := p.adapter.poll(pc)
			if !ok {
				continue
			}
			return toBusEvent(p.pid, event), nil
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-pc.wake:
			// Some adapter signaled readiness; loop and poll again.
		}
	}
}

func toBusEvent(pid Pid, e ProgramEvent) Event {
	out := Event{
		Kind:       e.Kind,
		EmitterPid: pid,
		Interface:  e.Interface,
		Message:    e.Message,
		MessageId:  e.MessageId,
		Answer:     e.Answer,
	}
	if w, ok := e.IdWrite.(*adapterIdWrite); ok && w != nil {
		out.IdWrite = &MessageIdWrite{write: w}
	}
	return out
}

// InterfaceMessage delivers an inbound interface message to the first
// adapter, in insertion order, that has registered the interface (C4).
// Panics if no adapter accepts it — spec.md §7 documents this as the
// current, deliberately unrecovered behavior for an UnroutableInterfaceMessage.
func (c *Collection) InterfaceMessage(iface InterfaceHash, id *MessageId, emitter Pid, body EncodedMessage) {
	for _, p := range c.snapshot() {
		result := p.adapter.deliverInterfaceMessage(iface, id, emitter, body)
		if result.accepted {
			return
		}
		body = result.value
	}
	panic(&unroutableInterfaceMessageError{Interface: iface})
}

// MessageResponse delivers a response to the adapter that owns id (C4).
// By invariant, at most one adapter can ever own a given MessageId, so
// insertion order only affects search cost here, not which adapter (if
// any) receives it. Panics if no adapter owns id (UnroutableResponse).
func (c *Collection) MessageResponse(id MessageId, resp Response) {
	for _, p := range c.snapshot() {
		result := p.adapter.deliverResponse(id, resp)
		if result.accepted {
			return
		}
		resp = result.value
	}
	panic(&unroutableResponseError{MessageId: id})
}

// ProcessDestroyed broadcasts a process-termination notification to
// every adapter, unconditionally, regardless of whether that adapter
// has ever interacted with pid (C4).
func (c *Collection) ProcessDestroyed(pid Pid) {
	for _, p := range c.snapshot() {
		p.adapter.processDestroyed(pid)
	}
}

// Adapters returns a read-only diagnostic snapshot: one entry per
// member, in insertion order. Used by internal/debugserver; not part of
// the kernel-facing contract in spec.md §6.
func (c *Collection) Adapters() []AdapterInfo {
	entries := c.snapshot()
	out := make([]AdapterInfo, 0, len(entries))
	for _, p := range entries {
		out = append(out, AdapterInfo{
			Pid:                  p.pid,
			RegisteredInterfaces: p.adapter.registeredInterfaceHashes(),
			ExpectedResponses:    p.adapter.expectedResponseCount(),
		})
	}
	return out
}

// AdapterInfo is a diagnostic snapshot of one adapter's bookkeeping.
type AdapterInfo struct {
	Pid                  Pid
	RegisteredInterfaces []InterfaceHash
	ExpectedResponses    int
}
