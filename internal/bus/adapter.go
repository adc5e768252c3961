package bus

import (
	"sync"
)

// acceptResult is the outcome of attempting to deliver something to an
// adapter that may or may not own it. It mirrors the Rust
// Result<(), T> used by the teacher's adapter for the same purpose:
// Ok means the adapter accepted and consumed the value; the returned
// value is only meaningful when accepted is false, and hands the
// original payload back unmodified so the router can try the next
// adapter without cloning.
type acceptResult[T any] struct {
	accepted bool
	value    T
}

// adapter wraps one native Program, tracking the bookkeeping spec.md §3
// assigns to it: the set of interfaces it has registered (populated
// from its own Emit events on the reserved interface-registration
// interface) and the set of MessageIds it is expecting a response for
// (populated only via the IdWrite capability's Acknowledge).
//
// Both sets are guarded by a mutex. The bus is single-threaded by
// design (spec.md §5), but Acknowledge may be invoked by the kernel
// driver from whatever goroutine it chooses after receiving the
// capability, so the sets still need real mutual exclusion.
type adapter struct {
	pid     Pid
	program Program

	mu                   sync.Mutex
	registeredInterfaces map[InterfaceHash]struct{}
	expectedResponses    map[MessageId]struct{}
}

func newAdapter(pid Pid, program Program) *adapter {
	return &adapter{
		pid:                  pid,
		program:              program,
		registeredInterfaces: make(map[InterfaceHash]struct{}),
		expectedResponses:    make(map[MessageId]struct{}),
	}
}

// poll drives the wrapped program one step and applies the adapter's
// own side effects: interface-registration parsing and wrapping any
// IdWrite capability in an adapter-scoped one that closes over this
// adapter's expectedResponses set (spec.md §4.1).
func (a *adapter) poll(pc *PollContext) (ProgramEvent, bool) {
	event, ok := a.program.Poll(pc)
	if !ok {
		return ProgramEvent{}, false
	}

	// The reserved registration interface is the all-zero hash, and a
	// Register record is a zero discriminant byte followed by the 32-byte
	// hash (the layout package wire encodes). It is decoded here rather
	// than through package wire, which imports bus.
	if event.Kind == EventEmit && event.Interface == (InterfaceHash{}) {
		msg := event.Message
		if len(msg) >= 1+InterfaceHashLen && msg[0] == 0 {
			var toReg InterfaceHash
			copy(toReg[:], msg[1:1+InterfaceHashLen])
			a.mu.Lock()
			a.registeredInterfaces[toReg] = struct{}{}
			a.mu.Unlock()
		}
		// Parse failure is silently swallowed: registration does not
		// happen, but the emission still proceeds unmodified (spec.md §9).
	}

	if event.Kind == EventEmit && event.IdWrite != nil {
		event.IdWrite = &adapterIdWrite{inner: event.IdWrite, adapter: a}
	}

	return event, true
}

// deliverInterfaceMessage implements the "Accepted | NotForMe(body)"
// contract of spec.md §4.1.
func (a *adapter) deliverInterfaceMessage(iface InterfaceHash, id *MessageId, emitter Pid, body EncodedMessage) acceptResult[EncodedMessage] {
	a.mu.Lock()
	_, registered := a.registeredInterfaces[iface]
	a.mu.Unlock()

	if !registered {
		return acceptResult[EncodedMessage]{accepted: false, value: body}
	}

	a.program.InterfaceMessage(iface, id, emitter, body)
	return acceptResult[EncodedMessage]{accepted: true}
}

// deliverResponse implements the "Accepted | NotForMe(result)" contract
// of spec.md §4.1. Removal from expectedResponses is unconditional on
// acceptance: a response is single-shot.
func (a *adapter) deliverResponse(id MessageId, resp Response) acceptResult[Response] {
	a.mu.Lock()
	_, expected := a.expectedResponses[id]
	if expected {
		delete(a.expectedResponses, id)
	}
	a.mu.Unlock()

	if !expected {
		return acceptResult[Response]{accepted: false, value: resp}
	}

	a.program.MessageResponse(id, resp)
	return acceptResult[Response]{accepted: true}
}

func (a *adapter) processDestroyed(pid Pid) {
	a.program.ProcessDestroyed(pid)
}

// registeredInterfaceHashes returns a snapshot of this adapter's
// registered-interfaces set, for diagnostics (internal/debugserver).
func (a *adapter) registeredInterfaceHashes() []InterfaceHash {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]InterfaceHash, 0, len(a.registeredInterfaces))
	for h := range a.registeredInterfaces {
		out = append(out, h)
	}
	return out
}

// expectedResponseCount returns the size of this adapter's
// expected-responses set, for diagnostics.
func (a *adapter) expectedResponseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.expectedResponses)
}
