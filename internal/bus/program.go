package bus

import "context"

// EventKind tags the variant of a ProgramEvent.
type EventKind int

const (
	// EventEmit requests that a message be emitted on an interface.
	EventEmit EventKind = iota
	// EventCancelMessage requests cancellation of a previously-emitted message.
	EventCancelMessage
	// EventAnswer answers a message previously routed to this program via
	// InterfaceMessage.
	EventAnswer
)

// IdWrite is the program-supplied inner capability mentioned in spec.md
// §4.2: it lets a program learn the MessageId the kernel assigned to one
// of its emissions. A program that emits a message needing an answer
// provides one of these on the ProgramEvent; the bus wraps it in its own
// capability (see Collection's MessageIdWrite) before handing it to the
// kernel driver.
type IdWrite interface {
	// Acknowledge is called exactly once, with the MessageId the kernel
	// assigned to the emission this capability was attached to.
	Acknowledge(id MessageId)
}

// ProgramEvent is the event a Program yields from Poll. Only the fields
// relevant to Kind are populated.
type ProgramEvent struct {
	Kind EventKind

	// Emit fields.
	Interface InterfaceHash
	Message   EncodedMessage
	IdWrite   IdWrite // non-nil only if this emission needs an answer

	// CancelMessage / Answer fields.
	MessageId MessageId
	Answer    Response
}

// PollContext is passed to Program.Poll. It carries the driving
// context.Context plus a way for a program to wake a blocked
// Collection.NextEvent call when it becomes ready asynchronously (e.g.
// from a background goroutine watching a socket or timer). This is the
// Go rendering of spec.md §4.3's "relies on the polled futures'
// wake-up mechanism": the bus itself stores no per-adapter wakers, only
// a single channel shared by all adapters for the lifetime of one
// NextEvent call.
type PollContext struct {
	// Ctx is the context passed to Collection.NextEvent.
	Ctx context.Context

	wake chan struct{}
}

// Wake signals that this program may now be ready to yield an event.
// Safe to call from any goroutine, at any time, including before the
// program has been polled at all; excess wakeups are coalesced. Calling
// Wake does not itself make Poll return Ready — the driver simply polls
// again.
func (pc *PollContext) Wake() {
	if pc == nil || pc.wake == nil {
		return
	}
	select {
	case pc.wake <- struct{}{}:
	default:
	}
}

// Program is the contract a native program implements to join a
// Collection. Every method except Poll is synchronous and infallible,
// per spec.md §6.
type Program interface {
	// Poll drives the program's internal state machine one step. It must
	// be safe to call repeatedly until it returns ok=false. Implementations
	// should arrange for pc.Wake to be called (from any goroutine) when
	// they have something to yield, rather than relying on being polled
	// again promptly.
	Poll(pc *PollContext) (event ProgramEvent, ok bool)

	// InterfaceMessage delivers an inbound message on an interface this
	// program has registered. Called only when the bus has already
	// determined this program owns the interface.
	InterfaceMessage(iface InterfaceHash, id *MessageId, emitter Pid, body EncodedMessage)

	// MessageResponse delivers the answer to a message this program
	// previously emitted and had acknowledged. Called only when the bus
	// has already determined this program owns the MessageId.
	MessageResponse(id MessageId, resp Response)

	// ProcessDestroyed notifies the program that the guest process with
	// the given Pid has terminated. Called unconditionally, regardless of
	// whether this program has ever interacted with that Pid.
	ProcessDestroyed(pid Pid)
}
