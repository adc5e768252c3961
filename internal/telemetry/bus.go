// Package telemetry provides a publish/subscribe broadcaster for bus
// dispatch events, for operator-facing observability (the debug server
// and the WebSocket dashboard feed). It is adapted from the teacher's
// internal/events.Bus: same non-blocking, nil-safe broadcast mechanics,
// carrying a domain-specific Event shape instead of agent-loop events.
package telemetry

import (
	"sync"
	"time"

	"github.com/kernelkit/novabus/internal/bus"
)

// Direction distinguishes an outbound emission from an inbound delivery
// in a telemetry Event.
type Direction string

const (
	// DirEmit marks an Emit a native program yielded to the bus.
	DirEmit Direction = "emit"
	// DirInterfaceMessage marks an inbound interface message routed by the collection.
	DirInterfaceMessage Direction = "interface_message"
	// DirResponse marks an inbound response routed by the collection.
	DirResponse Direction = "response"
	// DirProcessDestroyed marks a process-destroyed broadcast.
	DirProcessDestroyed Direction = "process_destroyed"
)

// Event is one observable moment of bus dispatch: an emission yielded
// by a native program, or an inbound delivery the collection routed.
// It never carries a message body — only the routing metadata an
// operator dashboard needs, mirroring internal/audit's no-bodies rule.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Direction Direction      `json:"direction"`
	Pid       bus.Pid        `json:"pid"`
	Interface *bus.InterfaceHash `json:"interface,omitempty"`
	MessageId *bus.MessageId `json:"message_id,omitempty"`
	Unroutable bool          `json:"unroutable,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new telemetry bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op), so dispatch code
// does not need a guard check when telemetry is disabled.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block dispatch.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// a WebSocket consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
