// Package ticker implements a native program that emits a heartbeat
// message on a fixed interface at a fixed interval. It registers no
// interfaces of its own to receive inbound messages, and never expects
// a response — its Poll loop does nothing but Emit, grounded on the
// periodic time.Timer/time.AfterFunc discipline used by the teacher's
// task scheduler for recurring work.
package ticker

import (
	"sync"
	"time"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/idhash"
)

// Interface is the bus interface ticker emits heartbeats on.
var Interface = idhash.MustCompute("novabus.ticker/v1")

// Ticker is a bus.Program that emits an incrementing tick counter every
// interval. The background timer goroutine starts lazily on the first
// Poll call and is stopped by Stop.
type Ticker struct {
	interval time.Duration

	mu      sync.Mutex
	count   uint64
	pending bool
	started bool
	current *bus.PollContext // the PollContext from the most recent Poll call

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Ticker that fires every interval.
func New(interval time.Duration) *Ticker {
	return &Ticker{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Stop halts the background timer goroutine and waits for it to exit.
// Safe to call even if Poll was never called.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// wakeCurrent wakes whichever PollContext the most recent Poll call
// supplied. Each call to Collection.NextEvent hands adapters a fresh
// PollContext, so Poll refreshes t.current on every round before any
// blocking can happen; the timer goroutine always wakes the round that
// is actually waiting, never a stale one from an earlier call.
func (t *Ticker) wakeCurrent() {
	t.mu.Lock()
	pc := t.current
	t.mu.Unlock()
	pc.Wake()
}

// Poll yields one Emit event per due tick; otherwise reports Pending.
// The first call starts the background timer goroutine.
func (t *Ticker) Poll(pc *bus.PollContext) (bus.ProgramEvent, bool) {
	t.mu.Lock()
	t.current = pc
	if !t.started {
		t.started = true
		t.mu.Unlock()
		t.run()
		t.mu.Lock()
	}
	defer t.mu.Unlock()

	if !t.pending {
		return bus.ProgramEvent{}, false
	}
	t.pending = false
	t.count++

	body := make(bus.EncodedMessage, 8)
	for i := 0; i < 8; i++ {
		body[i] = byte(t.count >> (8 * i))
	}

	return bus.ProgramEvent{
		Kind:      bus.EventEmit,
		Interface: Interface,
		Message:   body,
	}, true
}

func (t *Ticker) run() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTicker(t.interval)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				t.mu.Lock()
				t.pending = true
				t.mu.Unlock()
				t.wakeCurrent()
			case <-t.stopCh:
				return
			}
		}
	}()
}

// InterfaceMessage is never called: ticker registers no interfaces.
func (t *Ticker) InterfaceMessage(iface bus.InterfaceHash, id *bus.MessageId, emitter bus.Pid, body bus.EncodedMessage) {
}

// MessageResponse is never called: ticker's emissions never request an answer.
func (t *Ticker) MessageResponse(id bus.MessageId, resp bus.Response) {}

// ProcessDestroyed is a no-op: ticker tracks no per-process state.
func (t *Ticker) ProcessDestroyed(pid bus.Pid) {}
