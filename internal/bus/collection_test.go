package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scenarioProgram lets a test script a fixed queue of events and wake
// the collection manually, mimicking a native program driven by an
// external readiness source.
type scenarioProgram struct {
	queue chan ProgramEvent

	mu     sync.Mutex
	lastPC *PollContext

	gotInterfaceMessages []recordedInterfaceMessage
	gotResponses         []recordedResponse
	gotDestroyed         []Pid
}

func newScenarioProgram() *scenarioProgram {
	return &scenarioProgram{queue: make(chan ProgramEvent, 8)}
}

func (p *scenarioProgram) Poll(pc *PollContext) (ProgramEvent, bool) {
	p.mu.Lock()
	p.lastPC = pc
	p.mu.Unlock()

	select {
	case e := <-p.queue:
		return e, true
	default:
		return ProgramEvent{}, false
	}
}

// push enqueues an event for the next Poll call and wakes whatever
// PollContext last polled this program, simulating a background
// goroutine (e.g. a socket reader) announcing new readiness.
func (p *scenarioProgram) push(e ProgramEvent) {
	p.queue <- e
	p.mu.Lock()
	pc := p.lastPC
	p.mu.Unlock()
	if pc != nil {
		pc.Wake()
	}
}

func (p *scenarioProgram) InterfaceMessage(iface InterfaceHash, id *MessageId, emitter Pid, body EncodedMessage) {
	p.gotInterfaceMessages = append(p.gotInterfaceMessages, recordedInterfaceMessage{iface, id, emitter, body})
}

func (p *scenarioProgram) MessageResponse(id MessageId, resp Response) {
	p.gotResponses = append(p.gotResponses, recordedResponse{id, resp})
}

func (p *scenarioProgram) ProcessDestroyed(pid Pid) {
	p.gotDestroyed = append(p.gotDestroyed, pid)
}

// S1. Empty collection: next_event once returns Pending (here: blocks
// until ctx is done). No panics.
func TestS1EmptyCollectionNextEventBlocksUntilCancel(t *testing.T) {
	c := NewCollection()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.NextEvent(ctx)
	if err == nil {
		t.Fatal("expected NextEvent on an empty collection to return ctx.Err(), got nil")
	}
}

// S2. Single program emits Emit(needs_answer=true). Driver acknowledges
// 42, then delivers message_response(42, Ok([0x02])); the program must
// receive exactly that response.
func TestS2EmitAcknowledgeRespondRoundTrip(t *testing.T) {
	c := NewCollection()
	prog := newScenarioProgram()
	if err := c.Add(1, prog); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	capture := &noopIdWrite{}
	prog.queue <- ProgramEvent{
		Kind:      EventEmit,
		Interface: testInterface(9),
		Message:   EncodedMessage{0x01},
		IdWrite:   capture,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := c.NextEvent(ctx)
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if event.EmitterPid != 1 {
		t.Fatalf("expected emitter pid 1, got %d", event.EmitterPid)
	}
	if event.IdWrite == nil {
		t.Fatal("expected non-nil IdWrite capability")
	}

	event.IdWrite.Acknowledge(42)
	if len(capture.acked) != 1 || capture.acked[0] != 42 {
		t.Fatalf("program-supplied capability not acknowledged: %v", capture.acked)
	}

	c.MessageResponse(42, Ok(EncodedMessage{0x02}))

	if len(prog.gotResponses) != 1 {
		t.Fatalf("expected 1 response delivered, got %d", len(prog.gotResponses))
	}
	got := prog.gotResponses[0]
	if got.id != 42 || got.resp.Err || string(got.resp.Body) != string([]byte{0x02}) {
		t.Fatalf("unexpected response delivered: %+v", got)
	}
}

// S3. P1 and P2 both attempt to register H; P1 registered first wins
// every subsequent interface_message on H.
func TestS3FirstRegistrantWinsRouting(t *testing.T) {
	c := NewCollection()
	h := testInterface(1)

	p1 := newScenarioProgram()
	p1.queue <- ProgramEvent{Kind: EventEmit, Interface: registrationInterfaceForTest(), Message: registerBody(h)}
	if err := c.Add(1, p1); err != nil {
		t.Fatalf("Add p1: %v", err)
	}

	p2 := newScenarioProgram()
	p2.queue <- ProgramEvent{Kind: EventEmit, Interface: registrationInterfaceForTest(), Message: registerBody(h)}
	if err := c.Add(2, p2); err != nil {
		t.Fatalf("Add p2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.NextEvent(ctx); err != nil {
		t.Fatalf("NextEvent (p1 registration): %v", err)
	}
	if _, err := c.NextEvent(ctx); err != nil {
		t.Fatalf("NextEvent (p2 registration): %v", err)
	}

	c.InterfaceMessage(h, nil, 3, EncodedMessage{0xFF})

	if len(p1.gotInterfaceMessages) != 1 {
		t.Fatalf("expected p1 to receive the message, got %d deliveries", len(p1.gotInterfaceMessages))
	}
	if len(p2.gotInterfaceMessages) != 0 {
		t.Fatalf("expected p2 to never see the message, got %d deliveries", len(p2.gotInterfaceMessages))
	}
}

// S4. interface_message on an unregistered interface is fatal.
func TestS4UnroutableInterfaceMessagePanics(t *testing.T) {
	c := NewCollection()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for unroutable interface message")
		}
	}()
	c.InterfaceMessage(testInterface(5), nil, 3, EncodedMessage{})
}

// message_response to an unowned MessageId is equally fatal.
func TestUnroutableResponsePanics(t *testing.T) {
	c := NewCollection()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for unroutable response")
		}
	}()
	c.MessageResponse(999, Ok(nil))
}

// S5. process_destroyed reaches every adapter, in insertion order.
func TestS5ProcessDestroyedBroadcastsToAll(t *testing.T) {
	c := NewCollection()
	progs := make([]*scenarioProgram, 3)
	for i := range progs {
		progs[i] = newScenarioProgram()
		if err := c.Add(Pid(i+1), progs[i]); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	c.ProcessDestroyed(7)

	for i, p := range progs {
		if len(p.gotDestroyed) != 1 || p.gotDestroyed[0] != 7 {
			t.Fatalf("program %d did not receive process_destroyed exactly once: %v", i, p.gotDestroyed)
		}
	}
}

// S6. A Register body that fails to decode does not register the
// interface; a subsequent message on the claimed interface is unroutable.
func TestS6MalformedRegistrationLeavesInterfaceUnroutable(t *testing.T) {
	c := NewCollection()
	p := newScenarioProgram()
	p.queue <- ProgramEvent{Kind: EventEmit, Interface: registrationInterfaceForTest(), Message: EncodedMessage{0xFF}}
	if err := c.Add(1, p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.NextEvent(ctx); err != nil {
		t.Fatalf("NextEvent: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic: malformed registration must not register the interface")
		}
	}()
	c.InterfaceMessage(testInterface(1), nil, 3, EncodedMessage{})
}

// Invariant 1: add(p, _) twice fails the second time.
func TestInvariantDuplicatePidRejected(t *testing.T) {
	c := NewCollection()
	if err := c.Add(1, newScenarioProgram()); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	err := c.Add(1, newScenarioProgram())
	if err == nil {
		t.Fatal("expected second Add with the same Pid to fail")
	}
	if _, ok := err.(*DuplicatePidError); !ok {
		t.Fatalf("expected *DuplicatePidError, got %T", err)
	}
}

// Invariant 6: next_event on a collection where every adapter is
// Pending does not spin; it blocks until woken or ctx is done.
func TestInvariantAllPendingBlocksUntilWoken(t *testing.T) {
	c := NewCollection()
	p := newScenarioProgram()
	if err := c.Add(1, p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		event, err := c.NextEvent(ctx)
		if err != nil {
			t.Errorf("NextEvent: %v", err)
			return
		}
		if event.EmitterPid != 1 {
			t.Errorf("expected emitter pid 1, got %d", event.EmitterPid)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.push(ProgramEvent{Kind: EventEmit, Interface: testInterface(3), Message: EncodedMessage{0x01}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NextEvent never returned after the program became ready")
	}
}

func registerBody(h InterfaceHash) EncodedMessage {
	out := make([]byte, 1+InterfaceHashLen)
	copy(out[1:], h[:])
	return out
}

// registrationInterfaceForTest exposes the reserved registration
// interface hash for in-package tests without importing the wire
// sub-package (which would create an import cycle, since wire imports
// bus).
func registrationInterfaceForTest() InterfaceHash {
	return InterfaceHash{}
}
