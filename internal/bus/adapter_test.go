package bus

import (
	"context"
	"testing"
)

// fakeProgram is a Program driven entirely by test code: each call to
// Poll pops the next queued event, or reports Pending if the queue is
// empty. InterfaceMessage/MessageResponse/ProcessDestroyed calls are
// recorded for assertions.
type fakeProgram struct {
	queue []ProgramEvent

	gotInterfaceMessages []recordedInterfaceMessage
	gotResponses         []recordedResponse
	gotDestroyed         []Pid
}

type recordedInterfaceMessage struct {
	iface   InterfaceHash
	id      *MessageId
	emitter Pid
	body    EncodedMessage
}

type recordedResponse struct {
	id   MessageId
	resp Response
}

func (p *fakeProgram) Poll(pc *PollContext) (ProgramEvent, bool) {
	if len(p.queue) == 0 {
		return ProgramEvent{}, false
	}
	e := p.queue[0]
	p.queue = p.queue[1:]
	return e, true
}

func (p *fakeProgram) InterfaceMessage(iface InterfaceHash, id *MessageId, emitter Pid, body EncodedMessage) {
	p.gotInterfaceMessages = append(p.gotInterfaceMessages, recordedInterfaceMessage{iface, id, emitter, body})
}

func (p *fakeProgram) MessageResponse(id MessageId, resp Response) {
	p.gotResponses = append(p.gotResponses, recordedResponse{id, resp})
}

func (p *fakeProgram) ProcessDestroyed(pid Pid) {
	p.gotDestroyed = append(p.gotDestroyed, pid)
}

type noopIdWrite struct{ acked []MessageId }

func (w *noopIdWrite) Acknowledge(id MessageId) { w.acked = append(w.acked, id) }

func testInterface(b byte) InterfaceHash {
	var h InterfaceHash
	h[len(h)-1] = b
	return h
}

func TestAdapterPollRegistersInterface(t *testing.T) {
	iface := testInterface(1)
	prog := &fakeProgram{queue: []ProgramEvent{
		{Kind: EventEmit, Interface: registrationInterfaceForTest(), Message: registerBody(iface)},
	}}
	a := newAdapter(1, prog)
	pc := &PollContext{Ctx: context.Background(), wake: make(chan struct{}, 1)}

	event, ok := a.poll(pc)
	if !ok {
		t.Fatal("expected Ready, got Pending")
	}
	if event.Interface != registrationInterfaceForTest() {
		t.Fatalf("unexpected event interface %v", event.Interface)
	}

	result := a.deliverInterfaceMessage(iface, nil, 99, EncodedMessage("hello"))
	if !result.accepted {
		t.Fatal("expected registered interface to accept delivery")
	}
	if len(prog.gotInterfaceMessages) != 1 || string(prog.gotInterfaceMessages[0].body) != "hello" {
		t.Fatalf("program did not receive delivered message: %+v", prog.gotInterfaceMessages)
	}
}

func TestAdapterPollMalformedRegistrationSwallowed(t *testing.T) {
	prog := &fakeProgram{queue: []ProgramEvent{
		{Kind: EventEmit, Interface: registrationInterfaceForTest(), Message: EncodedMessage{0xFF}},
	}}
	a := newAdapter(1, prog)
	pc := &PollContext{Ctx: context.Background(), wake: make(chan struct{}, 1)}

	event, ok := a.poll(pc)
	if !ok {
		t.Fatal("expected Ready, got Pending")
	}
	if event.Interface != registrationInterfaceForTest() {
		t.Fatalf("unexpected event interface %v", event.Interface)
	}
	if len(a.registeredInterfaceHashes()) != 0 {
		t.Fatalf("malformed registration must not register anything, got %v", a.registeredInterfaceHashes())
	}
}

func TestAdapterDeliverInterfaceMessageNotForMe(t *testing.T) {
	prog := &fakeProgram{}
	a := newAdapter(1, prog)

	result := a.deliverInterfaceMessage(testInterface(7), nil, 1, EncodedMessage("x"))
	if result.accepted {
		t.Fatal("expected NotForMe for an unregistered interface")
	}
	if string(result.value) != "x" {
		t.Fatalf("expected body handed back unmodified, got %q", result.value)
	}
}

func TestAdapterEmitWithIdWriteWrapsCapability(t *testing.T) {
	inner := &noopIdWrite{}
	prog := &fakeProgram{queue: []ProgramEvent{
		{Kind: EventEmit, Interface: testInterface(2), Message: EncodedMessage("req"), IdWrite: inner},
	}}
	a := newAdapter(1, prog)
	pc := &PollContext{Ctx: context.Background(), wake: make(chan struct{}, 1)}

	event, ok := a.poll(pc)
	if !ok {
		t.Fatal("expected Ready")
	}
	wrapped, ok := event.IdWrite.(*adapterIdWrite)
	if !ok {
		t.Fatalf("expected IdWrite wrapped in *adapterIdWrite, got %T", event.IdWrite)
	}

	wrapped.acknowledge(42)
	if len(inner.acked) != 1 || inner.acked[0] != 42 {
		t.Fatalf("inner capability not acknowledged: %v", inner.acked)
	}
	if a.expectedResponseCount() != 1 {
		t.Fatalf("expected 1 expected-response entry, got %d", a.expectedResponseCount())
	}
}

func TestAdapterDoubleAcknowledgePanics(t *testing.T) {
	inner := &noopIdWrite{}
	a := newAdapter(1, &fakeProgram{})
	w := &adapterIdWrite{inner: inner, adapter: a}

	w.acknowledge(1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double acknowledge")
		}
	}()
	w.acknowledge(1)
}

func TestAdapterDeliverResponseRemovesOnAcceptance(t *testing.T) {
	prog := &fakeProgram{}
	a := newAdapter(1, prog)
	a.expectedResponses[5] = struct{}{}

	result := a.deliverResponse(5, Ok(EncodedMessage("ans")))
	if !result.accepted {
		t.Fatal("expected response delivery to be accepted")
	}
	if a.expectedResponseCount() != 0 {
		t.Fatal("expected-response entry should have been removed")
	}
	if len(prog.gotResponses) != 1 {
		t.Fatalf("program did not receive response: %+v", prog.gotResponses)
	}
}

func TestAdapterDeliverResponseNotForMe(t *testing.T) {
	a := newAdapter(1, &fakeProgram{})

	result := a.deliverResponse(5, Ok(EncodedMessage("ans")))
	if result.accepted {
		t.Fatal("expected NotForMe for an unexpected MessageId")
	}
}

func TestAdapterProcessDestroyedAlwaysDelivered(t *testing.T) {
	prog := &fakeProgram{}
	a := newAdapter(1, prog)

	a.processDestroyed(123)
	if len(prog.gotDestroyed) != 1 || prog.gotDestroyed[0] != 123 {
		t.Fatalf("process-destroyed not forwarded: %v", prog.gotDestroyed)
	}
}
