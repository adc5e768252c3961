package tcpprog

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
)

func pollUntil(t *testing.T, p *Program, want bus.EventKind, timeout time.Duration) bus.ProgramEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := p.Poll(nil); ok {
			if ev.Kind == want {
				return ev
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %v", want)
	return bus.ProgramEvent{}
}

func TestAcceptAndEcho(t *testing.T) {
	p, err := Listen("127.0.0.1:0", 4, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer p.Close()

	reg := pollUntil(t, p, bus.EventEmit, time.Second)
	if reg.Interface != wire.RegistrationInterface {
		t.Fatalf("first event should be registration, got %+v", reg)
	}

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	accepted := pollUntil(t, p, bus.EventEmit, time.Second)
	if accepted.Interface != InterfaceAccepted || accepted.IdWrite == nil {
		t.Fatalf("accept event = %+v", accepted)
	}

	const id = bus.MessageId(99)
	accepted.IdWrite.Acknowledge(id)

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ans := pollUntil(t, p, bus.EventAnswer, time.Second)
	if ans.MessageId != id || string(ans.Answer.Body) != "ping" {
		t.Fatalf("answer = %+v", ans)
	}

	body := make([]byte, 8, 12)
	binary.LittleEndian.PutUint64(body, uint64(id))
	body = append(body, []byte("pong")...)
	p.InterfaceMessage(InterfaceWrite, nil, 0, body)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want pong", buf)
	}
}
