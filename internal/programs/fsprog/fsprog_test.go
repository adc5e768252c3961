package fsprog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
)

func encodeRequest(op Op, path string, data []byte) bus.EncodedMessage {
	out := []byte{byte(op)}
	out = wire.PutUint64(out, uint64(len(path)))
	out = append(out, path...)
	out = append(out, data...)
	return out
}

func TestPollRegistersThenDrainsAnswers(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	event, ok := p.Poll(nil)
	if !ok || event.Kind != bus.EventEmit || event.Interface != wire.RegistrationInterface {
		t.Fatalf("first Poll = %+v, %v, want a Register emission", event, ok)
	}

	if _, ok := p.Poll(nil); ok {
		t.Fatalf("second Poll with nothing pending should be Pending")
	}
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	p.Poll(nil) // consume registration

	id := bus.MessageId(1)
	p.InterfaceMessage(Interface, &id, 9, encodeRequest(OpWrite, "hello.txt", []byte("hi there")))

	ev, ok := p.Poll(nil)
	if !ok || ev.Kind != bus.EventAnswer || ev.MessageId != id || ev.Answer.Err {
		t.Fatalf("write answer = %+v, %v", ev, ok)
	}

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil || string(got) != "hi there" {
		t.Fatalf("file contents = %q, %v", got, err)
	}

	id2 := bus.MessageId(2)
	p.InterfaceMessage(Interface, &id2, 9, encodeRequest(OpRead, "hello.txt", nil))
	ev2, ok := p.Poll(nil)
	if !ok || ev2.Kind != bus.EventAnswer || ev2.MessageId != id2 || ev2.Answer.Err {
		t.Fatalf("read answer = %+v, %v", ev2, ok)
	}
	if string(ev2.Answer.Body) != "hi there" {
		t.Fatalf("read body = %q, want %q", ev2.Answer.Body, "hi there")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	p.Poll(nil)

	id := bus.MessageId(5)
	p.InterfaceMessage(Interface, &id, 1, encodeRequest(OpRead, "../../etc/passwd", nil))

	ev, ok := p.Poll(nil)
	if !ok || !ev.Answer.Err {
		t.Fatalf("escape attempt should answer Invalid, got %+v, %v", ev, ok)
	}
}

func TestFireAndForgetWriteQueuesNoAnswer(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	p.Poll(nil)

	p.InterfaceMessage(Interface, nil, 1, encodeRequest(OpWrite, "x.txt", []byte("y")))
	if _, ok := p.Poll(nil); ok {
		t.Fatalf("write without an id should not queue an answer")
	}
}
