package mqttbridge

import (
	"testing"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
)

func TestPollRegistersOnce(t *testing.T) {
	p := New(Config{BrokerURL: "mqtt://localhost:1883", ClientID: "test", TopicPrefix: "novabus"}, nil, nil)

	ev, ok := p.Poll(nil)
	if !ok || ev.Kind != bus.EventEmit || ev.Interface != wire.RegistrationInterface {
		t.Fatalf("first Poll = %+v, %v", ev, ok)
	}
	reg, err := wire.DecodeRegister(ev.Message)
	if err != nil || reg != Interface {
		t.Fatalf("registration payload decode = %v, %v", reg, err)
	}

	if _, ok := p.Poll(nil); ok {
		t.Fatalf("second Poll should be Pending")
	}
}

func TestInterfaceMessageNoopBeforeStart(t *testing.T) {
	p := New(Config{BrokerURL: "mqtt://localhost:1883", ClientID: "test", TopicPrefix: "novabus"}, nil, nil)
	// Should not panic even though Start was never called (p.cm is nil).
	p.InterfaceMessage(Interface, nil, 1, []byte("hello"))
}
