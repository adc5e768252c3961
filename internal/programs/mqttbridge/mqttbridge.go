// Package mqttbridge implements the MQTT bridge native program: a bus
// interface that mirrors inbound bus traffic onto an MQTT broker for
// external observability. It is grounded on the teacher's
// internal/mqtt.Publisher: the same autopaho.ConnectionManager
// lifecycle and Home Assistant discovery/availability publishing
// convention, reduced to the one concern this program needs (mirroring
// messages, not periodic sensor-state polling).
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
	"github.com/kernelkit/novabus/internal/idhash"
)

// Interface is the bus interface mqttbridge registers and mirrors
// inbound messages from.
var Interface = idhash.MustCompute("novabus.mqtt.publish/v1")

// DeviceInfo mirrors the Home Assistant device registry fields the
// teacher's mqtt.DeviceInfo carries, so the bridge's presence shows up
// in any MQTT-discovery-aware consumer the same way the teacher's agent
// does.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// Config configures a Program's broker connection and topic layout.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Device      DeviceInfo
}

// DiagnosticsSink receives publish-failure diagnostics. mqttbridge never
// emits anything needing a bus answer for a failed publish (publish is
// fire-and-forget per spec.md's Emit semantics); failures are reported
// here instead. New substitutes a no-op sink when none is given.
type DiagnosticsSink interface {
	PublishFailed(topic string, err error)
}

type noopSink struct{}

func (noopSink) PublishFailed(topic string, err error) {}

// Program is a bus.Program that bridges inbound mqtt.publish messages
// onto an MQTT broker.
type Program struct {
	cfg    Config
	logger *slog.Logger
	sink   DiagnosticsSink

	cm *autopaho.ConnectionManager

	registered bool
}

// New builds an mqttbridge Program. Call Start to connect; the program
// can be added to a bus.Collection before or after Start.
func New(cfg Config, logger *slog.Logger, sink DiagnosticsSink) *Program {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Program{cfg: cfg, logger: logger, sink: sink}
}

// Start connects to the configured broker in the background. On every
// (re-)connect it publishes an HA-style discovery config and an
// "online" availability message, matching the teacher's
// Publisher.Start OnConnectionUp behavior.
func (p *Program) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqttbridge: parse broker url: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqttbridge connected to broker", "broker", p.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.publishDiscovery(publishCtx, cm)
			p.publish(publishCtx, cm, availTopic, []byte("online"), true)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqttbridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbridge: connect: %w", err)
	}
	p.cm = cm
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Program) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publish(ctx, p.cm, p.availabilityTopic(), []byte("offline"), true)
	return p.cm.Disconnect(ctx)
}

func (p *Program) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Program) discoveryTopic() string {
	return "homeassistant/sensor/" + p.cfg.ClientID + "/bridge/config"
}

type discoveryConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
}

func (p *Program) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	cfg := discoveryConfig{
		Name:              "novabus MQTT bridge",
		UniqueID:          p.cfg.ClientID + "_bridge",
		StateTopic:        p.availabilityTopic(),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.cfg.Device,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqttbridge marshal discovery payload", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.discoveryTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqttbridge discovery publish failed", "error", err)
	}
}

func (p *Program) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) {
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: retain}); err != nil {
		p.logger.Warn("mqttbridge publish failed", "topic", topic, "error", err)
		p.sink.PublishFailed(topic, err)
	}
}

// Poll yields the one-time interface registration; mqttbridge never
// emits anything else (publish is fire-and-forget, never needs an
// answer, and it registers no other bookkeeping that produces events).
func (p *Program) Poll(pc *bus.PollContext) (bus.ProgramEvent, bool) {
	if p.registered {
		return bus.ProgramEvent{}, false
	}
	p.registered = true
	return bus.ProgramEvent{
		Kind:      bus.EventEmit,
		Interface: wire.RegistrationInterface,
		Message:   wire.EncodeRegister(Interface),
	}, true
}

// InterfaceMessage mirrors an inbound mqtt.publish message's body onto
// the topic <TopicPrefix>/emit/<emitter pid>. The message body IS the
// MQTT payload, verbatim.
func (p *Program) InterfaceMessage(iface bus.InterfaceHash, id *bus.MessageId, emitter bus.Pid, body bus.EncodedMessage) {
	if iface != Interface || p.cm == nil {
		return
	}
	topic := fmt.Sprintf("%s/emit/%d", p.cfg.TopicPrefix, emitter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.publish(ctx, p.cm, topic, body, false)
}

// MessageResponse is never called: mqttbridge never emits anything needing an answer.
func (p *Program) MessageResponse(id bus.MessageId, resp bus.Response) {}

// ProcessDestroyed is a no-op: mqttbridge tracks no per-process state.
func (p *Program) ProcessDestroyed(pid bus.Pid) {}
