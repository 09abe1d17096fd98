package telemetry

import (
	"testing"
	"time"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/util"
)

func TestNewMQTTHandlerDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewMQTTHandler(cfg, events.NewEventBus()); err == nil {
		t.Fatalf("expected an error when MQTT is disabled")
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		cfg  config.MQTTConfig
		want string
	}{
		{config.MQTTConfig{BrokerURL: "broker.local", Port: 8883, UseTLS: true}, "ssl://broker.local:8883"},
		{config.MQTTConfig{BrokerURL: "broker.local", Port: 1883}, "tcp://broker.local:1883"},
		{config.MQTTConfig{BrokerURL: "ws://broker.local:9001/mqtt", Port: 1}, "ws://broker.local:9001/mqtt"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.cfg); got != tt.want {
			t.Errorf("brokerURL(%+v) = %s, want %s", tt.cfg, got, tt.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.MQTT.Enabled = true
	cfg.ApplicationData.MQTT.BrokerURL = "broker.local"
	cfg.ApplicationData.MQTT.UseTLS = false

	h, err := NewMQTTHandler(cfg, events.NewEventBus())
	if err != nil {
		t.Fatalf("NewMQTTHandler: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := events.HandshakePayload{SessionID: "s", Outcome: events.OutcomeRouted}
	msg := h.buildMessage(events.EventHandshakeRouted, payload, at)

	if msg["event"] != string(events.EventHandshakeRouted) {
		t.Fatalf("event field %v", msg["event"])
	}
	if msg["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("timestamp field %v", msg["timestamp"])
	}
	if msg["listen_port"] != config.DefaultListenPort || msg["app_version"] != util.Version {
		t.Fatalf("metadata missing: %v", msg)
	}
	if p, ok := msg["payload"].(events.HandshakePayload); !ok || p.SessionID != "s" {
		t.Fatalf("payload field %v", msg["payload"])
	}
}

func TestEveryOutcomeHasATopic(t *testing.T) {
	for _, et := range []events.EventType{
		events.EventHandshakeRouted,
		events.EventHandshakeReject,
		events.EventSessionAborted,
	} {
		if topics[et] != TopicHandshake {
			t.Errorf("%s published to %q", et, topics[et])
		}
	}
}
