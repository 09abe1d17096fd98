// Package telemetry publishes balancer events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/util"
)

// MQTT topics
const (
	TopicHandshake = "balancer/handshake"
	TopicBackend   = "balancer/backend"
	TopicStatus    = "balancer/status"
	TopicAdmin     = "balancer/admin"
)

// MQTTHandler publishes selected bus events as JSON messages.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect until Start.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.ApplicationData.MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"listen_port": cfg.Balancer.ListenPort,
			"app_version": util.Version,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(mqttCfg))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		// mTLS
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// brokerURL builds the broker address. A configured scheme is kept.
func brokerURL(cfg config.MQTTConfig) string {
	if strings.Contains(cfg.BrokerURL, "://") {
		return cfg.BrokerURL
	}
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

// Start connects to the broker, subscribes to the bus and blocks until ctx is
// done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", brokerURL(h.cfg)).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for eventType := range topics {
		h.eventBus.Subscribe(eventType, "mqtt."+string(eventType), h.onEvent)
	}
}

// topics maps published event types to their MQTT topic.
var topics = map[events.EventType]string{
	events.EventHandshakeRouted:  TopicHandshake,
	events.EventHandshakeReject:  TopicHandshake,
	events.EventSessionAborted:   TopicHandshake,
	events.EventBackendStatus:    TopicBackend,
	events.EventHeartbeat:        TopicStatus,
	events.EventConnectionDenied: TopicAdmin,
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	topic, ok := topics[event.Type]
	if !ok {
		return nil
	}
	h.publish(topic, event.Type, event.Payload, event.Timestamp)
	return nil
}

func (h *MQTTHandler) publish(topic string, eventType events.EventType, payload interface{}, at time.Time) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(eventType, payload, at))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(eventType events.EventType, payload interface{}, at time.Time) map[string]interface{} {
	if at.IsZero() {
		at = time.Now()
	}

	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = string(eventType)
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339)

	return msg
}

// PublishShutdown announces that the balancer is stopping.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, events.EventShutdown, nil, time.Now())
}
