// Package telemetry mirrors bus events to an MQTT broker.
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

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/util"
)

const subscriberName = "mqtt"

// ErrDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrDisabled = fmt.Errorf("MQTT is disabled")

// MQTTHandler publishes every bus event to <prefix>/<role>/<event type>.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	role     config.Role
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler. Nothing connects until Start.
func NewMQTTHandler(cfg config.MQTTConfig, role config.Role, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sustenet"
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		role:     role,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
			"role":      string(role),
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("sustenet-%s-%s", role, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects, mirrors events until ctx is cancelled, then publishes a
// shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.eventBus.SubscribeAll(subscriberName, h.onEvent)
	defer h.eventBus.UnsubscribeAll(subscriberName)

	<-ctx.Done()

	h.publish(h.Topic(events.EventShutdown), map[string]interface{}{"reason": "process exiting"})
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

// Topic returns the topic an event type is published on.
func (h *MQTTHandler) Topic(t events.EventType) string {
	return strings.Join([]string{strings.TrimSuffix(h.cfg.TopicPrefix, "/"), string(h.role), string(t)}, "/")
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	h.publish(h.Topic(event.Type), event)
	return nil
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
