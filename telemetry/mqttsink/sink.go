// Package mqttsink mirrors the node's §6.4 diagnostic lines to an MQTT
// topic for remote fleet monitoring, adapted from the teacher's
// transport/mqtt package. Unlike the teacher's MQTT transport, this is not
// a protocol carrier — routing and multi-hop forwarding are out of scope
// (spec §1 Non-goals) — it only republishes diagnostics that have already
// been generated locally.
package mqttsink

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config configures the MQTT diagnostic mirror.
type Config struct {
	BrokerURL  string
	ClientID   string
	Topic      string
	Logger     *slog.Logger
	ConnectTimeout time.Duration
}

// Sink publishes diagnostic lines to an MQTT topic.
type Sink struct {
	cfg    Config
	log    *slog.Logger
	client mqtt.Client
}

// Connect dials the MQTT broker and returns a ready-to-use Sink.
func Connect(cfg Config) (*Sink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "fragradio/diagnostics"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqttsink: connect timed out after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttsink: connect: %w", err)
	}

	return &Sink{cfg: cfg, log: logger.WithGroup("mqttsink"), client: client}, nil
}

// Publish mirrors one diagnostic line (spec §6.4) to the configured topic.
// Publish failures are logged, not returned, since the diagnostic mirror is
// best-effort and must never block or fail the engine's own processing.
func (s *Sink) Publish(line string) {
	token := s.client.Publish(s.cfg.Topic, 0, false, line)
	go func() {
		if token.Wait() && token.Error() != nil {
			s.log.Warn("publish failed", "error", token.Error())
		}
	}()
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
