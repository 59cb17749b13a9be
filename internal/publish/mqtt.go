// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// PublishTimeout bounds how long a single publish may hold up the packet
// worker while connected
const PublishTimeout = 5 * time.Second

// Availability payloads
const (
	Online  = "true"
	Offline = "false"
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	URL           string
	Username      string
	Password      string
	ClientID      string
	Topic         string
	Online        string // availability topic suffix, empty to disable
	Suffix        string
	UnknownSuffix string
	MaxDecimals   int
	BufferFormat  string
	Retain        bool
}

// AvailabilityTopic returns the topic carrying the online state, or an
// empty string when disabled
func (c MQTTConfig) AvailabilityTopic() string {
	if c.Online == "" {
		return ""
	}
	return JoinTopic(c.Topic, c.Online)
}

// SampleTopic returns the topic a sample is published to
func (c MQTTConfig) SampleTopic(s Sample) string {
	suffix := c.Suffix
	if !s.Known {
		suffix = c.UnknownSuffix
	}
	return JoinTopic(c.Topic, ExpandSuffix(suffix, s))
}

// MQTT publishes samples to a broker, one topic per data point
type MQTT struct {
	client  mqtt.Client
	cfg     MQTTConfig
	logger  zerolog.Logger
	timeout time.Duration
	dropped atomic.Uint64
	offline atomic.Bool
}

// NewMQTT creates a publisher. It does not connect until Connect is called.
//
// The availability topic gets a retained last will of "false" and is set
// to "true" on every (re)connect.
func NewMQTT(cfg MQTTConfig, logger zerolog.Logger) *MQTT {
	m := &MQTT{cfg: cfg, logger: logger, timeout: PublishTimeout}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	if topic := cfg.AvailabilityTopic(); topic != "" {
		opts.SetWill(topic, Offline, 1, true)
	}
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect starts connecting to the broker. If the broker is not reachable
// within timeout the client keeps retrying in the background.
func (m *MQTT) Connect(timeout time.Duration) {
	token := m.client.Connect()
	if !token.WaitTimeout(timeout) {
		m.logger.Warn().Str("url", m.cfg.URL).Msg("Could not connect to MQTT broker yet, will retry in background")
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn().Err(err).Str("url", m.cfg.URL).Msg("Could not connect to MQTT broker, will retry in background")
	}
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.logger.Info().Str("url", m.cfg.URL).Msg("Connected to MQTT broker")
	if topic := m.cfg.AvailabilityTopic(); topic != "" {
		c.Publish(topic, 1, true, Online)
	}
}

// Publish implements Publisher. Samples are dropped while the broker is
// unreachable; the next value of the data point replaces them.
func (m *MQTT) Publish(s Sample) error {
	topic := m.cfg.SampleTopic(s)
	payload := FormatPayload(s.Value, m.cfg.MaxDecimals, m.cfg.BufferFormat)

	if !m.client.IsConnectionOpen() {
		m.dropped.Inc()
		if m.offline.CompareAndSwap(false, true) {
			m.logger.Warn().Str("url", m.cfg.URL).Msg("MQTT broker not connected, dropping values until it is back")
		}
		m.logger.Trace().Str("topic", topic).Str("payload", payload).Msg("Dropped while disconnected")
		return nil
	}

	if m.offline.CompareAndSwap(true, false) {
		m.logger.Info().Uint64("dropped", m.dropped.Load()).Msg("MQTT broker connected again, publishing resumed")
	}
	m.logger.Debug().Str("topic", topic).Str("payload", payload).Msgf("Publishing %s", s.Label())

	token := m.client.Publish(topic, 0, m.cfg.Retain, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Dropped returns the number of samples dropped while disconnected
func (m *MQTT) Dropped() uint64 {
	return m.dropped.Load()
}

// ErrPublishTimeout is returned when the broker does not confirm a publish
var ErrPublishTimeout = errors.New("timed out")

// Close marks the bridge offline and disconnects
func (m *MQTT) Close() {
	if !m.client.IsConnected() {
		return
	}
	if topic := m.cfg.AvailabilityTopic(); topic != "" {
		m.client.Publish(topic, 1, true, Offline).WaitTimeout(time.Second)
	}
	m.client.Disconnect(250)
}
