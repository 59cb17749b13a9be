// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/internal/poll"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Defaults
const (
	DefaultGatewayPort    = "/dev/ttyS0"
	DefaultControllerPort = "/dev/ttyUSB0"
	DefaultLogLevel       = "warn"
	DefaultTopic          = "Vito"
	DefaultOnlineTopic    = "online"
	DefaultSuffix         = "<dpname>"
	DefaultUnknownSuffix  = "raw/<addr>"
	DefaultMaxDecimals    = 4
	DefaultBufferFormat   = "hex"
	DefaultClientID       = "optobridge"
	DefaultStreamPath     = "/stream"
)

// SearchPaths are tried in order when no path is given
var SearchPaths = []string{"local_config.toml", "config.toml"}

// ErrNotFound is returned when no configuration file exists
var ErrNotFound = errors.New("no configuration file found")

// Config is the validated configuration
type Config struct {
	Path string

	GatewayPort    string
	ControllerPort string
	LogLevel       string
	PublishUnknown bool
	AutoReload     bool

	DataPoints []datapoint.DataPoint
	PollItems  []poll.Entry

	Tunnel  Tunnel
	MQTT    MQTT
	Stream  Stream
	Metrics Metrics
}

// Tunnel holds the credentials for websocket port addresses
type Tunnel struct {
	Username string
	Password string
	Insecure bool
}

// MQTT configures the MQTT publisher. It is disabled without a URL.
type MQTT struct {
	URL           string
	Username      string
	Password      string
	ClientID      string
	Topic         string
	Online        string // availability topic suffix, empty when disabled
	Suffix        string
	UnknownSuffix string
	MaxDecimals   int
	BufferFormat  string
	Retain        bool
}

// Enabled reports whether a broker is configured
func (m MQTT) Enabled() bool {
	return m.URL != ""
}

// Stream configures the websocket sample stream. It is disabled without a
// listen address.
type Stream struct {
	Listen string
	Path   string
}

// Metrics configures the Prometheus endpoint. It is disabled without a
// listen address.
type Metrics struct {
	Listen string
}

type fileConfig struct {
	GatewayPort    string  `toml:"gateway_port"`
	ControllerPort string  `toml:"controller_port"`
	LogLevel       string  `toml:"log_level"`
	PublishUnknown bool    `toml:"publish_unknown"`
	AutoReload     bool    `toml:"auto_reload"`
	DataPoints     [][]any `toml:"data_points"`
	PollItems      [][]any `toml:"poll_items"`

	Tunnel struct {
		Username string `toml:"username"`
		Password string `toml:"password"`
		Insecure bool   `toml:"insecure"`
	} `toml:"tunnel"`

	MQTT struct {
		URL           string `toml:"url"`
		Username      string `toml:"username"`
		Password      string `toml:"password"`
		ClientID      string `toml:"client_id"`
		Topic         string `toml:"topic"`
		Online        any    `toml:"online"`
		Suffix        string `toml:"suffix"`
		UnknownSuffix string `toml:"unknown_suffix"`
		MaxDecimals   int    `toml:"max_decimals"`
		BufferFormat  string `toml:"buffer_format"`
		Retain        bool   `toml:"retain"`
	} `toml:"mqtt"`

	Stream struct {
		Listen string `toml:"listen"`
		Path   string `toml:"path"`
	} `toml:"stream"`

	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`
}

// Default returns the configuration used for unset keys
func Default() *Config {
	return &Config{
		GatewayPort:    DefaultGatewayPort,
		ControllerPort: DefaultControllerPort,
		LogLevel:       DefaultLogLevel,
		AutoReload:     true,
		MQTT: MQTT{
			ClientID:      DefaultClientID,
			Topic:         DefaultTopic,
			Online:        DefaultOnlineTopic,
			Suffix:        DefaultSuffix,
			UnknownSuffix: DefaultUnknownSuffix,
			MaxDecimals:   DefaultMaxDecimals,
			BufferFormat:  DefaultBufferFormat,
		},
		Stream: Stream{Path: DefaultStreamPath},
	}
}

// Resolve returns path, or the first of SearchPaths that exists
func Resolve(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	for _, candidate := range SearchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrNotFound, strings.Join(SearchPaths, ", "))
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates a TOML document
func Parse(doc string) (*Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if meta.IsDefined("gateway_port") {
		cfg.GatewayPort = strings.TrimSpace(raw.GatewayPort)
	}
	if meta.IsDefined("controller_port") {
		cfg.ControllerPort = strings.TrimSpace(raw.ControllerPort)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	cfg.PublishUnknown = raw.PublishUnknown
	if meta.IsDefined("auto_reload") {
		cfg.AutoReload = raw.AutoReload
	}

	for i, row := range raw.DataPoints {
		dp, err := parseDataPoint(row)
		if err != nil {
			return nil, fmt.Errorf("data_points[%d]: %w", i, err)
		}
		cfg.DataPoints = append(cfg.DataPoints, dp)
	}
	for i, row := range raw.PollItems {
		entry, err := parsePollItem(row)
		if err != nil {
			return nil, fmt.Errorf("poll_items[%d]: %w", i, err)
		}
		cfg.PollItems = append(cfg.PollItems, entry)
	}

	cfg.Tunnel = Tunnel(raw.Tunnel)

	m := &cfg.MQTT
	m.URL = strings.TrimSpace(raw.MQTT.URL)
	m.Username = raw.MQTT.Username
	m.Password = raw.MQTT.Password
	m.Retain = raw.MQTT.Retain
	if meta.IsDefined("mqtt", "client_id") {
		m.ClientID = raw.MQTT.ClientID
	}
	if meta.IsDefined("mqtt", "topic") {
		m.Topic = raw.MQTT.Topic
	}
	if meta.IsDefined("mqtt", "online") {
		if m.Online, err = parseOnline(raw.MQTT.Online); err != nil {
			return nil, err
		}
	}
	if meta.IsDefined("mqtt", "suffix") {
		m.Suffix = raw.MQTT.Suffix
	}
	if meta.IsDefined("mqtt", "unknown_suffix") {
		m.UnknownSuffix = raw.MQTT.UnknownSuffix
	}
	if meta.IsDefined("mqtt", "max_decimals") {
		m.MaxDecimals = raw.MQTT.MaxDecimals
	}
	if meta.IsDefined("mqtt", "buffer_format") {
		m.BufferFormat = strings.ToLower(strings.TrimSpace(raw.MQTT.BufferFormat))
	}

	cfg.Stream.Listen = strings.TrimSpace(raw.Stream.Listen)
	if meta.IsDefined("stream", "path") {
		cfg.Stream.Path = raw.Stream.Path
	}
	cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors that prevent startup.
// Poll items with a non-positive interval are not an error, the schedule
// skips them with a warning.
func (c *Config) Validate() error {
	if c.GatewayPort == "" || c.ControllerPort == "" {
		return errors.New("gateway_port and controller_port must not be empty")
	}
	if c.GatewayPort == c.ControllerPort {
		return fmt.Errorf("gateway_port and controller_port are both %s", c.GatewayPort)
	}
	if _, err := c.Table(); err != nil {
		return err
	}
	switch c.MQTT.BufferFormat {
	case "hex", "base64", "utf8":
	default:
		return fmt.Errorf("mqtt.buffer_format %q is not one of hex, base64, utf8", c.MQTT.BufferFormat)
	}
	if c.MQTT.MaxDecimals < 0 {
		return fmt.Errorf("mqtt.max_decimals must not be negative, got %d", c.MQTT.MaxDecimals)
	}
	if c.Stream.Listen != "" && !strings.HasPrefix(c.Stream.Path, "/") {
		return fmt.Errorf("stream.path %q must start with /", c.Stream.Path)
	}
	return nil
}

// Table builds the data point table. Duplicate addresses are an error.
func (c *Config) Table() (*datapoint.Table, error) {
	return datapoint.NewTable(c.DataPoints)
}

// PollAddrs returns the address of every poll item
func (c *Config) PollAddrs() []uint16 {
	addrs := make([]uint16, 0, len(c.PollItems))
	for _, e := range c.PollItems {
		addrs = append(addrs, e.Addr)
	}
	return addrs
}

// Intercepting reports whether poll items are configured, which requires
// the bridge to run in intercept mode
func (c *Config) Intercepting() bool {
	return len(c.PollItems) > 0
}

// parseDataPoint parses [name, addr, kind, scale?] or the shorthand
// [name, addr, scale, signed?] which selects the generic integer kinds
func parseDataPoint(row []any) (datapoint.DataPoint, error) {
	if len(row) < 3 || len(row) > 4 {
		return datapoint.DataPoint{}, fmt.Errorf("expected [name, addr, kind, scale?], got %d fields", len(row))
	}

	name, ok := row[0].(string)
	if !ok || name == "" {
		return datapoint.DataPoint{}, fmt.Errorf("name must be a non-empty string, got %v", row[0])
	}
	addr, err := parseAddr(row[1])
	if err != nil {
		return datapoint.DataPoint{}, fmt.Errorf("%s: %w", name, err)
	}
	dp := datapoint.DataPoint{Name: name, Addr: addr}

	if kind, ok := row[2].(string); ok {
		if dp.Kind, err = vs2.ParseKind(kind); err != nil {
			return datapoint.DataPoint{}, fmt.Errorf("%s: %w", name, err)
		}
		if len(row) == 4 {
			scale, ok := number(row[3])
			if !ok {
				return datapoint.DataPoint{}, fmt.Errorf("%s: scale must be a number, got %v", name, row[3])
			}
			dp.Scale = &scale
		}
		return dp, nil
	}

	scale, ok := number(row[2])
	if !ok {
		return datapoint.DataPoint{}, fmt.Errorf("%s: expected a kind or a scale, got %v", name, row[2])
	}
	dp.Scale = &scale
	dp.Kind = vs2.KindUint
	if len(row) == 4 && truthy(row[3]) {
		dp.Kind = vs2.KindInt
	}
	return dp, nil
}

// parsePollItem parses [interval_s, addr, len]
func parsePollItem(row []any) (poll.Entry, error) {
	if len(row) != 3 {
		return poll.Entry{}, fmt.Errorf("expected [interval, addr, len], got %d fields", len(row))
	}
	interval, ok := number(row[0])
	if !ok {
		return poll.Entry{}, fmt.Errorf("interval must be a number, got %v", row[0])
	}
	addr, err := parseAddr(row[1])
	if err != nil {
		return poll.Entry{}, err
	}
	length, ok := row[2].(int64)
	if !ok || length < 1 || length > math.MaxUint8 {
		return poll.Entry{}, fmt.Errorf("len must be an integer between 1 and 255, got %v", row[2])
	}
	return poll.Entry{
		Interval: time.Duration(interval * float64(time.Second)),
		Item:     poll.Item{Addr: addr, Len: uint8(length)},
	}, nil
}

func parseAddr(v any) (uint16, error) {
	addr, ok := v.(int64)
	if !ok || addr < 0 || addr > math.MaxUint16 {
		return 0, fmt.Errorf("address must be an integer between 0x0000 and 0xffff, got %v", v)
	}
	return uint16(addr), nil
}

// parseOnline accepts a boolean (default topic or none) or a topic suffix
func parseOnline(v any) (string, error) {
	switch online := v.(type) {
	case bool:
		if online {
			return DefaultOnlineTopic, nil
		}
		return "", nil
	case string:
		return online, nil
	default:
		return "", fmt.Errorf("mqtt.online must be a boolean or a topic, got %v", v)
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b != ""
	default:
		return v != nil
	}
}
