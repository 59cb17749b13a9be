// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

const sample = `
gateway_port = "/dev/ttyAMA0"
controller_port = "ws://optolink.local/ws"
log_level = "debug"
publish_unknown = true

data_points = [
  ["outside_temp", 0x0800, "int16", 0.1],
  ["boiler_temp", 0x0802, "uint16", 0.1],
  ["burner_hours", 0x08A7, "uint32"],
  ["pump_flow", 0x0C24, 1, true],
  ["burner_starts", 0x088A, 1],
]

poll_items = [
  [60, 0x0800, 2],
  [0.5, 0x0802, 2],
]

[mqtt]
url = "tcp://broker:1883"
username = "vito"
topic = "heating/"
online = "status"
max_decimals = 2
buffer_format = "base64"
retain = true

[stream]
listen = ":8081"

[metrics]
listen = ":9100"
`

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.GatewayPort != "/dev/ttyAMA0" || cfg.ControllerPort != "ws://optolink.local/ws" {
		t.Errorf("unexpected ports %q %q", cfg.GatewayPort, cfg.ControllerPort)
	}
	if cfg.LogLevel != "debug" || !cfg.PublishUnknown || !cfg.AutoReload {
		t.Errorf("unexpected flags: %+v", cfg)
	}

	if len(cfg.DataPoints) != 5 {
		t.Fatalf("expected 5 data points, got %d", len(cfg.DataPoints))
	}
	outside := cfg.DataPoints[0]
	if outside.Addr != 0x0800 || outside.Kind != vs2.KindInt16 || outside.Scale == nil || *outside.Scale != 0.1 {
		t.Errorf("unexpected outside_temp %+v", outside)
	}
	if cfg.DataPoints[2].Scale != nil {
		t.Error("burner_hours has no scale")
	}
	if cfg.DataPoints[3].Kind != vs2.KindInt || cfg.DataPoints[4].Kind != vs2.KindUint {
		t.Errorf("shorthand kinds: got %s and %s", cfg.DataPoints[3].Kind, cfg.DataPoints[4].Kind)
	}

	if len(cfg.PollItems) != 2 {
		t.Fatalf("expected 2 poll items, got %d", len(cfg.PollItems))
	}
	if cfg.PollItems[0].Interval != time.Minute || cfg.PollItems[1].Interval != 500*time.Millisecond {
		t.Errorf("unexpected intervals %v %v", cfg.PollItems[0].Interval, cfg.PollItems[1].Interval)
	}
	if cfg.PollItems[1].Addr != 0x0802 || cfg.PollItems[1].Len != 2 {
		t.Errorf("unexpected poll item %+v", cfg.PollItems[1])
	}
	if !cfg.Intercepting() {
		t.Error("poll items require intercept mode")
	}
	if addrs := cfg.PollAddrs(); len(addrs) != 2 || addrs[0] != 0x0800 {
		t.Errorf("unexpected poll addresses %v", addrs)
	}

	m := cfg.MQTT
	if !m.Enabled() || m.Topic != "heating/" || m.Online != "status" || m.MaxDecimals != 2 || m.BufferFormat != "base64" || !m.Retain {
		t.Errorf("unexpected mqtt config %+v", m)
	}
	if m.Suffix != DefaultSuffix || m.UnknownSuffix != DefaultUnknownSuffix || m.ClientID != DefaultClientID {
		t.Errorf("expected mqtt defaults, got %+v", m)
	}
	if cfg.Stream.Listen != ":8081" || cfg.Stream.Path != DefaultStreamPath || cfg.Metrics.Listen != ":9100" {
		t.Errorf("unexpected endpoints %+v %+v", cfg.Stream, cfg.Metrics)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.GatewayPort != DefaultGatewayPort || cfg.ControllerPort != DefaultControllerPort {
		t.Errorf("unexpected default ports %q %q", cfg.GatewayPort, cfg.ControllerPort)
	}
	if cfg.LogLevel != DefaultLogLevel || !cfg.AutoReload || cfg.PublishUnknown {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.MQTT.Enabled() || cfg.MQTT.Topic != DefaultTopic || cfg.MQTT.Online != DefaultOnlineTopic {
		t.Errorf("unexpected mqtt defaults %+v", cfg.MQTT)
	}
	if cfg.Intercepting() {
		t.Error("no poll items means pass-through")
	}
}

func TestParse_Online(t *testing.T) {
	tests := []struct {
		doc  string
		want string
	}{
		{"[mqtt]\nonline = true", DefaultOnlineTopic},
		{"[mqtt]\nonline = false", ""},
		{"[mqtt]\nonline = \"available\"", "available"},
	}
	for _, tt := range tests {
		cfg, err := Parse(tt.doc)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.doc, err)
		}
		if cfg.MQTT.Online != tt.want {
			t.Errorf("Parse(%q): online %q, want %q", tt.doc, cfg.MQTT.Online, tt.want)
		}
	}

	if _, err := Parse("[mqtt]\nonline = 1"); err == nil {
		t.Error("expected error for numeric online")
	}
}

func TestParse_NonPositiveIntervalIsNotFatal(t *testing.T) {
	cfg, err := Parse("poll_items = [[0, 0x0800, 2], [-1, 0x0802, 2]]")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(cfg.PollItems) != 2 {
		t.Errorf("expected both items kept for the schedule to skip, got %d", len(cfg.PollItems))
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"invalid toml", "data_points = [", "decode config"},
		{"duplicate address", `data_points = [["a", 0x0800, "int16"], ["b", 0x0800, "uint8"]]`, "duplicate"},
		{"unknown kind", `data_points = [["a", 0x0800, "uint24"]]`, "uint24"},
		{"address out of range", `data_points = [["a", 0x10000, "int16"]]`, "address"},
		{"missing fields", `data_points = [["a", 0x0800]]`, "fields"},
		{"name not a string", `data_points = [[1, 0x0800, "int16"]]`, "name"},
		{"scale not a number", `data_points = [["a", 0x0800, "int16", "x"]]`, "scale"},
		{"poll len out of range", `poll_items = [[1, 0x0800, 0]]`, "len"},
		{"poll item fields", `poll_items = [[1, 0x0800]]`, "fields"},
		{"bad buffer format", "[mqtt]\nbuffer_format = \"octal\"", "buffer_format"},
		{"negative decimals", "[mqtt]\nmax_decimals = -1", "max_decimals"},
		{"same ports", "gateway_port = \"/dev/ttyS0\"\ncontroller_port = \"/dev/ttyS0\"", "both"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_DuplicateIsTyped(t *testing.T) {
	_, err := Parse(`data_points = [["a", 0x0800, "int16"], ["b", 0x0800, "uint8"]]`)
	var dup *datapoint.DuplicateAddrError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateAddrError, got %v", err)
	}
	if dup.Addr != 0x0800 {
		t.Errorf("unexpected duplicate %+v", dup)
	}
}

// ============================================================
// File Tests
// ============================================================

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	if _, err := Resolve(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	os.WriteFile("config.toml", nil, 0o644)
	if p, _ := Resolve(""); p != "config.toml" {
		t.Errorf("expected config.toml, got %q", p)
	}

	os.WriteFile("local_config.toml", nil, 0o644)
	if p, _ := Resolve(""); p != "local_config.toml" {
		t.Errorf("expected local_config.toml to win, got %q", p)
	}

	if p, _ := Resolve("custom.toml"); p != "custom.toml" {
		t.Errorf("explicit path must win, got %q", p)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Path != path || len(cfg.DataPoints) != 5 {
		t.Errorf("unexpected config from %s: %+v", path, cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`data_points = [["a", 0x0800, "int16"]]`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(c *Config) { reloaded <- c })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	// an invalid file is skipped
	os.WriteFile(path, []byte(`data_points = [["a", 0x0800, "nope"]]`), 0o644)
	select {
	case c := <-reloaded:
		t.Fatalf("invalid config must not be delivered, got %+v", c)
	case <-time.After(2 * SettleDelay):
	}

	os.WriteFile(path, []byte(`data_points = [["a", 0x0800, "int16"], ["b", 0x0802, "uint8"]]`), 0o644)
	select {
	case c := <-reloaded:
		if len(c.DataPoints) != 2 {
			t.Errorf("expected reloaded data points, got %d", len(c.DataPoints))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch error: %v", err)
	}
}
