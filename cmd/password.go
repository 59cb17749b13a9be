// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Thermoquad/optobridge/internal/config"
)

const (
	// EnvMQTTPassword overrides the MQTT password from the configuration
	EnvMQTTPassword = "OPTOBRIDGE_MQTT_PASSWORD"
	// EnvTunnelPassword overrides the websocket tunnel password
	EnvTunnelPassword = "OPTOBRIDGE_TUNNEL_PASSWORD"
)

// prompter reads a password for the given label
type prompter func(label string) (string, error)

// promptPassword asks on stderr and reads stdin without echo
func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s password: ", label)

	// Read password without echo
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	// Fall back to a plain line when stdin is not a terminal
	return readLine(os.Stdin)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// resolvePasswords fills in missing passwords for configured usernames.
// Environment variables win over the file.
func resolvePasswords(cfg *config.Config, ask prompter) error {
	if pw := os.Getenv(EnvMQTTPassword); pw != "" {
		cfg.MQTT.Password = pw
	}
	if pw := os.Getenv(EnvTunnelPassword); pw != "" {
		cfg.Tunnel.Password = pw
	}

	if cfg.MQTT.Enabled() && cfg.MQTT.Username != "" && cfg.MQTT.Password == "" {
		pw, err := ask("MQTT")
		if err != nil {
			return err
		}
		cfg.MQTT.Password = pw
	}
	if cfg.Tunnel.Username != "" && cfg.Tunnel.Password == "" {
		pw, err := ask("Tunnel")
		if err != nil {
			return err
		}
		cfg.Tunnel.Password = pw
	}
	return nil
}
