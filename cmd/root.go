// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Configuration flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "optobridge",
	Short: "VS2 Optolink bump-in-the-wire bridge",
	Long: `Optobridge - sits between a heating controller and its gateway on the
Optolink bus, forwards all traffic unchanged and publishes the values it sees.

With poll items configured it additionally slips its own read requests into
the gaps of the gateway's conversation.

Ports:
  Serial:    gateway_port = "/dev/ttyS0"
  WebSocket: controller_port = "ws://host/path" (see [tunnel])

The configuration is read from --config, or from local_config.toml or
config.toml in the working directory. Passwords are read from the
OPTOBRIDGE_MQTT_PASSWORD and OPTOBRIDGE_TUNNEL_PASSWORD environment
variables, or prompted interactively when a username is set without one.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (TOML)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Override the configured log level")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
