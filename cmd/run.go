// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/optobridge/internal/app"
	"github.com/Thermoquad/optobridge/internal/config"
	"github.com/Thermoquad/optobridge/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Open the gateway and controller ports and bridge them until interrupted.

Every value seen on the bus is published to the configured outputs (MQTT,
the websocket stream and the Prometheus exporter). Statistics are printed
on exit.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var printStats bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&printStats, "stats", true, "Print statistics on exit")
}

// loadConfig resolves and loads the configuration, applying the command
// line overrides and filling in missing passwords
func loadConfig() (*config.Config, error) {
	path, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := resolvePasswords(cfg, promptPassword); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.Setup(os.Stderr, cfg.LogLevel)
	logger.Info().Str("config", cfg.Path).Msg("Configuration loaded")

	a, err := app.New(cfg,
		app.WithLogger(logging.Component("app")),
		app.WithLogLevel(logLevel),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = a.Run(ctx)
	if printStats {
		writeStats(cmd.OutOrStdout(), a)
	}
	return runResult(err, logger)
}

func writeStats(w io.Writer, a *app.App) {
	fmt.Fprintln(w)
	fmt.Fprint(w, a.Statistics().Snapshot().String())
}

// runResult turns a shutdown by signal into a clean exit
func runResult(err error, logger zerolog.Logger) error {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info().Msg("Stopped")
		return nil
	}
	return err
}
