// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/optobridge/internal/app"
	"github.com/Thermoquad/optobridge/internal/logging"
	"github.com/Thermoquad/optobridge/internal/publish"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the bridge with a live terminal UI",
	Long: `Run the bridge like "run" and show a live terminal UI with the bus state,
traffic counters, the latest value of every address and recent log events.

All configured outputs (MQTT, stream, exporter) keep working while the UI is
shown. Use --log-file to keep a copy of the log.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var monitorLogFile string

// monitorBacklog bounds the channels between the service and the UI
const monitorBacklog = 256

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Also write the log to this file")
}

// eventWriter hands log lines to the UI without ever blocking the logger
type eventWriter struct {
	ch chan string
}

func (w eventWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- string(p):
	default:
	}
	return len(p), nil
}

// samplePublisher hands samples to the UI, dropping them while it lags
func samplePublisher(ch chan<- publish.Sample) publish.Publisher {
	return publish.PublisherFunc(func(s publish.Sample) error {
		select {
		case ch <- s:
		default:
		}
		return nil
	})
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	events := make(chan string, monitorBacklog)
	var out io.Writer = eventWriter{ch: events}
	if monitorLogFile != "" {
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(out, f)
	}
	logger := logging.Setup(out, cfg.LogLevel)

	samples := make(chan publish.Sample, monitorBacklog)
	a, err := app.New(cfg,
		app.WithLogger(logging.Component("app")),
		app.WithLogLevel(logLevel),
		app.WithPublisher(samplePublisher(samples)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// done feeds the UI, finished guards runErr
	done := make(chan error, 1)
	finished := make(chan struct{})
	var runErr error
	go func() {
		runErr = a.Run(ctx)
		done <- runErr
		close(finished)
	}()

	m := initialModel(a, samples, events, done)
	m.gatewayPort = cfg.GatewayPort
	m.controlPort = cfg.ControllerPort
	m.maxDecimals = cfg.MQTT.MaxDecimals
	m.bufferFormat = cfg.MQTT.BufferFormat
	if cfg.Intercepting() {
		m.mode = "intercept"
	}

	p := tea.NewProgram(m, tea.WithContext(ctx))
	_, uiErr := p.Run()
	interrupted := ctx.Err() != nil

	// Stop the service and wait for it
	cancel()
	<-finished
	if uiErr != nil && !interrupted {
		return uiErr
	}

	writeStats(cmd.OutOrStdout(), a)
	return runResult(runErr, logger)
}
