// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging configures the zerolog loggers used by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLogLevel overrides the configured log level
const EnvLogLevel = "OPTOBRIDGE_LOG_LEVEL"

// DefaultLevel is used when neither config nor environment set a level
const DefaultLevel = zerolog.WarnLevel

// ParseLevel maps a configured level name. It accepts trace, debug, info,
// warn, error and none (plus a few common spellings).
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "none", "off", "disabled":
		return zerolog.Disabled, true
	default:
		return DefaultLevel, false
	}
}

// Setup builds the root logger writing human-readable lines to out and
// installs it as the global zerolog logger. The environment override wins
// over level.
//
// Filtering uses the zerolog global level so that SetLevel also applies to
// component loggers created earlier.
func Setup(out io.Writer, level string) zerolog.Logger {
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = DefaultLevel
	}
	if env, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		lvl = env
	}
	zerolog.SetGlobalLevel(lvl)

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// SetLevel changes the level of all loggers, used on config reload. It is
// ignored while the environment override is set.
func SetLevel(level string) {
	lvl, ok := ParseLevel(level)
	if !ok {
		return
	}
	if _, env := ParseLevel(os.Getenv(EnvLogLevel)); env {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// Component returns a sub-logger of the global logger tagged with name
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
