// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package publish delivers decoded values to MQTT, websocket stream clients
// and the log.
package publish

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Sample is one value seen on the bus.
//
// Value is a float64, int64, uint64, string or []byte. Samples of unknown
// addresses carry the raw payload and Known is false.
type Sample struct {
	Name  string
	Addr  uint16
	Known bool
	Value any
	Time  time.Time
}

// Label returns the data point name, or the formatted address when unknown
func (s Sample) Label() string {
	if s.Known {
		return s.Name
	}
	return vs2.FormatAddr(s.Addr)
}

// Publisher receives samples from the dispatcher. Publish is called from the
// packet worker and should not block for long.
type Publisher interface {
	Publish(s Sample) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(s Sample) error

func (f PublisherFunc) Publish(s Sample) error {
	return f(s)
}

// Fanout publishes every sample to all publishers, joining their errors
type Fanout []Publisher

func (f Fanout) Publish(s Sample) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes samples to a logger at info level (debug for unknown addresses)
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Publish(s Sample) error {
	ev := l.Logger.Info()
	if !s.Known {
		ev = l.Logger.Debug()
	}
	ev.Str("addr", vs2.FormatAddr(s.Addr)).
		Str("value", vs2.FormatValue(s.Value)).
		Msgf("Data point %s", s.Label())
	return nil
}
