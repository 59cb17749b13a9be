// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics counts bridge activity for the monitor and the Prometheus
// exporter.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"
)

// Statistics tracks bridge traffic. All counters may be updated from any
// goroutine.
type Statistics struct {
	start *atomic.Time

	Chunks          *atomic.Uint64 // chunks forwarded by the bridge
	Bytes           *atomic.Uint64 // bytes forwarded by the bridge
	Packets         *atomic.Uint64 // packets decoded by the worker
	FormatErrors    *atomic.Uint64 // packets dropped as undecodable
	ProtocolErrors  *atomic.Uint64 // UNACK and ERRMSG frames
	Published       *atomic.Uint64 // values of known data points
	Unknown         *atomic.Uint64 // values of unknown addresses
	PollsSent       *atomic.Uint64
	PollAnswers     *atomic.Uint64
	InterceptErrors *atomic.Uint64
	IOErrors        *atomic.Uint64
	ServiceErrors   *atomic.Uint64 // stream, exporter or watcher stopped
}

// Snapshot is a consistent-enough copy of the counters with derived rates
type Snapshot struct {
	Elapsed time.Duration

	Chunks          uint64
	Bytes           uint64
	Packets         uint64
	FormatErrors    uint64
	ProtocolErrors  uint64
	Published       uint64
	Unknown         uint64
	PollsSent       uint64
	PollAnswers     uint64
	InterceptErrors uint64
	IOErrors        uint64
	ServiceErrors   uint64

	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{
		start:           atomic.NewTime(time.Now()),
		Chunks:          atomic.NewUint64(0),
		Bytes:           atomic.NewUint64(0),
		Packets:         atomic.NewUint64(0),
		FormatErrors:    atomic.NewUint64(0),
		ProtocolErrors:  atomic.NewUint64(0),
		Published:       atomic.NewUint64(0),
		Unknown:         atomic.NewUint64(0),
		PollsSent:       atomic.NewUint64(0),
		PollAnswers:     atomic.NewUint64(0),
		InterceptErrors: atomic.NewUint64(0),
		IOErrors:        atomic.NewUint64(0),
		ServiceErrors:   atomic.NewUint64(0),
	}
}

// AddChunk counts a forwarded chunk
func (s *Statistics) AddChunk(n int) {
	s.Chunks.Inc()
	s.Bytes.Add(uint64(n))
}

// Errors returns the sum of all error counters
func (s *Statistics) Errors() uint64 {
	return s.FormatErrors.Load() + s.ProtocolErrors.Load() + s.InterceptErrors.Load() + s.IOErrors.Load()
}

// Snapshot copies the counters and calculates packet and error rates
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		Elapsed:         time.Since(s.start.Load()),
		Chunks:          s.Chunks.Load(),
		Bytes:           s.Bytes.Load(),
		Packets:         s.Packets.Load(),
		FormatErrors:    s.FormatErrors.Load(),
		ProtocolErrors:  s.ProtocolErrors.Load(),
		Published:       s.Published.Load(),
		Unknown:         s.Unknown.Load(),
		PollsSent:       s.PollsSent.Load(),
		PollAnswers:     s.PollAnswers.Load(),
		InterceptErrors: s.InterceptErrors.Load(),
		IOErrors:        s.IOErrors.Load(),
		ServiceErrors:   s.ServiceErrors.Load(),
	}
	if elapsed := snap.Elapsed.Seconds(); elapsed > 0 {
		snap.PacketRate = float64(snap.Packets) / elapsed
		snap.ErrorRate = float64(snap.errors()) / elapsed
	}
	return snap
}

func (s Snapshot) errors() uint64 {
	return s.FormatErrors + s.ProtocolErrors + s.InterceptErrors + s.IOErrors
}

// String returns a formatted statistics summary
func (s Snapshot) String() string {
	var validPercent, formatPercent float64
	if s.Packets+s.FormatErrors > 0 {
		total := float64(s.Packets + s.FormatErrors)
		validPercent = float64(s.Packets) * 100.0 / total
		formatPercent = float64(s.FormatErrors) * 100.0 / total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "Chunks:          %8d (%d bytes)\n", s.Chunks, s.Bytes)
	fmt.Fprintf(&b, "Valid Packets:   %8d (%.1f%%)\n", s.Packets, validPercent)

	if s.FormatErrors > 0 {
		fmt.Fprintf(&b, "Format Errors:   %8d (%.1f%%)\n", s.FormatErrors, formatPercent)
	}
	if s.ProtocolErrors > 0 {
		fmt.Fprintf(&b, "Protocol Errors: %8d\n", s.ProtocolErrors)
	}
	fmt.Fprintf(&b, "Published:       %8d\n", s.Published)
	if s.Unknown > 0 {
		fmt.Fprintf(&b, "  Unknown Addrs:  %7d\n", s.Unknown)
	}
	if s.PollsSent > 0 {
		fmt.Fprintf(&b, "Polls:           %8d (%d answered)\n", s.PollsSent, s.PollAnswers)
	}
	if s.InterceptErrors > 0 {
		fmt.Fprintf(&b, "Intercept Errors:%8d\n", s.InterceptErrors)
	}
	if s.IOErrors > 0 {
		fmt.Fprintf(&b, "I/O Errors:      %8d\n", s.IOErrors)
	}
	if s.ServiceErrors > 0 {
		fmt.Fprintf(&b, "Service Errors:  %8d\n", s.ServiceErrors)
	}

	fmt.Fprintf(&b, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.start.Store(time.Now())
	for _, c := range []*atomic.Uint64{
		s.Chunks, s.Bytes, s.Packets, s.FormatErrors, s.ProtocolErrors, s.Published,
		s.Unknown, s.PollsSent, s.PollAnswers, s.InterceptErrors, s.IOErrors,
		s.ServiceErrors,
	} {
		c.Store(0)
	}
}
