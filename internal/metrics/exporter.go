// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Thermoquad/optobridge/internal/publish"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

const namespace = "optobridge"

// Exporter exposes the statistics and the latest numeric data point values
// in the Prometheus text format
type Exporter struct {
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
}

// NewExporter registers the counters of stats. flowing reports the bus state
// and may be nil.
func NewExporter(stats *Statistics, flowing func() bool) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value",
			Help:      "Latest decoded value per data point",
		}, []string{"name", "addr"}),
	}

	counters := []struct {
		name, help string
		c          *atomic.Uint64
	}{
		{"chunks_total", "Chunks forwarded by the bridge", stats.Chunks},
		{"bytes_total", "Bytes forwarded by the bridge", stats.Bytes},
		{"packets_total", "Packets decoded", stats.Packets},
		{"format_errors_total", "Packets dropped as undecodable", stats.FormatErrors},
		{"protocol_errors_total", "UNACK and ERRMSG frames observed", stats.ProtocolErrors},
		{"published_total", "Values of known data points published", stats.Published},
		{"unknown_total", "Values of unknown addresses seen", stats.Unknown},
		{"polls_sent_total", "Poll requests injected", stats.PollsSent},
		{"poll_answers_total", "Poll requests answered", stats.PollAnswers},
		{"intercept_errors_total", "Interceptor failures", stats.InterceptErrors},
		{"io_errors_total", "Serial I/O errors", stats.IOErrors},
		{"service_errors_total", "Optional services that stopped", stats.ServiceErrors},
	}
	for _, c := range counters {
		load := c.c.Load
		e.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(load()) }))
	}

	if flowing != nil {
		e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_flowing",
			Help:      "1 once the link handshake completed",
		}, func() float64 {
			if flowing() {
				return 1
			}
			return 0
		}))
	}
	e.registry.MustRegister(e.values)
	return e
}

// Publish records numeric samples of known data points. Other values are
// ignored.
func (e *Exporter) Publish(s publish.Sample) error {
	if !s.Known {
		return nil
	}
	var v float64
	switch val := s.Value.(type) {
	case float64:
		v = val
	case int64:
		v = float64(val)
	case uint64:
		v = float64(val)
	default:
		return nil
	}
	e.values.WithLabelValues(s.Name, vs2.FormatAddr(s.Addr)).Set(v)
	return nil
}

// Handler serves the registry
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is cancelled
func (e *Exporter) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
