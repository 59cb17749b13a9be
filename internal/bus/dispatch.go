// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/internal/metrics"
	"github.com/Thermoquad/optobridge/internal/pipeline"
	"github.com/Thermoquad/optobridge/internal/publish"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// LivenessDelay is how long after startup configured data points are
// checked for having been seen at least once
const LivenessDelay = time.Hour

// Runtime is the configuration the dispatcher routes with. It is replaced
// as a whole on reload and never modified in place.
type Runtime struct {
	Table          *datapoint.Table
	PollAddrs      map[uint16]struct{}
	PublishUnknown bool
}

// NewRuntime builds a runtime from a table and the statically polled addresses
func NewRuntime(table *datapoint.Table, pollAddrs []uint16, publishUnknown bool) *Runtime {
	rt := &Runtime{
		Table:          table,
		PollAddrs:      make(map[uint16]struct{}, len(pollAddrs)),
		PublishUnknown: publishUnknown,
	}
	for _, addr := range pollAddrs {
		rt.PollAddrs[addr] = struct{}{}
	}
	return rt
}

func (rt *Runtime) polled(addr uint16) bool {
	_, ok := rt.PollAddrs[addr]
	return ok
}

// Dispatcher is the pipeline handler: it advances the sync state machine
// and publishes the values carried by data frames
type Dispatcher struct {
	sync      *Sync
	publisher publish.Publisher
	stats     *metrics.Statistics
	logger    zerolog.Logger
	runtime   *atomic.Pointer[Runtime]
	now       func() time.Time

	mu       sync.Mutex
	observed map[uint16]struct{} // addresses requested from the controller
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithStatistics sets the statistics to count into
func WithStatistics(s *metrics.Statistics) Option {
	return func(d *Dispatcher) {
		d.stats = s
	}
}

// NewDispatcher creates a dispatcher publishing to p
func NewDispatcher(s *Sync, p publish.Publisher, rt *Runtime, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sync:      s,
		publisher: p,
		stats:     metrics.NewStatistics(),
		logger:    zerolog.Nop(),
		runtime:   atomic.NewPointer(rt),
		now:       time.Now,
		observed:  make(map[uint16]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetRuntime swaps the runtime used for the following packets
func (d *Dispatcher) SetRuntime(rt *Runtime) {
	d.runtime.Store(rt)
}

// Runtime returns the runtime currently in use
func (d *Dispatcher) Runtime() *Runtime {
	return d.runtime.Load()
}

// HandlePacket implements pipeline.Handler
func (d *Dispatcher) HandlePacket(p pipeline.Packet) error {
	d.stats.Packets.Inc()
	d.sync.Observe(p.Dir, p.Msg)

	rt := d.runtime.Load()
	f := p.Msg.DataFrame()
	if !f.IsData() {
		return nil
	}

	if p.Dir.ToController() && f.Addr != 0 {
		d.observe(f.Addr, p.Dir, rt)
	}

	switch f.ID {
	case vs2.IDUnack:
		d.stats.ProtocolErrors.Inc()
		d.logger.Error().Str("addr", vs2.FormatAddr(f.Addr)).Msg("Packet unacknowledged")
		return nil
	case vs2.IDErrmsg:
		d.stats.ProtocolErrors.Inc()
		d.logger.Error().Str("addr", vs2.FormatAddr(f.Addr)).Str("data", hex.EncodeToString(f.Payload)).Msg("Packet with error message")
		return nil
	}

	// only reads, writes and RPC results carry values
	if !f.CarriesValue() {
		return nil
	}

	dp, known := rt.Table.Lookup(f.Addr)
	if !known {
		d.stats.Unknown.Inc()
		if !rt.PublishUnknown {
			d.logger.Debug().Str("addr", vs2.FormatAddr(f.Addr)).Str("data", hex.EncodeToString(f.Payload)).Msg("Unknown data point")
			return nil
		}
		raw := make([]byte, len(f.Payload))
		copy(raw, f.Payload)
		return d.publish(publish.Sample{Addr: f.Addr, Value: raw, Time: d.now()})
	}

	value, err := dp.Decode(f.Payload)
	if err != nil {
		return err
	}
	d.stats.Published.Inc()
	return d.publish(publish.Sample{Name: dp.Name, Addr: f.Addr, Known: true, Value: value, Time: d.now()})
}

func (d *Dispatcher) publish(s publish.Sample) error {
	d.logger.Debug().Str("addr", vs2.FormatAddr(s.Addr)).Str("value", vs2.FormatValue(s.Value)).Msgf("Publishing %s", s.Label())
	return d.publisher.Publish(s)
}

// observe records an address requested from the controller. The first
// gateway request for a statically polled address prints a hint, as both
// sides would then spend bus time on it.
func (d *Dispatcher) observe(addr uint16, dir vs2.Direction, rt *Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.observed[addr]; seen {
		return
	}
	d.observed[addr] = struct{}{}

	if !dir.Local() && rt.polled(addr) {
		d.logger.Info().Str("addr", vs2.FormatAddr(addr)).
			Msg("The gateway requests this address itself, consider removing it from poll_items to save bus bandwidth (printed once)")
	}
}

// Observed reports whether addr was requested from the controller
func (d *Dispatcher) Observed(addr uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.observed[addr]
	return ok
}

// CheckLiveness returns the configured data points that were never
// requested and are not polled either, logging a hint for each
func (d *Dispatcher) CheckLiveness() []datapoint.DataPoint {
	rt := d.runtime.Load()

	var silent []datapoint.DataPoint
	for _, dp := range rt.Table.All() {
		if d.Observed(dp.Addr) || rt.polled(dp.Addr) {
			continue
		}
		silent = append(silent, dp)
		d.logger.Info().Str("name", dp.Name).Str("addr", vs2.FormatAddr(dp.Addr)).
			Msg("Data point was never requested from the controller, consider adding it to poll_items")
	}
	return silent
}

// StartLiveness runs CheckLiveness once after delay. The returned function
// cancels the check.
func (d *Dispatcher) StartLiveness(delay time.Duration) (stop func()) {
	t := time.AfterFunc(delay, func() { d.CheckLiveness() })
	return func() { t.Stop() }
}
