// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package app owns the runtime of the bridge service and wires the
// components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/optobridge/internal/bridge"
	"github.com/Thermoquad/optobridge/internal/bus"
	"github.com/Thermoquad/optobridge/internal/config"
	"github.com/Thermoquad/optobridge/internal/link"
	"github.com/Thermoquad/optobridge/internal/logging"
	"github.com/Thermoquad/optobridge/internal/metrics"
	"github.com/Thermoquad/optobridge/internal/pipeline"
	"github.com/Thermoquad/optobridge/internal/poll"
	"github.com/Thermoquad/optobridge/internal/publish"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// ConnectTimeout is how long startup waits for the MQTT broker before
// continuing without it
const ConnectTimeout = 10 * time.Second

// Opener opens a port by address and returns a description for the log
type Opener func(addr string, opts ...link.TunnelOption) (link.Port, string, error)

// App is the bridge service
type App struct {
	logger   zerolog.Logger
	open     Opener
	liveness time.Duration
	logLevel string // command line override, survives reloads

	stats      *metrics.Statistics
	sync       *bus.Sync
	dispatcher *bus.Dispatcher
	polls      *poll.Queue
	exporter   *metrics.Exporter
	mqtt       *publish.MQTT
	stream     *publish.Stream
	extra      []publish.Publisher

	cfg *atomic.Pointer[config.Config]

	mu           sync.Mutex
	intercepting bool
	schedule     *poll.Schedule
}

// Option configures an App
type Option func(*App)

// WithLogger sets the service logger
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithPublisher adds a publisher receiving every sample
func WithPublisher(p publish.Publisher) Option {
	return func(a *App) {
		a.extra = append(a.extra, p)
	}
}

// WithOpener replaces link.Open
func WithOpener(open Opener) Option {
	return func(a *App) {
		a.open = open
	}
}

// WithLogLevel fixes the log level, overriding the configuration file on
// start and on every reload
func WithLogLevel(level string) Option {
	return func(a *App) {
		a.logLevel = level
	}
}

// WithLivenessDelay changes when unseen data points are reported
func WithLivenessDelay(d time.Duration) Option {
	return func(a *App) {
		a.liveness = d
	}
}

// New builds the service from a validated configuration. Ports are opened
// by Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		logger:   logging.Component("app"),
		open:     link.Open,
		liveness: bus.LivenessDelay,
		stats:    metrics.NewStatistics(),
		polls:    poll.NewQueue(),
		cfg:      atomic.NewPointer(cfg),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}

	a.sync = bus.NewSync(logging.Component("bus"))
	a.exporter = metrics.NewExporter(a.stats, a.sync.Flowing)

	publishers := publish.Fanout{
		publish.Log{Logger: logging.Component("publish")},
		a.exporter,
	}
	if cfg.MQTT.Enabled() {
		a.mqtt = publish.NewMQTT(publish.MQTTConfig(cfg.MQTT), logging.Component("mqtt"))
		publishers = append(publishers, a.mqtt)
	} else {
		a.logger.Warn().Msg("No MQTT (URL) configuration found, not publishing to MQTT")
	}
	if cfg.Stream.Listen != "" {
		a.stream = publish.NewStream(logging.Component("stream"))
		publishers = append(publishers, a.stream)
	}
	publishers = append(publishers, a.extra...)

	a.dispatcher = bus.NewDispatcher(a.sync, publishers,
		bus.NewRuntime(table, cfg.PollAddrs(), cfg.PublishUnknown),
		bus.WithLogger(logging.Component("dispatch")),
		bus.WithStatistics(a.stats),
	)
	return a, nil
}

// Statistics returns the live counters
func (a *App) Statistics() *metrics.Statistics {
	return a.stats
}

// BusState returns the handshake state
func (a *App) BusState() string {
	return a.sync.State()
}

// Flowing reports whether the bus handshake completed
func (a *App) Flowing() bool {
	return a.sync.Flowing()
}

// Config returns the configuration currently in effect
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// PollBacklog returns the number of queued poll items
func (a *App) PollBacklog() int {
	return a.polls.Len()
}

// Run opens both ports and bridges them until ctx is done or a port fails
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	tunnel := []link.TunnelOption{link.WithInsecureTLS(cfg.Tunnel.Insecure)}
	if cfg.Tunnel.Username != "" {
		tunnel = append(tunnel, link.WithBasicAuth(cfg.Tunnel.Username, cfg.Tunnel.Password))
	}

	gateway, desc, err := a.open(cfg.GatewayPort, tunnel...)
	if err != nil {
		return fmt.Errorf("open gateway port: %w", err)
	}
	a.logger.Info().Str("port", desc).Msg("Gateway port opened")

	controller, desc, err := a.open(cfg.ControllerPort, tunnel...)
	if err != nil {
		gateway.Close()
		return fmt.Errorf("open controller port: %w", err)
	}
	a.logger.Info().Str("port", desc).Msg("Controller port opened")

	queue := pipeline.New(a.dispatcher,
		pipeline.WithLogger(logging.Component("pipeline")),
		pipeline.WithFormatErrorHandler(func(pipeline.Packet, error) {
			a.stats.FormatErrors.Inc()
		}),
	)
	defer queue.Close()

	bopts := []bridge.Option{
		bridge.WithLogger(logging.Component("bridge")),
		bridge.WithSubscriber(bridge.SubscriberFunc(func(chunk []byte, _ vs2.Direction) {
			a.stats.AddChunk(len(chunk))
		})),
		bridge.WithSubscriber(queue),
		bridge.WithErrorHandler(a.onBridgeError),
	}

	mode := "pass-through"
	if cfg.Intercepting() {
		mode = "intercept"
		injector := poll.NewInjector(a.polls, queue, a.sync.Flowing,
			poll.WithLogger(logging.Component("poll")),
			poll.WithStatistics(a.stats),
		)
		bopts = append(bopts, bridge.WithInterceptor(injector))

		a.mu.Lock()
		a.intercepting = true
		a.schedule = poll.StartSchedule(a.polls, cfg.PollItems, logging.Component("poll"))
		a.mu.Unlock()
	}
	defer a.stopSchedule()

	b := bridge.New(gateway, controller, bopts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})

	if a.mqtt != nil {
		a.mqtt.Connect(ConnectTimeout)
		defer a.mqtt.Close()
	}
	if a.stream != nil {
		a.sideline(g, "Value stream", func() error {
			return a.stream.Serve(gctx, cfg.Stream.Listen, cfg.Stream.Path)
		})
	}
	if cfg.Metrics.Listen != "" {
		a.sideline(g, "Metrics exporter", func() error {
			return a.exporter.Serve(gctx, cfg.Metrics.Listen, logging.Component("metrics"))
		})
	}
	if cfg.AutoReload && cfg.Path != "" {
		a.sideline(g, "Configuration watcher", func() error {
			return config.Watch(gctx, cfg.Path, logging.Component("config"), a.Reload)
		})
	}

	stopLiveness := a.dispatcher.StartLiveness(a.liveness)
	defer stopLiveness()

	a.logger.Info().Msgf("Started in %s mode, waiting for synchronization", mode)
	return g.Wait()
}

// sideline runs an optional service next to the bridge. Its failure is
// logged and leaves forwarding running.
func (a *App) sideline(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() error {
		if err := fn(); err != nil {
			a.stats.ServiceErrors.Inc()
			a.logger.Error().Err(err).Msgf("%s stopped, bridge keeps forwarding", name)
		}
		return nil
	})
}

// Reload swaps in a new configuration. Data points and poll items take
// effect immediately; ports, MQTT and endpoints need a restart.
func (a *App) Reload(cfg *config.Config) {
	table, err := cfg.Table()
	if err != nil {
		a.logger.Error().Err(err).Msg("Configuration rejected")
		return
	}

	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	logging.SetLevel(cfg.LogLevel)
	a.dispatcher.SetRuntime(bus.NewRuntime(table, cfg.PollAddrs(), cfg.PublishUnknown))

	a.mu.Lock()
	if a.intercepting {
		if a.schedule != nil {
			a.schedule.Stop()
		}
		a.schedule = poll.StartSchedule(a.polls, cfg.PollItems, logging.Component("poll"))
	} else if cfg.Intercepting() {
		a.logger.Warn().Msg("Poll items were added while running in pass-through mode, restart to start polling")
	}
	a.mu.Unlock()

	a.cfg.Store(cfg)
	a.logger.Info().Int("data_points", table.Len()).Int("poll_items", len(cfg.PollItems)).Msg("Configuration applied")
}

func (a *App) stopSchedule() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.schedule != nil {
		a.schedule.Stop()
		a.schedule = nil
	}
}

func (a *App) onBridgeError(dir vs2.Direction, err error) {
	var ie *bridge.InterceptError
	if errors.As(err, &ie) {
		a.stats.InterceptErrors.Inc()
		return
	}
	a.stats.IOErrors.Inc()
	a.logger.Error().Err(err).Msgf("Error on serial port %s", dir)
}
