// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge forwards bytes between the gateway and controller ports,
// letting a single interceptor inspect, replace or hold each chunk.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/optobridge/internal/link"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// DefaultReadSize is the read buffer size of each forwarding loop. At 4800
// baud a read rarely returns more than a handful of bytes.
const DefaultReadSize = 256

// lane is one forwarding direction. A release may arrive before the lane
// starts waiting for it, so it is buffered.
type lane struct {
	dir     vs2.Direction
	src     link.Port
	dst     link.Port
	release chan []byte
}

// Bridge is a bump-in-the-wire between two ports
type Bridge struct {
	gateway    link.Port
	controller link.Port

	interceptor Interceptor
	subscribers []Subscriber
	onError     func(vs2.Direction, error)
	logger      zerolog.Logger
	readSize    int

	lanes map[vs2.Direction]*lane

	closing   *atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Bridge
type Option func(*Bridge)

// WithInterceptor registers the interceptor. Only one can be registered;
// it sees both directions.
func WithInterceptor(i Interceptor) Option {
	return func(b *Bridge) {
		b.interceptor = i
	}
}

// WithSubscriber adds a subscriber for forwarded chunks
func WithSubscriber(s Subscriber) Option {
	return func(b *Bridge) {
		b.subscribers = append(b.subscribers, s)
	}
}

// WithErrorHandler is called for interceptor failures and I/O errors
func WithErrorHandler(fn func(vs2.Direction, error)) Option {
	return func(b *Bridge) {
		b.onError = fn
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithReadSize sets the read buffer size of each loop
func WithReadSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.readSize = n
		}
	}
}

// New creates a bridge between the gateway and controller ports
func New(gateway, controller link.Port, opts ...Option) *Bridge {
	b := &Bridge{
		gateway:    gateway,
		controller: controller,
		logger:     zerolog.Nop(),
		readSize:   DefaultReadSize,
		closing:    atomic.NewBool(false),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.lanes = map[vs2.Direction]*lane{
		vs2.GatewayToController: {
			dir: vs2.GatewayToController, src: gateway, dst: controller,
			release: make(chan []byte, 1),
		},
		vs2.ControllerToGateway: {
			dir: vs2.ControllerToGateway, src: controller, dst: gateway,
			release: make(chan []byte, 1),
		},
	}
	return b
}

// Run forwards in both directions until the bridge is closed, ctx is
// cancelled or one direction fails. A failing direction closes the bridge;
// the first I/O error is returned.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-stop:
		}
	}()

	for _, l := range b.lanes {
		g.Go(func() error {
			return b.forward(ctx, l)
		})
	}
	return g.Wait()
}

// Close closes both ports, ending the forwarding loops. It is safe to call
// more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		close(b.closed)
		b.closeErr = errors.Join(b.gateway.Close(), b.controller.Close())
	})
	return b.closeErr
}

// Resume releases the chunk held on dir, forwarding chunk in its place.
// It may be called while the interceptor that decided the hold is still
// running; the lane picks the release up once it starts holding.
func (b *Bridge) Resume(dir vs2.Direction, chunk []byte) {
	l, ok := b.lanes[dir]
	if !ok {
		b.logger.Warn().Stringer("direction", dir).Msg("Resume on unknown direction")
		return
	}
	select {
	case l.release <- chunk:
	default:
		b.logger.Warn().Stringer("direction", dir).Msg("Resume without a held chunk")
	}
}

// discardStale drops a release left over from a Resume that had no hold.
// A release for the next hold cannot exist before the interceptor runs.
func (b *Bridge) discardStale(l *lane) {
	select {
	case <-l.release:
		b.logger.Warn().Stringer("direction", l.dir).Msg("Resume without a held chunk")
	default:
	}
}

func (b *Bridge) forward(ctx context.Context, l *lane) error {
	buf := make([]byte, b.readSize)
	for {
		n, err := l.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := b.handle(ctx, l, chunk); err != nil {
				return b.loopError(ctx, l, err)
			}
		}
		if err != nil {
			return b.loopError(ctx, l, err)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, l *lane, chunk []byte) error {
	if b.interceptor == nil {
		return b.write(l, chunk)
	}

	b.discardStale(l)
	v, err := b.intercept(chunk, l.dir)
	if err != nil {
		b.logger.Error().Err(err).Stringer("direction", l.dir).Msg("Interceptor failed, forwarding chunk unchanged")
		b.report(l.dir, &InterceptError{Err: err})
		return b.write(l, chunk)
	}

	switch v.kind {
	case verdictWithhold:
		return nil

	case verdictEmitThenWithhold:
		if _, err := l.dst.Write(v.data); err != nil {
			return err
		}
		select {
		case released := <-l.release:
			if released == nil {
				return nil
			}
			return b.write(l, released)
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		}

	default:
		return b.write(l, v.data)
	}
}

// intercept runs the interceptor, turning a panic into an error
func (b *Bridge) intercept(chunk []byte, dir vs2.Direction) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interceptor panic: %v", r)
		}
	}()
	return b.interceptor.Intercept(chunk, dir, b)
}

func (b *Bridge) write(l *lane, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	for _, s := range b.subscribers {
		s.OnChunk(chunk, l.dir)
	}
	_, err := l.dst.Write(chunk)
	return err
}

func (b *Bridge) loopError(ctx context.Context, l *lane, err error) error {
	if b.closing.Load() || ctx.Err() != nil {
		return nil
	}
	b.logger.Error().Err(err).Stringer("direction", l.dir).Msg("Forwarding stopped")
	b.report(l.dir, err)
	return fmt.Errorf("%s: %w", l.dir, err)
}

func (b *Bridge) report(dir vs2.Direction, err error) {
	if b.onError != nil {
		b.onError(dir, err)
	}
}
