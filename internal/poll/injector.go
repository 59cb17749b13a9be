// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package poll

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/internal/bridge"
	"github.com/Thermoquad/optobridge/internal/metrics"
	"github.com/Thermoquad/optobridge/internal/pipeline"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// State is the injection state
type State int

const (
	// Idle forwards everything and picks the next item while a response passes
	Idle State = iota
	// PollSelected replaces the next gateway request with a poll
	PollSelected
	// AwaitingResponse collects the controller's answer to a poll
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PollSelected:
		return "poll selected"
	case AwaitingResponse:
		return "awaiting response"
	default:
		return "unknown"
	}
}

// Pusher receives synthesized packets in bus order
type Pusher interface {
	PushPacket(p pipeline.Packet)
}

// Injector is the bridge interceptor that slips poll requests into the
// request cycle of the gateway.
//
// While a response travels to the gateway an item is taken from the queue.
// The gateway's next request is then held back and the poll is written to
// the controller in its place. The answer is kept from the gateway, pushed
// to the pipeline as local traffic, and the held request is released.
type Injector struct {
	queue   *Queue
	pusher  Pusher
	flowing func() bool
	stats   *metrics.Statistics
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	next    Item
	held    []byte
	pending []byte
}

// InjectorOption configures an Injector
type InjectorOption func(*Injector)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) InjectorOption {
	return func(in *Injector) {
		in.logger = l
	}
}

// WithStatistics sets the statistics to count polls into
func WithStatistics(s *metrics.Statistics) InjectorOption {
	return func(in *Injector) {
		in.stats = s
	}
}

// NewInjector creates an injector taking items from q. Polls only start
// once flowing reports true.
func NewInjector(q *Queue, pusher Pusher, flowing func() bool, opts ...InjectorOption) *Injector {
	in := &Injector{
		queue:   q,
		pusher:  pusher,
		flowing: flowing,
		stats:   metrics.NewStatistics(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// State returns the current state
func (in *Injector) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Intercept implements bridge.Interceptor
func (in *Injector) Intercept(chunk []byte, dir vs2.Direction, r bridge.Resumer) (bridge.Verdict, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch dir {
	case vs2.ControllerToGateway:
		return in.fromController(chunk, r), nil
	case vs2.GatewayToController:
		return in.toController(chunk), nil
	default:
		return bridge.Forward(chunk), nil
	}
}

func (in *Injector) fromController(chunk []byte, r bridge.Resumer) bridge.Verdict {
	if in.state != AwaitingResponse {
		// a response may arrive in several chunks, only pick once
		if in.state == Idle && in.flowing() {
			if item, ok := in.queue.Dequeue(); ok {
				in.next = item
				in.state = PollSelected
			}
		}
		return bridge.Forward(chunk)
	}

	// the answer is ours, the gateway never sees it
	in.pending = append(in.pending, chunk...)

	resp, err := vs2.DecodeResponse(in.pending)
	if err != nil {
		// not complete yet
		in.logger.Trace().Err(err).Msg("Poll response incomplete")
		return bridge.Withhold()
	}
	if resp.IsBareAck() {
		return bridge.Withhold()
	}

	in.pusher.PushPacket(pipeline.Packet{
		Dir: vs2.ControllerToLocal,
		Raw: in.pending,
		Msg: vs2.Message{Response: resp},
	})
	in.stats.PollAnswers.Inc()

	held := in.held
	in.state = Idle
	in.next = Item{}
	in.held = nil
	in.pending = nil

	r.Resume(vs2.GatewayToController, held)
	return bridge.Withhold()
}

func (in *Injector) toController(chunk []byte) bridge.Verdict {
	if in.state != PollSelected {
		return bridge.Forward(chunk)
	}

	frame := in.next.Request()
	in.pusher.PushPacket(pipeline.Packet{
		Dir: vs2.LocalToController,
		Msg: vs2.Message{Frame: frame},
	})
	in.stats.PollsSent.Inc()
	in.logger.Debug().Str("addr", vs2.FormatAddr(in.next.Addr)).Uint8("len", in.next.Len).Msg("Injecting poll request")

	in.held = chunk
	in.state = AwaitingResponse
	return bridge.EmitThenWithhold(vs2.Encode(frame))
}
