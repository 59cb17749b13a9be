// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus tracks the link handshake and routes decoded packets to the
// publisher.
package bus

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Sync states. The machine only ever moves forward.
const (
	StateSyncing = "syncing"
	StateSynced  = "synced"
	StateFlowing = "flowing"
)

// Sync events
const (
	EventSyn = "syn"
	EventAck = "ack"
)

// Sync follows the startup handshake: a SYN sent to the controller, then a
// bare ACK from it. Once flowing the state never changes again.
type Sync struct {
	machine *fsm.FSM
	flowing *atomic.Bool
	logger  zerolog.Logger
}

// NewSync creates a state machine in the syncing state
func NewSync(logger zerolog.Logger) *Sync {
	s := &Sync{
		flowing: atomic.NewBool(false),
		logger:  logger,
	}
	s.machine = fsm.NewFSM(
		StateSyncing,
		fsm.Events{
			{Name: EventSyn, Src: []string{StateSyncing}, Dst: StateSynced},
			{Name: EventAck, Src: []string{StateSynced}, Dst: StateFlowing},
		},
		fsm.Callbacks{
			"enter_" + StateSynced: func(_ context.Context, _ *fsm.Event) {
				s.logger.Debug().Msg("SYN observed, waiting for acknowledge")
			},
			"enter_" + StateFlowing: func(_ context.Context, _ *fsm.Event) {
				s.flowing.Store(true)
				s.logger.Info().Msg("Synchronization completed. Streams are now flowing")
			},
		},
	)
	return s
}

// Observe advances the machine with a decoded packet. It reports whether
// the state changed.
func (s *Sync) Observe(dir vs2.Direction, msg vs2.Message) bool {
	var event string
	switch {
	case dir.ToController() && msg.Frame.IsSyn():
		event = EventSyn
	case dir.FromController() && msg.Response.IsBareAck():
		event = EventAck
	default:
		return false
	}

	if !s.machine.Can(event) {
		return false
	}
	return s.machine.Event(context.Background(), event) == nil
}

// State returns the current state name
func (s *Sync) State() string {
	return s.machine.Current()
}

// Flowing reports whether the handshake completed. It is safe to call from
// any goroutine without locking.
func (s *Sync) Flowing() bool {
	return s.flowing.Load()
}
