// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pipeline reassembles forwarded chunks into packets and hands them,
// decoded and strictly in order, to a single handler.
package pipeline

import (
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Packet is one unit of work for the handler: the bytes of one direction run
// (or one synthesized frame) and their decoded message.
type Packet struct {
	Dir vs2.Direction
	Raw []byte
	Msg vs2.Message
}

// Handler receives decoded packets, one at a time, in queue order
type Handler interface {
	HandlePacket(p Packet) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(p Packet) error

func (f HandlerFunc) HandlePacket(p Packet) error {
	return f(p)
}

// Queue merges consecutive chunks of one direction and processes the
// resulting packets on a single worker goroutine.
//
// Pushing never blocks on the worker: the backlog is unbounded so the
// forwarding loops are never slowed down by decoding or publishing.
type Queue struct {
	handler  Handler
	logger   zerolog.Logger
	onFormat func(p Packet, err error)

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Packet
	closed  bool
	done    chan struct{}

	// reassembly
	dir vs2.Direction
	buf []byte
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the logger. Every packet is traced at trace level.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithFormatErrorHandler is called for every packet dropped as undecodable
func WithFormatErrorHandler(fn func(p Packet, err error)) Option {
	return func(q *Queue) {
		q.onFormat = fn
	}
}

// New creates a queue and starts its worker
func New(handler Handler, opts ...Option) *Queue {
	q := &Queue{
		handler: handler,
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}

	go q.work()
	return q
}

// PushChunk adds a forwarded chunk. A chunk of a new direction flushes the
// bytes buffered so far as one packet tagged with their direction.
func (q *Queue) PushChunk(chunk []byte, dir vs2.Direction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if dir != q.dir {
		q.flushLocked()
		q.dir = dir
	}
	q.buf = append(q.buf, chunk...)
}

// OnChunk lets the queue subscribe to the bridge
func (q *Queue) OnChunk(chunk []byte, dir vs2.Direction) {
	q.PushChunk(chunk, dir)
}

// PushPacket adds a packet that bypasses reassembly: a frame synthesized or
// already decoded elsewhere (Msg set), or raw bytes of a complete packet.
// Buffered chunks are flushed first so the packet keeps its position.
func (q *Queue) PushPacket(p Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.flushLocked()
	q.dir = p.Dir
	q.enqueueLocked(p)
}

// Len returns the number of packets waiting for the worker
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Close flushes buffered chunks, processes the backlog and stops the worker
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.flushLocked()
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) flushLocked() {
	if len(q.buf) == 0 {
		return
	}
	q.enqueueLocked(Packet{Dir: q.dir, Raw: q.buf})
	q.buf = nil
}

func (q *Queue) enqueueLocked(p Packet) {
	q.backlog = append(q.backlog, p)
	q.cond.Signal()
}

func (q *Queue) next() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.backlog) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.backlog) == 0 {
		return Packet{}, false
	}
	p := q.backlog[0]
	q.backlog[0] = Packet{}
	q.backlog = q.backlog[1:]
	return p, true
}

func (q *Queue) work() {
	defer close(q.done)
	for {
		p, ok := q.next()
		if !ok {
			return
		}
		q.process(p)
	}
}

func (q *Queue) process(p Packet) {
	if p.Msg.IsZero() {
		msg, err := vs2.DecodeDirection(p.Raw, p.Dir)
		if err != nil {
			q.logger.Warn().Err(err).Stringer("direction", p.Dir).Str("data", hex.EncodeToString(p.Raw)).Msg("Dropping undecodable packet")
			if q.onFormat != nil {
				q.onFormat(p, err)
			}
			return
		}
		p.Msg = msg
	} else if p.Raw == nil {
		p.Raw = vs2.EncodeDirection(p.Msg, p.Dir)
	}

	q.logger.Trace().Stringer("direction", p.Dir).Str("data", hex.EncodeToString(p.Raw)).Msg(vs2.FormatMessage(p.Msg))

	if err := q.handler.HandlePacket(p); err != nil {
		q.logger.Error().Err(err).Stringer("direction", p.Dir).Str("data", hex.EncodeToString(p.Raw)).Msg("Error while processing packet")
	}
}
