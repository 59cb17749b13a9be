// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamBacklog is the number of messages buffered per client before
// samples are dropped for it
const StreamBacklog = 64

const streamWriteTimeout = 5 * time.Second

// StreamMessage is the CBOR document sent to stream clients for each sample
type StreamMessage struct {
	Name  string `cbor:"name,omitempty"`
	Addr  uint16 `cbor:"addr"`
	Known bool   `cbor:"known"`
	Value any    `cbor:"value"`
	Time  int64  `cbor:"time"` // unix milliseconds
}

// NewStreamMessage converts a sample
func NewStreamMessage(s Sample) StreamMessage {
	return StreamMessage{
		Name:  s.Name,
		Addr:  s.Addr,
		Known: s.Known,
		Value: s.Value,
		Time:  s.Time.UnixMilli(),
	}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Stream broadcasts samples to websocket clients as binary CBOR messages.
//
// Slow clients never block publishing: when a client's backlog is full the
// sample is dropped for that client.
type Stream struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

// NewStream creates a stream without clients
func NewStream(logger zerolog.Logger) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams samples until the client
// disconnects
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Stream upgrade failed")
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, StreamBacklog)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Stream client connected")

	go s.write(c)

	// clients only listen, reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.remove(c)
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")
}

func (s *Stream) write(c *streamClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Publish implements Publisher
func (s *Stream) Publish(sample Sample) error {
	data, err := cbor.Marshal(NewStreamMessage(sample))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Stream client too slow, dropping sample")
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects all clients
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// Serve listens on addr and serves the stream at path until ctx is done
func (s *Stream) Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	s.logger.Info().Str("addr", addr).Str("path", path).Msg("Serving sample stream")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
