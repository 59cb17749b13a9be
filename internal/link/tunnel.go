// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTunnelClosed is returned when reading from a failed or closed tunnel
var ErrTunnelClosed = errors.New("websocket tunnel closed")

// Tunnel carries the byte stream of a remote serial adapter as binary
// websocket messages. Text messages are ignored.
type Tunnel struct {
	conn *websocket.Conn

	buf       []byte
	bufOffset int
	closed    bool

	writeMu sync.Mutex
}

type tunnelOptions struct {
	username      string
	password      string
	skipSSLVerify bool
	timeout       time.Duration
}

// TunnelOption configures OpenTunnel
type TunnelOption func(*tunnelOptions)

// WithBasicAuth sends HTTP Basic credentials with the handshake
func WithBasicAuth(username, password string) TunnelOption {
	return func(o *tunnelOptions) {
		o.username = username
		o.password = password
	}
}

// WithInsecureTLS skips certificate verification for wss:// addresses
func WithInsecureTLS(skip bool) TunnelOption {
	return func(o *tunnelOptions) {
		o.skipSSLVerify = skip
	}
}

// OpenTunnel dials a ws:// or wss:// address
func OpenTunnel(addr string, opts ...TunnelOption) (*Tunnel, error) {
	o := tunnelOptions{timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: o.skipSSLVerify,
		}
	}

	headers := http.Header{}
	if o.username != "" && o.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(o.username + ":" + o.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, addr, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket tunnel failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket tunnel failed: %w", err)
	}
	return &Tunnel{conn: conn}, nil
}

// Read returns buffered bytes of the current message, fetching the next
// binary message when the buffer is drained. Only one goroutine may read.
func (t *Tunnel) Read(p []byte) (int, error) {
	if t.closed {
		return 0, ErrTunnelClosed
	}

	if t.bufOffset < len(t.buf) {
		n := copy(p, t.buf[t.bufOffset:])
		t.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		t.buf = data
		t.bufOffset = copy(p, t.buf)
		return t.bufOffset, nil
	}
}

// Write sends p as one binary message
func (t *Tunnel) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Tunnel) Close() error {
	return t.conn.Close()
}
