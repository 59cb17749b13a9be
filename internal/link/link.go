// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link opens the physical connections bridged by optobridge.
package link

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// Port is one half-duplex byte stream: a serial device or a tunnel to one
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Optolink framing. Every peer on the bus uses exactly these parameters.
const (
	BaudRate = 4800
	DataBits = 8
)

// Open opens addr as a websocket tunnel when it has a ws:// or wss:// scheme
// and as a serial device otherwise. It returns the port and a description
// suitable for logging.
func Open(addr string, opts ...TunnelOption) (Port, string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		p, err := OpenTunnel(addr, opts...)
		if err != nil {
			return nil, "", err
		}
		return p, fmt.Sprintf("WebSocket: %s", addr), nil
	}

	p, err := OpenSerial(addr)
	if err != nil {
		return nil, "", err
	}
	return p, fmt.Sprintf("Serial: %s @ %d 8E2", addr, BaudRate), nil
}

// Ports lists the serial devices present on the system
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
