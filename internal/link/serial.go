// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialPort wraps an exclusively opened serial device
type SerialPort struct {
	name string
	port serial.Port
}

// SerialMode returns the Optolink line settings: 4800 baud 8E2
func SerialMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: BaudRate,
		DataBits: DataBits,
		Parity:   serial.EvenParity,
		StopBits: serial.TwoStopBits,
	}
}

// OpenSerial opens a serial device with the Optolink line settings.
// The device is locked for exclusive use (TIOCEXCL on unix).
func OpenSerial(name string) (*SerialPort, error) {
	port, err := serial.Open(name, SerialMode())
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return &SerialPort{name: name, port: port}, nil
}

func (s *SerialPort) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}

// Name returns the device path
func (s *SerialPort) Name() string {
	return s.name
}
