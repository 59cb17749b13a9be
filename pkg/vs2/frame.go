// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

// Frame is one VS2 frame as sent towards the controller, or carried behind an
// ACK in a controller response.
//
// Start selects the variant. EOT frames carry no further fields, SYN frames
// only the zero marker and data frames the remaining fields.
type Frame struct {
	Start byte

	// SYN
	Zero uint16

	// DATA
	Len     uint8
	Unused  uint8 // high nibble of the first span byte
	ID      ID
	Seq     uint8
	Fn      Fn
	Addr    uint16
	DLen    uint8
	Payload []byte // nil unless HasPayload(Fn, ID)
	CRC     uint8
	Rest    []byte // bytes following the CRC, captured verbatim
}

// NewReadRequest creates a Virtual_READ request for length bytes at addr
func NewReadRequest(addr uint16, length uint8) *Frame {
	return &Frame{
		Start: StartData,
		ID:    IDReq,
		Fn:    FnRead,
		Addr:  addr,
		DLen:  length,
	}
}

// IsData reports whether the frame is a data frame
func (f *Frame) IsData() bool {
	return f != nil && f.Start == StartData
}

// IsSyn reports whether the frame is a validated SYN marker
func (f *Frame) IsSyn() bool {
	return f != nil && f.Start == StartSYN && f.Zero == 0
}

// CarriesValue reports whether the frame holds the value of a read, write
// or RPC exchange (as opposed to a request for it).
func (f *Frame) CarriesValue() bool {
	if !f.IsData() || f.Payload == nil {
		return false
	}
	return ((f.Fn == FnRead || f.Fn == FnRPC) && f.ID == IDResp) ||
		(f.Fn == FnWrite && f.ID == IDReq)
}

// Response is a frame sent by the controller.
//
// An ACK may be bare (the handshake acknowledgement) or followed by a frame,
// which is then available as Frame.
type Response struct {
	Res   byte
	Frame *Frame
}

// IsBareAck reports whether the response is an ACK without a trailing frame
func (r *Response) IsBareAck() bool {
	return r != nil && r.Res == ResACK && r.Frame == nil
}

// Message is a decoded packet of either direction: a Frame for traffic
// towards the controller, a Response for traffic leaving it.
type Message struct {
	Frame    *Frame
	Response *Response
}

// DataFrame returns the frame carried by the message, looking behind an ACK
// for responses. It returns nil when there is none.
func (m Message) DataFrame() *Frame {
	if m.Frame != nil {
		return m.Frame
	}
	if m.Response != nil {
		return m.Response.Frame
	}
	return nil
}

// IsZero reports whether the message holds nothing
func (m Message) IsZero() bool {
	return m.Frame == nil && m.Response == nil
}
