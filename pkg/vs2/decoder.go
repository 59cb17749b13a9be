// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

import "fmt"

// cursor walks a byte slice, turning short reads into format errors
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) remaining() int {
	return len(c.data) - c.off
}

func (c *cursor) truncated(field string) error {
	return &FormatError{Offset: c.off, Reason: "truncated before " + field}
}

func (c *cursor) u8(field string) (byte, error) {
	if c.remaining() < 1 {
		return 0, c.truncated(field)
	}
	b := c.data[c.off]
	c.off++
	return b, nil
}

// u16be reads a big-endian uint16 (addresses and the SYN marker)
func (c *cursor) u16be(field string) (uint16, error) {
	if c.remaining() < 2 {
		return 0, c.truncated(field)
	}
	v := uint16(c.data[c.off])<<8 | uint16(c.data[c.off+1])
	c.off += 2
	return v, nil
}

func (c *cursor) take(n int, field string) ([]byte, error) {
	if c.remaining() < n {
		return nil, c.truncated(field)
	}
	out := make([]byte, n)
	copy(out, c.data[c.off:c.off+n])
	c.off += n
	return out, nil
}

// Decode decodes a frame sent towards the controller.
func Decode(data []byte) (*Frame, error) {
	return decodeFrame(&cursor{data: data})
}

// DecodeResponse decodes a frame sent by the controller. An ACK followed by
// further bytes carries a nested frame decoded with Decode; a lone ACK is the
// bare handshake acknowledgement.
func DecodeResponse(data []byte) (*Response, error) {
	c := &cursor{data: data}
	res, err := c.u8("response byte")
	if err != nil {
		return nil, err
	}

	switch res {
	case ResENQ, ResNACK:
		return &Response{Res: res}, nil
	case ResACK:
		if c.remaining() == 0 {
			return &Response{Res: res}, nil
		}
		f, err := decodeFrame(c)
		if err != nil {
			return nil, err
		}
		return &Response{Res: res, Frame: f}, nil
	default:
		return nil, &FormatError{Offset: 0, Reason: fmt.Sprintf("unknown response byte 0x%02X", res)}
	}
}

// DecodeDirection decodes data with the variant matching the direction
func DecodeDirection(data []byte, dir Direction) (Message, error) {
	if dir.FromController() {
		r, err := DecodeResponse(data)
		return Message{Response: r}, err
	}
	f, err := Decode(data)
	return Message{Frame: f}, err
}

func decodeFrame(c *cursor) (*Frame, error) {
	startOff := c.off
	start, err := c.u8("start byte")
	if err != nil {
		return nil, err
	}

	switch start {
	case StartEOT:
		return &Frame{Start: start}, nil

	case StartSYN:
		zero, err := c.u16be("SYN marker")
		if err != nil {
			return nil, err
		}
		if zero != 0 {
			return nil, &FormatError{Offset: startOff, Reason: fmt.Sprintf("SYN followed by 0x%04X instead of 00 00", zero)}
		}
		return &Frame{Start: start, Zero: zero}, nil

	case StartData:
		return decodeData(c)

	default:
		return nil, &FormatError{Offset: startOff, Reason: fmt.Sprintf("unknown start byte 0x%02X", start)}
	}
}

func decodeData(c *cursor) (*Frame, error) {
	lenOff := c.off
	n, err := c.u8("length")
	if err != nil {
		return nil, err
	}
	if c.remaining() < int(n) {
		return nil, c.truncated(fmt.Sprintf("end of %d byte span", n))
	}
	// the checksum covers the length byte and the span it announces
	span := c.data[lenOff : c.off+int(n)]

	f := &Frame{Start: StartData, Len: n}

	b, err := c.u8("id")
	if err != nil {
		return nil, err
	}
	f.Unused, f.ID = b>>4, ID(b&0x0F)
	if !validID(f.ID) {
		return nil, &FormatError{Offset: c.off - 1, Reason: fmt.Sprintf("unknown id 0x%X", uint8(f.ID))}
	}

	b, err = c.u8("function")
	if err != nil {
		return nil, err
	}
	f.Seq, f.Fn = b>>5, Fn(b&0x1F)
	if !validFn(f.Fn) {
		return nil, &FormatError{Offset: c.off - 1, Reason: fmt.Sprintf("unknown function 0x%02X", uint8(f.Fn))}
	}

	if f.Addr, err = c.u16be("address"); err != nil {
		return nil, err
	}
	if f.DLen, err = c.u8("data length"); err != nil {
		return nil, err
	}
	if HasPayload(f.Fn, f.ID) {
		if f.Payload, err = c.take(int(f.DLen), "end of payload"); err != nil {
			return nil, err
		}
	}

	crcOff := c.off
	if f.CRC, err = c.u8("crc"); err != nil {
		return nil, err
	}
	if calculated := CalculateCRC(span); calculated != f.CRC {
		return nil, &FormatError{Offset: crcOff, Reason: fmt.Sprintf("CRC mismatch: expected 0x%02X, got 0x%02X", calculated, f.CRC)}
	}

	if c.remaining() > 0 {
		f.Rest, _ = c.take(c.remaining(), "rest")
	}
	return f, nil
}
