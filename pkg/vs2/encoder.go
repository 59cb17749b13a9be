// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

// Encode encodes a frame to wire format.
//
// For data frames a zero Len is derived from the payload (HeaderSize plus
// payload length), a zero DLen is taken from the payload length, and the CRC
// is always recomputed over the serialized span. Rest is not emitted.
func Encode(f *Frame) []byte {
	switch f.Start {
	case StartSYN:
		return []byte{StartSYN, byte(f.Zero >> 8), byte(f.Zero)}
	case StartData:
		return encodeData(f)
	default:
		return []byte{f.Start}
	}
}

// EncodeResponse encodes a controller response, including the frame behind
// an ACK when present.
func EncodeResponse(r *Response) []byte {
	if r.Res == ResACK && r.Frame != nil {
		return append([]byte{r.Res}, Encode(r.Frame)...)
	}
	return []byte{r.Res}
}

// EncodeDirection encodes a message with the variant matching the direction
func EncodeDirection(m Message, dir Direction) []byte {
	if dir.FromController() && m.Response != nil {
		return EncodeResponse(m.Response)
	}
	if m.Frame != nil {
		return Encode(m.Frame)
	}
	if m.Response != nil {
		return EncodeResponse(m.Response)
	}
	return nil
}

func encodeData(f *Frame) []byte {
	withPayload := HasPayload(f.Fn, f.ID)

	dlen := f.DLen
	if dlen == 0 && withPayload {
		dlen = uint8(len(f.Payload))
	}
	length := f.Len
	if length == 0 {
		length = HeaderSize
		if withPayload {
			length += uint8(len(f.Payload))
		}
	}

	out := make([]byte, 0, 2+HeaderSize+len(f.Payload)+1)
	out = append(out,
		StartData,
		length,
		f.Unused<<4|uint8(f.ID)&0x0F,
		f.Seq<<5|uint8(f.Fn)&0x1F,
		byte(f.Addr>>8), byte(f.Addr),
		dlen,
	)
	if withPayload {
		out = append(out, f.Payload...)
	}

	// everything but the start byte is covered by the checksum
	return append(out, CalculateCRC(out[1:]))
}
