// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC(nil); crc != 0 {
		t.Errorf("CRC of empty data should be 0, got 0x%02X", crc)
	}
}

func TestCalculateCRC_Wraps(t *testing.T) {
	crc := CalculateCRC([]byte{0xFF, 0x02})
	if crc != 0x01 {
		t.Errorf("expected sum modulo 256 = 0x01, got 0x%02X", crc)
	}
}

func TestCalculateCRC_KnownFrame(t *testing.T) {
	// 41 | 05 00 21 20 03 01 | 4a
	crc := CalculateCRC([]byte{0x05, 0x00, 0x21, 0x20, 0x03, 0x01})
	if crc != 0x4A {
		t.Errorf("CRC mismatch: expected 0x4A, got 0x%02X", crc)
	}
}

// ============================================================
// Frame Decoding Tests
// ============================================================

func TestDecode_KnownReadRequest(t *testing.T) {
	raw := mustHex(t, "41 05 00 21 20 03 01 4a")

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if f.Start != StartData {
		t.Errorf("expected DATA start, got 0x%02X", f.Start)
	}
	if f.Len != 5 {
		t.Errorf("expected len=5, got %d", f.Len)
	}
	if f.ID != IDReq {
		t.Errorf("expected REQ, got %s", f.ID)
	}
	if f.Seq != 1 {
		t.Errorf("expected seq=1, got %d", f.Seq)
	}
	if f.Fn != FnRead {
		t.Errorf("expected READ, got %s", f.Fn)
	}
	if f.Addr != 0x2003 {
		t.Errorf("expected addr=0x2003, got 0x%04X", f.Addr)
	}
	if f.DLen != 1 {
		t.Errorf("expected dlen=1, got %d", f.DLen)
	}
	if f.Payload != nil {
		t.Errorf("read request must not carry a payload, got %x", f.Payload)
	}
	if f.CRC != 0x4A {
		t.Errorf("expected crc=0x4A, got 0x%02X", f.CRC)
	}
	if len(f.Rest) != 0 {
		t.Errorf("expected no rest, got %x", f.Rest)
	}

	if encoded := Encode(f); !bytes.Equal(encoded, raw) {
		t.Errorf("re-encoding mismatch:\n  got  %x\n  want %x", encoded, raw)
	}
}

func TestDecode_WriteRequestCarriesPayload(t *testing.T) {
	// WRITE REQ addr 0x2323 dlen 1 data 01
	span := []byte{0x06, 0x00, 0x02, 0x23, 0x23, 0x01, 0x01}
	raw := append([]byte{StartData}, span...)
	raw = append(raw, CalculateCRC(span))

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if f.Fn != FnWrite || f.ID != IDReq {
		t.Errorf("expected WRITE REQ, got %s %s", f.Fn, f.ID)
	}
	if !bytes.Equal(f.Payload, []byte{0x01}) {
		t.Errorf("expected payload 01, got %x", f.Payload)
	}
	if !f.CarriesValue() {
		t.Error("write request should carry a value")
	}
}

func TestDecode_RestIsCaptured(t *testing.T) {
	raw := mustHex(t, "41 05 00 21 20 03 01 4a ff ee")
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !bytes.Equal(f.Rest, []byte{0xFF, 0xEE}) {
		t.Errorf("expected rest ffee, got %x", f.Rest)
	}
}

func TestDecode_SynAndEot(t *testing.T) {
	f, err := Decode([]byte{StartSYN, 0x00, 0x00})
	if err != nil {
		t.Fatalf("SYN decode error: %v", err)
	}
	if !f.IsSyn() {
		t.Error("expected a validated SYN frame")
	}

	f, err = Decode([]byte{StartEOT})
	if err != nil {
		t.Fatalf("EOT decode error: %v", err)
	}
	if f.Start != StartEOT || f.IsData() {
		t.Errorf("expected EOT frame, got %+v", f)
	}
}

func TestDecode_StartByteOutsideChecksum(t *testing.T) {
	raw := []byte{0x41, 0x05, 0x00, 0x21, 0x20, 0x03, 0x01, 0x4a}
	raw[0] = StartEOT

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("expected the corrupted start byte to decode as EOT, got %v", err)
	}
	if f.Start != StartEOT || f.IsData() {
		t.Errorf("expected an EOT frame, got %+v", f)
	}
}

func TestDecode_FormatErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"unknown start byte", "42 05 00 21 20 03 01 4a"},
		{"SYN with non-zero marker", "16 00 01"},
		{"SYN truncated", "16 00"},
		{"truncated span", "41 05 00 21"},
		{"missing crc", "41 05 00 21 20 03 01"},
		{"crc mismatch", "41 05 00 21 20 03 01 4b"},
		{"unknown id", "41 05 04 21 20 03 01 4e"},
		{"unknown function", "41 05 00 23 20 03 01 4c"},
		{"payload truncated", "41 07 01 01 20 03 02 0a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(mustHex(t, tt.data))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, ErrFormat) {
				t.Errorf("expected ErrFormat, got %v", err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("expected *FormatError, got %T", err)
			}
		})
	}
}

// ============================================================
// Response Decoding Tests
// ============================================================

func TestDecodeResponse_Handshake(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		res     byte
		bareAck bool
	}{
		{"bare ACK", []byte{ResACK}, ResACK, true},
		{"NACK", []byte{ResNACK}, ResNACK, false},
		{"ENQ", []byte{ResENQ}, ResENQ, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeResponse(tt.data)
			if err != nil {
				t.Fatalf("DecodeResponse error: %v", err)
			}
			if r.Res != tt.res {
				t.Errorf("expected res 0x%02X, got 0x%02X", tt.res, r.Res)
			}
			if r.IsBareAck() != tt.bareAck {
				t.Errorf("IsBareAck() = %v, want %v", r.IsBareAck(), tt.bareAck)
			}
			if r.Frame != nil {
				t.Errorf("expected no nested frame, got %+v", r.Frame)
			}
		})
	}
}

func TestDecodeResponse_AckWithReadResponse(t *testing.T) {
	raw := mustHex(t, "06 41 07 01 01 20 03 02 0a 00 38")

	r, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse error: %v", err)
	}
	if r.IsBareAck() {
		t.Fatal("ACK followed by a frame is not bare")
	}
	f := r.Frame
	if f.ID != IDResp || f.Fn != FnRead {
		t.Errorf("expected READ RESP, got %s %s", f.Fn, f.ID)
	}
	if f.Addr != 0x2003 {
		t.Errorf("expected addr 0x2003, got 0x%04X", f.Addr)
	}
	if !bytes.Equal(f.Payload, []byte{0x0A, 0x00}) {
		t.Errorf("expected payload 0a00, got %x", f.Payload)
	}
	if !f.CarriesValue() {
		t.Error("read response should carry a value")
	}

	if encoded := EncodeResponse(r); !bytes.Equal(encoded, raw) {
		t.Errorf("re-encoding mismatch:\n  got  %x\n  want %x", encoded, raw)
	}
}

func TestDecodeResponse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"unknown response byte", "07"},
		{"ACK with partial frame", "06 41 07 01"},
		{"ACK with bad crc", "06 41 07 01 01 20 03 02 0a 00 39"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(mustHex(t, tt.data))
			if !errors.Is(err, ErrFormat) {
				t.Errorf("expected ErrFormat, got %v", err)
			}
		})
	}
}

func TestDecodeDirection_PicksVariant(t *testing.T) {
	m, err := DecodeDirection([]byte{ResACK}, ControllerToGateway)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if m.Response == nil || !m.Response.IsBareAck() {
		t.Errorf("expected bare ACK response, got %+v", m)
	}

	m, err = DecodeDirection(mustHex(t, "41 05 00 21 20 03 01 4a"), LocalToController)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if m.Frame == nil || m.DataFrame().Addr != 0x2003 {
		t.Errorf("expected data frame for 0x2003, got %+v", m)
	}

	// 0x06 is not a start byte
	if _, err := DecodeDirection([]byte{ResACK}, GatewayToController); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat decoding ACK as a request, got %v", err)
	}
}

// ============================================================
// Direction Tests
// ============================================================

func TestDirection_Classification(t *testing.T) {
	tests := []struct {
		dir  Direction
		to   bool
		from bool
		loc  bool
	}{
		{GatewayToController, true, false, false},
		{ControllerToGateway, false, true, false},
		{LocalToController, true, false, true},
		{ControllerToLocal, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			if tt.dir.ToController() != tt.to {
				t.Errorf("ToController() = %v, want %v", tt.dir.ToController(), tt.to)
			}
			if tt.dir.FromController() != tt.from {
				t.Errorf("FromController() = %v, want %v", tt.dir.FromController(), tt.from)
			}
			if tt.dir.Local() != tt.loc {
				t.Errorf("Local() = %v, want %v", tt.dir.Local(), tt.loc)
			}
		})
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatFrame(t *testing.T) {
	f, err := Decode(mustHex(t, "41 05 00 21 20 03 01 4a"))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	s := FormatFrame(f)
	for _, want := range []string{"READ", "REQ", "addr=0x2003", "dlen=1"} {
		if !strings.Contains(s, want) {
			t.Errorf("FormatFrame() = %q, missing %q", s, want)
		}
	}

	if s := FormatResponse(&Response{Res: ResACK}); s != "ACK" {
		t.Errorf("expected ACK, got %q", s)
	}
}
