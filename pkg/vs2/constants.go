// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package vs2 provides a Go implementation of the VS2 (P300) optical link
// protocol spoken between a heating controller and its communication gateway.
//
// The package covers frame encoding/decoding with checksum validation, the
// response variant used for traffic leaving the controller, and decoding of
// the little-endian values carried in data frame payloads.
//
// Addresses are transmitted big-endian while values are little-endian.
package vs2

// Start bytes of frames sent towards the controller
const (
	StartEOT  = 0x04 // end of transmission, also resets the link
	StartSYN  = 0x16 // start of the 16 00 00 synchronisation sequence
	StartData = 0x41 // data frame
)

// Response bytes of frames sent by the controller
const (
	ResENQ  = 0x05 // enquiry, ends synchronisation
	ResACK  = 0x06 // acknowledge, optionally followed by a frame
	ResNACK = 0x15 // not acknowledged
)

// ID is the frame identifier carried in the low nibble of the first span byte.
type ID uint8

// Frame identifiers
const (
	IDReq    ID = 0x0
	IDResp   ID = 0x1
	IDUnack  ID = 0x2
	IDErrmsg ID = 0x3
)

// Fn is the 5-bit function code.
type Fn uint8

// Function codes
const (
	FnRead  Fn = 0x01 // Virtual_READ
	FnWrite Fn = 0x02 // Virtual_WRITE
	FnRPC   Fn = 0x07 // Remote_Procedure_Call
)

// Frame size constants
const (
	// HeaderSize is the number of span bytes preceding the payload:
	// unused/id, seq/fn, two address bytes and dlen.
	HeaderSize = 5
	// MaxSeq is the largest 3-bit sequence number.
	MaxSeq = 0x07
)

// HasPayload reports whether a data frame with the given function and
// identifier carries dlen payload bytes.
//
// Reads carry data in the response, writes in the request, RPCs in both and
// error messages carry the error text.
func HasPayload(fn Fn, id ID) bool {
	return (fn == FnRead && id == IDResp) ||
		(fn == FnWrite && id == IDReq) ||
		fn == FnRPC ||
		id == IDErrmsg
}

// String returns the identifier name
func (id ID) String() string {
	switch id {
	case IDReq:
		return "REQ"
	case IDResp:
		return "RESP"
	case IDUnack:
		return "UNACK"
	case IDErrmsg:
		return "ERRMSG"
	default:
		return "UNKNOWN"
	}
}

// String returns the function name
func (fn Fn) String() string {
	switch fn {
	case FnRead:
		return "READ"
	case FnWrite:
		return "WRITE"
	case FnRPC:
		return "RPC"
	default:
		return "UNKNOWN"
	}
}

func validID(id ID) bool {
	return id <= IDErrmsg
}

func validFn(fn Fn) bool {
	return fn == FnRead || fn == FnWrite || fn == FnRPC
}
