// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the declared type of a value carried in a data frame payload.
// Values are little-endian unless the kind says otherwise.
type Kind uint8

// Fixed-width kinds
const (
	KindInvalid Kind = iota
	KindUint8
	KindInt8
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindUint64
	KindInt64
	KindUint16BE
	KindInt16BE
	KindUint32BE
	KindInt32BE
	KindUint64BE
	KindInt64BE
	KindFloat32
	KindFloat64
	KindFloat32BE
	KindFloat64BE
	KindBit1
	KindBit32 = KindBit1 + 31
)

// Variable-width kinds
const (
	KindString Kind = KindBit32 + 1 + iota // NUL bytes removed
	KindBuffer                             // raw bytes
	KindInt                                // signed integer sized by the data
	KindUint                               // unsigned integer sized by the data
)

var kindNames = map[Kind]string{
	KindUint8:     "uint8",
	KindInt8:      "int8",
	KindUint16:    "uint16",
	KindInt16:     "int16",
	KindUint32:    "uint32",
	KindInt32:     "int32",
	KindUint64:    "uint64",
	KindInt64:     "int64",
	KindUint16BE:  "uint16be",
	KindInt16BE:   "int16be",
	KindUint32BE:  "uint32be",
	KindInt32BE:   "int32be",
	KindUint64BE:  "uint64be",
	KindInt64BE:   "int64be",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindFloat32BE: "float32be",
	KindFloat64BE: "float64be",
	KindString:    "string",
	KindBuffer:    "buffer",
	KindInt:       "int",
	KindUint:      "uint",
}

// names accepted by ParseKind in addition to kindNames
var kindAliases = map[string]Kind{
	"raw":      KindBuffer,
	"byte":     KindBuffer,
	"utf8":     KindString,
	"uint16le": KindUint16,
	"int16le":  KindInt16,
	"uint32le": KindUint32,
	"int32le":  KindInt32,
	"uint64le": KindUint64,
	"int64le":  KindInt64,
	"float":    KindFloat32,
	"floatle":  KindFloat32,
	"floatbe":  KindFloat32BE,
	"double":   KindFloat64,
	"doublele": KindFloat64,
	"doublebe": KindFloat64BE,
}

var kindsByName = map[string]Kind{}

func init() {
	for n := 1; n <= 32; n++ {
		kindNames[KindBit1+Kind(n-1)] = fmt.Sprintf("bit%d", n)
	}
	for k, name := range kindNames {
		kindsByName[name] = k
	}
	for name, k := range kindAliases {
		kindsByName[name] = k
	}
}

// ParseKind resolves a configured kind name
func ParseKind(name string) (Kind, error) {
	if k, ok := kindsByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return KindInvalid, &UnsupportedKindError{Kind: name}
}

// String returns the canonical kind name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsBits reports whether the kind is one of bit1 to bit32
func (k Kind) IsBits() bool {
	return k >= KindBit1 && k <= KindBit32
}

// Width returns the natural width of the kind in bytes, or 0 for kinds
// sized by the data.
func (k Kind) Width() int {
	switch k {
	case KindUint8, KindInt8:
		return 1
	case KindUint16, KindInt16, KindUint16BE, KindInt16BE:
		return 2
	case KindUint32, KindInt32, KindUint32BE, KindInt32BE, KindFloat32, KindFloat32BE:
		return 4
	case KindUint64, KindInt64, KindUint64BE, KindInt64BE, KindFloat64, KindFloat64BE:
		return 8
	}
	if k.IsBits() {
		return (k.bits() + 7) / 8
	}
	return 0
}

func (k Kind) bits() int {
	return int(k-KindBit1) + 1
}

// DecodeValue decodes data as the given kind.
//
// Numbers up to 32 bits and floats decode to float64, 64-bit integers to
// int64 or uint64, strings to string and buffers to []byte. Bytes beyond the
// natural width of a fixed kind are ignored (devices append a status byte).
func DecodeValue(kind Kind, data []byte) (any, error) {
	switch kind {
	case KindInt, KindUint:
		resolved, err := resolveInt(kind, len(data))
		if err != nil {
			return nil, err
		}
		return DecodeValue(resolved, data)
	case KindString:
		return strings.ReplaceAll(string(data), "\x00", ""), nil
	case KindBuffer:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	w := kind.Width()
	if w == 0 {
		return nil, &UnsupportedKindError{Kind: kind.String()}
	}
	if len(data) < w {
		return nil, &InvalidLengthError{Kind: kind, Length: len(data), Reason: fmt.Sprintf("needs %d bytes", w)}
	}
	le, be := binary.LittleEndian, binary.BigEndian

	switch kind {
	case KindUint8:
		return float64(data[0]), nil
	case KindInt8:
		return float64(int8(data[0])), nil
	case KindUint16:
		return float64(le.Uint16(data)), nil
	case KindInt16:
		return float64(int16(le.Uint16(data))), nil
	case KindUint32:
		return float64(le.Uint32(data)), nil
	case KindInt32:
		return float64(int32(le.Uint32(data))), nil
	case KindUint64:
		return le.Uint64(data), nil
	case KindInt64:
		return int64(le.Uint64(data)), nil
	case KindUint16BE:
		return float64(be.Uint16(data)), nil
	case KindInt16BE:
		return float64(int16(be.Uint16(data))), nil
	case KindUint32BE:
		return float64(be.Uint32(data)), nil
	case KindInt32BE:
		return float64(int32(be.Uint32(data))), nil
	case KindUint64BE:
		return be.Uint64(data), nil
	case KindInt64BE:
		return int64(be.Uint64(data)), nil
	case KindFloat32:
		return float64(math.Float32frombits(le.Uint32(data))), nil
	case KindFloat64:
		return math.Float64frombits(le.Uint64(data)), nil
	case KindFloat32BE:
		return float64(math.Float32frombits(be.Uint32(data))), nil
	case KindFloat64BE:
		return math.Float64frombits(be.Uint64(data)), nil
	}

	// bit fields: little-endian word, lowest bits first
	var word uint32
	for i := w - 1; i >= 0; i-- {
		word = word<<8 | uint32(data[i])
	}
	n := kind.bits()
	if n < 32 {
		word &= 1<<n - 1
	}
	return float64(word), nil
}

// resolveInt picks the concrete integer kind for the generic int/uint kinds.
// An odd length above two carries a trailing status byte which is dropped.
func resolveInt(kind Kind, length int) (Kind, error) {
	if length <= 0 {
		return KindInvalid, &InvalidLengthError{Kind: kind, Length: length, Reason: "minimum length is 1"}
	}
	n := length
	if n > 2 && n%2 != 0 {
		n--
	}
	if n&(n-1) != 0 {
		return KindInvalid, &InvalidLengthError{Kind: kind, Length: length, Reason: "must be a power of two (1, 2, 4 or 8)"}
	}
	if n > 8 {
		return KindInvalid, &InvalidLengthError{Kind: kind, Length: length, Reason: "maximum length is 8"}
	}

	signed := kind == KindInt
	switch n {
	case 1:
		return pick(signed, KindInt8, KindUint8), nil
	case 2:
		return pick(signed, KindInt16, KindUint16), nil
	case 4:
		return pick(signed, KindInt32, KindUint32), nil
	default:
		return pick(signed, KindInt64, KindUint64), nil
	}
}

func pick(signed bool, s, u Kind) Kind {
	if signed {
		return s
	}
	return u
}

// Candidate is one plausible interpretation of a payload
type Candidate struct {
	Kind  Kind
	Value any
}

// DecodeCandidates decodes data as every kind that could plausibly have
// produced it: fixed kinds whose width equals the data length or is one byte
// shorter (tolerating a trailing status byte), plus string and buffer.
// It is meant for exploring unknown addresses.
func DecodeCandidates(data []byte) []Candidate {
	var out []Candidate
	for k := KindUint8; k <= KindBuffer; k++ {
		w := k.Width()
		if w == 0 && k != KindString && k != KindBuffer {
			continue
		}
		if w != 0 && w != len(data) && w != len(data)-1 {
			continue
		}
		v, err := DecodeValue(k, data)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Kind: k, Value: v})
	}
	return out
}
