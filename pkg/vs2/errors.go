// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

import (
	"errors"
	"fmt"
)

// ErrFormat is matched by every *FormatError
var ErrFormat = errors.New("vs2: malformed frame")

// FormatError reports bytes that do not form a valid frame: an unknown start
// or response byte, a bad SYN marker, unknown id/fn values, truncated input
// or a checksum mismatch.
type FormatError struct {
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("vs2: malformed frame at offset %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrFormat) match
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// UnsupportedKindError is returned for value kinds that cannot be decoded
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("vs2: unsupported value kind %q", e.Kind)
}

// InvalidLengthError is returned when the data length does not fit the kind
type InvalidLengthError struct {
	Kind   Kind
	Length int
	Reason string
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("vs2: invalid length %d for %s: %s", e.Length, e.Kind, e.Reason)
}
