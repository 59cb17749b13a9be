// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package datapoint maps controller addresses to named, typed values.
package datapoint

import (
	"fmt"
	"math"
	"sort"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// DataPoint is a named interpretation of the payload found at an address
type DataPoint struct {
	Name  string
	Addr  uint16
	Kind  vs2.Kind
	Scale *float64
}

// Decode decodes data with the data point's kind and applies its scale.
//
// Numbers are multiplied as floats. 64-bit integers stay integers when the
// scale is a whole number and become float64 otherwise.
func (dp DataPoint) Decode(data []byte) (any, error) {
	v, err := vs2.DecodeValue(dp.Kind, data)
	if err != nil {
		return nil, fmt.Errorf("data point %s (%s): %w", dp.Name, vs2.FormatAddr(dp.Addr), err)
	}
	if dp.Scale == nil {
		return v, nil
	}
	return applyScale(v, *dp.Scale), nil
}

func applyScale(v any, scale float64) any {
	integral := scale == math.Trunc(scale) && !math.IsInf(scale, 0)

	switch val := v.(type) {
	case float64:
		return val * scale
	case int64:
		if integral {
			return val * int64(scale)
		}
		return float64(val) * scale
	case uint64:
		if integral && scale >= 0 {
			return val * uint64(scale)
		}
		return float64(val) * scale
	default:
		// strings and buffers are not scaled
		return v
	}
}

// DuplicateAddrError is returned when two data points share an address
type DuplicateAddrError struct {
	Name     string
	Existing string
	Addr     uint16
}

func (e *DuplicateAddrError) Error() string {
	return fmt.Sprintf("duplicate data point %q with address %s (already used by %q)", e.Name, vs2.FormatAddr(e.Addr), e.Existing)
}

// Table is an immutable address keyed set of data points
type Table struct {
	byAddr map[uint16]DataPoint
}

// NewTable builds a table. A duplicate address is an error.
func NewTable(dps []DataPoint) (*Table, error) {
	t := &Table{byAddr: make(map[uint16]DataPoint, len(dps))}
	for _, dp := range dps {
		if existing, ok := t.byAddr[dp.Addr]; ok {
			return nil, &DuplicateAddrError{Name: dp.Name, Existing: existing.Name, Addr: dp.Addr}
		}
		t.byAddr[dp.Addr] = dp
	}
	return t, nil
}

// Lookup returns the data point at addr
func (t *Table) Lookup(addr uint16) (DataPoint, bool) {
	if t == nil {
		return DataPoint{}, false
	}
	dp, ok := t.byAddr[addr]
	return dp, ok
}

// Len returns the number of data points
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byAddr)
}

// All returns the data points ordered by address
func (t *Table) All() []DataPoint {
	if t == nil {
		return nil
	}
	out := make([]DataPoint, 0, len(t.byAddr))
	for _, dp := range t.byAddr {
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
