// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Buffer formats for raw payloads
const (
	BufferHex    = "hex"
	BufferBase64 = "base64"
	BufferUTF8   = "utf8"
)

// JoinTopic joins two topic levels with a single slash, unless one side
// already provides it
func JoinTopic(base, suffix string) string {
	if strings.HasSuffix(base, "/") || strings.HasPrefix(suffix, "/") {
		return base + suffix
	}
	return base + "/" + suffix
}

// ExpandSuffix fills the <dpname>, <addr> and <dpaddr> placeholders
func ExpandSuffix(template string, s Sample) string {
	name := s.Name
	if !s.Known {
		name = "unknown"
	}
	addr := vs2.FormatAddr(s.Addr)
	return strings.NewReplacer(
		"<dpaddr>", addr,
		"<addr>", addr,
		"<dpname>", name,
	).Replace(template)
}

// FormatPayload renders a sample value as an MQTT payload. Floats are
// rounded to maxDecimals and printed without trailing zeros.
func FormatPayload(v any, maxDecimals int, bufferFormat string) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(round(val, maxDecimals), 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case string:
		return val
	case []byte:
		switch bufferFormat {
		case BufferBase64:
			return base64.StdEncoding.EncodeToString(val)
		case BufferUTF8:
			return string(val)
		default:
			return hex.EncodeToString(val)
		}
	default:
		return fmt.Sprint(val)
	}
}

func round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return v
	}
	return r
}
