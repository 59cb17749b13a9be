// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FormatAddr formats an address as a 4 digit hex string, e.g. 0x2003
func FormatAddr(addr uint16) string {
	return fmt.Sprintf("0x%04x", addr)
}

// FormatFrame formats a frame into a single human-readable line
func FormatFrame(f *Frame) string {
	switch f.Start {
	case StartEOT:
		return "EOT"
	case StartSYN:
		return "SYN"
	case StartData:
	default:
		return fmt.Sprintf("UNKNOWN (0x%02X)", f.Start)
	}

	var s strings.Builder
	fmt.Fprintf(&s, "DATA %s %s addr=%s seq=%d dlen=%d", f.Fn, f.ID, FormatAddr(f.Addr), f.Seq, f.DLen)
	if f.Payload != nil {
		fmt.Fprintf(&s, " data=%s", hex.EncodeToString(f.Payload))
	}
	fmt.Fprintf(&s, " crc=0x%02X", f.CRC)
	if len(f.Rest) > 0 {
		fmt.Fprintf(&s, " rest=%s", hex.EncodeToString(f.Rest))
	}
	return s.String()
}

// FormatResponse formats a controller response into a single line
func FormatResponse(r *Response) string {
	switch r.Res {
	case ResENQ:
		return "ENQ"
	case ResNACK:
		return "NACK"
	case ResACK:
		if r.Frame == nil {
			return "ACK"
		}
		return "ACK " + FormatFrame(r.Frame)
	default:
		return fmt.Sprintf("UNKNOWN (0x%02X)", r.Res)
	}
}

// FormatMessage formats whichever variant the message holds
func FormatMessage(m Message) string {
	switch {
	case m.Response != nil:
		return FormatResponse(m.Response)
	case m.Frame != nil:
		return FormatFrame(m.Frame)
	default:
		return "(empty)"
	}
}

// FormatValue formats a decoded value for display
func FormatValue(v any) string {
	switch val := v.(type) {
	case []byte:
		return hex.EncodeToString(val)
	case string:
		return fmt.Sprintf("%q", val)
	case float64:
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}
