// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package trace reads packet traces written at trace log level and
// summarizes the traffic per address.
package trace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// ErrSkip marks lines that are not traffic, such as other log messages
var ErrSkip = errors.New("not a traffic line")

// Record is one traced packet
type Record struct {
	Time time.Time // zero when the line carries no timestamp
	Dir  vs2.Direction
	Raw  []byte
}

var (
	ansiCodes = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	hexOnly   = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	levelWord = regexp.MustCompile(`\b(TRC|DBG|INF|WRN|ERR|FTL|PNC)\b`)
)

// timestamp layouts, tried in order on the leading fields of a line
var timeLayouts = []struct {
	layout string
	fields int
}{
	{time.RFC3339, 1},
	{time.RFC3339Nano, 1},
	{"2006-01-02 15:04:05.000", 2},
	{"2006-01-02 15:04:05", 2},
}

// direction names in both our log format and the Vitoconnect/Optolink
// naming. Longer names come first where one is a prefix of another.
var directionNames = []struct {
	name string
	dir  vs2.Direction
}{
	{"Gateway → Controller", vs2.GatewayToController},
	{"Controller → Gateway", vs2.ControllerToGateway},
	{"Local → Controller", vs2.LocalToController},
	{"Controller → Local", vs2.ControllerToLocal},
	{"Optolink → Local", vs2.ControllerToLocal},
	{"Optolink →", vs2.ControllerToGateway},
	{"Vitoconnect →", vs2.GatewayToController},
	{"Local →", vs2.LocalToController},
}

// ParseDirection resolves a direction name as printed in traces
func ParseDirection(name string) (vs2.Direction, bool) {
	name = strings.TrimSpace(name)
	for _, d := range directionNames {
		if strings.HasPrefix(name, d.name) {
			return d.dir, true
		}
	}
	return 0, false
}

// ParseLine parses one trace line. Three forms are accepted:
//
//	2025-02-25T13:27:13+01:00 TRC DATA READ REQ ... component=pipeline data=4105... direction="Gateway → Controller"
//	2025-02-25 13:27:13.247 Vitoconnect → Optolink 410500212003014a
//	410500212003014a
//
// The timestamp is optional in the last two. Bare hex is assigned a
// direction from its first byte. Log lines that carry no packet return
// ErrSkip.
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(ansiCodes.ReplaceAllString(line, ""))
	if line == "" {
		return Record{}, ErrSkip
	}
	if hexOnly.MatchString(line) {
		return bareHex(time.Time{}, line)
	}

	var rec Record
	rec.Time, line = cutTime(line)

	if strings.Contains(line, "data=") {
		if !strings.Contains(line, "TRC") {
			// the same packet shows up again in warnings and errors
			return Record{}, ErrSkip
		}
		return structured(rec.Time, line)
	}
	if levelWord.MatchString(line) {
		return Record{}, ErrSkip
	}

	if hexOnly.MatchString(line) {
		return bareHex(rec.Time, line)
	}

	dir, ok := ParseDirection(line)
	if !ok {
		return Record{}, fmt.Errorf("unexpected line format: %q", line)
	}
	fields := strings.Fields(line)
	raw, err := hex.DecodeString(fields[len(fields)-1])
	if err != nil {
		return Record{}, fmt.Errorf("invalid packet hex: %w", err)
	}
	rec.Dir = dir
	rec.Raw = raw
	return rec, nil
}

// cutTime removes a leading timestamp
func cutTime(line string) (time.Time, string) {
	fields := strings.Fields(line)
	for _, l := range timeLayouts {
		if len(fields) <= l.fields {
			continue
		}
		t, err := time.Parse(l.layout, strings.Join(fields[:l.fields], " "))
		if err != nil {
			continue
		}
		return t, strings.Join(fields[l.fields:], " ")
	}
	return time.Time{}, line
}

func structured(t time.Time, line string) (Record, error) {
	data, ok := field(line, "data")
	if !ok {
		return Record{}, fmt.Errorf("missing data field: %q", line)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return Record{}, fmt.Errorf("invalid packet hex: %w", err)
	}
	if len(raw) == 0 {
		return Record{}, errors.New("empty packet")
	}
	name, ok := field(line, "direction")
	if !ok {
		return bareHex(t, data)
	}
	dir, ok := ParseDirection(name)
	if !ok {
		return Record{}, fmt.Errorf("unknown direction %q", name)
	}
	return Record{Time: t, Dir: dir, Raw: raw}, nil
}

// field extracts key=value or key="quoted value" from a console log line.
// Fields follow the message, so the last occurrence wins.
func field(line, key string) (string, bool) {
	i := strings.LastIndex(line, key+"=")
	if i < 0 {
		return "", false
	}
	rest := line[i+len(key)+1:]
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return "", false
		}
		return rest[1 : end+1], true
	}
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return rest, rest != ""
}

// bareHex derives the direction from the packet itself: controller
// responses start with a response byte, everything else is a request
func bareHex(t time.Time, s string) (Record, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Record{}, fmt.Errorf("invalid packet hex: %w", err)
	}
	if len(raw) == 0 {
		return Record{}, errors.New("empty packet")
	}
	switch raw[0] {
	case vs2.ResACK, vs2.ResNACK, vs2.ResENQ:
		return Record{Time: t, Dir: vs2.ControllerToGateway, Raw: raw}, nil
	case vs2.StartData, vs2.StartSYN, vs2.StartEOT:
		return Record{Time: t, Dir: vs2.GatewayToController, Raw: raw}, nil
	default:
		return Record{}, fmt.Errorf("unknown direction for packet starting with 0x%02X", raw[0])
	}
}
