// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package trace

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Category groups addresses by how their values behaved over the trace
type Category int

const (
	MostlyIdentical Category = iota
	MostlyVariable
	Identical
	StringsOrArrays
	NoData
)

// categories in report order
var categories = []Category{MostlyIdentical, MostlyVariable, Identical, StringsOrArrays, NoData}

func (c Category) String() string {
	switch c {
	case MostlyIdentical:
		return "Addresses that contained mostly identical values (e.g. enums / state variables)"
	case MostlyVariable:
		return "Addresses with mostly variable values (e.g. numerical values / statistics)"
	case Identical:
		return "Addresses that never changed / always contained identical values (e.g. configurations)"
	case StringsOrArrays:
		return "Addresses which contained mostly strings or arrays (e.g. labels & complex data types)"
	default:
		return "Addresses without any data traced (function calls w/o parameters)"
	}
}

const (
	// values longer than this on average are treated as strings or arrays
	maxScalarLen = 6
	// fewer distinct values than this count as mostly identical
	identicalLimit = 10
	// at most this many values are listed per address
	listLimit = 10
)

// Value is one payload seen for an address. RPC answers carry the request
// payload they belong to.
type Value struct {
	Data    []byte
	Request []byte
	Write   bool
}

func (v Value) key() string {
	return hex.EncodeToString(v.Request) + hex.EncodeToString(v.Data)
}

// AddrStats collects the traffic of one address
type AddrStats struct {
	Addr   uint16
	Count  int
	Fns    map[vs2.Fn]int
	IDs    map[vs2.ID]int
	Values []Value
}

// DirectionStats counts packets of one direction
type DirectionStats struct {
	Dir   vs2.Direction
	Count int
	Fns   map[vs2.Fn]int
}

// Change is a new value of a filtered address
type Change struct {
	Time    time.Time
	Addr    uint16
	Fn      vs2.Fn
	ID      vs2.ID
	Data    []byte
	Repeats int // identical values that followed
}

// Malformed is a line or packet that could not be used
type Malformed struct {
	Line int
	Err  error
}

// Analyzer accumulates trace records
type Analyzer struct {
	table  *datapoint.Table
	filter map[uint16]struct{}

	dirs      map[vs2.Direction]*DirectionStats
	addrs     map[uint16]*AddrStats
	changes   []*Change
	last      map[uint16]*Change
	malformed []Malformed
	dpErrors  map[uint16][]error
	lines     int

	rpcSeq  uint8
	rpcData []byte

	second  time.Time
	inSec   int
	seconds int
	rate    float64
}

// NewAnalyzer creates an analyzer decoding known addresses with table.
// With filter addresses only their value changes are collected.
func NewAnalyzer(table *datapoint.Table, filter ...uint16) *Analyzer {
	if table == nil {
		table, _ = datapoint.NewTable(nil)
	}
	a := &Analyzer{
		table:    table,
		filter:   make(map[uint16]struct{}, len(filter)),
		dirs:     make(map[vs2.Direction]*DirectionStats),
		addrs:    make(map[uint16]*AddrStats),
		last:     make(map[uint16]*Change),
		dpErrors: make(map[uint16][]error),
	}
	for _, addr := range filter {
		a.filter[addr] = struct{}{}
	}
	return a
}

// ReadFrom analyzes every line of r
func (a *Analyzer) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		n += int64(len(scanner.Bytes())) + 1
		a.AddLine(scanner.Text())
	}
	return n, scanner.Err()
}

// AddLine parses and adds one line
func (a *Analyzer) AddLine(line string) {
	a.lines++
	rec, err := ParseLine(line)
	if errors.Is(err, ErrSkip) {
		return
	}
	if err != nil {
		a.malformed = append(a.malformed, Malformed{Line: a.lines, Err: err})
		return
	}
	a.Add(rec)
}

// Add adds one record
func (a *Analyzer) Add(rec Record) {
	if !rec.Time.IsZero() {
		a.countRate(rec.Time)
	}

	ds := a.dirs[rec.Dir]
	if ds == nil {
		ds = &DirectionStats{Dir: rec.Dir, Fns: make(map[vs2.Fn]int)}
		a.dirs[rec.Dir] = ds
	}
	ds.Count++

	msg, err := vs2.DecodeDirection(rec.Raw, rec.Dir)
	if err != nil {
		a.malformed = append(a.malformed, Malformed{Line: a.lines, Err: fmt.Errorf("%x: %w", rec.Raw, err)})
		return
	}
	f := msg.DataFrame()
	if !f.IsData() || f.Addr == 0 {
		// sync traffic
		return
	}

	if len(a.filter) > 0 {
		a.track(rec.Time, f)
		return
	}

	ds.Fns[f.Fn]++

	st := a.addrs[f.Addr]
	if st == nil {
		st = &AddrStats{Addr: f.Addr, Fns: make(map[vs2.Fn]int), IDs: make(map[vs2.ID]int)}
		a.addrs[f.Addr] = st
	}
	st.Count++
	st.Fns[f.Fn]++
	st.IDs[f.ID]++

	if f.Payload == nil {
		return
	}
	data := bytes.Clone(f.Payload)
	switch {
	case f.Fn == vs2.FnRPC && f.ID == vs2.IDReq:
		a.rpcSeq = f.Seq
		a.rpcData = data
	case f.Fn == vs2.FnRPC:
		if a.rpcData != nil && a.rpcSeq == f.Seq {
			st.Values = append(st.Values, Value{Request: a.rpcData, Data: data})
		}
	case f.Fn == vs2.FnWrite && f.ID == vs2.IDReq:
		st.Values = append(st.Values, Value{Data: data, Write: true})
	default:
		st.Values = append(st.Values, Value{Data: data})
	}
}

// countRate keeps a moving average of packets per second
func (a *Analyzer) countRate(t time.Time) {
	sec := t.Truncate(time.Second)
	if sec.Equal(a.second) {
		a.inSec++
		return
	}
	if a.inSec > 0 {
		a.seconds++
		a.rate += (float64(a.inSec) - a.rate) / float64(a.seconds)
	}
	a.second = sec
	a.inSec = 1
}

// track records value changes of filtered addresses
func (a *Analyzer) track(t time.Time, f *vs2.Frame) {
	if _, ok := a.filter[f.Addr]; !ok || len(f.Payload) == 0 {
		return
	}
	if prev := a.last[f.Addr]; prev != nil && bytes.Equal(prev.Data, f.Payload) {
		prev.Repeats++
		return
	}
	c := &Change{Time: t, Addr: f.Addr, Fn: f.Fn, ID: f.ID, Data: bytes.Clone(f.Payload)}
	a.changes = append(a.changes, c)
	a.last[f.Addr] = c
}

// Addresses returns the collected address statistics sorted by address
func (a *Analyzer) Addresses() []*AddrStats {
	out := make([]*AddrStats, 0, len(a.addrs))
	for _, st := range a.addrs {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Changes returns the value changes of filtered addresses in trace order
func (a *Analyzer) Changes() []Change {
	out := make([]Change, len(a.changes))
	for i, c := range a.changes {
		out[i] = *c
	}
	return out
}

// Malformed returns the lines and packets that could not be used
func (a *Analyzer) Malformed() []Malformed {
	return a.malformed
}

// Rate returns the average number of packets per second, 0 without
// timestamps
func (a *Analyzer) Rate() float64 {
	return a.rate
}

// Categorize puts the values of an address into a category
func Categorize(values []Value) Category {
	if len(values) == 0 {
		return NoData
	}

	total := 0
	for _, v := range values {
		total += len(v.Data)
	}
	if float64(total)/float64(len(values)) > maxScalarLen {
		return StringsOrArrays
	}

	distinct := make(map[string]struct{})
	for _, v := range values {
		distinct[v.key()] = struct{}{}
	}
	switch {
	case len(distinct) == 1:
		return Identical
	case len(distinct) < identicalLimit:
		return MostlyIdentical
	default:
		return MostlyVariable
	}
}

// format renders a value, decoded with dp when known
func (a *Analyzer) format(v Value, dp *datapoint.DataPoint) string {
	s := a.formatData(v.Data, dp)
	if v.Request != nil {
		s = a.formatData(v.Request, dp) + " → " + s
	}
	if v.Write {
		s += " (!)"
	}
	return s
}

func (a *Analyzer) formatData(data []byte, dp *datapoint.DataPoint) string {
	if dp != nil {
		value, err := dp.Decode(data)
		if err == nil {
			return vs2.FormatValue(value)
		}
		a.dpErrors[dp.Addr] = append(a.dpErrors[dp.Addr], err)
	}
	return "0x" + hex.EncodeToString(data)
}

func (a *Analyzer) lookup(addr uint16) *datapoint.DataPoint {
	dp, ok := a.table.Lookup(addr)
	if !ok {
		return nil
	}
	return &dp
}

// condensed lists the values with runs of repeats collapsed
func (a *Analyzer) condensed(values []Value, dp *datapoint.DataPoint) string {
	var parts []string
	for i := 0; i < len(values) && len(parts) < listLimit; {
		j := i + 1
		for j < len(values) && values[j].key() == values[i].key() {
			j++
		}
		part := a.format(values[i], dp)
		if j-i > 1 {
			part += fmt.Sprintf(", [%d× …]", j-i-1)
		}
		parts = append(parts, part)
		i = j
	}
	s := strings.Join(parts, ", ")
	if runs(values) > listLimit {
		s += ", …"
	}
	return s
}

// changed lists only values that differ from their predecessor
func (a *Analyzer) changed(values []Value, dp *datapoint.DataPoint) string {
	var parts []string
	for i, v := range values {
		if i > 0 && v.key() == values[i-1].key() {
			continue
		}
		if len(parts) == listLimit {
			return strings.Join(parts, ", […], ") + ", …"
		}
		parts = append(parts, a.format(v, dp))
	}
	return strings.Join(parts, ", […], ")
}

func runs(values []Value) int {
	n := 0
	for i, v := range values {
		if i == 0 || v.key() != values[i-1].key() {
			n++
		}
	}
	return n
}

// WriteReport writes the human-readable summary
func (a *Analyzer) WriteReport(w io.Writer) {
	if len(a.filter) > 0 {
		a.writeChanges(w)
		return
	}

	if len(a.dirs) > 0 {
		fmt.Fprintln(w, "Number of packets:")
		for _, dir := range []vs2.Direction{vs2.GatewayToController, vs2.ControllerToGateway, vs2.LocalToController, vs2.ControllerToLocal} {
			ds := a.dirs[dir]
			if ds == nil {
				continue
			}
			fmt.Fprintf(w, "  %s: %d", dir, ds.Count)
			if dir == vs2.GatewayToController {
				r, wr, rpc := ds.Fns[vs2.FnRead], ds.Fns[vs2.FnWrite], ds.Fns[vs2.FnRPC]
				fmt.Fprintf(w, " (%d read, %d write, %d rpc, %d misc [e.g. sync])", r, wr, rpc, ds.Count-r-wr-rpc)
			}
			fmt.Fprintln(w)
		}
	}
	if a.rate > 0 {
		fmt.Fprintf(w, "Average number of packets per second: %.2f\n", a.rate)
	}
	if len(a.malformed) > 0 {
		fmt.Fprintf(w, "\nMalformed lines / packets: %d, e.g.: line %d: %v\n", len(a.malformed), a.malformed[0].Line, a.malformed[0].Err)
	}
	fmt.Fprintln(w)

	grouped := make(map[Category][]*AddrStats)
	for _, st := range a.Addresses() {
		c := Categorize(st.Values)
		grouped[c] = append(grouped[c], st)
	}

	for _, c := range categories {
		stats := grouped[c]
		if len(stats) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", c)
		a.writeGroup(w, stats, func(st *AddrStats, dp *datapoint.DataPoint) string {
			switch c {
			case MostlyIdentical:
				return a.condensed(st.Values, dp)
			case MostlyVariable:
				return a.changed(st.Values, dp)
			case Identical:
				return fmt.Sprintf("%d× %s", len(st.Values), a.format(st.Values[0], dp))
			case StringsOrArrays:
				return "e.g. " + a.format(st.Values[0], dp)
			default:
				return ""
			}
		})
		fmt.Fprintln(w)
	}

	a.writeDataPoints(w)
}

func (a *Analyzer) writeGroup(w io.Writer, stats []*AddrStats, describe func(*AddrStats, *datapoint.DataPoint) string) {
	var known, unknown []*AddrStats
	for _, st := range stats {
		if a.lookup(st.Addr) != nil {
			known = append(known, st)
		} else {
			unknown = append(unknown, st)
		}
	}

	line := func(st *AddrStats, label string, dp *datapoint.DataPoint) {
		fmt.Fprintf(w, "  %d× %s%s", st.Count, vs2.FormatAddr(st.Addr), label)
		if d := describe(st, dp); d != "" {
			fmt.Fprintf(w, ": %s", d)
		}
		fmt.Fprintln(w)
	}

	if len(known) > 0 {
		fmt.Fprintln(w, "\nWith configured data points:")
		for _, st := range known {
			dp := a.lookup(st.Addr)
			line(st, " ("+dp.Name+")", dp)
		}
	}
	if len(unknown) > 0 {
		fmt.Fprintln(w, "\nWithout configured data points (output as raw / hex):")
		for _, st := range unknown {
			line(st, "", nil)
		}
	}
}

func (a *Analyzer) writeDataPoints(w io.Writer) {
	dps := a.table.All()

	var failing []datapoint.DataPoint
	for _, dp := range dps {
		if len(a.dpErrors[dp.Addr]) > 0 {
			failing = append(failing, dp)
		}
	}
	if len(failing) > 0 {
		fmt.Fprintln(w, "Data points with errors when parsing:")
		for _, dp := range failing {
			errs := a.dpErrors[dp.Addr]
			fmt.Fprintf(w, "  %s (%s), %d errors e.g.: %v\n", dp.Name, vs2.FormatAddr(dp.Addr), len(errs), errs[0])
		}
		fmt.Fprintln(w)
	}

	var traced, silent []datapoint.DataPoint
	for _, dp := range dps {
		if _, ok := a.addrs[dp.Addr]; ok {
			traced = append(traced, dp)
		} else {
			silent = append(silent, dp)
		}
	}
	if len(traced) > 0 {
		fmt.Fprintln(w, "Data points that have been traced at least once:")
		for _, dp := range traced {
			st := a.addrs[dp.Addr]
			fmt.Fprintf(w, "  %s (%s), traced %d×", dp.Name, vs2.FormatAddr(dp.Addr), st.Count)
			if len(st.Values) > 0 {
				fmt.Fprintf(w, " e.g.: %s", a.format(st.Values[0], &dp))
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}
	if len(silent) > 0 {
		fmt.Fprintln(w, "Data points that have not been traced:")
		for _, dp := range silent {
			fmt.Fprintf(w, "  %s (%s)\n", dp.Name, vs2.FormatAddr(dp.Addr))
		}
		fmt.Fprintln(w)
	}
}

func (a *Analyzer) writeChanges(w io.Writer) {
	multi := len(a.filter) > 1
	for _, c := range a.changes {
		if !c.Time.IsZero() {
			fmt.Fprintf(w, "%s ", c.Time.Format("2006-01-02 15:04:05.000"))
		}
		fn := c.Fn.String()
		if c.Fn == vs2.FnRPC {
			fn += "/" + c.ID.String()
		}
		dp := a.lookup(c.Addr)
		fmt.Fprintf(w, "%s (%s): 0x%x", vs2.FormatAddr(c.Addr), fn, c.Data)
		if dp != nil {
			fmt.Fprintf(w, " (data point: %s)", a.formatData(c.Data, dp))
		} else {
			fmt.Fprintf(w, " (debug: %s)", candidates(c.Data))
		}
		fmt.Fprintln(w)

		if c.Repeats > 0 {
			if multi {
				fmt.Fprintf(w, "… %d× identical value(s) for address %s …\n", c.Repeats, vs2.FormatAddr(c.Addr))
			} else {
				fmt.Fprintf(w, "… %d× identical value(s) …\n", c.Repeats)
			}
		}
	}
}

func candidates(data []byte) string {
	var parts []string
	for _, c := range vs2.DecodeCandidates(data) {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Kind, vs2.FormatValue(c.Value)))
	}
	return strings.Join(parts, " ")
}
