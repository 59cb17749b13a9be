// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/internal/metrics"
	"github.com/Thermoquad/optobridge/internal/pipeline"
	"github.com/Thermoquad/optobridge/internal/publish"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

type capture struct {
	mu      sync.Mutex
	samples []publish.Sample
	err     error
}

func (c *capture) Publish(s publish.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return c.err
}

func scale(f float64) *float64 {
	return &f
}

func newTestDispatcher(t *testing.T, publishUnknown bool, pollAddrs ...uint16) (*Dispatcher, *capture, *bytes.Buffer, *metrics.Statistics) {
	t.Helper()
	table, err := datapoint.NewTable([]datapoint.DataPoint{
		{Name: "outside_temp", Addr: 0x0800, Kind: vs2.KindInt16, Scale: scale(0.1)},
		{Name: "burner_hours", Addr: 0x08A7, Kind: vs2.KindUint32},
		{Name: "boiler_temp", Addr: 0x0802, Kind: vs2.KindUint16, Scale: scale(0.1)},
	})
	if err != nil {
		t.Fatalf("NewTable error: %v", err)
	}

	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)
	stats := metrics.NewStatistics()
	c := &capture{}

	d := NewDispatcher(NewSync(logger), c, NewRuntime(table, pollAddrs, publishUnknown),
		WithLogger(logger), WithStatistics(stats))
	return d, c, &logs, stats
}

func dataFrame(id vs2.ID, fn vs2.Fn, addr uint16, payload []byte) *vs2.Frame {
	return &vs2.Frame{Start: vs2.StartData, ID: id, Fn: fn, Addr: addr, DLen: uint8(len(payload)), Payload: payload}
}

func readRequest(addr uint16, n uint8) pipeline.Packet {
	return pipeline.Packet{Dir: vs2.GatewayToController, Msg: vs2.Message{Frame: vs2.NewReadRequest(addr, n)}}
}

func readResponse(dir vs2.Direction, addr uint16, payload []byte) pipeline.Packet {
	return pipeline.Packet{Dir: dir, Msg: vs2.Message{Response: &vs2.Response{
		Res:   vs2.ResACK,
		Frame: dataFrame(vs2.IDResp, vs2.FnRead, addr, payload),
	}}}
}

// ============================================================
// Routing Tests
// ============================================================

func TestDispatcher_PublishesKnownValue(t *testing.T) {
	d, c, _, stats := newTestDispatcher(t, false)

	if err := d.HandlePacket(readResponse(vs2.ControllerToGateway, 0x0800, []byte{0x0A, 0x00})); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}

	if len(c.samples) != 1 {
		t.Fatalf("expected one sample, got %d", len(c.samples))
	}
	s := c.samples[0]
	if !s.Known || s.Name != "outside_temp" || s.Value != float64(1.0) {
		t.Errorf("unexpected sample %+v", s)
	}
	if stats.Published.Load() != 1 {
		t.Errorf("expected published counter 1, got %d", stats.Published.Load())
	}
}

func TestDispatcher_PolledAnswerIsPublished(t *testing.T) {
	d, c, _, _ := newTestDispatcher(t, false)

	if err := d.HandlePacket(readResponse(vs2.ControllerToLocal, 0x08A7, []byte{0x10, 0x27, 0x00, 0x00})); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if len(c.samples) != 1 || c.samples[0].Value != float64(10000) {
		t.Errorf("expected burner_hours 10000, got %+v", c.samples)
	}
}

func TestDispatcher_WriteRequestCarriesValue(t *testing.T) {
	d, c, _, _ := newTestDispatcher(t, false)

	p := pipeline.Packet{Dir: vs2.GatewayToController, Msg: vs2.Message{
		Frame: dataFrame(vs2.IDReq, vs2.FnWrite, 0x0802, []byte{0xE8, 0x03}),
	}}
	if err := d.HandlePacket(p); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if len(c.samples) != 1 || c.samples[0].Value != float64(100) {
		t.Errorf("expected boiler_temp 100, got %+v", c.samples)
	}
}

func TestDispatcher_DropsNonValueTraffic(t *testing.T) {
	d, c, _, _ := newTestDispatcher(t, true)

	packets := []pipeline.Packet{
		{Dir: vs2.GatewayToController, Msg: synMsg},
		{Dir: vs2.ControllerToGateway, Msg: bareAckMsg},
		readRequest(0x0800, 2),
		// write acknowledgement carries no value
		{Dir: vs2.ControllerToGateway, Msg: vs2.Message{Response: &vs2.Response{
			Res: vs2.ResACK, Frame: dataFrame(vs2.IDResp, vs2.FnWrite, 0x0802, nil),
		}}},
	}
	for _, p := range packets {
		if err := d.HandlePacket(p); err != nil {
			t.Fatalf("HandlePacket error: %v", err)
		}
	}
	if len(c.samples) != 0 {
		t.Errorf("expected no samples, got %+v", c.samples)
	}
}

func TestDispatcher_ProtocolErrorsDropped(t *testing.T) {
	d, c, logs, stats := newTestDispatcher(t, true)

	unack := pipeline.Packet{Dir: vs2.ControllerToGateway, Msg: vs2.Message{Response: &vs2.Response{
		Res: vs2.ResACK, Frame: dataFrame(vs2.IDUnack, vs2.FnRead, 0x0800, nil),
	}}}
	errmsg := pipeline.Packet{Dir: vs2.ControllerToGateway, Msg: vs2.Message{Response: &vs2.Response{
		Res: vs2.ResACK, Frame: dataFrame(vs2.IDErrmsg, vs2.FnRead, 0x0800, []byte{0xBE, 0xEF}),
	}}}

	for _, p := range []pipeline.Packet{unack, errmsg} {
		if err := d.HandlePacket(p); err != nil {
			t.Fatalf("HandlePacket error: %v", err)
		}
	}

	if len(c.samples) != 0 {
		t.Errorf("protocol errors must not be published, got %+v", c.samples)
	}
	if stats.ProtocolErrors.Load() != 2 {
		t.Errorf("expected 2 protocol errors, got %d", stats.ProtocolErrors.Load())
	}
	if !strings.Contains(logs.String(), "Packet unacknowledged") || !strings.Contains(logs.String(), "beef") {
		t.Errorf("expected both errors logged, got:\n%s", logs.String())
	}
}

func TestDispatcher_UnknownAddressPolicy(t *testing.T) {
	resp := readResponse(vs2.ControllerToGateway, 0x5525, []byte{0x01, 0x02})

	d, c, _, _ := newTestDispatcher(t, false)
	if err := d.HandlePacket(resp); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if len(c.samples) != 0 {
		t.Errorf("unknown address should be dropped, got %+v", c.samples)
	}

	d, c, _, _ = newTestDispatcher(t, true)
	if err := d.HandlePacket(resp); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if len(c.samples) != 1 {
		t.Fatalf("unknown address should be published raw, got %+v", c.samples)
	}
	s := c.samples[0]
	if s.Known || s.Addr != 0x5525 || !bytes.Equal(s.Value.([]byte), []byte{0x01, 0x02}) {
		t.Errorf("unexpected raw sample %+v", s)
	}
}

func TestDispatcher_DecodeAndPublishErrors(t *testing.T) {
	d, c, _, _ := newTestDispatcher(t, false)

	// one byte for an int16 data point
	if err := d.HandlePacket(readResponse(vs2.ControllerToGateway, 0x0800, []byte{0x01})); err == nil {
		t.Error("expected decode error")
	}

	c.err = errors.New("broker down")
	if err := d.HandlePacket(readResponse(vs2.ControllerToGateway, 0x0800, []byte{0x01, 0x00})); err == nil {
		t.Error("expected publish error to be returned")
	}
}

// ============================================================
// Observation Tests
// ============================================================

func TestDispatcher_PolledAddressHintOnce(t *testing.T) {
	d, _, logs, _ := newTestDispatcher(t, false, 0x0800)

	for i := 0; i < 3; i++ {
		if err := d.HandlePacket(readRequest(0x0800, 2)); err != nil {
			t.Fatalf("HandlePacket error: %v", err)
		}
	}

	if n := strings.Count(logs.String(), "consider removing it from poll_items"); n != 1 {
		t.Errorf("expected the hint exactly once, got %d:\n%s", n, logs.String())
	}
	if !d.Observed(0x0800) {
		t.Error("address should be observed")
	}
}

func TestDispatcher_LocalPollsAreObservedWithoutHint(t *testing.T) {
	d, _, logs, _ := newTestDispatcher(t, false, 0x0800)

	p := pipeline.Packet{Dir: vs2.LocalToController, Msg: vs2.Message{Frame: vs2.NewReadRequest(0x0800, 2)}}
	if err := d.HandlePacket(p); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if !d.Observed(0x0800) {
		t.Error("polled address should be observed")
	}
	if strings.Contains(logs.String(), "poll_items") {
		t.Errorf("no hint expected for local polls:\n%s", logs.String())
	}
}

func TestDispatcher_CheckLiveness(t *testing.T) {
	// 0x0802 is polled, 0x0800 gets requested, 0x08A7 stays silent
	d, _, logs, _ := newTestDispatcher(t, false, 0x0802)

	if err := d.HandlePacket(readRequest(0x0800, 2)); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}

	silent := d.CheckLiveness()
	if len(silent) != 1 || silent[0].Name != "burner_hours" {
		t.Errorf("expected only burner_hours silent, got %+v", silent)
	}
	if !strings.Contains(logs.String(), "burner_hours") {
		t.Errorf("expected liveness hint logged:\n%s", logs.String())
	}
}

func TestDispatcher_SetRuntime(t *testing.T) {
	d, c, _, _ := newTestDispatcher(t, false)

	table, err := datapoint.NewTable([]datapoint.DataPoint{
		{Name: "renamed", Addr: 0x0800, Kind: vs2.KindUint16},
	})
	if err != nil {
		t.Fatalf("NewTable error: %v", err)
	}
	d.SetRuntime(NewRuntime(table, nil, false))

	if err := d.HandlePacket(readResponse(vs2.ControllerToGateway, 0x0800, []byte{0x0A, 0x00})); err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if len(c.samples) != 1 || c.samples[0].Name != "renamed" || c.samples[0].Value != float64(10) {
		t.Errorf("expected sample from the new runtime, got %+v", c.samples)
	}
}

func TestDispatcher_DrivesSync(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, false)

	d.HandlePacket(pipeline.Packet{Dir: vs2.GatewayToController, Msg: synMsg})
	d.HandlePacket(pipeline.Packet{Dir: vs2.ControllerToGateway, Msg: bareAckMsg})

	if !d.sync.Flowing() {
		t.Errorf("expected flowing after handshake, got %s", d.sync.State())
	}
}
