// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package poll

import (
	"bytes"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// syncBuffer is a log sink safe to read while tickers write to it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ============================================================
// Queue Tests
// ============================================================

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Item{Addr: 0x0800, Len: 2})
	q.Enqueue(Item{Addr: 0x0802, Len: 2})
	q.Enqueue(Item{Addr: 0x2003, Len: 1})

	for _, want := range []uint16{0x0800, 0x0802, 0x2003} {
		item, ok := q.Dequeue()
		if !ok {
			t.Fatal("queue drained early")
		}
		if item.Addr != want {
			t.Errorf("expected 0x%04X, got 0x%04X", want, item.Addr)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueue_DeduplicatesByAddress(t *testing.T) {
	q := NewQueue()
	if !q.Enqueue(Item{Addr: 0x0800, Len: 2}) {
		t.Fatal("first enqueue should succeed")
	}
	if q.Enqueue(Item{Addr: 0x0800, Len: 4}) {
		t.Error("same address must not be queued twice")
	}
	if q.Len() != 1 {
		t.Errorf("expected one queued item, got %d", q.Len())
	}

	if item, _ := q.Dequeue(); item.Len != 2 {
		t.Errorf("the first item must be kept, got len %d", item.Len)
	}
	if !q.Enqueue(Item{Addr: 0x0800, Len: 2}) {
		t.Error("address can be queued again once dequeued")
	}
}

func TestItem_Request(t *testing.T) {
	f := Item{Addr: 0x2003, Len: 2}.Request()
	if f.Addr != 0x2003 || f.DLen != 2 || f.Seq != 0 {
		t.Errorf("unexpected request frame %+v", f)
	}
}

// ============================================================
// Schedule Tests
// ============================================================

func TestSchedule_EnqueuesImmediately(t *testing.T) {
	q := NewQueue()
	var logs syncBuffer
	s := StartSchedule(q, []Entry{
		{Interval: time.Hour, Item: Item{Addr: 0x0800, Len: 2}},
		{Interval: time.Hour, Item: Item{Addr: 0x0802, Len: 2}},
	}, zerolog.New(&logs))
	defer s.Stop()

	if q.Len() != 2 {
		t.Errorf("expected both items queued at start, got %d", q.Len())
	}
	if logs.String() != "" {
		t.Errorf("expected no log output, got:\n%s", logs.String())
	}
}

func TestSchedule_StartIsSilentWhenAlreadyQueued(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Item{Addr: 0x0800, Len: 2})

	var logs syncBuffer
	s := StartSchedule(q, []Entry{{Interval: time.Hour, Item: Item{Addr: 0x0800, Len: 2}}}, zerolog.New(&logs))
	defer s.Stop()

	if strings.Contains(logs.String(), "already in the poll queue") {
		t.Errorf("restart must not warn about queued items:\n%s", logs.String())
	}
}

func TestSchedule_SkipsNonPositiveInterval(t *testing.T) {
	q := NewQueue()
	var logs syncBuffer
	s := StartSchedule(q, []Entry{
		{Interval: 0, Item: Item{Addr: 0x0800, Len: 2}},
		{Interval: -time.Second, Item: Item{Addr: 0x0802, Len: 2}},
	}, zerolog.New(&logs))
	defer s.Stop()

	if q.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", q.Len())
	}
	if n := strings.Count(logs.String(), "not positive"); n != 2 {
		t.Errorf("expected 2 warnings, got %d:\n%s", n, logs.String())
	}
}

func TestSchedule_WarnsWhenStillQueued(t *testing.T) {
	q := NewQueue()
	var logs syncBuffer
	s := StartSchedule(q, []Entry{{Interval: 10 * time.Millisecond, Item: Item{Addr: 0x0800, Len: 2}}}, zerolog.New(&logs))
	defer s.Stop()

	ok := eventually(t, time.Second, func() bool {
		return strings.Contains(logs.String(), "already in the poll queue")
	})
	if !ok {
		t.Error("expected a saturation warning for an item that is never dequeued")
	}
	if q.Len() != 1 {
		t.Errorf("expected the item queued once, got %d", q.Len())
	}
}

func TestSchedule_RequeuesOnTick(t *testing.T) {
	q := NewQueue()
	s := StartSchedule(q, []Entry{{Interval: 10 * time.Millisecond, Item: Item{Addr: 0x0800, Len: 2}}}, zerolog.Nop())
	defer s.Stop()

	q.Dequeue()
	if !eventually(t, time.Second, func() bool { return q.Len() == 1 }) {
		t.Error("expected the item to be queued again on the next tick")
	}
}

func TestSchedule_Stop(t *testing.T) {
	q := NewQueue()
	s := StartSchedule(q, []Entry{{Interval: 5 * time.Millisecond, Item: Item{Addr: 0x0800, Len: 2}}}, zerolog.Nop())
	s.Stop()
	s.Stop()

	q.Dequeue()
	time.Sleep(30 * time.Millisecond)
	if q.Len() != 0 {
		t.Error("stopped schedule must not enqueue")
	}
}

func TestSchedule_RateWarning(t *testing.T) {
	entries := []Entry{
		{Interval: 200 * time.Millisecond, Item: Item{Addr: 0x0800, Len: 2}},
		{Interval: 500 * time.Millisecond, Item: Item{Addr: 0x0802, Len: 2}},
	}
	if rate := Rate(entries); math.Abs(rate-7) > 1e-9 {
		t.Errorf("expected 7 polls/s, got %v", rate)
	}

	var logs syncBuffer
	s := StartSchedule(NewQueue(), entries, zerolog.New(&logs))
	s.Stop()
	if !strings.Contains(logs.String(), "more than 5 items per second") {
		t.Errorf("expected rate warning, got:\n%s", logs.String())
	}

	var quiet syncBuffer
	s = StartSchedule(NewQueue(), []Entry{{Interval: time.Second, Item: Item{Addr: 0x0800}}}, zerolog.New(&quiet))
	s.Stop()
	if strings.Contains(quiet.String(), "items per second") {
		t.Errorf("unexpected rate warning:\n%s", quiet.String())
	}
}
