// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package poll

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// MaxPollRate is the combined poll rate (polls per second) above which the
// bus is considered saturated
const MaxPollRate = 5.0

// Entry is a poll item with its interval
type Entry struct {
	Interval time.Duration
	Item
}

// Rate returns the sum of the poll rates of entries, in polls per second.
// Entries with a non-positive interval are ignored.
func Rate(entries []Entry) float64 {
	var rate float64
	for _, e := range entries {
		if e.Interval > 0 {
			rate += 1 / e.Interval.Seconds()
		}
	}
	return rate
}

// Schedule enqueues every entry once at start and then on every tick of its
// interval
type Schedule struct {
	queue  *Queue
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartSchedule starts one ticker per entry. Entries with a non-positive
// interval are skipped.
func StartSchedule(q *Queue, entries []Entry, logger zerolog.Logger) *Schedule {
	s := &Schedule{
		queue:  q,
		logger: logger,
		stop:   make(chan struct{}),
	}

	for _, e := range entries {
		if e.Interval <= 0 {
			logger.Error().Str("addr", vs2.FormatAddr(e.Addr)).Msg("Poll interval is not positive, skipping poll item")
			continue
		}

		// already queued after a reload, nothing to warn about
		q.Enqueue(e.Item)

		s.wg.Add(1)
		go s.run(e)
	}

	if rate := Rate(entries); rate > MaxPollRate {
		logger.Warn().Float64("rate", rate).
			Msg("Polling more than 5 items per second exceeds what the 4800 baud bus can carry, reduce poll_items or their rate and watch for poll queue saturation warnings")
	}
	return s
}

func (s *Schedule) run(e Entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.queue.Enqueue(e.Item) {
				s.logger.Warn().Str("addr", vs2.FormatAddr(e.Addr)).
					Msg("Address is already in the poll queue, the queue may be saturated or polling has not started yet, also check poll_items for duplicates")
			}
		}
	}
}

// Stop cancels all tickers and waits for them to exit. Items already queued
// stay queued.
func (s *Schedule) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}
