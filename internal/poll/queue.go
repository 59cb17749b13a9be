// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package poll injects read requests for configured addresses into the
// gateway's own request cycle.
package poll

import (
	"sync"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// Item is one address to read from the controller
type Item struct {
	Addr uint16
	Len  uint8
}

// Queue is a FIFO of poll items holding each address at most once. It is
// shared by the schedule (producer) and the injector (consumer).
type Queue struct {
	mu    sync.Mutex
	items []Item
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends item unless its address is already queued. It reports
// whether the item was added.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queuedLocked(item.Addr) {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Dequeue removes and returns the oldest item
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) queuedLocked(addr uint16) bool {
	for _, queued := range q.items {
		if queued.Addr == addr {
			return true
		}
	}
	return false
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Request returns the read request frame for the item
func (i Item) Request() *vs2.Frame {
	return vs2.NewReadRequest(i.Addr, i.Len)
}
