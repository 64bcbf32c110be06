// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

// Package queue provides the default outbound consumer for a registration: a
// bounded FIFO that coalesces repeated events and degrades to a single
// OVERFLOW sentinel when saturated, instead of blocking the watch goroutine
// or growing without bound.
package queue

import (
	"context"
	"sync"

	"github.com/dirwatch/dirwatch/internal/event"
)

// DefaultCapacity bounds a queue when no capacity is configured.
const DefaultCapacity = 512

// Item is one queued event.  Count is how many identical consecutive events
// it stands for.
type Item struct {
	event.Event
	Count int
}

// Queue is a bounded event buffer.  Producers never block: a full queue
// turns further events into one trailing OVERFLOW item.
type Queue struct {
	capacity int

	mu     sync.Mutex // protects items
	items  []Item
	signal chan struct{}
}

// New returns a queue bounded at capacity items; capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Consume implements the event.Consumer interface.
func (q *Queue) Consume(e event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.items); n > 0 {
		last := &q.items[n-1]
		if last.Op == e.Op && last.Path == e.Path {
			last.Count++
			return
		}
	}

	if len(q.items) >= q.capacity {
		e = event.Event{Op: event.Overflow}
		if n := len(q.items); q.items[n-1].Op == event.Overflow {
			q.items[n-1].Count++
			return
		}
		// Sacrifice the newest slot for the sentinel.
		q.items[len(q.items)-1] = Item{Event: e, Count: 1}
	} else {
		q.items = append(q.items, Item{Event: e, Count: 1})
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Take removes and returns the oldest item, blocking until one is available
// or the context is done.
func (q *Queue) Take(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
