// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package waker

import (
	"context"
	"sync"
	"time"
)

// A timedWaker wakes callers on a regular interval.
type timedWaker struct {
	t *time.Ticker

	mu   sync.Mutex // protects following fields
	wake chan struct{}
}

// NewTimed returns a Waker that fires every interval and shuts down when the
// context is cancelled.
func NewTimed(ctx context.Context, interval time.Duration) Waker {
	w := &timedWaker{
		t:    time.NewTicker(interval),
		wake: make(chan struct{}),
	}
	go func() {
		defer w.t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.t.C:
				w.mu.Lock()
				close(w.wake)
				w.wake = make(chan struct{})
				w.mu.Unlock()
			}
		}
	}()
	return w
}

// Wake implements the Waker interface.
func (w *timedWaker) Wake() (c <-chan struct{}) {
	w.mu.Lock()
	c = w.wake
	w.mu.Unlock()
	return c
}
