// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package fsstream

import (
	"sync"
	"time"
)

// FakeBinding is an in-memory Binding for tests.  Batches injected through a
// FakeStream are delivered to the callback on the stream's Run goroutine,
// preserving the production model in which all reconciliation happens on the
// watch's own goroutine.
type FakeBinding struct {
	mu      sync.Mutex
	streams []*FakeStream

	// FailNext makes the next NewStream call fail, for exercising stream
	// creation errors.
	FailNext error
}

// NewStream implements the Binding interface.
func (b *FakeBinding) NewStream(path string, latency time.Duration, flags CreateFlags, cb Callback) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNext != nil {
		err := b.FailNext
		b.FailNext = nil
		return nil, err
	}
	s := &FakeStream{
		Path:    path,
		Latency: latency,
		Flags:   flags,
		cb:      cb,
		batches: make(chan []Record, 16),
		done:    make(chan struct{}),
		idle:    make(chan struct{}, 16),
	}
	b.streams = append(b.streams, s)
	return s, nil
}

// Stream returns the i-th stream created through the binding, or nil.
func (b *FakeBinding) Stream(i int) *FakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.streams) {
		return nil
	}
	return b.streams[i]
}

// FakeStream is the stream handle produced by FakeBinding.
type FakeStream struct {
	Path    string
	Latency time.Duration
	Flags   CreateFlags

	cb      Callback
	batches chan []Record
	done    chan struct{}
	idle    chan struct{}

	mu        sync.Mutex
	scheduled bool
	stops     int
}

// Schedule implements the Stream interface.
func (s *FakeStream) Schedule() error {
	s.mu.Lock()
	s.scheduled = true
	s.mu.Unlock()
	return nil
}

// Run implements the Stream interface.
func (s *FakeStream) Run() {
	for {
		select {
		case <-s.done:
			return
		case batch := <-s.batches:
			s.cb(batch)
			s.idle <- struct{}{}
		}
	}
}

// Stop implements the Stream interface.
func (s *FakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stops == 1 {
		close(s.done)
	}
}

// Inject queues one callback batch and blocks until the Run goroutine has
// finished processing it, so a test can assert on the results immediately
// after.
func (s *FakeStream) Inject(batch []Record) {
	select {
	case s.batches <- batch:
	case <-s.done:
		return
	}
	select {
	case <-s.idle:
	case <-s.done:
	}
}

// Scheduled reports whether Schedule has run.
func (s *FakeStream) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Stops counts Stop calls; teardown must happen exactly once regardless.
func (s *FakeStream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
