// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package waker

import "sync"

// A manualWaker wakes its wakees only when the test asks it to.
type manualWaker struct {
	mu   sync.Mutex // protects following fields
	wake chan struct{}
}

// NewManual returns a Waker for tests along with the function that wakes
// every routine currently blocked on Wake.
func NewManual() (Waker, func()) {
	w := &manualWaker{
		wake: make(chan struct{}),
	}
	fire := func() {
		w.mu.Lock()
		close(w.wake)
		w.wake = make(chan struct{})
		w.mu.Unlock()
	}
	return w, fire
}

// Wake implements the Waker interface.
func (w *manualWaker) Wake() (c <-chan struct{}) {
	w.mu.Lock()
	c = w.wake
	w.mu.Unlock()
	return c
}
