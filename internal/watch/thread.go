// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package watch

import (
	"sync"

	"github.com/golang/glog"

	"github.com/dirwatch/dirwatch/internal/fsstream"
)

// threadState tracks the watch goroutine's lifecycle.  Transitions are
// monotonic: Created → Scheduled → Running → Stopping → Stopped.
type threadState int

const (
	stateCreated threadState = iota
	stateScheduled
	stateRunning
	stateStopping
	stateStopped
)

func (s threadState) String() string {
	return [...]string{"Created", "Scheduled", "Running", "Stopping", "Stopped"}[s]
}

// thread is the dedicated goroutine of one registration.  It owns the native
// stream's delivery loop; callbacks execute synchronously on it, so
// reconciliation for one watch can never stall another, and can never race
// itself.
type thread struct {
	key *Key

	mu      sync.Mutex // protects following fields
	state   threadState
	stopped bool
}

// run populates the baseline caches, schedules the stream on this goroutine
// and blocks pumping its delivery loop until stopped.
func (t *thread) run() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	// The baseline snapshot is built before delivery starts, so no callback
	// can race it.  An unreadable root cancels the watch here, before it
	// ever delivers.
	if !t.key.populateDirectoriesCache() {
		glog.Warningf("can't populate directory cache for %q, cancelling watch", t.key.rootPath)
		t.key.Cancel()
		return
	}

	t.mu.Lock()
	if t.stopped {
		// Stopped before reaching Scheduled: exit without ever blocking.
		t.mu.Unlock()
		return
	}
	stream := t.stream()
	if stream == nil {
		t.mu.Unlock()
		return
	}
	if err := stream.Schedule(); err != nil {
		t.mu.Unlock()
		glog.Warningf("can't schedule stream for %q: %v", t.key.rootPath, err)
		t.key.Cancel()
		return
	}
	t.state = stateScheduled
	t.mu.Unlock()

	t.setState(stateRunning)
	stream.Run()

	// The loop returned, either through Stop or on its own; make sure the
	// key is invalidated either way.
	t.Stop()
	t.setState(stateStopped)
	glog.V(1).Infof("watch loop for %q terminated", t.key.rootPath)
}

func (t *thread) stream() fsstream.Stream {
	t.key.mu.Lock()
	defer t.key.mu.Unlock()
	return t.key.stream
}

// Stop records the stop, invalidates the key (tearing down the native stream
// exactly once) and thereby unblocks the delivery loop.  Idempotent; safe
// from any goroutine.
func (t *thread) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.state != stateStopped {
		t.state = stateStopping
	}
	t.mu.Unlock()

	t.key.invalidate()
}

func (t *thread) setState(s threadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
