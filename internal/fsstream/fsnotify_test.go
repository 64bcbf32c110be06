// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package fsstream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dirwatch/dirwatch/internal/testutil"
	"github.com/dirwatch/dirwatch/internal/waker"
)

// batchSink collects delivered batches.
type batchSink struct {
	mu      sync.Mutex
	batches [][]Record
}

func (s *batchSink) cb(batch []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

func (s *batchSink) take() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := s.batches
	s.batches = nil
	return batches
}

// newTestStream builds an unscheduled fsnotify stream over a fresh temp
// directory, for driving note and deliver directly.
func newTestStream(tb testing.TB) (*fsnotifyStream, string, *batchSink) {
	tb.Helper()
	root := testutil.TestTempDir(tb)
	sink := &batchSink{}
	b := &FSNotifyBinding{}
	stream, err := b.NewStream(root, 100*time.Millisecond, CreateFlagWatchRoot, sink.cb)
	testutil.FatalIfErr(tb, err)
	s := stream.(*fsnotifyStream)
	tb.Cleanup(s.Stop)
	return s, s.root, sink
}

func TestNewStreamRejectsBadRoots(t *testing.T) {
	root := testutil.TestTempDir(t)
	file := filepath.Join(root, "f")
	testutil.Touch(t, file)
	b := &FSNotifyBinding{}

	if _, err := b.NewStream(file, time.Second, CreateFlagNone, func([]Record) {}); err == nil {
		t.Error("NewStream on a file succeeded")
	}
	if _, err := b.NewStream(filepath.Join(root, "missing"), time.Second, CreateFlagNone, func([]Record) {}); err == nil {
		t.Error("NewStream on a missing path succeeded")
	}
}

func TestNoteFoldsFileEventsIntoDirectoryRecords(t *testing.T) {
	s, root, _ := newTestStream(t)

	s.note(fsnotify.Event{Name: filepath.Join(root, "a"), Op: fsnotify.Create})
	s.note(fsnotify.Event{Name: filepath.Join(root, "b"), Op: fsnotify.Write})
	s.note(fsnotify.Event{Name: filepath.Join(root, "c"), Op: fsnotify.Chmod})
	s.note(fsnotify.Event{Name: filepath.Join(root, "d"), Op: fsnotify.Remove})

	want := FlagItemCreated | FlagItemModified | FlagItemInodeMetaMod | FlagItemRemoved
	if got := s.pending[root]; got != want {
		t.Errorf("pending[root] = %v, want %v", got, want)
	}
	if len(s.order) != 1 {
		t.Errorf("4 events in one directory produced %d records, want 1", len(s.order))
	}
}

func TestNoteRootRemovalBecomesRootChanged(t *testing.T) {
	s, root, _ := newTestStream(t)

	s.note(fsnotify.Event{Name: root, Op: fsnotify.Remove})
	if got := s.pending[root]; got != FlagRootChanged {
		t.Errorf("pending[root] = %v, want %v", got, FlagRootChanged)
	}
}

func TestNoteIgnoresSiblingsOfRoot(t *testing.T) {
	s, root, _ := newTestStream(t)

	// The parent watch reports the root's siblings too; they are noise.
	s.note(fsnotify.Event{Name: filepath.Join(filepath.Dir(root), "sibling"), Op: fsnotify.Create})
	if len(s.pending) != 0 {
		t.Errorf("sibling event produced %d pending records, want 0", len(s.pending))
	}
}

func TestNoteNewDirectoryRequestsSubtreeScan(t *testing.T) {
	s, root, _ := newTestStream(t)
	sub := testutil.Mkdir(t, filepath.Join(root, "sub"))

	s.note(fsnotify.Event{Name: sub, Op: fsnotify.Create})
	if got, want := s.pending[sub], FlagMustScanSubDirs|FlagItemIsDir; got != want {
		t.Errorf("pending[sub] = %v, want %v", got, want)
	}
	if got := s.pending[root]; got != FlagItemCreated {
		t.Errorf("pending[root] = %v, want %v", got, FlagItemCreated)
	}
}

func TestNoteResolvesRenamesByPresence(t *testing.T) {
	s, root, _ := newTestStream(t)

	// The named path is gone, so it was the rename's source.
	s.note(fsnotify.Event{Name: filepath.Join(root, "gone"), Op: fsnotify.Rename})
	if got, want := s.pending[root], FlagItemRemoved|FlagItemRenamed; got != want {
		t.Errorf("pending[root] = %v, want %v", got, want)
	}
	delete(s.pending, root)
	s.order = nil

	// The named path exists, so it was the rename's destination.
	testutil.Touch(t, filepath.Join(root, "dst"))
	s.note(fsnotify.Event{Name: filepath.Join(root, "dst"), Op: fsnotify.Rename})
	if got, want := s.pending[root], FlagItemCreated|FlagItemRenamed; got != want {
		t.Errorf("pending[root] = %v, want %v", got, want)
	}
}

func TestDeliverFlushesInArrivalOrder(t *testing.T) {
	s, root, sink := newTestStream(t)
	sub := testutil.Mkdir(t, filepath.Join(root, "sub"))

	s.note(fsnotify.Event{Name: filepath.Join(sub, "x"), Op: fsnotify.Write})
	s.note(fsnotify.Event{Name: filepath.Join(root, "a"), Op: fsnotify.Create})
	s.deliver()

	batches := sink.take()
	if len(batches) != 1 {
		t.Fatalf("deliver produced %d batches, want 1", len(batches))
	}
	testutil.ExpectNoDiff(t, []Record{
		{Path: sub, Flags: FlagItemModified},
		{Path: root, Flags: FlagItemCreated},
	}, batches[0])

	// The buffer is drained; an idle flush delivers nothing.
	s.deliver()
	if got := len(sink.take()); got != 0 {
		t.Errorf("idle deliver produced %d batches, want 0", got)
	}
}

func TestStreamDeliversLive(t *testing.T) {
	testutil.SkipIfShort(t)
	root := testutil.TestTempDir(t)
	sink := &batchSink{}
	manual, fire := waker.NewManual()
	b := &FSNotifyBinding{
		NewWaker: func(ctx context.Context, latency time.Duration) waker.Waker { return manual },
	}
	s, err := b.NewStream(root, time.Millisecond, CreateFlagWatchRoot, sink.cb)
	testutil.FatalIfErr(t, err)

	running := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := s.Schedule(); err != nil {
			t.Errorf("Schedule: %v", err)
		}
		close(running)
		s.Run()
	}()
	<-running

	// Each poll bumps the file and fires a flush; once the watch is live a
	// batch naming the root arrives.
	ok, err := testutil.DoOrTimeout(func() (bool, error) {
		testutil.Touch(t, filepath.Join(root, "a"))
		fire()
		for _, batch := range sink.take() {
			for _, rec := range batch {
				if rec.Path == filepath.Clean(root) && rec.Flags != 0 {
					return true, nil
				}
			}
		}
		return false, nil
	}, 30*time.Second, 100*time.Millisecond)
	testutil.FatalIfErr(t, err)
	if !ok {
		t.Fatal("no record for the watched root arrived")
	}

	s.Stop()
	s.Stop() // idempotent
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
