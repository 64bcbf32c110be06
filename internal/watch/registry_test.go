// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/fsstream"
	"github.com/dirwatch/dirwatch/internal/testutil"
)

func TestRegisterRejectsBadArguments(t *testing.T) {
	root := testutil.TestTempDir(t)
	r, err := New(Binding(&fsstream.FakeBinding{}))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	if _, err := r.Register(root, 0, &eventSink{}); err == nil {
		t.Error("Register with no kinds succeeded")
	}
	if _, err := r.Register(root, event.Op(1<<30), &eventSink{}); err == nil {
		t.Error("Register with an unknown kind succeeded")
	}
	if _, err := r.Register(root, event.All, nil); err == nil {
		t.Error("Register with a nil consumer succeeded")
	}
}

func TestRegisterRejectsNonDirectory(t *testing.T) {
	root := testutil.TestTempDir(t)
	file := filepath.Join(root, "f")
	testutil.Touch(t, file)
	r, err := New(Binding(&fsstream.FakeBinding{}))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	_, err = r.Register(file, event.All, &eventSink{})
	if !errors.Is(err, ErrNotDirectory) {
		t.Errorf("Register on a file returned %v, want ErrNotDirectory", err)
	}
	if _, err := r.Register(filepath.Join(root, "missing"), event.All, &eventSink{}); err == nil {
		t.Error("Register on a missing path succeeded")
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	root := testutil.TestTempDir(t)
	r, err := New(Binding(&fsstream.FakeBinding{}))
	testutil.FatalIfErr(t, err)
	testutil.FatalIfErr(t, r.Close())
	testutil.FatalIfErr(t, r.Close()) // idempotent

	_, err = r.Register(root, event.All, &eventSink{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close returned %v, want ErrClosed", err)
	}
}

func TestRegisterPropagatesStreamCreationFailure(t *testing.T) {
	root := testutil.TestTempDir(t)
	fb := &fsstream.FakeBinding{FailNext: errors.New("resource exhausted")}
	r, err := New(Binding(fb))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	if _, err := r.Register(root, event.All, &eventSink{}); err == nil {
		t.Error("Register succeeded although stream creation failed")
	}
}

func TestConcurrentCancelTearsDownOnce(t *testing.T) {
	root := testutil.TestTempDir(t)
	fb := &fsstream.FakeBinding{}
	r, err := New(Binding(fb))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	k, err := r.Register(root, event.All, &eventSink{}, FileTree)
	testutil.FatalIfErr(t, err)
	s := fb.Stream(0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Cancel()
		}()
	}
	wg.Wait()

	if k.IsValid() {
		t.Error("key still valid after Cancel")
	}
	if got := s.Stops(); got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}
	// A later Cancel on the dead key is a no-op.
	k.Cancel()
	if got := s.Stops(); got != 1 {
		t.Errorf("stream stopped %d times after re-cancel, want 1", got)
	}
}

func TestCancelLeavesOtherRegistrationsRunning(t *testing.T) {
	fb := &fsstream.FakeBinding{}
	r, err := New(Binding(fb))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	k1, err := r.Register(testutil.TestTempDir(t), event.All, &eventSink{})
	testutil.FatalIfErr(t, err)
	k2, err := r.Register(testutil.TestTempDir(t), event.All, &eventSink{})
	testutil.FatalIfErr(t, err)

	k1.Cancel()
	if k1.IsValid() {
		t.Error("cancelled key still valid")
	}
	if !k2.IsValid() {
		t.Error("unrelated key invalidated by another watch's Cancel")
	}
	if got := fb.Stream(1).Stops(); got != 0 {
		t.Errorf("unrelated stream stopped %d times, want 0", got)
	}
}

func TestCloseStopsAllRegistrations(t *testing.T) {
	fb := &fsstream.FakeBinding{}
	r, err := New(Binding(fb))
	testutil.FatalIfErr(t, err)

	k1, err := r.Register(testutil.TestTempDir(t), event.All, &eventSink{})
	testutil.FatalIfErr(t, err)
	k2, err := r.Register(testutil.TestTempDir(t), event.All, &eventSink{}, FileTree)
	testutil.FatalIfErr(t, err)

	testutil.FatalIfErr(t, r.Close())
	for i, k := range []*Key{k1, k2} {
		if k.IsValid() {
			t.Errorf("key %d still valid after Close", i)
		}
		if got := fb.Stream(i).Stops(); got != 1 {
			t.Errorf("stream %d stopped %d times, want 1", i, got)
		}
	}
}

func TestUnreadableRootCancelsRegistration(t *testing.T) {
	testutil.SkipIfRoot(t)
	base := testutil.TestTempDir(t)
	root := testutil.Mkdir(t, filepath.Join(base, "locked"))
	testutil.FatalIfErr(t, os.Chmod(root, 0))
	t.Cleanup(func() { testutil.FatalIfErr(t, os.Chmod(root, 0o700)) })

	fb := &fsstream.FakeBinding{}
	r, err := New(Binding(fb))
	testutil.FatalIfErr(t, err)
	defer r.Close()

	// Stat sees the directory, so registration succeeds; the baseline
	// snapshot then fails and cancels the watch before it delivers.
	k, err := r.Register(root, event.All, &eventSink{}, FileTree)
	testutil.FatalIfErr(t, err)

	ok, err := testutil.DoOrTimeout(func() (bool, error) {
		return !k.IsValid(), nil
	}, 5*time.Second, 10*time.Millisecond)
	testutil.FatalIfErr(t, err)
	if !ok {
		t.Fatal("watch with unreadable root was never cancelled")
	}
	if got := fb.Stream(0).Stops(); got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}
}
