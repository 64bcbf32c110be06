// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package fsstream

import (
	"testing"
	"time"

	"github.com/dirwatch/dirwatch/internal/testutil"
)

func TestFakeStreamDeliversOnRunGoroutine(t *testing.T) {
	fb := &FakeBinding{}
	sink := &batchSink{}
	stream, err := fb.NewStream("/w", time.Second, CreateFlagWatchRoot, sink.cb)
	testutil.FatalIfErr(t, err)
	s := stream.(*FakeStream)

	go func() {
		testutil.FatalIfErr(t, s.Schedule())
		s.Run()
	}()
	defer s.Stop()

	batch := []Record{{Path: "/w", Flags: FlagItemCreated}}
	s.Inject(batch)
	testutil.ExpectNoDiff(t, [][]Record{batch}, sink.take())
}

func TestFakeStreamInjectAfterStopReturns(t *testing.T) {
	fb := &FakeBinding{}
	stream, err := fb.NewStream("/w", time.Second, CreateFlagWatchRoot, func([]Record) {})
	testutil.FatalIfErr(t, err)
	s := stream.(*FakeStream)

	s.Stop()
	s.Stop()
	if got := s.Stops(); got != 2 {
		t.Errorf("Stops() = %d, want 2", got)
	}
	// No Run goroutine will ever drain this; it must not block.
	s.Inject([]Record{{Path: "/w", Flags: FlagItemModified}})
}
