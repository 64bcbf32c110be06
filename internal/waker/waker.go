// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

// Package waker signals blocked loops that it's time to do periodic work, in
// our case flushing a stream's coalescing buffer.
package waker

// A Waker is used to signal an idle routine it's time to look for new work.
type Waker interface {
	// Wake returns a channel that's closed when the idle routine should wake up.
	Wake() <-chan struct{}
}
