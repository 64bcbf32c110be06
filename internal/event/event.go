// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

// Package event defines the event vocabulary shared between the watch core
// and the consumers it delivers to.
package event

import "strings"

// Op is a bitmask of event kinds.  A registration subscribes with a set of
// Ops; a delivered Event carries exactly one.
type Op uint32

const (
	// Create reports an entry that appeared in a watched directory.
	Create Op = 1 << iota
	// Modify reports an entry whose modification time changed.
	Modify
	// Delete reports an entry that disappeared from a watched directory.
	Delete
	// Overflow reports that events for a directory may have been lost and a
	// consumer should treat its view of that directory as stale.
	Overflow
)

// All is the set of every deliverable kind.
const All = Create | Modify | Delete | Overflow

var opNames = []struct {
	op   Op
	name string
}{
	{Create, "CREATE"},
	{Modify, "MODIFY"},
	{Delete, "DELETE"},
	{Overflow, "OVERFLOW"},
}

func (op Op) String() string {
	var names []string
	for _, n := range opNames {
		if op&n.op != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Event is one filesystem change delivered to a consumer.  Path is relative
// to the watched root; "." refers to the root directory itself.
type Event struct {
	Op   Op
	Path string
}

func (e Event) String() string {
	return e.Op.String() + " " + e.Path
}

// Consumer receives the events of a single registration.  The registration's
// own goroutine calls Consume synchronously during reconciliation, so
// implementations must not block; queue capacity and overflow policy are the
// consumer's business, not the watcher's.
type Consumer interface {
	Consume(Event)
}
