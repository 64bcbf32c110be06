// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

// Package fsstream provides the native change-notification stream consumed by
// the watch core.  A stream reports changed directories, not individual
// files: each callback delivers a batch of (path, flag bitmask) records, with
// a latency window during which changes to the same directory coalesce into
// one record.  The flag vocabulary is the FSEvents one, so the watch core's
// classifier tables can be written against a stable set of values regardless
// of which binding produced the records.
package fsstream

import (
	"strings"
	"time"
)

// Flags is the per-record event flag bitmask, using the FSEvents event flag
// values.
type Flags uint32

const (
	FlagMustScanSubDirs Flags = 0x00000001
	FlagUserDropped     Flags = 0x00000002
	FlagKernelDropped   Flags = 0x00000004
	FlagEventIDsWrapped Flags = 0x00000008
	FlagHistoryDone     Flags = 0x00000010
	FlagRootChanged     Flags = 0x00000020
	FlagMount           Flags = 0x00000040
	FlagUnmount         Flags = 0x00000080

	FlagItemCreated       Flags = 0x00000100
	FlagItemRemoved       Flags = 0x00000200
	FlagItemInodeMetaMod  Flags = 0x00000400
	FlagItemRenamed       Flags = 0x00000800
	FlagItemModified      Flags = 0x00001000
	FlagItemFinderInfoMod Flags = 0x00002000
	FlagItemChangeOwner   Flags = 0x00004000
	FlagItemXattrMod      Flags = 0x00008000
	FlagItemIsFile        Flags = 0x00010000
	FlagItemIsDir         Flags = 0x00020000
	FlagItemIsSymlink     Flags = 0x00040000
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagMustScanSubDirs, "MustScanSubDirs"},
	{FlagUserDropped, "UserDropped"},
	{FlagKernelDropped, "KernelDropped"},
	{FlagEventIDsWrapped, "EventIDsWrapped"},
	{FlagHistoryDone, "HistoryDone"},
	{FlagRootChanged, "RootChanged"},
	{FlagMount, "Mount"},
	{FlagUnmount, "Unmount"},
	{FlagItemCreated, "ItemCreated"},
	{FlagItemRemoved, "ItemRemoved"},
	{FlagItemInodeMetaMod, "ItemInodeMetaMod"},
	{FlagItemRenamed, "ItemRenamed"},
	{FlagItemModified, "ItemModified"},
	{FlagItemFinderInfoMod, "ItemFinderInfoMod"},
	{FlagItemChangeOwner, "ItemChangeOwner"},
	{FlagItemXattrMod, "ItemXattrMod"},
	{FlagItemIsFile, "ItemIsFile"},
	{FlagItemIsDir, "ItemIsDir"},
	{FlagItemIsSymlink, "ItemIsSymlink"},
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// CreateFlags configure stream creation.
type CreateFlags uint32

const (
	CreateFlagNone       CreateFlags = 0x00000000
	CreateFlagNoDefer    CreateFlags = 0x00000002
	CreateFlagWatchRoot  CreateFlags = 0x00000004
	CreateFlagFileEvents CreateFlags = 0x00000010
)

// Record is one (path, flags) pair of a callback batch.  Path is absolute and
// names a directory whose contents may have changed, or the watched root
// itself for RootChanged records.  Records are transient; they are not valid
// beyond the callback that delivered them.
type Record struct {
	Path  string
	Flags Flags
}

// Callback receives one batch of records.  It is invoked synchronously on the
// goroutine running the stream's delivery loop.
type Callback func(batch []Record)

// Stream is one native notification stream bound to a single root path.
type Stream interface {
	// Schedule prepares the stream for delivery on the calling goroutine's
	// loop.  It must be called before Run, by the goroutine that will call
	// Run.
	Schedule() error
	// Run blocks, delivering callback batches, until Stop is called.
	Run()
	// Stop ends delivery, unblocks Run and releases the stream's native
	// resources exactly once.  It is idempotent and safe to call from any
	// goroutine, including from inside a callback.
	Stop()
}

// Binding creates streams.  A nil handle is never returned alongside a nil
// error.
type Binding interface {
	NewStream(path string, latency time.Duration, flags CreateFlags, cb Callback) (Stream, error)
}
