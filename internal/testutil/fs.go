// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestTempDir creates a temporary directory for use during tests, returning the pathname.
func TestTempDir(tb testing.TB) string {
	tb.Helper()
	name, err := os.MkdirTemp("", "dirwatch-test")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := os.RemoveAll(name); err != nil {
			tb.Fatalf("os.RemoveAll(%s): %s", name, err)
		}
	})
	return name
}

// TestOpenFile creates a new file called name and returns the opened file.
func TestOpenFile(tb testing.TB, name string) *os.File {
	tb.Helper()
	f, err := os.OpenFile(filepath.Clean(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		tb.Fatal(err)
	}
	return f
}

// Mkdir creates a directory beneath an existing test directory.
func Mkdir(tb testing.TB, name string) string {
	tb.Helper()
	if err := os.MkdirAll(name, 0o700); err != nil {
		tb.Fatal(err)
	}
	return name
}

// Touch creates name, or bumps its modification time well clear of filesystem
// timestamp granularity if it already exists.
func Touch(tb testing.TB, name string) {
	tb.Helper()
	mtime := time.Now()
	if fi, err := os.Stat(name); err == nil && fi.ModTime().After(mtime) {
		// Bump from the recorded time so consecutive touches always differ.
		mtime = fi.ModTime()
	}
	f := TestOpenFile(tb, name)
	FatalIfErr(tb, f.Close())
	FatalIfErr(tb, os.Chtimes(name, mtime, mtime.Add(10*time.Second)))
}
