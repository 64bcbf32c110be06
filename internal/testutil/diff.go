// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Diff(a, b interface{}, opts ...cmp.Option) string {
	return cmp.Diff(a, b, opts...)
}

// ExpectNoDiff fails the test when want and got differ.
func ExpectNoDiff(tb testing.TB, want, got interface{}, opts ...cmp.Option) {
	tb.Helper()
	if diff := Diff(want, got, opts...); diff != "" {
		tb.Errorf("unexpected diff (-want +got):\n%s", diff)
	}
}

func AllowUnexported(types ...interface{}) cmp.Option {
	return cmp.AllowUnexported(types...)
}

// SortSlices compares slices as multisets under lessFunc, for events whose
// relative order is not part of the contract being tested.
func SortSlices(lessFunc interface{}) cmp.Option {
	return cmpopts.SortSlices(lessFunc)
}
