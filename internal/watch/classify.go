// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package watch

import "github.com/dirwatch/dirwatch/internal/fsstream"

// Outcome routes one native record within a callback batch.
type Outcome int

const (
	// OutcomeRescan reconciles exactly the reported directory.
	OutcomeRescan Outcome = iota
	// OutcomeRescanSubtree rescans the whole subtree below the reported
	// directory; the native source could not enumerate all changes under it.
	OutcomeRescanSubtree
	// OutcomeRootChanged means the watched root itself was altered or removed.
	OutcomeRootChanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRescan:
		return "Rescan"
	case OutcomeRescanSubtree:
		return "RescanSubtree"
	case OutcomeRootChanged:
		return "RootChanged"
	}
	return "Unknown"
}

// Classifier decides an Outcome from a native flag bitmask.  It is a data
// table rather than logic, so an alternate native source only needs to
// supply different masks.
type Classifier struct {
	RootChanged   fsstream.Flags
	RescanSubtree fsstream.Flags
}

// DefaultClassifier matches the FSEvents flag vocabulary produced by
// fsstream's bindings.
var DefaultClassifier = Classifier{
	RootChanged:   fsstream.FlagRootChanged,
	RescanSubtree: fsstream.FlagMustScanSubDirs,
}

// Classify is a pure function of the bitmask.
func (c Classifier) Classify(flags fsstream.Flags) Outcome {
	switch {
	case flags&c.RootChanged != 0:
		return OutcomeRootChanged
	case flags&c.RescanSubtree != 0:
		return OutcomeRescanSubtree
	default:
		return OutcomeRescan
	}
}
