// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

// Package watch turns the coarse, batched records of a native
// change-notification stream into precise per-entry create/modify/delete/
// overflow events for registered directory roots, by diffing point-in-time
// directory listings against remembered snapshots.
package watch

import (
	"expvar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/fsstream"
)

var (
	recordCount   = expvar.NewInt("watch_record_count")
	rescanCount   = expvar.NewInt("watch_recursive_rescan_count")
	overflowCount = expvar.NewInt("watch_overflow_count")
)

var (
	// ErrClosed is returned by Register after the registry has been closed.
	ErrClosed = errors.New("watch registry is closed")
	// ErrNotDirectory is returned when the registered path is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// Modifier qualifies a registration, mirroring the modifier set of the
// native facility this core was built against.
type Modifier int

const (
	// FileTree watches the entire subtree instead of only the root's
	// immediate children.
	FileTree Modifier = iota + 1
	// SensitivityHigh, SensitivityMedium and SensitivityLow trade delivery
	// latency against coalescing: the native stream holds events for the
	// sensitivity interval and folds changes to the same directory into one
	// record.
	SensitivityHigh
	SensitivityMedium
	SensitivityLow
)

// sensitivityOf maps the modifier set to the stream's coalescing latency.
func sensitivityOf(mods []Modifier) time.Duration {
	latency := 500 * time.Millisecond // aka SensitivityMedium
	for _, m := range mods {
		switch m {
		case SensitivityHigh:
			latency = 100 * time.Millisecond
		case SensitivityLow:
			latency = time.Second
		}
	}
	return latency
}

func hasModifier(mods []Modifier, want Modifier) bool {
	for _, m := range mods {
		if m == want {
			return true
		}
	}
	return false
}

// Registry is the process-wide table of active registrations.
type Registry struct {
	binding    fsstream.Binding
	classifier Classifier

	mu      sync.Mutex // protects following fields
	threads []*thread
	closed  bool
}

// Option configures a Registry.
type Option interface {
	apply(*Registry) error
}

type bindingOption struct {
	b fsstream.Binding
}

func (opt bindingOption) apply(r *Registry) error {
	r.binding = opt.b
	return nil
}

// Binding selects the native stream binding the registry creates streams
// through.
func Binding(b fsstream.Binding) Option {
	return bindingOption{b}
}

type classifierOption struct {
	c Classifier
}

func (opt classifierOption) apply(r *Registry) error {
	r.classifier = opt.c
	return nil
}

// WithClassifier overrides the flag table used to classify native records.
func WithClassifier(c Classifier) Option {
	return classifierOption{c}
}

// New returns a Registry, by default backed by the fsnotify binding.
func New(options ...Option) (*Registry, error) {
	r := &Registry{
		binding:    &fsstream.FSNotifyBinding{},
		classifier: DefaultClassifier,
	}
	for _, opt := range options {
		if err := opt.apply(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register starts watching path, delivering events of the requested kinds to
// c.  The returned Key cancels the watch.  The watch covers the whole
// subtree when mods contains FileTree, otherwise only path's immediate
// children.
func (r *Registry) Register(path string, kinds event.Op, c event.Consumer, mods ...Modifier) (*Key, error) {
	if kinds == 0 {
		return nil, errors.New("no event kinds to register")
	}
	if kinds&^event.All != 0 {
		return nil, errors.Errorf("unsupported event kinds 0x%x", uint32(kinds&^event.All))
	}
	if c == nil {
		return nil, errors.New("no event consumer")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "watch root %q", path)
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(ErrNotDirectory, "watch root %q", path)
	}
	realRoot, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve watch root %q", path)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve watch root %q", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	fileTree := hasModifier(mods, FileTree)
	dirsHint := 1
	if fileTree {
		dirsHint = 256
	}
	k := &Key{
		registry:    r,
		kinds:       kinds,
		fileTree:    fileTree,
		consumer:    c,
		classifier:  r.classifier,
		rootPath:    path,
		realRoot:    realRoot,
		realRootLen: len(realRoot) + 1,
		dirs:        make(map[string]*dirCache, dirsHint),
	}
	stream, err := r.binding.NewStream(realRoot, sensitivityOf(mods), fsstream.CreateFlagWatchRoot, k.handleEvents)
	if err != nil {
		return nil, errors.Wrap(err, "create native stream")
	}
	k.stream = stream

	t := &thread{key: k}
	r.threads = append(r.threads, t)
	go t.run()

	glog.V(1).Infof("registered watch on %q (file tree: %v, kinds: %v)", path, fileTree, kinds)
	return k, nil
}

// cancel removes exactly the thread owning k and stops it.
func (r *Registry) cancel(k *Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.threads {
		if t.key == k {
			r.threads = append(r.threads[:i], r.threads[i+1:]...)
			t.Stop()
			return
		}
	}
}

// Close stops every active registration.  Register fails with ErrClosed
// afterwards.  Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, t := range r.threads {
		t.Stop()
	}
	r.threads = nil
	glog.V(1).Info("watch registry closed")
	return nil
}
