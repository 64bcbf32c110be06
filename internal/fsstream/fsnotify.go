// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package fsstream

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/dirwatch/dirwatch/internal/waker"
)

// FSNotifyBinding produces streams backed by github.com/fsnotify/fsnotify.
//
// fsnotify reports individual files under individually watched directories,
// so the binding restores the stream contract on top of it: it watches every
// directory of the subtree, folds per-file notifications into
// directory-granularity records, and holds records in a coalescing buffer
// that is flushed once per latency window.
type FSNotifyBinding struct {
	// NewWaker builds the flush waker for a stream.  Left nil, streams flush
	// on a timed waker at their latency; tests substitute a manual one.
	NewWaker func(ctx context.Context, latency time.Duration) waker.Waker
}

// NewStream implements the Binding interface.
func (b *FSNotifyBinding) NewStream(path string, latency time.Duration, flags CreateFlags, cb Callback) (Stream, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat watch root %q", path)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("watch root %q is not a directory", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	newWaker := b.NewWaker
	if newWaker == nil {
		newWaker = waker.NewTimed
	}
	s := &fsnotifyStream{
		root:     filepath.Clean(path),
		latency:  latency,
		flags:    flags,
		cb:       cb,
		w:        w,
		newWaker: newWaker,
		pending:  make(map[string]Flags),
		done:     make(chan struct{}),
	}
	return s, nil
}

type fsnotifyStream struct {
	root     string
	latency  time.Duration
	flags    CreateFlags
	cb       Callback
	w        *fsnotify.Watcher
	newWaker func(ctx context.Context, latency time.Duration) waker.Waker

	// pending and order are touched only by the Run goroutine.
	pending map[string]Flags
	order   []string

	stopOnce sync.Once
	done     chan struct{}
}

// Schedule installs the filesystem watches.  Per-directory failures are not
// fatal: a directory that vanishes mid-walk is discovered by the next
// reconciliation pass anyway.
func (s *fsnotifyStream) Schedule() error {
	if s.flags&CreateFlagWatchRoot != 0 {
		// The root's own rename or removal is only visible from its parent.
		if err := s.w.Add(filepath.Dir(s.root)); err != nil {
			glog.V(1).Infof("can't watch parent of %q: %v", s.root, err)
		}
	}
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			glog.V(2).Infof("skipping unreadable %q: %v", p, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.w.Add(p); err != nil {
			glog.V(1).Infof("can't watch %q: %v", p, err)
		}
		return nil
	})
}

// Run implements the Stream interface.
func (s *fsnotifyStream) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flush := s.newWaker(ctx, s.latency)

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			glog.V(2).Infof("fsnotify event %v", ev)
			s.note(ev)
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			glog.Errorf("fsnotify error on %q: %v", s.root, err)
			// Events were lost; only a subtree scan restores correctness.
			s.noteFlags(s.root, FlagMustScanSubDirs|FlagUserDropped)
		case <-flush.Wake():
			s.deliver()
		}
	}
}

// note folds one fsnotify event into the pending record for its directory.
func (s *fsnotifyStream) note(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	if name == s.root {
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			s.noteFlags(s.root, FlagRootChanged)
		} else {
			s.noteFlags(s.root, s.itemFlags(ev.Op, name))
		}
		return
	}
	if !strings.HasPrefix(name, s.root+string(filepath.Separator)) {
		// Sibling noise from the parent watch.
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Lstat(name); err == nil && fi.IsDir() {
			// A new subdirectory needs its own watch, and anything that
			// happened inside it before the watch landed went unseen.
			if err := s.w.Add(name); err != nil {
				glog.V(1).Infof("can't watch new directory %q: %v", name, err)
			}
			s.noteFlags(name, FlagMustScanSubDirs|FlagItemIsDir)
		}
	}
	s.noteFlags(filepath.Dir(name), s.itemFlags(ev.Op, name))
}

// itemFlags maps an fsnotify op to the stream flag vocabulary.
func (s *fsnotifyStream) itemFlags(op fsnotify.Op, name string) Flags {
	switch {
	case op&fsnotify.Create != 0:
		return FlagItemCreated
	case op&fsnotify.Write != 0:
		return FlagItemModified
	case op&fsnotify.Chmod != 0:
		return FlagItemInodeMetaMod
	case op&fsnotify.Remove != 0:
		return FlagItemRemoved
	case op&fsnotify.Rename != 0:
		// A rename note names one half of the pair.  Resolve it by what is
		// on disk right now: still present means this path is the
		// destination, gone means it was the source.
		if _, err := os.Lstat(name); err == nil {
			return FlagItemCreated | FlagItemRenamed
		}
		return FlagItemRemoved | FlagItemRenamed
	}
	return 0
}

func (s *fsnotifyStream) noteFlags(path string, fl Flags) {
	if fl == 0 {
		return
	}
	if cur, ok := s.pending[path]; ok {
		s.pending[path] = cur | fl
		return
	}
	s.pending[path] = fl
	s.order = append(s.order, path)
}

// deliver flushes the coalescing buffer as one callback batch, in arrival
// order.
func (s *fsnotifyStream) deliver() {
	if len(s.order) == 0 {
		return
	}
	batch := make([]Record, 0, len(s.order))
	for _, p := range s.order {
		batch = append(batch, Record{Path: p, Flags: s.pending[p]})
	}
	s.pending = make(map[string]Flags)
	s.order = s.order[:0]
	s.cb(batch)
}

// Stop implements the Stream interface.
func (s *fsnotifyStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.w.Close(); err != nil {
			glog.V(1).Infof("closing watcher for %q: %v", s.root, err)
		}
	})
}
