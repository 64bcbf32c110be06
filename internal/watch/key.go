// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/fsstream"
)

// Key represents one active registration.  It owns the directory caches of
// its subtree and turns classified native records into reported events.  All
// of its reconciliation state is touched only by the registration's own
// goroutine; the one field shared across goroutines is the stream handle,
// which doubles as the validity flag.
type Key struct {
	registry   *Registry
	kinds      event.Op
	fileTree   bool
	consumer   event.Consumer
	classifier Classifier

	rootPath    string // as registered
	realRoot    string // symlink-resolved
	realRootLen int    // prefix length for relativizing, including separator

	// dirs maps root-relative directory paths to their caches; "." is the
	// root itself.
	dirs map[string]*dirCache

	// batchParents remembers which parents were already given a synthetic
	// MODIFY during the current callback batch.
	batchParents map[string]bool

	mu     sync.Mutex // protects stream
	stream fsstream.Stream
}

// IsValid reports whether the registration is still active.  Validity is
// monotonic: once invalidated a key never becomes valid again.
func (k *Key) IsValid() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stream != nil
}

// Cancel deregisters the watch.  It is idempotent and safe to call from any
// goroutine, including the watch's own during a callback.
func (k *Key) Cancel() {
	if !k.IsValid() {
		return
	}
	k.registry.cancel(k)
}

// invalidate tears the native stream down exactly once.
func (k *Key) invalidate() {
	k.mu.Lock()
	s := k.stream
	k.stream = nil
	k.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// relative strips the resolved root prefix from a native absolute path.  The
// root itself maps to ".".
func (k *Key) relative(abs string) string {
	if len(abs) > k.realRootLen {
		return abs[k.realRootLen:]
	}
	return "."
}

// resolve is the inverse of relative.
func (k *Key) resolve(rel string) string {
	if rel == "." {
		return k.realRoot
	}
	return filepath.Join(k.realRoot, rel)
}

// relDepth is the number of path elements below the root.
func relDepth(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// isDescendant reports whether rel lies at or below ancestor.
func isDescendant(ancestor, rel string) bool {
	if ancestor == "." {
		return true
	}
	return rel == ancestor || strings.HasPrefix(rel, ancestor+string(filepath.Separator))
}

// handleEvents processes one native callback batch: classify every record,
// then reconcile the directories that need it.  Runs on the watch goroutine.
func (k *Key) handleEvents(batch []fsstream.Record) {
	recordCount.Add(int64(len(batch)))
	k.batchParents = make(map[string]bool)

	var scan, scanRec []string
	seen := make(map[string]bool, len(batch))
	seenRec := make(map[string]bool)

records:
	for _, rec := range batch {
		rel := k.relative(rec.Path)
		glog.V(2).Infof("record %q flags %v", rel, rec.Flags)

		if !k.fileTree && relDepth(rel) > 1 {
			glog.V(2).Infof("skipping nested path %q on non-recursive watch", rel)
			continue
		}

		switch k.classifier.Classify(rec.Flags) {
		case OutcomeRootChanged:
			glog.V(1).Infof("watch root %q changed", k.rootPath)
			if _, err := os.Lstat(k.realRoot); err != nil {
				// The root is gone; this registration is over.
				k.Cancel()
				return
			}
			// The root was replaced or moved back; everything needs a look.
			scan, scanRec = nil, nil
			if k.fileTree {
				scanRec = []string{"."}
			} else {
				scan = []string{"."}
			}
			break records
		case OutcomeRescanSubtree:
			if k.fileTree {
				if !seenRec[rel] {
					seenRec[rel] = true
					scanRec = append(scanRec, rel)
				}
				continue
			}
			fallthrough
		case OutcomeRescan:
			if !seen[rel] {
				seen[rel] = true
				scan = append(scan, rel)
			}
		}
	}

	// A recursive pass subsumes any single-directory pass beneath it.  Mass
	// rescans are rare, so a linear sweep per target is fine.
	for _, dir := range scanRec {
		kept := scan[:0]
		for _, d := range scan {
			if !isDescendant(dir, d) {
				kept = append(kept, d)
			}
		}
		scan = kept
	}

	for _, dir := range scanRec {
		rescanCount.Add(1)
		k.scanDirectory(dir, true)
	}
	for _, dir := range scan {
		k.scanDirectory(dir, false)
	}
}

// scanDirectory reconciles one directory, or with recurse set walks the
// subtree rooted at dir reconciling every directory found.  The recursion is
// only ever in the walk; the diff itself is per-directory.
func (k *Key) scanDirectory(dir string, recurse bool) {
	if !recurse {
		if !k.fileTree && dir != "." {
			// Non-recursive watches track the root's immediate children
			// only; changes inside subdirectories are not reported.
			return
		}
		cache := k.dirs[dir]
		if cache == nil {
			if c := k.newDirCache(dir, true); c != nil {
				k.dirs[dir] = c
			}
			// The parent's own diff announces the CREATE of this directory.
			return
		}
		if !cache.update(k, dir) {
			delete(k.dirs, dir)
			// Likewise the parent's diff announces the DELETE.
		}
		return
	}

	err := filepath.WalkDir(k.resolve(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			// Regular files are covered by their directory's diff, and
			// symlinked subtrees are not followed.
			return nil
		}
		k.scanDirectory(k.relative(p), false)
		return nil
	})
	if err != nil {
		glog.V(1).Infof("recursive scan of %q failed: %v", dir, err)
		delete(k.dirs, dir)
	}
}

// populateDirectoriesCache builds the baseline snapshot before any native
// event is accepted.  No events are emitted; this is a baseline, not a
// change.  Returns false when the root is unreadable, which cancels the
// watch before it ever starts delivering.
func (k *Key) populateDirectoriesCache() bool {
	glog.V(1).Infof("populating directories cache for %q", k.rootPath)

	if !k.fileTree {
		c := k.newDirCache(".", false)
		if c == nil {
			return false
		}
		k.dirs["."] = c
		return true
	}

	err := filepath.WalkDir(k.realRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel := k.relative(p)
		if c := k.newDirCache(rel, false); c != nil {
			k.dirs[rel] = c
		}
		return nil
	})
	return err == nil
}

func (k *Key) reportCreated(path string) {
	if k.kinds&event.Create != 0 {
		k.consumer.Consume(event.Event{Op: event.Create, Path: path})
		k.reportParentModified(path)
	}
}

func (k *Key) reportModified(path string) {
	if k.kinds&event.Modify != 0 {
		k.consumer.Consume(event.Event{Op: event.Modify, Path: path})
		k.reportParentModified(path)
	}
}

func (k *Key) reportDeleted(path string) {
	if k.kinds&event.Delete != 0 {
		k.consumer.Consume(event.Event{Op: event.Delete, Path: path})
		k.reportParentModified(path)
	}
}

func (k *Key) reportOverflow(path string) {
	overflowCount.Add(1)
	if k.kinds&event.Overflow != 0 {
		k.consumer.Consume(event.Event{Op: event.Overflow, Path: path})
	}
}

// reportParentModified emits the synthetic MODIFY a parent directory
// receives when one of its entries changed, at most once per parent per
// callback batch.
func (k *Key) reportParentModified(path string) {
	if k.kinds&event.Modify == 0 || k.batchParents == nil {
		return
	}
	parent := filepath.Dir(path)
	if parent == path || k.batchParents[parent] {
		return
	}
	k.batchParents[parent] = true
	k.consumer.Consume(event.Event{Op: event.Modify, Path: parent})
}
