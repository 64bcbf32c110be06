// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package watch

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/glog"
)

// cacheEntry is the remembered state of one directory entry.
type cacheEntry struct {
	modTimeMillis int64
	lastSeenTick  uint64
}

// dirCache is the last-known state of one directory's immediate children,
// diffed against a fresh listing once per reconciliation pass.  The tick
// counter increments once per pass; an entry not stamped with the current
// tick after a pass was absent from the listing and is reported deleted.
// Keeping ticks instead of rebuilding the map each pass makes the
// "seen this pass" test O(1) per entry on large, mostly-stable directories.
type dirCache struct {
	entries map[string]*cacheEntry
	tick    uint64
}

// newDirCache lists dir and builds its cache.  With announce set (a live
// discovery rather than the initial population) every entry is reported as
// created.  Returns nil when the directory can't be opened: it is already
// gone, and the parent's own diff reports the deletion.
func (k *Key) newDirCache(dir string, announce bool) *dirCache {
	glog.V(2).Infof("creating directory cache for %q", dir)

	f, err := os.Open(k.resolve(dir))
	if err != nil {
		return nil
	}
	defer f.Close()

	c := &dirCache{entries: make(map[string]*cacheEntry)}
	des, _ := f.ReadDir(-1) // a partial listing still seeds a usable cache
	sortEntries(des)
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			// Raced with a removal between listing and stat; skip it.
			continue
		}
		c.entries[de.Name()] = &cacheEntry{modTimeMillis: info.ModTime().UnixMilli()}
		if announce {
			k.reportCreated(filepath.Join(dir, de.Name()))
		}
	}
	return c
}

// update runs one reconciliation pass for dir.  It returns false when the
// cache must be dropped: either the directory is gone (all cached entries
// reported deleted) or the listing failed partway through (reported as
// overflow, since diffing a partial listing would invent deletions).
func (c *dirCache) update(k *Key, dir string) bool {
	c.tick++
	glog.V(2).Infof("directory cache update for %q, tick %d", dir, c.tick)

	f, err := os.Open(k.resolve(dir))
	if err != nil {
		// The whole directory became unreadable: everything in it is gone.
		for _, name := range c.sortedNames() {
			k.reportDeleted(filepath.Join(dir, name))
		}
		return false
	}
	defer f.Close()

	des, derr := f.ReadDir(-1)
	sortEntries(des)
	for _, de := range des {
		var mtime int64
		if info, err := de.Info(); err == nil {
			mtime = info.ModTime().UnixMilli()
		}
		// A failed stat means the entry vanished between listing and stat;
		// leaving mtime zero lets the next pass report the deletion cleanly.

		name := de.Name()
		entry := c.entries[name]
		if entry == nil {
			c.entries[name] = &cacheEntry{modTimeMillis: mtime, lastSeenTick: c.tick}
			k.reportCreated(filepath.Join(dir, name))
			continue
		}
		if entry.modTimeMillis != mtime {
			k.reportModified(filepath.Join(dir, name))
		}
		entry.modTimeMillis = mtime
		entry.lastSeenTick = c.tick
	}
	if derr != nil {
		k.reportOverflow(dir)
		return false
	}

	for _, name := range c.sortedNames() {
		if entry := c.entries[name]; entry.lastSeenTick != c.tick {
			delete(c.entries, name)
			k.reportDeleted(filepath.Join(dir, name))
		}
	}
	return true
}

func (c *dirCache) sortedNames() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortEntries(des []os.DirEntry) {
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })
}
