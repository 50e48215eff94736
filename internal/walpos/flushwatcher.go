// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package walpos

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// FlushWatcher is the minimal concrete stand-in for spec §1's out-of-scope
// "WAL writer/flusher on the primary": the component that advances the
// globally-visible flush pointer. Real WAL-write durability tracking is out
// of this module's scope (spec §1), but every Sender needs *something* to
// read FlushPtr from, so FlushWatcher derives a flush position from the
// on-disk segment directory itself — the newest segment file's size is
// treated as the durable length of the newest segment, and every older
// segment is assumed fully flushed. This lets the rest of the streaming
// loop be exercised end to end against real files without this module
// pretending to own write durability.
type FlushWatcher struct {
	dir      string
	timeline uint32
	segSize  uint32
	interval time.Duration
	logger   *slog.Logger

	packed atomic.Uint64 // same logid<<32|recoff packing as Pos, minus the struct

	close chan struct{}
	wg    sync.WaitGroup
}

// NewFlushWatcher builds a watcher over dir for the given timeline and
// segment size, polling every interval.
func NewFlushWatcher(dir string, timeline, segSize uint32, interval time.Duration, logger *slog.Logger) *FlushWatcher {
	return &FlushWatcher{
		dir:      dir,
		timeline: timeline,
		segSize:  segSize,
		interval: interval,
		logger:   logger.With("component", "flushwatcher"),
		close:    make(chan struct{}),
	}
}

// Start begins polling in the background, populating FlushPtr immediately
// before returning so the first sender to call it sees a real value.
func (f *FlushWatcher) Start() {
	f.poll()
	f.wg.Add(1)
	go f.run()
}

// Stop halts polling.
func (f *FlushWatcher) Stop() {
	close(f.close)
	f.wg.Wait()
}

// FlushPtr implements walsend.FlushPointerSource: the highest log position
// known (from on-disk segment state) to be durable.
func (f *FlushWatcher) FlushPtr() Pos {
	v := f.packed.Load()
	return Pos{Logid: uint32(v >> 32), Recoff: uint32(v)}
}

func (f *FlushWatcher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.close:
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *FlushWatcher) poll() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.logger.Debug("could not list WAL directory", "error", err, "dir", f.dir)
		return
	}

	var names []string
	prefix := SegmentName(f.timeline, 0, 0)[:8] // leading 8 hex chars identify the timeline
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == 24 && name[:8] == prefix {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	newest := names[len(names)-1]

	logid, err := strconv.ParseUint(newest[8:16], 16, 32)
	if err != nil {
		return
	}
	seg, err := strconv.ParseUint(newest[16:24], 16, 32)
	if err != nil {
		return
	}

	info, err := os.Stat(filepath.Join(f.dir, newest))
	if err != nil {
		return
	}

	within := uint32(info.Size())
	if within > f.segSize {
		within = f.segSize
	}
	pos := Pos{Logid: uint32(logid), Recoff: uint32(seg)*f.segSize + within}

	next := pack(uint32(pos.Logid), pos.Recoff)
	for {
		cur := f.packed.Load()
		if next <= cur {
			return
		}
		if f.packed.CompareAndSwap(cur, next) {
			return
		}
	}
}
