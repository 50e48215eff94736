// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package walsend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/coredbio/walsender/internal/walpos"
)

// fakeFlushSource is a test double for FlushPointerSource: a plain mutable
// position a test can advance to simulate WAL being flushed.
type fakeFlushSource struct {
	mu  sync.Mutex
	pos walpos.Pos
}

func (f *fakeFlushSource) FlushPtr() walpos.Pos {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeFlushSource) set(p walpos.Pos) {
	f.mu.Lock()
	f.pos = p
	f.mu.Unlock()
}

// fakeProber is a test double for SupervisorProbe.
type fakeProber struct {
	alive bool
}

func (p *fakeProber) Alive() bool { return p.alive }

// fakeBackupRunner is a test double for BaseBackupRunner.
type fakeBackupRunner struct {
	called bool
	err    error
}

func (r *fakeBackupRunner) Run(ctx context.Context, w io.Writer, opts BaseBackupOptions) error {
	r.called = true
	if r.err != nil {
		return r.err
	}
	_, err := w.Write([]byte("fake-base-backup-bytes"))
	return err
}

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSegmentFile writes segSize bytes of deterministic content as segment
// (timeline, logid, seg) under dir, for tests that exercise sendBatch
// against a real walpos.SegmentReader.
func writeSegmentFile(dir string, timeline, logid, seg, segSize uint32) error {
	name := walpos.SegmentName(timeline, logid, seg)
	data := make([]byte, segSize)
	for i := range data {
		data[i] = byte(i)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
