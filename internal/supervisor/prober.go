// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package supervisor answers the question a real walsender asks the
// postmaster implicitly on every wait loop iteration: "is my parent still
// alive, and is there still room on disk?" Since a goroutine has no
// postmaster to inherit a death signal from, Prober polls os.Getppid() and
// process liveness through gopsutil instead.
package supervisor

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the latest collected liveness/resource reading.
type Snapshot struct {
	SupervisorAlive  bool
	DiskUsagePercent float64
}

// Prober polls supervisor liveness and disk headroom on an interval,
// caching the last result for lock-free reads from many sender goroutines.
type Prober struct {
	logger       *slog.Logger
	parentPID    int
	watchPath    string
	interval     time.Duration
	dead         atomic.Bool
	mu           sync.RWMutex
	snap         Snapshot
	close        chan struct{}
	wg           sync.WaitGroup
}

// New creates a Prober that watches the process which launched
// cmd/walsenderd (its parent pid at start time) and disk usage at
// watchPath, sampling every interval.
func New(watchPath string, interval time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		logger:    logger.With("component", "supervisor"),
		parentPID: os.Getppid(),
		watchPath: watchPath,
		interval:  interval,
		close:     make(chan struct{}),
	}
}

// Start begins periodic polling in the background.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts polling.
func (p *Prober) Stop() {
	close(p.close)
	p.wg.Wait()
}

// Alive reports whether the supervising process was alive as of the most
// recent poll. Once it reports false it never reports true again: a
// restarted supervisor is a new process with a new pid, and this Prober was
// built for the old one.
func (p *Prober) Alive() bool {
	return !p.dead.Load()
}

// Snapshot returns the most recently collected reading.
func (p *Prober) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collect()
	for {
		select {
		case <-p.close:
			return
		case <-ticker.C:
			p.collect()
		}
	}
}

func (p *Prober) collect() {
	var snap Snapshot

	if proc, err := process.NewProcess(int32(p.parentPID)); err != nil {
		snap.SupervisorAlive = false
	} else if running, err := proc.IsRunning(); err != nil || !running {
		snap.SupervisorAlive = false
	} else {
		snap.SupervisorAlive = true
	}

	if !snap.SupervisorAlive {
		p.dead.Store(true)
		p.logger.Error("supervisor process is no longer running", "parent_pid", p.parentPID)
	}

	if d, err := disk.Usage(p.watchPath); err == nil {
		snap.DiskUsagePercent = d.UsedPercent
	} else {
		p.logger.Debug("failed to collect disk stats", "error", err, "path", p.watchPath)
	}

	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}
