// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package slot implements the shared walsender slot table: a fixed-size
// array of per-sender state visible to every sender goroutine and to the
// monitoring surface, guarded by genuine per-slot spinlocks rather than a
// single table-wide mutex, matching the concurrency shape of spec §4.B.
package slot

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/coredbio/walsender/internal/latch"
	"github.com/coredbio/walsender/internal/walpos"
)

// State is the lifecycle state of a slot, mirroring the walsender states of
// spec §3.
type State int32

const (
	StateUnused State = iota
	StateStartup
	StateBackup
	StateCatchup
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateStartup:
		return "startup"
	case StateBackup:
		return "backup"
	case StateCatchup:
		return "catchup"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// spinlock is a tiny CAS-loop mutex, used instead of sync.Mutex to mirror
// the real walsender's shared-memory spinlock per slot: critical sections
// here are a handful of field assignments, never a blocking call, so a
// spinlock is a deliberate choice, not an oversight (spec §5 calls out that
// a per-slot lock must be cheap to acquire on the hot publish path).
type spinlock struct {
	locked atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.locked.Store(false)
}

// Slot holds one sender's published state. PID identifies the connection
// (the goroutine's own serial id, since there is no OS pid per-sender in
// this architecture); SentPtr/WritePtr/FlushPtr are the three positions
// tracked by the streaming loop.
type Slot struct {
	mu spinlock

	inUse      bool
	pid        int64
	standbyID  string
	appName    string
	clientAddr string
	state      State
	sentPtr    walpos.Pos
	writePtr   walpos.Pos
	flushPtr   walpos.Pos
	replyTime  time.Time
	startTime  time.Time

	Latch *latch.Latch
}

// Row is an immutable snapshot of a Slot, safe to read without holding any
// lock — the shape returned to the monitoring HTTP surface.
type Row struct {
	Index      int
	PID        int64
	StandbyID  string
	AppName    string
	ClientAddr string
	State      string
	SentPtr    string
	WritePtr   string
	FlushPtr   string
	ReplyTime  time.Time
	StartTime  time.Time
}

// Table is the fixed-size slot array. Capacity corresponds to
// Config.MaxWalSenders.
type Table struct {
	slots []*Slot
}

// NewTable allocates a table with the given capacity, preallocating every
// slot and its latch so that Allocate never allocates on the hot path.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]*Slot, capacity)}
	for i := range t.slots {
		t.slots[i] = &Slot{Latch: latch.New()}
	}
	return t
}

// Len returns the table's fixed capacity.
func (t *Table) Len() int {
	return len(t.slots)
}

// ErrNoFreeSlots is returned by Allocate when every slot is in use —
// the goroutine equivalent of "too many wal senders already" (spec §4.B
// edge case).
type ErrNoFreeSlots struct{}

func (ErrNoFreeSlots) Error() string { return "no free WAL sender slots" }

// Allocate claims the first free slot for a new sender and returns it along
// with its index, or ErrNoFreeSlots if the table is full. pid is an
// opaque, caller-assigned identifier (cmd/walsenderd uses a monotonic
// connection counter).
func (t *Table) Allocate(pid int64, standbyID, appName, clientAddr string) (*Slot, int, error) {
	for i, s := range t.slots {
		s.mu.Lock()
		if !s.inUse {
			s.inUse = true
			s.pid = pid
			s.standbyID = standbyID
			s.appName = appName
			s.clientAddr = clientAddr
			s.state = StateStartup
			s.sentPtr = walpos.Zero
			s.writePtr = walpos.Zero
			s.flushPtr = walpos.Zero
			s.startTime = time.Now()
			s.replyTime = time.Time{}
			s.Latch.Reset()
			s.mu.Unlock()
			return s, i, nil
		}
		s.mu.Unlock()
	}
	return nil, -1, ErrNoFreeSlots{}
}

// Release returns a slot to the free pool. Must be called exactly once,
// after the owning sender goroutine has fully stopped touching the slot.
func (t *Table) Release(s *Slot) {
	s.mu.Lock()
	s.inUse = false
	s.pid = 0
	s.state = StateUnused
	s.mu.Unlock()
	s.Latch.Reset()
}

// SetState publishes a new lifecycle state.
func (s *Slot) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Publish updates the three tracked positions in one critical section, so
// a concurrent reader never observes a torn combination (e.g. a new sent
// position paired with a stale flush position).
func (s *Slot) Publish(sent, write, flush walpos.Pos) {
	s.mu.Lock()
	s.sentPtr = sent
	s.writePtr = write
	s.flushPtr = flush
	s.mu.Unlock()
}

// RecordReply stamps the time a standby's status update was last received,
// used by the reaper to detect stalled standbys.
func (s *Slot) RecordReply(t time.Time) {
	s.mu.Lock()
	s.replyTime = t
	s.mu.Unlock()
}

// Snapshot returns a point-in-time copy of this slot's published state.
func (s *Slot) Snapshot(index int) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inUse {
		return Row{Index: index, State: StateUnused.String()}
	}
	return Row{
		Index:      index,
		PID:        s.pid,
		StandbyID:  s.standbyID,
		AppName:    s.appName,
		ClientAddr: s.clientAddr,
		State:      s.state.String(),
		SentPtr:    s.sentPtr.String(),
		WritePtr:   s.writePtr.String(),
		FlushPtr:   s.flushPtr.String(),
		ReplyTime:  s.replyTime,
		StartTime:  s.startTime,
	}
}

// Rows materializes the whole table for the monitoring HTTP surface
// (spec §4.G), one Row per slot regardless of occupancy.
func (t *Table) Rows() []Row {
	rows := make([]Row, len(t.slots))
	for i, s := range t.slots {
		rows[i] = s.Snapshot(i)
	}
	return rows
}

// WakeAll sets every in-use slot's latch, used by cmd/walsenderd to fan
// SIGUSR1 out to all live senders in one pass.
func (t *Table) WakeAll() {
	for _, s := range t.slots {
		s.mu.Lock()
		inUse := s.inUse
		s.mu.Unlock()
		if inUse {
			s.Latch.Set()
		}
	}
}

// Each calls fn for every in-use slot. fn must not block.
func (t *Table) Each(fn func(*Slot)) {
	for _, s := range t.slots {
		s.mu.Lock()
		inUse := s.inUse
		s.mu.Unlock()
		if inUse {
			fn(s)
		}
	}
}
