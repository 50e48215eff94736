// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slot

import (
	"sync"
	"testing"
	"time"

	"github.com/coredbio/walsender/internal/walpos"
)

func TestAllocateAndRelease(t *testing.T) {
	tbl := NewTable(2)

	s1, idx1, err := tbl.Allocate(1, "standby-a", "app-a", "10.0.0.1:5432")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if idx1 != 0 {
		t.Fatalf("expected first allocation to take slot 0, got %d", idx1)
	}

	row := s1.Snapshot(idx1)
	if row.StandbyID != "standby-a" || row.State != StateStartup.String() {
		t.Fatalf("unexpected snapshot after Allocate: %+v", row)
	}

	tbl.Release(s1)
	row = s1.Snapshot(idx1)
	if row.State != StateUnused.String() {
		t.Fatalf("expected slot to be unused after Release, got state %q", row.State)
	}
}

func TestAllocateNoFreeSlots(t *testing.T) {
	tbl := NewTable(1)

	if _, _, err := tbl.Allocate(1, "a", "", ""); err != nil {
		t.Fatalf("first Allocate should succeed: %v", err)
	}
	if _, _, err := tbl.Allocate(2, "b", "", ""); err == nil {
		t.Fatal("second Allocate on a full table should fail")
	} else if _, ok := err.(ErrNoFreeSlots); !ok {
		t.Fatalf("expected ErrNoFreeSlots, got %T", err)
	}
}

func TestAllocateReusesReleasedSlot(t *testing.T) {
	tbl := NewTable(1)

	s1, idx1, err := tbl.Allocate(1, "a", "", "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	tbl.Release(s1)

	s2, idx2, err := tbl.Allocate(2, "b", "", "")
	if err != nil {
		t.Fatalf("Allocate after Release should succeed: %v", err)
	}
	if idx2 != idx1 {
		t.Fatalf("expected the released slot to be reused, got index %d want %d", idx2, idx1)
	}
	if s2.Snapshot(idx2).StandbyID != "b" {
		t.Fatal("reused slot should carry the new standby's identity")
	}
}

func TestPublishIsAtomicAcrossReaders(t *testing.T) {
	tbl := NewTable(1)
	s, idx, _ := tbl.Allocate(1, "a", "", "")

	sent := walpos.Pos{Logid: 0, Recoff: 100}
	write := walpos.Pos{Logid: 0, Recoff: 200}
	flush := walpos.Pos{Logid: 0, Recoff: 300}
	s.Publish(sent, write, flush)

	row := s.Snapshot(idx)
	if row.SentPtr != sent.String() || row.WritePtr != write.String() || row.FlushPtr != flush.String() {
		t.Fatalf("unexpected published positions: %+v", row)
	}
}

func TestRowsCoversEveryIndexRegardlessOfOccupancy(t *testing.T) {
	tbl := NewTable(3)
	tbl.Allocate(1, "only-one", "", "")

	rows := tbl.Rows()
	if len(rows) != 3 {
		t.Fatalf("Rows() returned %d rows, want 3", len(rows))
	}

	occupied := 0
	for _, r := range rows {
		if r.State != StateUnused.String() {
			occupied++
		}
	}
	if occupied != 1 {
		t.Fatalf("expected exactly one occupied row, got %d", occupied)
	}
}

func TestWakeAllOnlyWakesInUseSlots(t *testing.T) {
	tbl := NewTable(2)
	s1, _, _ := tbl.Allocate(1, "a", "", "")

	tbl.WakeAll()

	if !s1.Latch.IsSet() {
		t.Fatal("expected the in-use slot's latch to be set")
	}
	if tbl.slots[1].Latch.IsSet() {
		t.Fatal("expected the free slot's latch to remain unset")
	}
}

func TestRecordReply(t *testing.T) {
	tbl := NewTable(1)
	s, idx, _ := tbl.Allocate(1, "a", "", "")

	now := time.Now()
	s.RecordReply(now)

	row := s.Snapshot(idx)
	if !row.ReplyTime.Equal(now) {
		t.Fatalf("ReplyTime = %v, want %v", row.ReplyTime, now)
	}
}

func TestConcurrentAllocateIsSpinlockSafe(t *testing.T) {
	tbl := NewTable(8)
	var wg sync.WaitGroup
	successes := make(chan *Slot, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s, _, err := tbl.Allocate(int64(i), "c", "", ""); err == nil {
				successes <- s
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	seen := map[*Slot]bool{}
	count := 0
	for s := range successes {
		if seen[s] {
			t.Fatal("the same slot was allocated to two concurrent callers")
		}
		seen[s] = true
		count++
	}
	if count != 8 {
		t.Fatalf("expected exactly 8 successful allocations (table capacity), got %d", count)
	}
}
