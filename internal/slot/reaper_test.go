// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slot

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestReaperSweepFlagsStaleStandby(t *testing.T) {
	tbl := NewTable(2)
	s, _, _ := tbl.Allocate(1, "stale-standby", "app1", "")
	s.RecordReply(time.Now().Add(-time.Hour))

	var buf bytes.Buffer
	r, err := NewReaper("@every 1h", time.Minute, tbl, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	r.sweep()

	if !strings.Contains(buf.String(), "stale-standby") {
		t.Fatalf("expected sweep to log the stale standby, got: %s", buf.String())
	}
}

func TestReaperSweepIgnoresFreshStandby(t *testing.T) {
	tbl := NewTable(2)
	s, _, _ := tbl.Allocate(1, "fresh-standby", "app1", "")
	s.RecordReply(time.Now())

	var buf bytes.Buffer
	r, err := NewReaper("@every 1h", time.Minute, tbl, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	r.sweep()

	if strings.Contains(buf.String(), "not replied recently") {
		t.Fatalf("sweep should not flag a standby that replied recently, got: %s", buf.String())
	}
}

func TestReaperSweepIgnoresNeverReplied(t *testing.T) {
	tbl := NewTable(1)
	tbl.Allocate(1, "new-standby", "app1", "")

	var buf bytes.Buffer
	r, err := NewReaper("@every 1h", time.Minute, tbl, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	r.sweep()

	if strings.Contains(buf.String(), "not replied recently") {
		t.Fatalf("sweep should not flag a standby that has never replied yet, got: %s", buf.String())
	}
}

func TestNewReaperInvalidSchedule(t *testing.T) {
	tbl := NewTable(1)
	var buf bytes.Buffer
	if _, err := NewReaper("not a valid schedule", time.Minute, tbl, newTestLogger(&buf)); err == nil {
		t.Fatal("expected NewReaper to reject a malformed cron schedule")
	}
}
