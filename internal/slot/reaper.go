// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slot

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically sweeps the slot table for standbys that have stopped
// acknowledging status updates and logs a summary, mirroring the cron-driven
// periodic task shape of the teacher's job scheduler — but here there is a
// single fixed sweep, not one cron entry per item.
type Reaper struct {
	cron      *cron.Cron
	logger    *slog.Logger
	table     *Table
	staleness time.Duration
}

// NewReaper builds a reaper that runs on the given cron schedule (e.g.
// "@every 30s") and flags any in-use slot whose last reply is older than
// staleness.
func NewReaper(schedule string, staleness time.Duration, table *Table, logger *slog.Logger) (*Reaper, error) {
	r := &Reaper{
		logger:    logger,
		table:     table,
		staleness: staleness,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	r.cron = c
	return r, nil
}

// Start begins the periodic sweep.
func (r *Reaper) Start() {
	r.logger.Info("slot reaper started", "staleness", r.staleness)
	r.cron.Start()
}

// Stop halts the sweep, waiting for any in-flight run to finish or ctx to
// expire, whichever comes first.
func (r *Reaper) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		r.logger.Warn("slot reaper stop timed out")
	}
}

func (r *Reaper) sweep() {
	now := time.Now()
	stale := 0
	r.table.Each(func(s *Slot) {
		row := s.Snapshot(0)
		if row.ReplyTime.IsZero() {
			return
		}
		if now.Sub(row.ReplyTime) > r.staleness {
			stale++
			r.logger.Warn("standby has not replied recently",
				"standby", row.StandbyID,
				"app_name", row.AppName,
				"last_reply", row.ReplyTime,
				"age", now.Sub(row.ReplyTime).String(),
			)
		}
	})
	r.logger.Debug("slot reaper sweep complete", "stale_standbys", stale)
}
