// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitorhttp exposes the shared slot table's Rows() as a small
// read-only JSON HTTP surface, concretely realizing the "monitoring view
// that reads the slot table" contract spec §6 leaves abstract (the view
// itself is named an external collaborator out of scope, but something has
// to read the slot table end to end for the rest of the module to be
// exercised). Deliberately net/http.ServeMux only, no router dependency —
// see DESIGN.md for the stdlib-justification entry.
package monitorhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/coredbio/walsender/internal/slot"
	"github.com/coredbio/walsender/internal/supervisor"
)

// RowsSource is satisfied by *slot.Table.
type RowsSource interface {
	Rows() []slot.Row
}

// SupervisorSource is satisfied by *supervisor.Prober.
type SupervisorSource interface {
	Snapshot() supervisor.Snapshot
	Alive() bool
}

// Server is the monitoring HTTP endpoint's lifecycle wrapper, following the
// teacher's embedded-observability-server shape (internal/server/
// observability/http.go's NewRouter + http.Server pairing) but reduced to
// the two read-only routes this module actually needs.
type Server struct {
	httpSrv *http.Server
	logger  *slog.Logger
}

// New builds (but does not start) the monitoring HTTP server bound to addr.
func New(addr string, readTimeout, writeTimeout time.Duration, slots RowsSource, sup SupervisorSource, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/senders", makeSendersHandler(slots))
	mux.HandleFunc("GET /api/v1/health", makeHealthHandler(sup))

	return &Server{
		logger: logger.With("component", "monitorhttp"),
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are logged, not returned, matching the teacher's fire-and-forget
// observability server startup.
func (s *Server) Start() {
	go func() {
		s.logger.Info("monitoring HTTP listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitoring HTTP server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// sendersResponse is the JSON shape of GET /api/v1/senders: one entry per
// occupied slot (slots with no pid are left out), mirroring spec §4.G's monitoring-read row shape
// (pid, state, "logid/recoff").
type sendersResponse struct {
	Senders []senderRow `json:"senders"`
}

type senderRow struct {
	Index      int    `json:"index"`
	PID        int64  `json:"pid"`
	StandbyID  string `json:"standby_id,omitempty"`
	AppName    string `json:"application_name,omitempty"`
	ClientAddr string `json:"client_addr,omitempty"`
	State      string `json:"state"`
	SentPtr    string `json:"sent_lsn"`
	WritePtr   string `json:"write_lsn"`
	FlushPtr   string `json:"flush_lsn"`
}

func makeSendersHandler(slots RowsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := slots.Rows()
		resp := sendersResponse{Senders: make([]senderRow, 0, len(rows))}
		for _, row := range rows {
			if row.PID == 0 {
				continue
			}
			resp.Senders = append(resp.Senders, senderRow{
				Index:      row.Index,
				PID:        row.PID,
				StandbyID:  row.StandbyID,
				AppName:    row.AppName,
				ClientAddr: row.ClientAddr,
				State:      row.State,
				SentPtr:    row.SentPtr,
				WritePtr:   row.WritePtr,
				FlushPtr:   row.FlushPtr,
			})
		}
		writeJSON(w, resp)
	}
}

type healthResponse struct {
	Status          string  `json:"status"`
	SupervisorAlive bool    `json:"supervisor_alive"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	GoRoutines      int     `json:"goroutines"`
}

func makeHealthHandler(sup SupervisorSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		var alive bool
		var diskPct float64
		if sup != nil {
			alive = sup.Alive()
			diskPct = sup.Snapshot().DiskUsagePercent
			if !alive {
				status = "degraded"
			}
		}
		writeJSON(w, healthResponse{
			Status:          status,
			SupervisorAlive: alive,
			DiskUsedPercent: diskPct,
			GoRoutines:      runtime.NumGoroutine(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
