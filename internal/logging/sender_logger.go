// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewSenderLogger to write simultaneously to the global
// handler and a sender's own dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually so a DEBUG record isn't
	// sent to the primary handler when it only accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the sender's own file must never suppress the
	// global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSenderLogger builds a logger that writes to both the base (global)
// logger and a file dedicated to one replication connection, at:
//
//	{senderLogDir}/{standbyID}.log
//
// Returns the enriched logger, an io.Closer for the per-sender file, and
// the file's path (joined onto senderLogDir). The Closer must be called when the sender
// exits.
//
// If senderLogDir is empty, returns the base logger unmodified (no-op).
func NewSenderLogger(baseLogger *slog.Logger, senderLogDir, standbyID string) (*slog.Logger, io.Closer, string, error) {
	if senderLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(senderLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating sender log directory %s: %w", senderLogDir, err)
	}

	logPath := filepath.Join(senderLogDir, standbyID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening sender log file %s: %w", logPath, err)
	}

	// The per-sender file always uses JSON at DEBUG level for maximum
	// capture, regardless of the global logger's configured level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveSenderLog deletes a finished sender's dedicated log file. No-op if
// senderLogDir is empty or the file doesn't exist.
func RemoveSenderLog(senderLogDir, standbyID string) {
	if senderLogDir == "" {
		return
	}
	os.Remove(filepath.Join(senderLogDir, standbyID+".log"))
}
