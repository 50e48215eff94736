// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSenderLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewSenderLogger(base, "", "standby-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when senderLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewSenderLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSenderLogger(base, dir, "standby-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPath := filepath.Join(dir, "standby-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading sender log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in sender file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in sender file: %s", content)
	}
}

func TestNewSenderLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewSenderLogger(base, dir, "standby-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from sender file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from sender file: %s", content)
	}
}

func TestRemoveSenderLog(t *testing.T) {
	dir := t.TempDir()

	logPath := filepath.Join(dir, "standby-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveSenderLog(dir, "standby-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("sender log file should have been removed")
	}
}

func TestRemoveSenderLog_NoOpWhenEmpty(t *testing.T) {
	RemoveSenderLog("", "standby")
}

func TestRemoveSenderLog_NoOpWhenFileMissing(t *testing.T) {
	RemoveSenderLog(t.TempDir(), "nonexistent-standby")
}

func TestNewSenderLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSenderLogger(base, dir, "standby-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("standby", "standby-attrs", "state", "streaming")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "standby-attrs") {
		t.Error("standby attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "standby-attrs") {
		t.Errorf("standby attr missing from sender file: %s", content)
	}
	if !strings.Contains(content, "streaming") {
		t.Errorf("state attr missing from sender file: %s", content)
	}
}
