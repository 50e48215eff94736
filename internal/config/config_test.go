// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
listen:
  address: "0.0.0.0:5433"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
wal:
  directory: /var/lib/walsenderd/wal
`

func TestLoad_Minimal(t *testing.T) {
	cfgPath := writeTempConfig(t, validYAML)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Listen.Address != "0.0.0.0:5433" {
		t.Errorf("expected listen.address '0.0.0.0:5433', got %q", cfg.Listen.Address)
	}
	if cfg.Senders.MaxWalSenders != 10 {
		t.Errorf("expected default max_wal_senders 10, got %d", cfg.Senders.MaxWalSenders)
	}
	if cfg.Senders.WalSndDelay != 100*time.Millisecond {
		t.Errorf("expected default wal_sender_delay 100ms, got %s", cfg.Senders.WalSndDelay)
	}
	if cfg.Senders.MaxBatchBytesRaw != 128*1024 {
		t.Errorf("expected default max_batch_bytes 128kb, got %d", cfg.Senders.MaxBatchBytesRaw)
	}
	if cfg.WAL.SegmentSizeRaw != 16*1024*1024 {
		t.Errorf("expected default wal.segment_size 16mb, got %d", cfg.WAL.SegmentSizeRaw)
	}
	if cfg.WAL.PageSizeRaw != 8*1024 {
		t.Errorf("expected default wal.page_size 8kb, got %d", cfg.WAL.PageSizeRaw)
	}
	if cfg.WAL.Timeline != 1 {
		t.Errorf("expected default wal.timeline 1, got %d", cfg.WAL.Timeline)
	}
	if cfg.WAL.Level != "replica" {
		t.Errorf("expected default wal.level replica, got %q", cfg.WAL.Level)
	}
	if cfg.BaseBackup.Compression != "gzip" {
		t.Errorf("expected default base_backup.compression gzip, got %q", cfg.BaseBackup.Compression)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging.level info, got %q", cfg.Logging.Level)
	}
	if cfg.Senders.ReaperSchedule != "@every 30s" {
		t.Errorf("expected default reaper_schedule '@every 30s', got %q", cfg.Senders.ReaperSchedule)
	}
}

func TestLoad_MissingListen(t *testing.T) {
	content := `
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
wal:
  directory: /var/lib/walsenderd/wal
`
	cfgPath := writeTempConfig(t, content)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for missing listen.address")
	}
}

func TestLoad_MissingTLS(t *testing.T) {
	content := `
listen:
  address: "0.0.0.0:5433"
wal:
  directory: /var/lib/walsenderd/wal
`
	cfgPath := writeTempConfig(t, content)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for missing tls.ca_cert")
	}
}

func TestLoad_MissingWALDirectory(t *testing.T) {
	content := `
listen:
  address: "0.0.0.0:5433"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
`
	cfgPath := writeTempConfig(t, content)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for missing wal.directory")
	}
}

func TestLoad_InvalidWalLevel(t *testing.T) {
	content := validYAML + `
  level: "bogus"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for invalid wal.level")
	}
}

func TestLoad_InvalidCompression(t *testing.T) {
	content := validYAML + `
base_backup:
  compression: "lz4"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for invalid base_backup.compression")
	}
}

func TestLoad_MonitorHTTPDefaults(t *testing.T) {
	content := validYAML + `
monitor_http:
  enabled: true
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Monitor.Listen != "127.0.0.1:9849" {
		t.Errorf("expected default monitor_http.listen '127.0.0.1:9849', got %q", cfg.Monitor.Listen)
	}
	if cfg.Monitor.ReadTimeout != 5*time.Second {
		t.Errorf("expected default monitor_http.read_timeout 5s, got %s", cfg.Monitor.ReadTimeout)
	}
}

func TestLoad_SupervisorWatchPathDefaultsToWALDirectory(t *testing.T) {
	cfgPath := writeTempConfig(t, validYAML)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Supervisor.WatchPath != cfg.WAL.Directory {
		t.Errorf("expected supervisor.watch_path to default to wal.directory, got %q vs %q", cfg.Supervisor.WatchPath, cfg.WAL.Directory)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"1gb":  1024 * 1024 * 1024,
		"16mb": 16 * 1024 * 1024,
		"8kb":  8 * 1024,
		"100b": 100,
		"42":   42,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
