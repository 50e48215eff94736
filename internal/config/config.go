// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates walsenderd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a walsenderd process.
type Config struct {
	Listen     ListenInfo       `yaml:"listen"`
	TLS        TLSInfo          `yaml:"tls"`
	WAL        WALInfo          `yaml:"wal"`
	Senders    SendersInfo      `yaml:"senders"`
	Supervisor SupervisorInfo   `yaml:"supervisor"`
	Monitor    MonitorHTTPInfo  `yaml:"monitor_http"`
	BaseBackup BaseBackupInfo   `yaml:"base_backup"`
	Logging    LoggingInfo      `yaml:"logging"`
}

// ListenInfo is the replication listener's bind address.
type ListenInfo struct {
	Address string `yaml:"address"`
}

// TLSInfo holds the mTLS certificate paths used to authenticate standbys.
type TLSInfo struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// WALInfo describes the on-disk WAL layout this sender reads from.
type WALInfo struct {
	Directory      string `yaml:"directory"`
	Timeline       uint32 `yaml:"timeline"`
	SegmentSize    string `yaml:"segment_size"` // e.g. "16mb" (default)
	SegmentSizeRaw int64  `yaml:"-"`
	PageSize       string `yaml:"page_size"` // e.g. "8kb" (default)
	PageSizeRaw    int64  `yaml:"-"`
	// Level gates how much is ever written/streamable: "minimal", "replica",
	// "logical". walsenderd refuses START_REPLICATION unless it is "replica"
	// or "logical".
	Level string `yaml:"level"`
}

// SendersInfo bounds the slot table and per-sender behavior.
type SendersInfo struct {
	MaxWalSenders     int           `yaml:"max_wal_senders"`
	WalSndDelay       time.Duration `yaml:"wal_sender_delay"`      // poll fallback when no latch wakeup (default 100ms)
	WalSndTimeout     time.Duration `yaml:"wal_sender_timeout"`    // carried into walsend.Params (default 60s); no code path disconnects a silent standby on it
	MaxBatchBytes     string        `yaml:"max_batch_bytes"`       // cap per CopyData payload (default "128kb")
	MaxBatchBytesRaw  int64         `yaml:"-"`
	ThrottleBytesPerS int64         `yaml:"throttle_bytes_per_sec"` // 0 = unlimited
	ReaperSchedule    string        `yaml:"reaper_schedule"`        // cron expression, default "@every 30s"
	ReplyStaleness    time.Duration `yaml:"reply_staleness"`        // default 2m
}

// SupervisorInfo configures the parent-liveness / disk-headroom prober.
type SupervisorInfo struct {
	PollInterval time.Duration `yaml:"poll_interval"` // default 5s
	WatchPath    string        `yaml:"watch_path"`    // default equal to WAL.Directory
}

// MonitorHTTPInfo configures the read-only JSON monitoring endpoint.
type MonitorHTTPInfo struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"` // default "127.0.0.1:9849"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BaseBackupInfo configures the BASE_BACKUP command delegate.
type BaseBackupInfo struct {
	Compression string `yaml:"compression"` // "gzip" (default) or "zstd"
	// DataDir is the directory tarred by BASE_BACKUP. Defaults to
	// WAL.Directory, since a minimal single-directory deployment has no
	// separate data/WAL split.
	DataDir string `yaml:"data_dir"`
}

// LoggingInfo configures the structured logger.
type LoggingInfo struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
	// SenderLogDir, if set, gives each live replication connection its own
	// JSON debug log file under this directory, named by standby ID, in
	// addition to the global logger above.
	SenderLogDir string `yaml:"sender_log_dir"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}
	if c.WAL.Directory == "" {
		return fmt.Errorf("wal.directory is required")
	}
	if c.WAL.Timeline == 0 {
		c.WAL.Timeline = 1
	}
	if c.WAL.SegmentSize == "" {
		c.WAL.SegmentSize = "16mb"
	}
	segSize, err := ParseByteSize(c.WAL.SegmentSize)
	if err != nil {
		return fmt.Errorf("wal.segment_size: %w", err)
	}
	c.WAL.SegmentSizeRaw = segSize
	if c.WAL.PageSize == "" {
		c.WAL.PageSize = "8kb"
	}
	pageSize, err := ParseByteSize(c.WAL.PageSize)
	if err != nil {
		return fmt.Errorf("wal.page_size: %w", err)
	}
	c.WAL.PageSizeRaw = pageSize
	if c.WAL.Level == "" {
		c.WAL.Level = "replica"
	}
	switch c.WAL.Level {
	case "minimal", "replica", "logical":
	default:
		return fmt.Errorf("wal.level must be minimal, replica or logical, got %q", c.WAL.Level)
	}

	if c.Senders.MaxWalSenders <= 0 {
		c.Senders.MaxWalSenders = 10
	}
	if c.Senders.WalSndDelay <= 0 {
		c.Senders.WalSndDelay = 100 * time.Millisecond
	}
	if c.Senders.WalSndTimeout <= 0 {
		c.Senders.WalSndTimeout = 60 * time.Second
	}
	if c.Senders.MaxBatchBytes == "" {
		c.Senders.MaxBatchBytes = "128kb"
	}
	batchSize, err := ParseByteSize(c.Senders.MaxBatchBytes)
	if err != nil {
		return fmt.Errorf("senders.max_batch_bytes: %w", err)
	}
	c.Senders.MaxBatchBytesRaw = batchSize
	if c.Senders.ReaperSchedule == "" {
		c.Senders.ReaperSchedule = "@every 30s"
	}
	if c.Senders.ReplyStaleness <= 0 {
		c.Senders.ReplyStaleness = 2 * time.Minute
	}

	if c.Supervisor.PollInterval <= 0 {
		c.Supervisor.PollInterval = 5 * time.Second
	}
	if c.Supervisor.WatchPath == "" {
		c.Supervisor.WatchPath = c.WAL.Directory
	}

	if c.Monitor.Enabled {
		if c.Monitor.Listen == "" {
			c.Monitor.Listen = "127.0.0.1:9849"
		}
		if c.Monitor.ReadTimeout <= 0 {
			c.Monitor.ReadTimeout = 5 * time.Second
		}
		if c.Monitor.WriteTimeout <= 0 {
			c.Monitor.WriteTimeout = 15 * time.Second
		}
	}

	if c.BaseBackup.Compression == "" {
		c.BaseBackup.Compression = "gzip"
	}
	c.BaseBackup.Compression = strings.ToLower(strings.TrimSpace(c.BaseBackup.Compression))
	if c.BaseBackup.Compression != "gzip" && c.BaseBackup.Compression != "zstd" {
		return fmt.Errorf("base_backup.compression must be gzip or zstd, got %q", c.BaseBackup.Compression)
	}
	if c.BaseBackup.DataDir == "" {
		c.BaseBackup.DataDir = c.WAL.Directory
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
