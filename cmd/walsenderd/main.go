// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command walsenderd is the replication listener: it accepts one TLS
// connection per standby and runs one internal/walsend.Sender goroutine per
// connection, coordinated through the shared internal/slot table. It owns
// the single real os/signal.Notify loop and fans each process-wide signal
// out to every live sender, mirroring the original design's
// one-OS-signal-per-process model (spec §4.C, §9).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coredbio/walsender/internal/basebackup"
	"github.com/coredbio/walsender/internal/config"
	"github.com/coredbio/walsender/internal/logging"
	"github.com/coredbio/walsender/internal/monitorhttp"
	"github.com/coredbio/walsender/internal/pki"
	"github.com/coredbio/walsender/internal/slot"
	"github.com/coredbio/walsender/internal/supervisor"
	"github.com/coredbio/walsender/internal/walpos"
	"github.com/coredbio/walsender/internal/walsend"
)

func main() {
	configPath := flag.String("config", "/etc/walsenderd/walsenderd.yaml", "path to walsenderd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("walsenderd exiting on error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slotTable := slot.NewTable(cfg.Senders.MaxWalSenders)

	reaper, err := slot.NewReaper(cfg.Senders.ReaperSchedule, cfg.Senders.ReplyStaleness, slotTable, logger)
	if err != nil {
		return fmt.Errorf("creating slot reaper: %w", err)
	}
	reaper.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reaper.Stop(ctx)
	}()

	prober := supervisor.New(cfg.Supervisor.WatchPath, cfg.Supervisor.PollInterval, logger)
	prober.Start()
	defer prober.Stop()

	flush := walpos.NewFlushWatcher(cfg.WAL.Directory, cfg.WAL.Timeline, uint32(cfg.WAL.SegmentSizeRaw), cfg.Senders.WalSndDelay, logger)
	flush.Start()
	defer flush.Stop()

	removed := &walpos.RemovedWatermark{}
	backupRunner := basebackup.New(cfg.BaseBackup.DataDir, cfg.BaseBackup.Compression, logger)

	var monitor *monitorhttp.Server
	if cfg.Monitor.Enabled {
		monitor = monitorhttp.New(cfg.Monitor.Listen, cfg.Monitor.ReadTimeout, cfg.Monitor.WriteTimeout, slotTable, prober, logger)
		monitor.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(ctx)
		}()
	}

	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("loading TLS config: %w", err)
	}

	ln, err := tls.Listen("tcp", cfg.Listen.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	defer ln.Close()

	reg := newRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchSignals(ctx, cancel, slotTable, reg, logger)

	logger.Info("walsenderd listening", "addr", cfg.Listen.Address, "max_wal_senders", cfg.Senders.MaxWalSenders)

	var connCounter int64
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
			}
			logger.Error("accept failed", "error", err)
			continue
		}

		connCounter++
		pid := connCounter
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, pid, cfg, slotTable, flush, removed, prober, backupRunner, logger, reg)
		}()
	}
}

func serveConn(
	ctx context.Context,
	conn net.Conn,
	pid int64,
	cfg *config.Config,
	slotTable *slot.Table,
	flush *walpos.FlushWatcher,
	removed *walpos.RemovedWatermark,
	prober *supervisor.Prober,
	backupRunner *basebackup.Runner,
	baseLogger *slog.Logger,
	reg *registry,
) {
	defer conn.Close()

	standbyID := fmt.Sprintf("standby-%d", pid)
	connLogger, senderLogCloser, _, err := logging.NewSenderLogger(baseLogger, cfg.Logging.SenderLogDir, standbyID)
	if err != nil {
		baseLogger.Error("failed to open per-sender log file", "standby", standbyID, "error", err)
		connLogger = baseLogger
		senderLogCloser = nil
	}
	if senderLogCloser != nil {
		defer senderLogCloser.Close()
	}
	defer logging.RemoveSenderLog(cfg.Logging.SenderLogDir, standbyID)

	params := walsend.Params{
		Timeline:      cfg.WAL.Timeline,
		SegSize:       uint32(cfg.WAL.SegmentSizeRaw),
		PageSize:      uint32(cfg.WAL.PageSizeRaw),
		MaxSendSize:   uint32(cfg.Senders.MaxBatchBytesRaw),
		WalSndDelay:   cfg.Senders.WalSndDelay,
		WalSndTimeout: cfg.Senders.WalSndTimeout,
		WalLevel:      cfg.WAL.Level,
		SystemID:      systemID(cfg),
	}

	sender := walsend.NewSender(conn, params, connLogger, slotTable, flush, cfg.WAL.Directory, removed, prober, backupRunner, cfg.Senders.ThrottleBytesPerS)

	if err := sender.Init(pid); err != nil {
		connLogger.Error("could not start WAL sender", "standby", standbyID, "error", err)
		return
	}
	reg.add(pid, sender)
	defer reg.remove(pid)
	defer sender.Kill()

	code := sender.Run(ctx)
	connLogger.Info("WAL sender exited", "standby", standbyID, "exit_code", int(code))
}

// systemID derives a stable 64-bit system identifier for IDENTIFY_SYSTEM.
// A real primary would read this from its control file; absent one here,
// walsenderd derives it deterministically from the WAL directory and
// timeline so it is stable across restarts of the same instance.
func systemID(cfg *config.Config) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for _, b := range []byte(cfg.WAL.Directory) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	h ^= uint64(cfg.WAL.Timeline)
	h *= 1099511628211
	return h
}

// registry tracks live senders by connection id so the signal fan-out loop
// can reach each one's sigflags.Flags, mirroring how the original design's
// signals reached a sender through the OS process table — here a plain
// mutex-guarded map stands in for that, scoped to this entrypoint rather
// than promoted to its own package since it is pure process wiring.
type registry struct {
	mu      sync.Mutex
	senders map[int64]*walsend.Sender
}

func newRegistry() *registry {
	return &registry{senders: make(map[int64]*walsend.Sender)}
}

func (r *registry) add(pid int64, s *walsend.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[pid] = s
}

func (r *registry) remove(pid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, pid)
}

func (r *registry) each(fn func(*walsend.Sender)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.senders {
		fn(s)
	}
}

// watchSignals owns the single os/signal.Notify loop for the process,
// fanning each signal out to every live sender exactly as spec §4.C
// assigns meaning to HUP/TERM/QUIT/USR1/USR2. QUIT is handled here
// directly with os.Exit(2): the original design's "no cleanup, shared
// memory may be corrupt" semantics have no goroutine-local analogue to
// delegate to, since QUIT means the whole process, not one sender.
func watchSignals(ctx context.Context, shutdown context.CancelFunc, slotTable *slot.Table, reg *registry, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP received, reloading configuration for all senders")
				reg.each(func(s *walsend.Sender) { s.Flags().RequestConfigReload() })
			case syscall.SIGTERM:
				logger.Info("SIGTERM received, stopping listener and requesting shutdown of all senders")
				shutdown()
				reg.each(func(s *walsend.Sender) { s.Flags().RequestShutdown() })
			case syscall.SIGUSR2:
				logger.Info("SIGUSR2 received, requesting drain-to-end-and-stop on all senders")
				reg.each(func(s *walsend.Sender) { s.Flags().RequestDrain() })
			case syscall.SIGUSR1:
				logger.Info("SIGUSR1 received, waking all senders")
				slotTable.WakeAll()
			case syscall.SIGQUIT:
				logger.Error("SIGQUIT received, aborting immediately with no cleanup")
				os.Exit(2)
			}
		}
	}
}
