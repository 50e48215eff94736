// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package walsend implements the per-connection WAL sender: the command
// handshake and streaming-loop state machine that ship durably-flushed WAL
// bytes to one standby for the life of a replication connection. One
// goroutine runs exactly one Sender; many run concurrently, coordinated
// only through the shared internal/slot table.
package walsend

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/coredbio/walsender/internal/latch"
	"github.com/coredbio/walsender/internal/sigflags"
	"github.com/coredbio/walsender/internal/slot"
	"github.com/coredbio/walsender/internal/walpos"
)

// FlushPointerSource is the out-of-scope WAL writer/flusher collaborator
// (spec §1): it publishes the highest durably-flushed log position. It is
// single-writer and monotonic; Sender reads it without locking.
type FlushPointerSource interface {
	FlushPtr() walpos.Pos
}

// BaseBackupRunner is the out-of-scope base-backup streamer collaborator,
// invoked as a single entry point from the BASE_BACKUP command.
type BaseBackupRunner interface {
	Run(ctx context.Context, w io.Writer, opts BaseBackupOptions) error
}

// SupervisorProbe reports whether the process supervising this sender is
// still alive. *supervisor.Prober satisfies this; tests substitute a fake
// to exercise the supervisor-dead exit path without real process polling.
type SupervisorProbe interface {
	Alive() bool
}

// Params bundles the configuration a Sender needs, independent of any one
// connection.
type Params struct {
	Timeline      uint32
	SegSize       uint32
	PageSize      uint32
	MaxSendSize   uint32
	WalSndDelay   time.Duration
	WalSndTimeout time.Duration
	WalLevel      string
	SystemID      uint64
}

// Sender is one replication connection's state: the command handshake plus
// the streaming-loop state machine, from Init to Kill.
type Sender struct {
	conn   net.Conn
	params Params
	logger *slog.Logger

	slotTable *slot.Table
	mySlot    *slot.Slot
	slotIndex int

	flags  *sigflags.Flags
	flush  FlushPointerSource
	seg    *walpos.SegmentReader
	prober SupervisorProbe
	backup BaseBackupRunner

	writer io.Writer

	sentPtr walpos.Pos
	state   slot.State

	standbyID  string
	appName    string
	clientAddr string
}

// NewSender builds a Sender bound to one accepted connection. It does not
// touch the slot table; call Init to claim a slot and begin the handshake.
func NewSender(conn net.Conn, params Params, logger *slog.Logger, slotTable *slot.Table, flush FlushPointerSource, segDir string, removed *walpos.RemovedWatermark, prober SupervisorProbe, backup BaseBackupRunner, throttleBytesPerSec int64) *Sender {
	s := &Sender{
		conn:       conn,
		params:     params,
		logger:     logger,
		slotTable:  slotTable,
		flush:      flush,
		seg:        walpos.NewSegmentReader(segDir, params.Timeline, params.SegSize, removed),
		prober:     prober,
		backup:     backup,
		clientAddr: conn.RemoteAddr().String(),
	}
	s.writer = NewThrottledWriter(context.Background(), conn, throttleBytesPerSec)
	return s
}

// Init allocates a slot and registers this sender in the shared table. It
// mirrors spec §4.G's Init: refuse if no slots are free, then claim one in
// STARTUP state. pid is an opaque per-connection identifier (a connection
// counter owned by cmd/walsenderd, standing in for the real OS pid).
func (s *Sender) Init(pid int64) error {
	sl, idx, err := s.slotTable.Allocate(pid, s.standbyID, s.appName, s.clientAddr)
	if err != nil {
		return &TooManySendersError{}
	}
	s.mySlot = sl
	s.slotIndex = idx
	s.flags = sigflags.New(sl.Latch)
	s.state = slot.StateStartup
	return nil
}

// Kill releases this sender's slot. Safe to call multiple times; the
// second call is a no-op since the first clears mySlot, so Release runs
// only once. Mirrors spec §4.G's Kill (at-exit hook): every exit path except
// emergency abort reaches this.
func (s *Sender) Kill() {
	if s.mySlot == nil {
		return
	}
	s.slotTable.Release(s.mySlot)
	s.mySlot = nil
}

// Latch returns the latch owned by this sender's slot, or nil once the
// slot has been released. cmd/walsenderd's signal fan-out does not use it:
// it goes through Flags() and slot.Table.WakeAll.
func (s *Sender) Latch() *latch.Latch {
	if s.mySlot == nil {
		return nil
	}
	return s.mySlot.Latch
}

// Flags returns this sender's signal-flag set, so cmd/walsenderd's fan-out
// loop can call RequestShutdown/RequestDrain/etc.
func (s *Sender) Flags() *sigflags.Flags {
	return s.flags
}

func (s *Sender) publish(write, flushSeen walpos.Pos) {
	s.mySlot.Publish(s.sentPtr, write, flushSeen)
}

func (s *Sender) setState(st slot.State) {
	if s.state == st {
		return
	}
	s.state = st
	s.mySlot.SetState(st)
}

// Run drives one connection end to end: the command handshake, and — if
// the standby issues START_REPLICATION — the streaming loop. It returns
// the ExitCode the caller should log (see spec §6); the connection itself
// is always closed by the caller, never by Run.
func (s *Sender) Run(ctx context.Context) ExitCode {
	defer s.Kill()

	cmd, err := s.handshakeLoop(ctx)
	if err != nil {
		s.logDisconnect(err)
		return exitCodeFor(err)
	}
	if cmd == nil {
		// Peer issued Terminate during handshake; clean exit, never reached
		// START_REPLICATION.
		return ExitClean
	}

	s.sentPtr = cmd.StartPos
	s.setState(slot.StateCatchup)
	s.publish(s.sentPtr, s.sentPtr)

	code, err := s.streamLoop(ctx)
	if err != nil {
		s.logDisconnect(err)
	}
	return code
}

func (s *Sender) logDisconnect(err error) {
	switch err.(type) {
	case *PeerClosedError:
		s.logger.Info("standby disconnected", "standby", s.standbyID)
	case *ProtocolViolationError:
		s.logger.Error("protocol violation, closing connection", "standby", s.standbyID, "error", err)
	case *SupervisorDeadError:
		s.logger.Error("supervisor is gone, shutting down sender", "standby", s.standbyID)
	default:
		s.logger.Error("WAL sender exiting on error", "standby", s.standbyID, "error", err)
	}
}

func exitCodeFor(err error) ExitCode {
	switch err.(type) {
	case *SupervisorDeadError:
		return ExitSupervisorDead
	default:
		return ExitClean
	}
}
