// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package walsend

import (
	"context"
	"errors"
	"time"

	"github.com/coredbio/walsender/internal/latch"
	"github.com/coredbio/walsender/internal/slot"
	"github.com/coredbio/walsender/internal/walpos"
	"github.com/coredbio/walsender/internal/wire"
)

// streamLoop is the state machine of spec §4.E, run after the handshake
// hands off into START_REPLICATION. It owns one pre-allocated output
// buffer for the lifetime of the connection.
func (s *Sender) streamLoop(ctx context.Context) (ExitCode, error) {
	scratch := make([]byte, wire.WalDataPrefixSize+int(s.params.MaxSendSize))

	for {
		if !s.prober.Alive() {
			return ExitSupervisorDead, &SupervisorDeadError{}
		}

		if s.flags.ImmediateShutdownRequested() {
			// Emergency abort: drop the connection now, no final flush or
			// CommandComplete, mirroring a SIGQUIT-killed walsender process.
			return ExitEmergency, nil
		}

		if s.flags.ConsumeConfigReload() {
			s.logger.Info("reloading configuration", "standby", s.standbyID)
		}

		if s.flags.DrainRequested() {
			caughtUp, err := s.sendBatch(scratch)
			if err != nil {
				return ExitClean, err
			}
			if caughtUp {
				s.flags.RequestShutdown()
			}
		}

		if s.flags.ShutdownRequested() {
			if err := wire.WriteCommandComplete(s.writer, "COPY 0"); err != nil {
				return ExitClean, &FlushFailureError{Cause: err}
			}
			return ExitClean, nil
		}

		caughtUp, err := s.sendBatch(scratch)
		if err != nil {
			return ExitClean, err
		}

		if caughtUp {
			s.mySlot.Latch.Reset()

			caughtUp, err = s.sendBatch(scratch)
			if err != nil {
				return ExitClean, err
			}

			if caughtUp && !s.flags.ShutdownRequested() && !s.flags.DrainRequested() {
				_, connReady, firstByte, werr := latch.WaitOrConn(ctx, s.mySlot.Latch, s.conn, s.params.WalSndDelay)
				if werr != nil {
					return ExitClean, &PeerClosedError{}
				}

				if connReady {
					closed, perr := s.peekPeerClose(firstByte)
					if perr != nil {
						return ExitClean, perr
					}
					if closed {
						return ExitClean, &PeerClosedError{}
					}
				}
			}
		}

		if caughtUp {
			s.setState(slot.StateStreaming)
		} else {
			s.setState(slot.StateCatchup)
		}
	}
}

// peekPeerClose finishes reading the frame whose type byte is firstByte —
// already consumed off the wire by latch.WaitOrConn — and decides what it
// means: a Terminate frame is a clean disconnect, anything else is a
// protocol error, and "nothing readable right now" (a timeout on a short
// deadline) means keep streaming.
func (s *Sender) peekPeerClose(firstByte byte) (closed bool, err error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer s.conn.SetReadDeadline(time.Time{})

	frame, ferr := wire.ReadFrameBody(s.conn, firstByte)
	if ferr != nil {
		var netTimeout interface{ Timeout() bool }
		if errors.As(ferr, &netTimeout) && netTimeout.Timeout() {
			return false, nil
		}
		// EOF or any other read failure is treated as the peer going away.
		return true, nil
	}

	if frame.Type == wire.TypeTerminate {
		return true, nil
	}
	return false, &ProtocolViolationError{Detail: "unexpected message from standby mid-stream"}
}

// sendBatch implements spec §4.E's SendBatch algorithm: compute the next
// send range, round it to a safe boundary, read the bytes, frame and send
// them, and republish sentPtr. Returns true if the sender is caught up with
// the flush pointer after this call.
func (s *Sender) sendBatch(scratch []byte) (caughtUp bool, err error) {
	flushPtr := s.flush.FlushPtr()
	if flushPtr.LessOrEqual(s.sentPtr) {
		return true, nil
	}

	logFileSize := logFileSizeBytes(s.params.SegSize)

	start := s.sentPtr
	if uint64(start.Recoff) >= logFileSize {
		// Past the end of the logical log file: roll over to the next logid.
		start = walpos.Pos{Logid: start.Logid + 1, Recoff: 0}
	}

	// Pos.Advance never increments Logid on its own (it has no LogFileSize
	// context), so a batch that would run past the end of the logical log
	// file has to be clamped here explicitly; the next call's start.Recoff
	// >= logFileSize check is what actually performs the logid rollover.
	end := start.Advance(s.params.MaxSendSize)
	if uint64(end.Recoff) > logFileSize {
		// logFileSize can equal 2^32 at the default 16MiB segment size
		// (256 segments per logid); Recoff (uint32) can never reach that,
		// so this clamp is only live when logFileSize still fits uint32.
		end = walpos.Pos{Logid: start.Logid, Recoff: uint32(logFileSize)}
	}

	if flushPtr.LessOrEqual(end) {
		end = flushPtr
		caughtUp = true
	} else {
		end = end.RoundDownToPage(s.params.PageSize)
		caughtUp = false
	}

	nbytes := end.Sub(start)
	if nbytes == 0 {
		return true, nil
	}
	if nbytes > s.params.MaxSendSize {
		return false, &ProtocolViolationError{Detail: "computed send size exceeds MaxSendSize"}
	}

	payload := scratch[:wire.WalDataPrefixSize+int(nbytes)]
	if err := s.seg.Read(payload[wire.WalDataPrefixSize:], start); err != nil {
		return false, err
	}

	hdr := wire.WalDataHeader{
		DataStart: start,
		WalEnd:    end,
		SendTime:  time.Now().UnixNano(),
	}
	payload[0] = wire.WalDataMarker
	copy(payload[1:wire.WalDataPrefixSize], hdr.Encode())

	if err := wire.WriteCopyData(s.writer, payload); err != nil {
		return false, &FlushFailureError{Cause: err}
	}

	s.sentPtr = end
	s.publish(end, flushPtr)

	return caughtUp, nil
}

// segmentsPerLogFile is the number of WAL segments addressed by one logid
// before recoff rolls over and logid increments. 256 segments of the
// default 16MB segment size gives a 4GB logical log file, matching
// PostgreSQL's historical XLogSegmentsPerXLogId.
const segmentsPerLogFile = 256

// logFileSizeBytes returns the size of one logical WAL log file in bytes:
// recoff is valid in [0, logFileSizeBytes), and reaching it rolls logid
// over, per walpos.Pos's "recoff resets at each logid boundary" contract.
//
// This must be computed wider than uint32: at the default 16MiB segment
// size, segSize*segmentsPerLogFile is exactly 2^32, which would silently
// wrap to 0 in uint32 arithmetic and make every batch look like it was
// already past the log file's end.
func logFileSizeBytes(segSize uint32) uint64 {
	return uint64(segSize) * segmentsPerLogFile
}
