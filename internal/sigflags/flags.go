// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sigflags is the in-process analogue of the async-signal-safe flag
// words a walsender process used to set out of a SIGHUP/SIGTERM/SIGUSR2
// handler. cmd/walsenderd owns the single real os/signal.Notify loop and
// fans each signal out by calling the setter on every live sender's Flags;
// the streaming loop polls these atomics instead of catching signals
// itself, since a single goroutine-per-sender has no OS signal delivery
// target.
package sigflags

import "sync/atomic"

// Waker is satisfied by *latch.Latch; kept as an interface here so this
// package does not need to import latch, mirroring how a real signal
// handler only needs to set a flag and poke a self-pipe, not understand
// what is attached to the other end.
type Waker interface {
	Set()
}

// Flags holds the four signal-driven requests a walsender responds to, each expressed as
// a lock-free boolean plus the latch that must be woken after setting it.
type Flags struct {
	configReload atomic.Bool
	shutdown     atomic.Bool
	shutdownNow  atomic.Bool
	drain        atomic.Bool

	wake Waker
}

// New returns a Flags bound to the given latch. All setters wake it.
func New(wake Waker) *Flags {
	return &Flags{wake: wake}
}

// RequestConfigReload is the SIGHUP-equivalent: asks the sender to re-read
// configuration (throttle rate, WalSndDelay) at its next convenient point.
func (f *Flags) RequestConfigReload() {
	f.configReload.Store(true)
	f.wake.Set()
}

// ConsumeConfigReload reports and clears the pending-reload flag.
func (f *Flags) ConsumeConfigReload() bool {
	return f.configReload.Swap(false)
}

// RequestShutdown is the SIGTERM-equivalent: graceful shutdown, finish the
// current batch and exit cleanly.
func (f *Flags) RequestShutdown() {
	f.shutdown.Store(true)
	f.wake.Set()
}

// ShutdownRequested reports whether graceful shutdown has been requested.
// It does not clear the flag: unlike the reload flag, shutdown is a
// one-way latch for the lifetime of the sender.
func (f *Flags) ShutdownRequested() bool {
	return f.shutdown.Load()
}

// RequestImmediateShutdown is the SIGQUIT-equivalent: drop the connection
// now, no further flushing.
func (f *Flags) RequestImmediateShutdown() {
	f.shutdownNow.Store(true)
	f.wake.Set()
}

// ImmediateShutdownRequested reports whether an emergency stop has been
// requested.
func (f *Flags) ImmediateShutdownRequested() bool {
	return f.shutdownNow.Load()
}

// RequestDrain is the SIGUSR2-equivalent used when a standby is being
// promoted: stream up to the end of WAL currently available, send a final
// CommandComplete, then exit instead of blocking for more.
func (f *Flags) RequestDrain() {
	f.drain.Store(true)
	f.wake.Set()
}

// DrainRequested reports whether drain-to-end-and-stop has been requested.
func (f *Flags) DrainRequested() bool {
	return f.drain.Load()
}
