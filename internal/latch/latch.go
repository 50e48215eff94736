// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package latch implements a one-bit, edge-triggered wake primitive and a
// helper that waits on it jointly with a network connection becoming
// readable. It is the in-process analogue of the postmaster's self-pipe
// latch: signal handlers (here, internal/sigflags setters) call Set,
// goroutines blocked in the streaming loop call Wait or WaitOrConn.
package latch

import (
	"context"
	"net"
	"sync"
	"time"
)

// Latch is a single-slot wake signal. Multiple Set calls before a Wait
// collapse into one wakeup, exactly like the postmaster's latch: this is
// not a counting semaphore.
type Latch struct {
	mu      sync.Mutex
	set     bool
	wake    chan struct{}
	owner   interface{}
	ownedBy bool
}

// New returns a latch in the unset state.
func New() *Latch {
	return &Latch{wake: make(chan struct{}, 1)}
}

// Set marks the latch as signaled and wakes one pending Wait/WaitOrConn, if
// any. Safe to call from any goroutine, any number of times; redundant Sets
// while the latch is already set are idempotent (the "idempotent-wake" law
// from the spec's testable properties).
func (l *Latch) Set() {
	l.mu.Lock()
	already := l.set
	l.set = true
	l.mu.Unlock()
	if !already {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Reset clears the signaled state. Callers must call Reset after consuming
// a wakeup and before re-checking whatever condition the latch stands in
// for, to avoid missing a Set that lands between the check and the wait.
func (l *Latch) Reset() {
	l.mu.Lock()
	l.set = false
	l.mu.Unlock()
	select {
	case <-l.wake:
	default:
	}
}

// IsSet reports whether the latch is currently signaled.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Own associates an owner value (typically a *slot.Slot) with this latch so
// that a signal fan-out loop can find "the latch for sender N" without a
// separate registry. Disown clears it. Neither is required for Wait/Set to
// work; they exist purely as bookkeeping for callers that need it.
func (l *Latch) Own(owner interface{}) {
	l.mu.Lock()
	l.owner = owner
	l.ownedBy = true
	l.mu.Unlock()
}

func (l *Latch) Disown() {
	l.mu.Lock()
	l.owner = nil
	l.ownedBy = false
	l.mu.Unlock()
}

func (l *Latch) Owner() (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, l.ownedBy
}

// Wait blocks until the latch is set, the context is done, or timeout
// elapses (timeout <= 0 means no timeout). It returns true if the latch was
// found set (and leaves it set; callers call Reset themselves), false on
// timeout or context cancellation.
func (l *Latch) Wait(ctx context.Context, timeout time.Duration) bool {
	if l.IsSet() {
		return true
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-l.wake:
		l.mu.Lock()
		l.set = true
		l.mu.Unlock()
		return true
	case <-timeoutCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitOrConn blocks until the latch is set, conn has data available to
// read, timeout elapses, or ctx is done. Go has no single portable syscall
// that selects across an arbitrary channel and a socket fd, so this is
// built from a short-lived peek goroutine that races a one-byte Read
// against the latch's wake channel: the peek goroutine is abandoned (not
// joined) if the latch wins the race, since conn.SetReadDeadline with a
// later call will interrupt any blocked Read anyway.
//
// When connReady is true and err is nil, that one byte has already been
// consumed from conn and is returned as firstByte: callers must treat it as
// the first byte of whatever arrives next rather than re-reading it, or
// they will silently drop it from the stream.
//
// It returns (latchReady, connReady, firstByte, err). err is non-nil if
// conn's readiness check itself failed for a reason other than a timeout
// (e.g. the connection was closed), or is ctx.Err() if ctx is done first.
func WaitOrConn(ctx context.Context, l *Latch, conn net.Conn, timeout time.Duration) (latchReady, connReady bool, firstByte byte, err error) {
	if l.IsSet() {
		return true, false, 0, nil
	}

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}

	type readResult struct {
		b   byte
		n   int
		err error
	}
	connCh := make(chan readResult, 1)
	go func() {
		_ = conn.SetReadDeadline(deadline)
		one := make([]byte, 1)
		n, rerr := conn.Read(one)
		connCh <- readResult{b: one[0], n: n, err: rerr}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-l.wake:
		l.mu.Lock()
		l.set = true
		l.mu.Unlock()
		_ = conn.SetReadDeadline(time.Now())
		return true, false, 0, nil
	case res := <-connCh:
		if res.n > 0 {
			return false, true, res.b, nil
		}
		if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
			return false, false, 0, nil
		}
		return false, false, 0, res.err
	case <-timeoutCh:
		_ = conn.SetReadDeadline(time.Now())
		return false, false, 0, nil
	case <-ctx.Done():
		_ = conn.SetReadDeadline(time.Now())
		return false, false, 0, ctx.Err()
	}
}
