// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package walpos implements the WAL log position type and the on-disk
// segment reader that turns a position range into raw WAL bytes.
package walpos

import "fmt"

// Pos is a 64-bit monotonically increasing byte offset into a logical WAL
// stream, represented as a pair so that arithmetic never has to reason about
// log-file boundaries implicitly. Recoff resets to zero at each logical log
// file boundary (Logid increments).
type Pos struct {
	Logid  uint32
	Recoff uint32
}

// Zero is the position at the very start of the WAL stream.
var Zero = Pos{}

// Less reports whether p comes strictly before o.
func (p Pos) Less(o Pos) bool {
	if p.Logid != o.Logid {
		return p.Logid < o.Logid
	}
	return p.Recoff < o.Recoff
}

// LessOrEqual reports whether p comes at or before o.
func (p Pos) LessOrEqual(o Pos) bool {
	return p == o || p.Less(o)
}

// Advance returns p moved forward by n bytes within the same logid. Callers
// must not cross a logid boundary with a single Advance call — boundary
// crossing is handled explicitly by the streaming loop (see walsend's sendBatch)
// since the crossing rule depends on LogFileSize, which this package does not
// know about.
func (p Pos) Advance(n uint32) Pos {
	return Pos{Logid: p.Logid, Recoff: p.Recoff + n}
}

// Sub returns p - o in bytes, assuming both positions share the same logid.
// Panics if they don't, since that comparison is meaningless without
// LogFileSize context.
func (p Pos) Sub(o Pos) uint32 {
	if p.Logid != o.Logid {
		panic(fmt.Sprintf("walpos: Sub across logid boundary: %v - %v", p, o))
	}
	return p.Recoff - o.Recoff
}

// String renders the position the way the replication sub-language does:
// hex logid "/" hex recoff.
func (p Pos) String() string {
	return fmt.Sprintf("%X/%X", p.Logid, p.Recoff)
}

// RoundDownToPage returns p with Recoff rounded down to the nearest multiple
// of pageSize. Used by the streaming loop to guarantee a CopyData frame never
// ends in the middle of a WAL record (spec §4.E rounding rule).
func (p Pos) RoundDownToPage(pageSize uint32) Pos {
	return Pos{Logid: p.Logid, Recoff: (p.Recoff / pageSize) * pageSize}
}

// SegmentIndex returns which segment (0-based, within the current logid)
// contains p, and the byte offset within that segment.
func (p Pos) SegmentIndex(segSize uint32) (index uint32, within uint32) {
	return p.Recoff / segSize, p.Recoff % segSize
}
