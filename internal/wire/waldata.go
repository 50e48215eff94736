// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/coredbio/walsender/internal/walpos"
)

// WalDataHeaderSize is the fixed on-wire size of WalDataHeader: two 8-byte
// positions (encoded as logid<<32|recoff) plus an 8-byte send timestamp.
const WalDataHeaderSize = 24

// WalDataMarker is the first byte of every streaming CopyData payload,
// distinguishing a WAL-data message from any other CopyData use (e.g. a
// base backup chunk) per spec §4.E/§4.F/§6.
const WalDataMarker byte = 'w'

// WalDataPrefixSize is the fixed portion of a streaming CopyData payload
// before the raw WAL bytes begin: the 'w' marker plus the WalDataHeader.
const WalDataPrefixSize = 1 + WalDataHeaderSize

// WalDataHeader prefixes every CopyData frame's payload during streaming.
// DataStart is the position of the first byte that follows the header;
// WalEnd is the end of this batch, DataStart + len(data), which is also
// the DataStart of the next frame; SendTime is filled in as late as possible before the write call,
// per spec §4.E.
type WalDataHeader struct {
	DataStart walpos.Pos
	WalEnd    walpos.Pos
	SendTime  int64 // unix nanoseconds
}

// Encode writes the header's fixed 24-byte wire form.
func (h WalDataHeader) Encode() []byte {
	buf := make([]byte, WalDataHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], packPos(h.DataStart))
	binary.BigEndian.PutUint64(buf[8:16], packPos(h.WalEnd))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.SendTime))
	return buf
}

// DecodeWalDataHeader requires and strips the leading 'w' marker, then
// parses a WalDataHeader from the front of buf, returning the header and
// the remaining bytes (the raw WAL payload).
func DecodeWalDataHeader(buf []byte) (WalDataHeader, []byte, error) {
	if len(buf) < WalDataPrefixSize {
		return WalDataHeader{}, nil, fmt.Errorf("wire: CopyData payload too short for 'w' marker + WalDataHeader: got %d bytes", len(buf))
	}
	if buf[0] != WalDataMarker {
		return WalDataHeader{}, nil, fmt.Errorf("wire: CopyData payload missing 'w' marker byte, got %q", buf[0])
	}
	buf = buf[1:]
	h := WalDataHeader{
		DataStart: unpackPos(binary.BigEndian.Uint64(buf[0:8])),
		WalEnd:    unpackPos(binary.BigEndian.Uint64(buf[8:16])),
		SendTime:  int64(binary.BigEndian.Uint64(buf[16:24])),
	}
	return h, buf[WalDataHeaderSize:], nil
}

// EncodeCopyDataPayload builds the full CopyData payload ('w' marker +
// header + data) in a newly allocated buffer, copying data into it. The
// streaming loop does not use it; it builds its payload in a reused
// scratch buffer.
func EncodeCopyDataPayload(h WalDataHeader, data []byte) []byte {
	buf := make([]byte, WalDataPrefixSize+len(data))
	buf[0] = WalDataMarker
	copy(buf[1:], h.Encode())
	copy(buf[WalDataPrefixSize:], data)
	return buf
}

func packPos(p walpos.Pos) uint64 {
	return uint64(p.Logid)<<32 | uint64(p.Recoff)
}

func unpackPos(v uint64) walpos.Pos {
	return walpos.Pos{Logid: uint32(v >> 32), Recoff: uint32(v)}
}
