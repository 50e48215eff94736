// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the walsender command-and-copy wire format: a
// type-byte plus 4-byte big-endian length frame, carrying either the small
// command-handshake messages (Query/Terminate/CommandComplete/
// ReadyForQuery/RowDescription/DataRow) or the CopyBoth streaming messages
// (CopyBothResponse/CopyData) that wrap WalDataHeader-prefixed WAL bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type bytes.
const (
	TypeQuery            byte = 'Q'
	TypeTerminate        byte = 'X'
	TypeCopyBothResponse byte = 'W'
	TypeCopyData         byte = 'd'
	TypeCommandComplete  byte = 'C'
	TypeReadyForQuery    byte = 'Z'
	TypeRowDescription   byte = 'T'
	TypeDataRow          byte = 'D'
)

// MaxFrameLength bounds any single frame's payload, guarding against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxFrameLength = 64 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the declared length
// exceeds MaxFrameLength.
var ErrFrameTooLarge = fmt.Errorf("wire: frame length exceeds %d bytes", MaxFrameLength)

// Frame is one type-byte + length-prefixed message, exactly as read off or
// about to be written to the wire.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a single frame: 1 type byte, 4-byte big-endian payload
// length, then the payload.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	if _, err := w.Write([]byte{typ}); err != nil {
		return fmt.Errorf("writing frame type: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, allocating a fresh payload buffer sized
// to the declared length.
func ReadFrame(r io.Reader) (Frame, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return Frame{}, err
	}
	return ReadFrameBody(r, typ[0])
}

// ReadFrameBody reads the length+payload of a frame whose type byte has
// already been consumed by the caller (e.g. a latch.WaitOrConn peek).
func ReadFrameBody(r io.Reader, typ byte) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// WriteQuery sends a simple-query command string (e.g. "IDENTIFY_SYSTEM",
// "START_REPLICATION 0/3000000", "BASE_BACKUP").
func WriteQuery(w io.Writer, command string) error {
	return WriteFrame(w, TypeQuery, []byte(command))
}

// WriteTerminate sends a graceful close notification.
func WriteTerminate(w io.Writer) error {
	return WriteFrame(w, TypeTerminate, nil)
}

// WriteCopyBothResponse announces the switch into bidirectional copy mode,
// the point after which the connection only carries CopyData frames (plus
// an eventual CommandComplete once streaming ends).
func WriteCopyBothResponse(w io.Writer) error {
	return WriteFrame(w, TypeCopyBothResponse, nil)
}

// WriteCopyData sends one CopyData frame wrapping payload, which is
// typically a WalDataHeader followed by raw WAL bytes.
func WriteCopyData(w io.Writer, payload []byte) error {
	return WriteFrame(w, TypeCopyData, payload)
}

// WriteCommandComplete sends the command tag closing out a query or a
// streaming session (e.g. "COPY 0").
func WriteCommandComplete(w io.Writer, tag string) error {
	return WriteFrame(w, TypeCommandComplete, []byte(tag))
}

// WriteReadyForQuery signals that the connection is ready for the next
// command-handshake query.
func WriteReadyForQuery(w io.Writer) error {
	return WriteFrame(w, TypeReadyForQuery, []byte{'I'})
}

// WriteRowDescription and WriteDataRow send IDENTIFY_SYSTEM-style tabular
// results: a RowDescription frame naming the columns (newline-joined, in
// the teacher's delimited-field style) followed by one DataRow frame per
// result row.
func WriteRowDescription(w io.Writer, columns []string) error {
	return WriteFrame(w, TypeRowDescription, []byte(joinNewline(columns)))
}

func WriteDataRow(w io.Writer, values []string) error {
	return WriteFrame(w, TypeDataRow, []byte(joinNewline(values)))
}

func joinNewline(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += "\n"
		}
		out += f
	}
	return out
}

func splitNewline(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(b[start:]))
	return out
}

// ParseRowFields splits a RowDescription/DataRow payload back into fields.
func ParseRowFields(payload []byte) []string {
	return splitNewline(payload)
}
