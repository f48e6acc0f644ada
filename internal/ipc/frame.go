// ============================================================================
// Process Pool IPC Channel - Frame Encoding
// ============================================================================
//
// Package: internal/ipc
// File: frame.go
// Purpose: Length-prefixed framing over a raw byte stream
//
// Wire format: <u32 length big-endian><opaque payload>
//
// ============================================================================

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const maxFrameSize = 64 << 20 // 64 MiB, generous guard against a corrupt length prefix

// writeFrame writes one length-prefixed frame to w. A short write on the
// underlying stream is reported as io.ErrShortWrite.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	n, err := w.Write(payload)
	if err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if n != len(payload) {
		return io.ErrShortWrite
	}
	return nil
}

// readHeaderResult distinguishes a clean "nothing has arrived yet" poll
// timeout from a timeout that interrupted a frame already in flight,
// which is a broken-stream condition rather than an empty-channel one.
type readHeaderResult struct {
	length      uint32
	gotBytes    int
	deadlineHit bool
}

// readFrameHeader reads the 4-byte length prefix from r, reporting how
// many bytes of it were actually consumed before any error (including a
// deadline) interrupted the read.
func readFrameHeader(r io.Reader) (readHeaderResult, error) {
	var header [4]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		return readHeaderResult{gotBytes: n, deadlineHit: errors.Is(err, os.ErrDeadlineExceeded)}, err
	}
	return readHeaderResult{length: binary.BigEndian.Uint32(header[:]), gotBytes: n}, nil
}

// readFrame reads one length-prefixed frame from r. Any error, including a
// short read of the header or the body, is treated as a broken stream by
// the caller; a deadline exceeded with zero header bytes consumed is
// reported as errNoFrameYet so the caller can treat it as a plain timeout.
func readFrame(r io.Reader) ([]byte, error) {
	hdr, err := readFrameHeader(r)
	if err != nil {
		if hdr.deadlineHit && hdr.gotBytes == 0 {
			return nil, errNoFrameYet
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	if hdr.length > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds max %d", hdr.length, maxFrameSize)
	}
	if hdr.length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// errNoFrameYet signals a poll timeout with no partial frame pending,
// distinct from a timeout that interrupted a frame already in flight.
var errNoFrameYet = errors.New("ipc: no frame available")
