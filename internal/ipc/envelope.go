// ============================================================================
// Process Pool IPC Channel - Wire Envelope
// ============================================================================
//
// Package: internal/ipc
// File: envelope.go
// Purpose: The self-describing binary payload carried inside each frame.
//
// Encoding: github.com/fxamacker/cbor/v2. CBOR round-trips Go's dynamic
// task arguments (map[string]any, []any, mixed numeric types) the same way
// encoding/json would, but compactly and without requiring every payload
// type to be JSON-safe (e.g. binary blobs survive without base64).
//
// ============================================================================

package ipc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ChuLiYu/procpool/pkg/types"
)

// EnvelopeKind discriminates the four message shapes the wire format
// allows (spec 6).
type EnvelopeKind uint8

const (
	KindTask EnvelopeKind = iota
	KindOk
	KindErr
	KindInitializerFailed
)

// Envelope is the single struct encoded into every frame's payload. Only
// the fields relevant to Kind are populated; this mirrors a tagged union
// without needing cbor to encode Go interface values.
type Envelope struct {
	Kind EnvelopeKind `cbor:"kind"`

	TaskID types.TaskID `cbor:"task_id,omitempty"`

	// KindTask
	Payload types.Payload `cbor:"payload,omitempty"`

	// KindOk
	Value any `cbor:"value,omitempty"`

	// KindErr
	ErrKind    string `cbor:"err_kind,omitempty"`
	ErrMessage string `cbor:"err_message,omitempty"`

	// KindInitializerFailed
	Reason string `cbor:"reason,omitempty"`
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
