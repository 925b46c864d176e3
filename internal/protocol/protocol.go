// Package protocol defines the wire messages exchanged between the host and
// an engine process: an Envelope carrying a numeric id, a payload-kind tag,
// and opaque payload bytes. Frames are length-prefixed CBOR.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the maximum allowed envelope frame (16 MiB).
const MaxFrameSize = 16 << 20

// Payload kind tags carried in Envelope.PayloadKind.
const (
	KindAnalysisRequest  = "AnalysisRequest"
	KindAnalysisResponse = "AnalysisResponse"
)

// Perform selects the action an AnalysisRequest asks the engine to take.
type Perform uint8

const (
	PerformInit Perform = iota
	PerformRun
	PerformSave
)

// Status is the engine-reported state of an analysis response.
type Status uint8

const (
	StatusNone Status = iota
	StatusInProgress
	StatusComplete
	StatusError
)

// Envelope is the outer wire message. IDs are assigned by the sender and
// increase monotonically per engine; responses are correlated by the work
// item's revision rather than by envelope id.
type Envelope struct {
	ID          uint64 `cbor:"1,keyasint"`
	PayloadKind string `cbor:"2,keyasint"`
	Payload     []byte `cbor:"3,keyasint,omitempty"`
}

// AnalysisRequest is the host→engine payload for init, run, save, and
// restart dispatches. A restart request carries only RestartEngines and no
// analysis fields.
type AnalysisRequest struct {
	SessionID  string         `cbor:"1,keyasint,omitempty"`
	InstanceID string         `cbor:"2,keyasint,omitempty"`
	AnalysisID uint64         `cbor:"3,keyasint,omitempty"`
	Name       string         `cbor:"4,keyasint,omitempty"`
	NS         string         `cbor:"5,keyasint,omitempty"`
	Options    map[string]any `cbor:"6,keyasint,omitempty"`
	Changed    []string       `cbor:"7,keyasint,omitempty"`
	Revision   uint64         `cbor:"8,keyasint,omitempty"`
	ClearState bool           `cbor:"9,keyasint,omitempty"`
	Perform    Perform        `cbor:"10,keyasint,omitempty"`
	Path       string         `cbor:"11,keyasint,omitempty"`
	Part       string         `cbor:"12,keyasint,omitempty"`

	RestartEngines bool `cbor:"13,keyasint,omitempty"`
}

// ErrorInfo carries an engine-reported failure cause.
type ErrorInfo struct {
	Cause string `cbor:"1,keyasint,omitempty"`
}

// AnalysisResponse is the engine→host payload. IN_PROGRESS responses stream
// partial results; any other status finalizes the dispatch.
type AnalysisResponse struct {
	Revision uint64     `cbor:"1,keyasint,omitempty"`
	Status   Status     `cbor:"2,keyasint,omitempty"`
	Results  []byte     `cbor:"3,keyasint,omitempty"`
	Error    *ErrorInfo `cbor:"4,keyasint,omitempty"`
}

// Marshal encodes v as CBOR.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// WriteEnvelope writes a length-prefixed CBOR envelope to w.
// The frame format is: 4-byte big-endian length prefix followed by the
// CBOR-encoded envelope.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadEnvelope reads a length-prefixed frame from r and decodes the envelope.
// Frame-level failures (short read, oversized frame) are transport errors;
// a frame that reads fully but fails to decode is a per-message protocol
// error the caller may log and skip.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	env := &Envelope{}
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, &DecodeError{err: err}
	}

	return env, nil
}

// DecodeError marks a frame that arrived intact but could not be decoded.
// It is fatal to the message, not to the connection.
type DecodeError struct {
	err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode envelope: %v", e.err) }

func (e *DecodeError) Unwrap() error { return e.err }

// EncodeRequest wraps an AnalysisRequest in an envelope with the given id.
func EncodeRequest(id uint64, req *AnalysisRequest) (*Envelope, error) {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return &Envelope{ID: id, PayloadKind: KindAnalysisRequest, Payload: payload}, nil
}

// EncodeResponse wraps an AnalysisResponse in an envelope with the given id.
func EncodeResponse(id uint64, resp *AnalysisResponse) (*Envelope, error) {
	payload, err := cbor.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Envelope{ID: id, PayloadKind: KindAnalysisResponse, Payload: payload}, nil
}
