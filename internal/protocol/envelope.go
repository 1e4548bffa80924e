package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the uniform frame for every message in either direction.
// Field order is the canonical key order on the wire; replayed envelopes are
// retransmitted from stored bytes so equal seq always means equal bytes.
//
// Seq is a pointer because zero is a real value: server.welcome carries
// seq 0, the first domain envelope carries seq 1, and out-of-band envelopes
// (heartbeats, errors, metrics, the resume surface) omit seq entirely.
type Envelope struct {
	V       int             `json:"v"`
	T       string          `json:"t"`
	SID     string          `json:"sid,omitempty"`
	ID      string          `json:"id,omitempty"`
	Seq     *uint64         `json:"seq,omitempty"`
	Corr    *string         `json:"corr,omitempty"`
	TWall   string          `json:"t_wall,omitempty"`
	TMonoNS uint64          `json:"t_mono_ns,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SeqOf returns a pointer to n for assigning Envelope.Seq.
func SeqOf(n uint64) *uint64 { return &n }

// CorrOf returns a pointer to id for echoing a client request id.
func CorrOf(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// SeqValue returns the envelope's seq, and whether one is present.
func (e *Envelope) SeqValue() (uint64, bool) {
	if e.Seq == nil {
		return 0, false
	}
	return *e.Seq, true
}

// FormatWall renders t as the canonical t_wall string (UTC, RFC 3339 with
// nanoseconds trimmed).
func FormatWall(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// MarshalData marshals a typed payload into the envelope's data field.
func MarshalData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return b, nil
}

// MustData is MarshalData for payload types that cannot fail to marshal.
func MustData(v any) json.RawMessage {
	b, err := MarshalData(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Encode marshals an outbound envelope, enforcing maxBytes when positive.
// Oversized envelopes are a producer-side fault, reported as msg_too_large.
func Encode(env *Envelope, maxBytes int64) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return nil, NewError(CodeMsgTooLarge,
			fmt.Sprintf("envelope %s is %d bytes, limit %d", env.T, len(b), maxBytes))
	}
	return b, nil
}

// DecodeClient parses an inbound client frame. Unknown fields are ignored so
// older servers tolerate newer clients; unknown types are not, so typos fail
// loudly. The returned error is always a *Error ready to send back.
func DecodeClient(data []byte, maxBytes int64) (*Envelope, *Error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, NewError(CodeInvalidMessage,
			fmt.Sprintf("message is %d bytes, limit %d", len(data), maxBytes))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed JSON envelope")
	}
	if env.V != Version {
		return nil, NewError(CodeVersionMismatch,
			fmt.Sprintf("protocol version %d not supported, want %d", env.V, Version))
	}
	if env.T == "" {
		return nil, NewError(CodeInvalidMessage, "missing message type")
	}
	if !IsClientType(env.T) {
		return nil, NewError(CodeInvalidMessage, fmt.Sprintf("unknown client message type %q", env.T))
	}
	return &env, nil
}

// DecodeData parses an envelope's data payload into a typed struct.
func DecodeData[T any](env *Envelope) (T, *Error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, NewError(CodeInvalidMessage, fmt.Sprintf("malformed %s data", env.T))
	}
	return v, nil
}
