// Package protocol defines the wire protocol: the envelope every message
// travels in, the closed set of message types, the error taxonomy, and the
// JSON codec with its size guards.
package protocol

import "fmt"

// Version is the envelope version this server speaks. Inbound envelopes with
// any other version are rejected with CodeVersionMismatch.
const Version = 1

// Server-to-client message types.
const (
	TypeWelcome         = "server.welcome"
	TypeServerHeartbeat = "server.hb"
	TypeServerError     = "server.error"
	TypeServerAck       = "server.ack"
	TypeASRPartial      = "asr.partial"
	TypeASRFinal        = "asr.final"
	TypeMTPartial       = "mt.partial"
	TypeMTFinal         = "mt.final"
	TypeStatus          = "status"
	TypeSnapshot        = "session.snapshot"
	TypeSessionNew      = "session.new"
	TypeSessionAck      = "session.ack"
	TypeSystemHeartbeat = "system.heartbeat"
	TypeSystemMetrics   = "system.metrics"
	TypeQueueDrop       = "queue.drop"
)

// Client-to-server message types.
const (
	TypeClientHello   = "client.hello"
	TypeClientHB      = "client.hb"
	TypeClientAck     = "client.ack"
	TypeClientFlow    = "client.flow"
	TypeSessionResume = "session.resume"
)

var clientTypes = map[string]bool{
	TypeClientHello:   true,
	TypeClientHB:      true,
	TypeClientAck:     true,
	TypeClientFlow:    true,
	TypeSessionResume: true,
}

// IsClientType reports whether t is a message type clients are allowed to send.
func IsClientType(t string) bool { return clientTypes[t] }

// Droppable reports whether envelopes of type t may be discarded under
// backpressure. Only in-progress partial hypotheses are expendable; finals,
// status, control, and heartbeat traffic never are.
func Droppable(t string) bool {
	return t == TypeASRPartial || t == TypeMTPartial
}

// Sequenced reports whether envelopes of type t occupy a slot in the
// session's gapless sequence. Heartbeats, metrics, errors, and the
// resume/control surface ride out-of-band with no seq.
func Sequenced(t string) bool {
	switch t {
	case TypeWelcome, TypeASRPartial, TypeASRFinal, TypeMTPartial, TypeMTFinal, TypeStatus:
		return true
	}
	return false
}

// Commit types stored in the session commit log.
const (
	CommitTranscript  = "transcript"
	CommitTranslation = "translation"
	CommitStatus      = "status"
)

// CommitTypeFor maps a finalized envelope type to its commit log type.
// The empty string means envelopes of type t are never committed.
func CommitTypeFor(t string) string {
	switch t {
	case TypeASRFinal:
		return CommitTranscript
	case TypeMTFinal:
		return CommitTranslation
	case TypeStatus:
		return CommitStatus
	}
	return ""
}

// Code is a stable, programmatic error identifier carried in server.error
// envelopes and control-surface responses.
type Code string

const (
	CodeInternal         Code = "internal"
	CodeBadRequest       Code = "bad_request"
	CodeInvalidMessage   Code = "invalid_message"
	CodeInvalidAck       Code = "invalid_ack"
	CodeUnauthorized     Code = "unauthorized"
	CodeNotFound         Code = "not_found"
	CodeRateLimit        Code = "rate_limit"
	CodeResumeGap        Code = "resume_gap"
	CodeResumeExpired    Code = "resume_expired"
	CodeHeartbeatTimeout Code = "heartbeat_timeout"
	CodeVersionMismatch  Code = "protocol_version_mismatch"
	CodeQueueOverflow    Code = "queue_overflow"
	CodeMsgTooLarge      Code = "msg_too_large"
)

// Error is a structured protocol failure. Fatal errors close the connection
// after delivery; non-fatal ones (rate_limit) leave it open. RetryAfterMS is
// populated only for codes where a retry hint is meaningful.
type Error struct {
	Code         Code
	Detail       string
	RetryAfterMS int64
	Fatal        bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

// NewError returns a fatal protocol error.
func NewError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail, Fatal: true}
}

// NewTransient returns a non-fatal protocol error with a retry hint.
func NewTransient(code Code, detail string, retryAfterMS int64) *Error {
	return &Error{Code: code, Detail: detail, RetryAfterMS: retryAfterMS}
}

// Data converts the error to its envelope payload.
func (e *Error) Data() ErrorData {
	d := ErrorData{Code: e.Code, Detail: e.Detail}
	if e.RetryAfterMS > 0 {
		d.RetryAfterMS = &e.RetryAfterMS
	}
	return d
}
