package protocol

import "encoding/json"

// HBConfig is the heartbeat contract advertised in server.welcome.
type HBConfig struct {
	IntervalMS int64 `json:"interval_ms"`
	TimeoutMS  int64 `json:"timeout_ms"`
}

// ResumeWindowInfo advertises how far back a client may resume.
type ResumeWindowInfo struct {
	Seconds int64 `json:"seconds"`
}

// WelcomeLimits advertises per-connection delivery limits.
type WelcomeLimits struct {
	MaxInFlight int   `json:"max_in_flight"`
	MaxMsgBytes int64 `json:"max_msg_bytes"`
}

// WelcomeData is the server.welcome payload.
type WelcomeData struct {
	HB           HBConfig         `json:"hb"`
	ResumeWindow ResumeWindowInfo `json:"resume_window"`
	Limits       WelcomeLimits    `json:"limits"`
}

// ServerHBData is the server.hb payload. QOut is the depth of this
// connection's outbound queue, QIn the engine's pending inbound work, and
// LatencyMSEst the round-trip estimate from the client's last heartbeat echo
// (-1 until a sample exists).
type ServerHBData struct {
	QOut         int   `json:"q_out"`
	QIn          int   `json:"q_in"`
	LatencyMSEst int64 `json:"latency_ms_est"`
}

// ErrorData is the server.error payload.
type ErrorData struct {
	Code         Code   `json:"code"`
	Detail       string `json:"detail,omitempty"`
	RetryAfterMS *int64 `json:"retry_after_ms,omitempty"`
}

// ServerAckData confirms receipt of a client control message; the envelope's
// corr field links it to the request.
type ServerAckData struct {
	Of string `json:"of"`
}

// SnapshotCommit is one finalized record inside a session.snapshot.
type SnapshotCommit struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	TMonoNS uint64          `json:"t_mono_ns"`
	Data    json.RawMessage `json:"data"`
}

// SnapshotPartial is an in-progress hypothesis carried in a session.snapshot.
type SnapshotPartial struct {
	T    string          `json:"t"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// SnapshotData is the session.snapshot payload: enough state to render the
// session without replaying from seq 0. CurrentSeq doubles as the greeting
// on resume, where no server.welcome is sent.
type SnapshotData struct {
	CurrentSeq           uint64            `json:"current_seq"`
	FinalizedTranscript  []SnapshotCommit  `json:"finalized_transcript"`
	FinalizedTranslation []SnapshotCommit  `json:"finalized_translation"`
	Status               *SnapshotCommit   `json:"status,omitempty"`
	ActivePartials       []SnapshotPartial `json:"active_partials"`
}

// SessionNewData tells the client its resume attempt cannot be honored and a
// fresh session start is required.
type SessionNewData struct {
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
	Epoch     int    `json:"epoch,omitempty"`
}

// Reasons carried in session.new.
const (
	ReasonUnknownSession = "unknown_session"
	ReasonEpochMismatch  = "epoch_mismatch"
	ReasonResumeGap      = "resume_gap"
	ReasonResumeExpired  = "resume_expired"
)

// SessionAckData marks the boundary between replayed and live traffic after
// a resume.
type SessionAckData struct {
	LastSeq  uint64 `json:"last_seq"`
	Replayed int    `json:"replayed"`
}

// QueueDropData reports delivery-queue drops on this connection.
type QueueDropData struct {
	Reason        string `json:"reason"`
	DroppedOldest uint64 `json:"dropped_oldest"`
}

// StatusData is the status envelope payload: session lifecycle transitions
// and producer fault reports.
type StatusData struct {
	State    string `json:"state,omitempty"`
	Severity string `json:"severity,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Source   string `json:"source,omitempty"`
}

// SystemHeartbeatData is the session-scope liveness broadcast.
type SystemHeartbeatData struct {
	State       string `json:"state"`
	Connections int    `json:"connections"`
	Epoch       int    `json:"epoch"`
}

// SystemMetricsData is the system.metrics payload sampled on heartbeat tick.
type SystemMetricsData struct {
	CPUPercent  float64 `json:"cpu_pct"`
	MemRSSBytes uint64  `json:"mem_rss_bytes"`
	Goroutines  int     `json:"goroutines"`
	QOut        int     `json:"q_out"`
	Connections int     `json:"connections"`
}

// HelloData is the client.hello payload.
type HelloData struct {
	Agent   string `json:"agent,omitempty"`
	AckMode string `json:"ack_mode,omitempty"` // "cumulative" (default) or "per_message"
}

// ClientHBData is the client.hb payload. EchoTMonoNS echoes the t_mono_ns of
// the last server.hb the client saw, giving the server a latency sample.
type ClientHBData struct {
	EchoTMonoNS uint64 `json:"echo_t_mono_ns,omitempty"`
}

// ClientAckData is the client.ack payload: cumulative delivery confirmation.
type ClientAckData struct {
	AckSeq uint64 `json:"ack_seq"`
}

// ClientFlowData lets a client shrink or restore its delivery window.
type ClientFlowData struct {
	Window int `json:"window"`
}

// ResumeData is the session.resume payload.
type ResumeData struct {
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
	Epoch     int    `json:"epoch"`
}
