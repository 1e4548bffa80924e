// Package session hosts streaming sessions and the manager that owns them.
// A Session bridges external producers (ASR/MT pipelines) to its protocol
// engine; the Manager handles admission, lifecycle, and resource budgets.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/engine"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/protocol"
)

// State is the session lifecycle position.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateFinalizing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateFinalizing:
		return "finalizing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	// ErrSessionStopped rejects operations on a stopped session.
	ErrSessionStopped = errors.New("session stopped")
	// ErrInvalidKind rejects publishes of types producers may not emit.
	ErrInvalidKind = errors.New("invalid publish kind")
)

// publishKinds is the closed set producers may emit through Publish.
var publishKinds = map[string]bool{
	protocol.TypeASRPartial: true,
	protocol.TypeASRFinal:   true,
	protocol.TypeMTPartial:  true,
	protocol.TypeMTFinal:    true,
	protocol.TypeStatus:     true,
}

// Session is one streaming pipeline instance: an engine plus lifecycle
// state. Producers call Publish; clients arrive through Attach via the
// manager.
type Session struct {
	SID   string
	Epoch int

	cfg        *config.Config
	clk        clock.Clock
	logger     zerolog.Logger
	engine     *engine.Engine
	producer   json.RawMessage // pipeline config, opaque to the core
	usesCUDA   bool
	releaseGPU func()

	state    atomic.Int32
	stopOnce sync.Once
}

func newSession(sid string, epoch int, producerCfg json.RawMessage, usesCUDA bool,
	releaseGPU func(), cfg *config.Config, clk clock.Clock, logger zerolog.Logger,
	stats engine.SystemStats) *Session {

	s := &Session{
		SID:        sid,
		Epoch:      epoch,
		cfg:        cfg,
		clk:        clk,
		logger:     logger.With().Str("sid", sid).Int("epoch", epoch).Logger(),
		producer:   producerCfg,
		usesCUDA:   usesCUDA,
		releaseGPU: releaseGPU,
	}
	s.state.Store(int32(StateStarting))

	s.engine = engine.New(engine.Config{
		SID:               sid,
		Epoch:             epoch,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		ResumeTTL:         cfg.ResumeTTL(),
		ReplayMaxEvents:   cfg.ResumeMaxEvents,
		MaxInFlight:       cfg.MaxInFlight,
		MaxMsgBytes:       cfg.MaxMsgBytes,
		QueueCapacity:     cfg.ClientEventBuffer,
		DrainDeadline:     cfg.DrainDeadline(),
		MsgRate:           float64(cfg.ClientMsgRate),
		MsgBurst:          cfg.ClientMsgBurst,
		CommitLimits: commitlog.Limits{
			MaxRecords: cfg.SessionMaxCommits,
			MaxBytes:   cfg.SessionMaxBytes,
			MaxAge:     cfg.SessionMaxAge(),
		},
	}, clk, logger, engine.Hooks{
		Stats:   stats,
		State:   func() string { return s.State().String() },
		OnFatal: func(detail string) { s.Stop("internal_error") },
	})

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ProducerConfig returns the opaque pipeline configuration.
func (s *Session) ProducerConfig() json.RawMessage { return s.producer }

// UsesCUDA reports whether this session holds a GPU slot.
func (s *Session) UsesCUDA() bool { return s.usesCUDA }

// Engine exposes the protocol engine to the transport layer.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Publish feeds one producer event into the protocol engine. It returns
// after the envelope has a sequence number and is recorded; delivery to
// clients is asynchronous. Producer-side faults never kill the session: an
// oversized envelope is reported back and surfaced to clients as an error
// status.
func (s *Session) Publish(kind string, payload json.RawMessage) (uint64, error) {
	if !publishKinds[kind] {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	switch s.State() {
	case StateStopped:
		return 0, ErrSessionStopped
	case StateStarting:
		s.markRunning()
	}

	seq, err := s.engine.Publish(kind, "", payload)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code == protocol.CodeMsgTooLarge {
			s.ReportFault("publish", err)
		}
		return 0, err
	}
	return seq, nil
}

// ReportFault surfaces a producer error to clients as a status envelope.
// The session keeps running; stopping on producer faults is the producer
// supervisor's call, not the core's.
func (s *Session) ReportFault(source string, ferr error) {
	metrics.ProducerFault(source)
	s.logger.Warn().Err(ferr).Str("source", source).Msg("Producer fault")
	_, err := s.engine.Publish(protocol.TypeStatus, "", protocol.MustData(protocol.StatusData{
		Severity: "error",
		Detail:   ferr.Error(),
		Source:   source,
	}))
	if err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		s.logger.Error().Err(err).Msg("Failed to publish fault status")
	}
}

// Attach connects a client transport to this session's engine. A non-nil
// resume runs the resume protocol instead of the welcome handshake.
func (s *Session) Attach(t engine.Transport, resume *protocol.ResumeData, onClosed func(reason string)) (string, error) {
	if s.State() == StateStopped {
		return "", ErrSessionStopped
	}
	connID, err := s.engine.Attach(t, resume, onClosed)
	if err != nil {
		return "", err
	}
	s.markRunning()
	return connID, nil
}

// Inbound forwards a raw client frame to the engine.
func (s *Session) Inbound(connID string, data []byte) {
	s.engine.Inbound(connID, data)
}

// ConnGone tells the engine a client transport died.
func (s *Session) ConnGone(connID string) {
	s.engine.ConnectionGone(connID)
}

// Snapshot queries the session's commit log.
func (s *Session) Snapshot(q commitlog.Query) []commitlog.Record {
	return s.engine.Commits().Query(q)
}

// Pause marks the session paused and tells clients. Producers observe the
// state through their own control channel; the engine keeps serving.
func (s *Session) Pause() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		return fmt.Errorf("cannot pause session in state %s", s.State())
	}
	s.publishState("paused")
	return nil
}

// Resume returns a paused session to running.
func (s *Session) Resume() error {
	if !s.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return fmt.Errorf("cannot resume session in state %s", s.State())
	}
	s.publishState("running")
	return nil
}

// Finalize flushes in-progress partials to finals and announces the
// finalized state. The session stays attachable until the manager stops it.
func (s *Session) Finalize() error {
	st := s.State()
	if st == StateStopped || st == StateFinalizing {
		return fmt.Errorf("cannot finalize session in state %s", st)
	}
	s.state.Store(int32(StateFinalizing))

	for _, p := range s.engine.ActivePartials() {
		final := ""
		switch p.T {
		case protocol.TypeASRPartial:
			final = protocol.TypeASRFinal
		case protocol.TypeMTPartial:
			final = protocol.TypeMTFinal
		}
		if final == "" {
			continue
		}
		if _, err := s.engine.Publish(final, "", p.Data); err != nil {
			s.logger.Warn().Err(err).Str("type", final).Msg("Failed to flush partial to final")
		}
	}

	s.publishState("finalized")
	return nil
}

// Stop shuts the session down: announce, close the engine (which drains and
// closes every connection), persist the commit log when configured, and
// release resources. Idempotent.
func (s *Session) Stop(cause string) {
	s.stopOnce.Do(func() {
		s.publishState("stopped")
		s.state.Store(int32(StateStopped))
		s.engine.Close()

		if s.cfg.SessionLogDir != "" {
			if err := s.engine.Commits().WriteSnapshot(s.cfg.SessionLogDir, s.SID, s.Epoch, s.clk.Wall()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to persist commit log")
			}
		}
		if s.releaseGPU != nil {
			s.releaseGPU()
		}
		metrics.SessionStopped(cause)
		s.logger.Info().Str("cause", cause).Msg("Session stopped")
	})
}

func (s *Session) markRunning() {
	s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

func (s *Session) publishState(state string) {
	_, err := s.engine.Publish(protocol.TypeStatus, "", protocol.MustData(protocol.StatusData{
		State: state,
	}))
	if err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		s.logger.Warn().Err(err).Str("state", state).Msg("Failed to publish state status")
	}
}
