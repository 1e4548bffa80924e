package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/engine"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/protocol"
)

var (
	// ErrNotFound means no live session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionRetired means the id belonged to a session that has been
	// stopped; its epoch is remembered so stale resumes are told to restart.
	ErrSessionRetired = errors.New("session retired")
	// ErrSessionExists rejects a start reusing a live session id.
	ErrSessionExists = errors.New("session id already live")
	// ErrResourceBusy means the GPU budget is exhausted.
	ErrResourceBusy = errors.New("requested device busy")
	// ErrTooManySessions means the session cap is reached.
	ErrTooManySessions = errors.New("session limit reached")
	// ErrDraining rejects new sessions during shutdown.
	ErrDraining = errors.New("manager shutting down")
)

// retiredCap bounds the retired-epoch table; oldest entries are forgotten
// first, after which their resumes degrade to unknown_session.
const retiredCap = 256

// StartRequest describes a session to admit.
type StartRequest struct {
	// SessionID names the logical session; empty mints a fresh id. Reusing
	// the id of a retired session increments its epoch.
	SessionID string
	// Config is the pipeline configuration, opaque to the core.
	Config json.RawMessage
	// RequireCUDA requests a GPU slot.
	RequireCUDA bool
	// AllowDowngrade admits the session without a GPU when the budget is
	// exhausted instead of failing with ErrResourceBusy.
	AllowDowngrade bool
}

// Manager owns every session in the process: admission against the session
// and GPU budgets, lifecycle proxies, attach routing, TTL retirement of
// connectionless sessions, and bounded concurrent shutdown.
type Manager struct {
	cfg    *config.Config
	clk    clock.Clock
	logger zerolog.Logger
	stats  engine.SystemStats

	mu           sync.Mutex
	sessions     map[string]*Session
	retired      map[string]int
	retiredOrder []string

	gpu      *semaphore.Weighted
	draining atomic.Bool

	janitorOn   atomic.Bool
	janitorOff  sync.Once
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewManager builds a manager. Call Start to launch the TTL janitor and
// Shutdown to stop everything.
func NewManager(cfg *config.Config, clk clock.Clock, logger zerolog.Logger, stats engine.SystemStats) *Manager {
	gpuSlots := int64(cfg.MaxCUDASessions)
	if gpuSlots < 1 {
		gpuSlots = 1 // semaphore needs a positive weight; admission still honors 0 below
	}
	return &Manager{
		cfg:         cfg,
		clk:         clk,
		logger:      logger.With().Str("component", "session_manager").Logger(),
		stats:       stats,
		sessions:    make(map[string]*Session),
		retired:     make(map[string]int),
		gpu:         semaphore.NewWeighted(gpuSlots),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
}

// Start launches the janitor that retires sessions left connectionless
// beyond the resume TTL.
func (m *Manager) Start() {
	if m.janitorOn.CompareAndSwap(false, true) {
		go m.janitor()
	}
}

// StartSession admits and creates a session, returning its id and epoch.
func (m *Manager) StartSession(req StartRequest) (string, int, error) {
	if m.draining.Load() {
		metrics.AdmissionRejected("draining")
		return "", 0, ErrDraining
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		metrics.AdmissionRejected("max_sessions")
		return "", 0, fmt.Errorf("%w (%d)", ErrTooManySessions, m.cfg.MaxSessions)
	}

	sid := req.SessionID
	if sid == "" {
		sid = mintSID()
	} else if _, live := m.sessions[sid]; live {
		metrics.AdmissionRejected("session_exists")
		return "", 0, fmt.Errorf("%w: %s", ErrSessionExists, sid)
	}
	epoch := m.retired[sid] + 1

	usesCUDA := false
	var releaseGPU func()
	if req.RequireCUDA {
		if m.cfg.MaxCUDASessions > 0 && m.gpu.TryAcquire(1) {
			usesCUDA = true
			releaseGPU = func() { m.gpu.Release(1) }
		} else if !req.AllowDowngrade {
			metrics.AdmissionRejected("cuda_busy")
			return "", 0, fmt.Errorf("%w: cuda", ErrResourceBusy)
		} else {
			m.logger.Info().Str("sid", sid).Msg("CUDA budget exhausted, session downgraded to CPU")
		}
	}

	s := newSession(sid, epoch, req.Config, usesCUDA, releaseGPU, m.cfg, m.clk, m.logger, m.stats)
	m.sessions[sid] = s
	metrics.SessionStarted()
	m.logger.Info().
		Str("sid", sid).
		Int("epoch", epoch).
		Bool("cuda", usesCUDA).
		Int("sessions", len(m.sessions)).
		Msg("Session started")
	return sid, epoch, nil
}

// Stop stops a session. Returns false when no live session has the id;
// stopping twice is a no-op reported as false the second time.
func (m *Manager) Stop(sid string) bool {
	s := m.remove(sid)
	if s == nil {
		return false
	}
	s.Stop("api")
	return true
}

// remove unlinks a session and remembers its epoch for stale-resume answers.
func (m *Manager) remove(sid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sid]
	if s == nil {
		return nil
	}
	delete(m.sessions, sid)
	m.retireLocked(sid, s.Epoch)
	return s
}

func (m *Manager) retireLocked(sid string, epoch int) {
	if _, known := m.retired[sid]; !known {
		m.retiredOrder = append(m.retiredOrder, sid)
		if len(m.retiredOrder) > retiredCap {
			oldest := m.retiredOrder[0]
			m.retiredOrder = m.retiredOrder[1:]
			delete(m.retired, oldest)
		}
	}
	m.retired[sid] = epoch
}

// Get returns a live session.
func (m *Manager) Get(sid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[sid]; s != nil {
		return s, nil
	}
	if _, was := m.retired[sid]; was {
		return nil, fmt.Errorf("%w: %s", ErrSessionRetired, sid)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sid)
}

// Attach routes a client transport to a session. The caller translates
// ErrNotFound / ErrSessionRetired into the right farewell envelope.
func (m *Manager) Attach(sid string, t engine.Transport, resume *protocol.ResumeData, onClosed func(reason string)) (*Session, string, error) {
	s, err := m.Get(sid)
	if err != nil {
		return nil, "", err
	}
	connID, err := s.Attach(t, resume, onClosed)
	if err != nil {
		return nil, "", err
	}
	return s, connID, nil
}

// Publish routes a producer event to a session. Used by the ingest bridge.
func (m *Manager) Publish(sid, kind string, payload json.RawMessage) (uint64, error) {
	s, err := m.Get(sid)
	if err != nil {
		return 0, err
	}
	return s.Publish(kind, payload)
}

// Snapshot queries a session's commit log.
func (m *Manager) Snapshot(sid string, q commitlog.Query) ([]commitlog.Record, error) {
	s, err := m.Get(sid)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(q), nil
}

// Pause, Resume, and Finalize are thin lifecycle proxies.

func (m *Manager) Pause(sid string) error {
	s, err := m.Get(sid)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (m *Manager) Resume(sid string) error {
	s, err := m.Get(sid)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (m *Manager) Finalize(sid string) error {
	s, err := m.Get(sid)
	if err != nil {
		return err
	}
	return s.Finalize()
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// janitor retires sessions that have been connectionless beyond the resume
// TTL. Later resumes of a retired id are answered with session.new.
func (m *Manager) janitor() {
	defer close(m.janitorDone)
	defer logging.RecoverPanic(m.logger, "janitor")

	ticker := m.clk.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.sweepIdle()
		case <-m.janitorStop:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	now := m.clk.Mono()
	ttl := m.cfg.ResumeTTL()

	m.mu.Lock()
	var expired []*Session
	for sid, s := range m.sessions {
		eng := s.Engine()
		if eng.ConnCount() > 0 {
			continue
		}
		if s.State() == StateStarting {
			continue // never-connected sessions wait for their first client
		}
		if now-eng.IdleSince() > ttl {
			delete(m.sessions, sid)
			m.retireLocked(sid, s.Epoch)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info().Str("sid", s.SID).Msg("Session retired after resume TTL")
		s.Stop("resume_ttl")
	}
}

// Shutdown stops every session concurrently under the context deadline and
// halts the janitor. New sessions are rejected from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)

	if m.janitorOn.Load() {
		m.janitorOff.Do(func() { close(m.janitorStop) })
		<-m.janitorDone
	}

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for sid, s := range m.sessions {
		delete(m.sessions, sid)
		m.retireLocked(sid, s.Epoch)
		all = append(all, s)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.Stop("shutdown")
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s did not stop before deadline: %w", s.SID, ctx.Err())
			}
		})
	}
	err := g.Wait()
	m.logger.Info().Int("sessions", len(all)).Err(err).Msg("Manager shutdown complete")
	return err
}

// mintSID returns a short URL-safe session identifier.
func mintSID() string {
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
