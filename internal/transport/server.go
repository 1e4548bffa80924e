// Package transport is the HTTP and WebSocket edge of the session core: the
// upgrade path at /ws/{sid}, the minimal session control surface, and the
// health and metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/limits"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/protocol"
	"github.com/loquilex/loquilex/internal/session"
)

// Server is the process's HTTP front end.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	manager  *session.Manager
	guard    *limits.Guard
	connRate *limits.ConnRateLimiter
	http     *http.Server
}

// NewServer wires the HTTP surface. Call Start to listen and Shutdown to
// drain.
func NewServer(cfg *config.Config, manager *session.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "transport").Logger(),
		manager:  manager,
		guard:    limits.NewGuard(cfg.MaxConnections, logger),
		connRate: limits.NewConnRateLimiter(float64(cfg.ConnRate), cfg.ConnBurst),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for httptest-driven tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/{sid}", s.handleWS)
	if s.cfg.LegacyEventsAlias {
		mux.HandleFunc("GET /events/{sid}", s.handleWS)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("DELETE /sessions/{sid}", s.handleStopSession)
	mux.HandleFunc("POST /sessions/{sid}/pause", s.lifecycleHandler(s.manager.Pause))
	mux.HandleFunc("POST /sessions/{sid}/resume", s.lifecycleHandler(s.manager.Resume))
	mux.HandleFunc("POST /sessions/{sid}/finalize", s.lifecycleHandler(s.manager.Finalize))
	mux.HandleFunc("GET /sessions/{sid}/snapshot", s.handleSnapshot)

	return mux
}

// Start begins serving. It returns once the listener is running; serve
// errors other than graceful close are reported through the channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(s.logger, "http_server")
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.guard.SetDraining()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.manager.SessionCount(),
		"connections": s.guard.Count(),
	})
}

type startSessionRequest struct {
	SessionID      string          `json:"session_id,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	RequireCUDA    bool            `json:"require_cuda,omitempty"`
	AllowDowngrade bool            `json:"allow_downgrade,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxMsgBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "malformed request body")
		return
	}

	sid, epoch, err := s.manager.StartSession(session.StartRequest{
		SessionID:      req.SessionID,
		Config:         req.Config,
		RequireCUDA:    req.RequireCUDA,
		AllowDowngrade: req.AllowDowngrade,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"session_id": sid, "epoch": epoch})
	case errors.Is(err, session.ErrResourceBusy):
		writeError(w, http.StatusConflict, protocol.CodeRateLimit, err.Error())
	case errors.Is(err, session.ErrTooManySessions), errors.Is(err, session.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, protocol.CodeRateLimit, err.Error())
	case errors.Is(err, session.ErrSessionExists):
		writeError(w, http.StatusConflict, protocol.CodeBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, err.Error())
	}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	stopped := s.manager.Stop(r.PathValue("sid"))
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) lifecycleHandler(op func(sid string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PathValue("sid")
		err := op(sid)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"session_id": sid, "ok": true})
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrSessionRetired):
			writeError(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
		default:
			writeError(w, http.StatusConflict, protocol.CodeBadRequest, err.Error())
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	q := commitlog.Query{}

	if types := r.URL.Query().Get("types"); types != "" {
		q.Types = strings.Split(types, ",")
	}
	if since := r.URL.Query().Get("since_t_mono_ns"); since != "" {
		v, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "since_t_mono_ns must be an unsigned integer")
			return
		}
		q.SinceTMonoNS = v
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = v
	}

	sess, err := s.manager.Get(sid)
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sid,
		"current_seq": sess.Engine().LatestSeq(),
		"state":       sess.State().String(),
		"records":     sess.Snapshot(q),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code protocol.Code, detail string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "detail": detail}})
}
