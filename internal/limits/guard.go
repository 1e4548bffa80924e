// Package limits enforces connection admission and per-connection inbound
// message budgets for the WebSocket layer.
package limits

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/metrics"
)

// Guard admits or rejects new WebSocket connections against a fixed
// connection budget. It is checked in the upgrade path before any
// per-connection state is allocated.
type Guard struct {
	maxConns int64
	conns    atomic.Int64
	draining atomic.Bool
	logger   zerolog.Logger
}

// NewGuard creates a guard that admits at most maxConns concurrent
// connections.
func NewGuard(maxConns int, logger zerolog.Logger) *Guard {
	return &Guard{
		maxConns: int64(maxConns),
		logger:   logger.With().Str("component", "conn_guard").Logger(),
	}
}

// TryAcquire reserves a connection slot. It returns false with a
// human-readable reason when the server is draining or at capacity.
// Callers that receive true must call Release when the connection ends.
func (g *Guard) TryAcquire() (bool, string) {
	if g.draining.Load() {
		metrics.ConnectionRejected("draining")
		return false, "server shutting down"
	}
	for {
		cur := g.conns.Load()
		if cur >= g.maxConns {
			metrics.ConnectionRejected("max_connections")
			g.logger.Debug().
				Int64("current", cur).
				Int64("max", g.maxConns).
				Msg("connection rejected: at max connections")
			return false, fmt.Sprintf("at max connections (%d)", g.maxConns)
		}
		if g.conns.CompareAndSwap(cur, cur+1) {
			return true, ""
		}
	}
}

// Release returns a slot reserved by TryAcquire.
func (g *Guard) Release() {
	g.conns.Add(-1)
}

// Count reports the number of currently held slots.
func (g *Guard) Count() int64 {
	return g.conns.Load()
}

// SetDraining makes all subsequent TryAcquire calls fail. Used during
// graceful shutdown so existing connections can finish while new ones
// are turned away.
func (g *Guard) SetDraining() {
	g.draining.Store(true)
}
