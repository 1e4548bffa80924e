package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loquilex/loquilex/internal/limits"
	"github.com/loquilex/loquilex/internal/queue"
)

// Transport is the write side of one client connection. The engine owns the
// writer goroutine; the transport layer owns the socket and the read pump.
// Write must be safe for use from a single goroutine and should bound its own
// blocking time (the WebSocket implementation applies a write deadline).
type Transport interface {
	Write(p []byte) error
	Close() error
}

type connState int

const (
	stateHandshake connState = iota
	stateResuming
	stateActive
	stateDraining
	stateClosed
)

// frame is one outbound unit: the encoded envelope plus the metadata the
// delivery path needs without re-parsing it.
type frame struct {
	bytes  []byte
	typ    string
	seq    uint64
	hasSeq bool
}

// conn is the engine-side state of one attached client. The state field and
// lastSeen are touched only on the engine goroutine; the seq counters are
// atomics because the writer goroutine and the engine both read them.
type conn struct {
	id        string
	transport Transport
	out       *queue.Bounded[frame]
	limiter   *limits.MessageLimiter
	onClosed  func(reason string)

	state    connState
	ackMode  string
	lastSeen time.Duration // mono, engine goroutine only

	// Resume catch-up progress, engine goroutine only. resumeCursor is the
	// last replayed seq handed to the queue; resumeTarget is the live edge
	// the client must reach before fan-out switches on.
	resumeCursor   uint64
	resumeTarget   uint64
	resumeReplayed int

	lastDelivered atomic.Uint64
	lastAck       atomic.Uint64
	window        atomic.Int64
	latencyMS     atomic.Int64

	// resuming tells the writer to nudge the replay pump after each
	// delivery, so queue room freed by a dequeue is refilled promptly.
	resuming atomic.Bool

	// ackWake nudges the writer when the in-flight window reopens; done is
	// closed when the connection begins draining and releases any window wait.
	ackWake chan struct{}
	done    chan struct{}

	finalMu     sync.Mutex
	finalFrames []frame

	reasonOnce  sync.Once
	closeReason string

	drainOnce   sync.Once
	cleanupOnce sync.Once
	writerDone  chan struct{}
}

func newConn(id string, t Transport, capacity, window int, limiter *limits.MessageLimiter, onClosed func(string)) *conn {
	c := &conn{
		id:         id,
		transport:  t,
		out:        queue.New[frame](capacity, func(f frame) bool { return droppableFrame(f) }),
		limiter:    limiter,
		onClosed:   onClosed,
		ackWake:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.window.Store(int64(window))
	c.latencyMS.Store(-1)
	return c
}

// inFlight is the count of delivered-but-unacknowledged sequenced envelopes.
func (c *conn) inFlight() uint64 {
	d := c.lastDelivered.Load()
	a := c.lastAck.Load()
	if d <= a {
		return 0
	}
	return d - a
}

func (c *conn) draining() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) setReason(reason string) {
	c.reasonOnce.Do(func() { c.closeReason = reason })
}

func (c *conn) reason() string {
	c.reasonOnce.Do(func() { c.closeReason = "transport_error" })
	return c.closeReason
}

// addFinal stages a frame the writer delivers after the queue drains. Used
// for the farewell server.error when the queue itself is the problem.
func (c *conn) addFinal(f frame) {
	c.finalMu.Lock()
	c.finalFrames = append(c.finalFrames, f)
	c.finalMu.Unlock()
}

func (c *conn) takeFinals() []frame {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	out := c.finalFrames
	c.finalFrames = nil
	return out
}

func (c *conn) signalAck() {
	select {
	case c.ackWake <- struct{}{}:
	default:
	}
}
