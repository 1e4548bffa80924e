// Package engine implements the per-session protocol state machine: the
// welcome handshake, sequencing, heartbeats, acknowledgement accounting,
// flow-controlled fan-out, and replay-based resume.
//
// All session state (the seq counter, replay buffer, commit log, and
// per-connection bookkeeping) is confined to one goroutine fed by a command
// channel. Producers, read pumps, and the manager post closures; connection
// writers run in parallel and touch only their own queue and atomics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/limits"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/protocol"
	"github.com/loquilex/loquilex/internal/queue"
	"github.com/loquilex/loquilex/internal/replay"
)

// ErrEngineClosed is returned by every operation once Close has begun.
var ErrEngineClosed = errors.New("protocol engine closed")

// Config carries the per-session protocol parameters, resolved from the
// environment by the session manager.
type Config struct {
	SID   string
	Epoch int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ResumeTTL         time.Duration
	ReplayMaxEvents   int

	MaxInFlight   int
	MaxMsgBytes   int64
	QueueCapacity int
	DrainDeadline time.Duration

	MsgRate  float64
	MsgBurst int

	CommitLimits commitlog.Limits
}

// SystemStats supplies process resource samples for system.metrics envelopes.
type SystemStats interface {
	Snapshot() metrics.SystemSnapshot
}

// Hooks are the engine's callbacks into its owning session. All are optional.
type Hooks struct {
	// Stats feeds the system.metrics stream; nil disables it.
	Stats SystemStats
	// State labels system.heartbeat broadcasts with the session state.
	State func() string
	// OnFatal is invoked off the engine goroutine when a protocol invariant
	// breaks; the session is expected to stop itself.
	OnFatal func(detail string)
}

// Engine is the per-session protocol state machine.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	logger zerolog.Logger
	hooks  Hooks

	commits *commitlog.Log
	buffer  *replay.Buffer

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	startMono time.Duration

	// Engine-goroutine state.
	nextSeq      uint64
	lastAssigned time.Duration
	conns        map[string]*conn
	partials     map[string]protocol.SnapshotPartial
	hbTicks      uint64

	latest    atomic.Uint64
	connCount atomic.Int64
	idleSince atomic.Int64 // mono ns at the moment the last connection left
}

// New builds and starts an engine. Close must be called to release it.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger, hooks Hooks) *Engine {
	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With().Str("component", "engine").Str("sid", cfg.SID).Logger(),
		hooks:     hooks,
		commits:   commitlog.New(cfg.CommitLimits),
		buffer:    replay.New(cfg.ReplayMaxEvents, cfg.ResumeTTL),
		cmds:      make(chan func(), 256),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		startMono: clk.Mono(),
		nextSeq:   1,
		conns:     make(map[string]*conn),
		partials:  make(map[string]protocol.SnapshotPartial),
	}
	e.idleSince.Store(int64(e.startMono))
	go e.run()
	return e
}

// Commits exposes the session's commit log for snapshot queries.
func (e *Engine) Commits() *commitlog.Log { return e.commits }

// LatestSeq is the highest sequence number assigned so far (0 before the
// first domain envelope).
func (e *Engine) LatestSeq() uint64 { return e.latest.Load() }

// ConnCount is the number of attached, not yet fully closed connections.
func (e *Engine) ConnCount() int { return int(e.connCount.Load()) }

// IdleSince is the mono reading at which the engine last became
// connectionless. Meaningful only while ConnCount is zero.
func (e *Engine) IdleSince() time.Duration {
	return time.Duration(e.idleSince.Load())
}

// mono is the session-relative monotonic reading that envelopes carry.
func (e *Engine) mono() time.Duration { return e.clk.Mono() - e.startMono }

func (e *Engine) run() {
	defer close(e.stopped)
	defer logging.RecoverPanic(e.logger, "engine")

	hb := e.clk.NewTicker(e.cfg.HeartbeatInterval)
	defer hb.Stop()
	sweep := e.clk.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-hb.Chan():
			e.tickHeartbeat()
		case <-sweep.Chan():
			e.sweepLiveness()
			e.buffer.Prune(e.mono())
			before := e.commits.Stats().Evicted
			e.commits.EvictAged(e.mono())
			if d := e.commits.Stats().Evicted - before; d > 0 {
				metrics.CommitsEvicted(d)
			}
		case <-e.quit:
			e.shutdown()
			return
		}
	}
}

// do posts fn to the engine goroutine. Returns false once the engine is
// closing; fn may then never execute.
func (e *Engine) do(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// call posts fn and waits for it to run.
func (e *Engine) call(fn func()) bool {
	done := make(chan struct{})
	if !e.do(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-e.stopped:
		return false
	}
}

// Close gracefully closes every connection, stops the engine goroutine, and
// waits for the connection writers to finish their drain.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.quit) })
	<-e.stopped
}

func (e *Engine) shutdown() {
	writers := make([]chan struct{}, 0, len(e.conns))
	for _, c := range e.conns {
		e.closeConn(c, nil, "session_stopped")
		writers = append(writers, c.writerDone)
	}
	deadline := time.After(e.cfg.DrainDeadline + time.Second)
	for _, w := range writers {
		select {
		case <-w:
		case <-deadline:
			return
		}
	}
}

// Publish assigns a sequence number and timestamps to a domain envelope,
// records it for replay and (finals) commit, and fans it out to every active
// connection. It returns once the envelope is recorded; delivery is
// asynchronous. Out-of-band types (heartbeats, errors) get timestamps but no
// seq and skip replay and commit.
func (e *Engine) Publish(typ, corr string, data json.RawMessage) (uint64, error) {
	var seq uint64
	var perr error
	ok := e.call(func() {
		seq, perr = e.publish(typ, corr, data)
	})
	if !ok {
		return 0, ErrEngineClosed
	}
	return seq, perr
}

func (e *Engine) publish(typ, corr string, data json.RawMessage) (uint64, error) {
	tMono := e.mono()
	env := &protocol.Envelope{
		V:       protocol.Version,
		T:       typ,
		SID:     e.cfg.SID,
		ID:      uuid.NewString(),
		Corr:    protocol.CorrOf(corr),
		TWall:   protocol.FormatWall(e.clk.Wall()),
		TMonoNS: uint64(tMono),
		Data:    data,
	}

	sequenced := protocol.Sequenced(typ)
	if sequenced {
		env.Seq = protocol.SeqOf(e.nextSeq)
	}

	b, err := protocol.Encode(env, e.cfg.MaxMsgBytes)
	if err != nil {
		return 0, err
	}

	var seq uint64
	if sequenced {
		seq = e.nextSeq
		e.nextSeq++
		e.latest.Store(seq)
		e.lastAssigned = tMono

		e.buffer.Record(seq, b, tMono, tMono)
		if ct := protocol.CommitTypeFor(typ); ct != "" {
			e.commits.Append(commitlog.Record{
				ID: env.ID, Seq: seq, TMonoNS: uint64(tMono), Type: ct, Data: data,
			}, tMono)
			metrics.CommitAppended(ct)
		}
		e.trackPartials(typ, seq, data)
	}

	e.fanout(frame{bytes: b, typ: typ, seq: seq, hasSeq: sequenced})
	return seq, nil
}

// trackPartials keeps the newest in-progress hypothesis per stream so
// snapshots can carry it; the matching final clears it.
func (e *Engine) trackPartials(typ string, seq uint64, data json.RawMessage) {
	switch typ {
	case protocol.TypeASRPartial, protocol.TypeMTPartial:
		e.partials[typ] = protocol.SnapshotPartial{T: typ, Seq: seq, Data: data}
	case protocol.TypeASRFinal:
		delete(e.partials, protocol.TypeASRPartial)
	case protocol.TypeMTFinal:
		delete(e.partials, protocol.TypeMTPartial)
	}
}

// ActivePartials returns the in-progress hypotheses, seq-ascending.
func (e *Engine) ActivePartials() []protocol.SnapshotPartial {
	var out []protocol.SnapshotPartial
	e.call(func() { out = e.activePartials() })
	return out
}

func (e *Engine) activePartials() []protocol.SnapshotPartial {
	out := make([]protocol.SnapshotPartial, 0, len(e.partials))
	for _, p := range e.partials {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (e *Engine) fanout(f frame) {
	for _, c := range e.conns {
		if c.state != stateActive {
			continue
		}
		e.offer(c, f)
	}
}

// offer enqueues a frame on one connection, applying the drop policy. A
// queue full of non-droppable envelopes means the client cannot keep up at
// all; the connection is closed as overloaded and the session continues.
func (e *Engine) offer(c *conn, f frame) {
	outcome, err := c.out.Offer(f)
	switch {
	case errors.Is(err, queue.ErrOverflow):
		metrics.QueueOverflow()
		e.logger.Warn().
			Str("conn_id", c.id).
			Str("type", f.typ).
			Msg("Outbound queue overflow, closing connection as overloaded")
		drops := c.out.Metrics().DroppedOldest
		if b, encErr := e.encodeOOB(protocol.TypeQueueDrop, "", protocol.MustData(protocol.QueueDropData{
			Reason: "overflow", DroppedOldest: drops,
		})); encErr == nil {
			c.addFinal(frame{bytes: b, typ: protocol.TypeQueueDrop})
		}
		e.closeConn(c, protocol.NewError(protocol.CodeQueueOverflow,
			"outbound queue full of undroppable envelopes"), "queue_overflow")
	case errors.Is(err, queue.ErrClosed):
		// Connection is already on its way out.
	case outcome == queue.AcceptedWithDrop:
		metrics.QueueDrops(1)
	}
}

// encodeOOB builds and encodes an out-of-band envelope: timestamps but no
// seq, invisible to replay and the commit log.
func (e *Engine) encodeOOB(typ, corr string, data json.RawMessage) ([]byte, error) {
	env := &protocol.Envelope{
		V:       protocol.Version,
		T:       typ,
		SID:     e.cfg.SID,
		ID:      uuid.NewString(),
		Corr:    protocol.CorrOf(corr),
		TWall:   protocol.FormatWall(e.clk.Wall()),
		TMonoNS: uint64(e.mono()),
		Data:    data,
	}
	return protocol.Encode(env, e.cfg.MaxMsgBytes)
}

func (e *Engine) sendOOB(c *conn, typ, corr string, data json.RawMessage) {
	b, err := e.encodeOOB(typ, corr, data)
	if err != nil {
		e.logger.Error().Err(err).Str("type", typ).Msg("Failed to encode out-of-band envelope")
		return
	}
	e.offer(c, frame{bytes: b, typ: typ})
}

// Attach registers a transport with the engine. A nil resume means a fresh
// connection, greeted with server.welcome seq 0; otherwise the resume
// protocol decides between snapshot+replay and session.new. onClosed fires
// exactly once when the connection is fully torn down.
func (e *Engine) Attach(t Transport, resume *protocol.ResumeData, onClosed func(reason string)) (string, error) {
	id := uuid.NewString()
	ok := e.call(func() {
		limiter := limits.NewMessageLimiter(e.cfg.MsgRate, e.cfg.MsgBurst)
		c := newConn(id, t, e.cfg.QueueCapacity, e.cfg.MaxInFlight, limiter, onClosed)
		c.lastSeen = e.clk.Mono()
		e.conns[id] = c
		e.connCount.Add(1)
		metrics.ConnectionOpened()
		go e.writer(c)

		if resume == nil {
			// Window accounting starts at the join point: a client attaching
			// mid-session owes acks only for envelopes produced after it.
			c.lastDelivered.Store(e.latest.Load())
			c.lastAck.Store(e.latest.Load())
			e.sendWelcome(c)
			c.state = stateActive
		} else {
			e.doResume(c, *resume)
		}
	})
	if !ok {
		return "", ErrEngineClosed
	}
	return id, nil
}

func (e *Engine) sendWelcome(c *conn) {
	env := &protocol.Envelope{
		V:       protocol.Version,
		T:       protocol.TypeWelcome,
		SID:     e.cfg.SID,
		ID:      uuid.NewString(),
		Seq:     protocol.SeqOf(0),
		TWall:   protocol.FormatWall(e.clk.Wall()),
		TMonoNS: uint64(e.mono()),
		Data: protocol.MustData(protocol.WelcomeData{
			HB: protocol.HBConfig{
				IntervalMS: e.cfg.HeartbeatInterval.Milliseconds(),
				TimeoutMS:  e.cfg.HeartbeatTimeout.Milliseconds(),
			},
			ResumeWindow: protocol.ResumeWindowInfo{Seconds: int64(e.cfg.ResumeTTL.Seconds())},
			Limits: protocol.WelcomeLimits{
				MaxInFlight: e.cfg.MaxInFlight,
				MaxMsgBytes: e.cfg.MaxMsgBytes,
			},
		}),
	}
	b, err := protocol.Encode(env, e.cfg.MaxMsgBytes)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to encode welcome")
		return
	}
	// Welcome rides the queue like everything else but carries no window
	// slot: seq 0 is below any ack.
	e.offer(c, frame{bytes: b, typ: protocol.TypeWelcome})
}

// Inbound hands a raw client frame to the engine. Called by the read pump.
func (e *Engine) Inbound(connID string, data []byte) {
	e.do(func() {
		c := e.conns[connID]
		if c == nil || c.state == stateDraining || c.state == stateClosed {
			return
		}
		e.handleInbound(c, data)
	})
}

// ConnectionGone reports that the transport died (read error, client close).
func (e *Engine) ConnectionGone(connID string) {
	e.do(func() {
		c := e.conns[connID]
		if c == nil {
			return
		}
		c.setReason("client_closed")
		c.state = stateDraining
		c.resuming.Store(false)
		e.beginDrain(c)
		c.out.Close()
	})
}

func (e *Engine) handleInbound(c *conn, data []byte) {
	c.lastSeen = e.clk.Mono()
	metrics.EnvelopeReceived(len(data))

	if ok, wait := c.limiter.Allow(e.clk.Wall()); !ok {
		metrics.RateLimited()
		retryMS := wait.Milliseconds()
		if retryMS <= 0 {
			retryMS = 1000
		}
		perr := protocol.NewTransient(protocol.CodeRateLimit, "message rate exceeded", retryMS)
		e.sendOOB(c, protocol.TypeServerError, "", protocol.MustData(perr.Data()))
		return
	}

	env, perr := protocol.DecodeClient(data, e.cfg.MaxMsgBytes)
	if perr != nil {
		e.sendErrorAndClose(c, perr, "protocol_violation")
		return
	}

	switch env.T {
	case protocol.TypeClientHello:
		e.handleHello(c, env)
	case protocol.TypeClientHB:
		e.handleClientHB(c, env)
	case protocol.TypeClientAck:
		e.handleAck(c, env)
	case protocol.TypeClientFlow:
		e.handleFlow(c, env)
	case protocol.TypeSessionResume:
		// Resume intent belongs to the attach handshake. On a connection
		// already receiving live or replayed traffic a second resume would
		// interleave two delivery orders, so it is a protocol violation.
		if c.state != stateHandshake {
			e.sendErrorAndClose(c, protocol.NewError(protocol.CodeInvalidMessage,
				"session.resume on an established connection"), "protocol_violation")
			return
		}
		rd, derr := protocol.DecodeData[protocol.ResumeData](env)
		if derr != nil {
			e.sendErrorAndClose(c, derr, "protocol_violation")
			return
		}
		e.doResume(c, rd)
	}
}

func (e *Engine) handleHello(c *conn, env *protocol.Envelope) {
	hello, derr := protocol.DecodeData[protocol.HelloData](env)
	if derr != nil {
		e.sendErrorAndClose(c, derr, "protocol_violation")
		return
	}
	// Per-message acks fold into cumulative accounting; the mode only
	// changes what the client chooses to send.
	if hello.AckMode != "" {
		c.ackMode = hello.AckMode
	}
	e.sendOOB(c, protocol.TypeServerAck, env.ID,
		protocol.MustData(protocol.ServerAckData{Of: protocol.TypeClientHello}))
}

func (e *Engine) handleClientHB(c *conn, env *protocol.Envelope) {
	hb, derr := protocol.DecodeData[protocol.ClientHBData](env)
	if derr != nil {
		e.sendErrorAndClose(c, derr, "protocol_violation")
		return
	}
	if hb.EchoTMonoNS > 0 {
		now := uint64(e.mono())
		if now > hb.EchoTMonoNS {
			c.latencyMS.Store(int64((now - hb.EchoTMonoNS) / uint64(time.Millisecond)))
		}
	}
}

func (e *Engine) handleAck(c *conn, env *protocol.Envelope) {
	ack, derr := protocol.DecodeData[protocol.ClientAckData](env)
	if derr != nil {
		e.sendErrorAndClose(c, derr, "protocol_violation")
		return
	}

	last := c.lastAck.Load()
	if ack.AckSeq <= last {
		return // cumulative acks are monotonic; stale acks are no-ops
	}
	delivered := c.lastDelivered.Load()
	if ack.AckSeq > delivered {
		e.sendErrorAndClose(c, protocol.NewError(protocol.CodeInvalidAck,
			fmt.Sprintf("Ack %d beyond latest delivered seq %d", ack.AckSeq, delivered)),
			"invalid_ack")
		return
	}
	if delivered > e.latest.Load() {
		e.fatal(fmt.Sprintf("delivered seq %d beyond latest assigned %d on conn %s",
			delivered, e.latest.Load(), c.id))
		return
	}
	c.lastAck.Store(ack.AckSeq)
	c.signalAck()
	if c.state == stateResuming {
		e.pumpReplay(c)
	}
}

func (e *Engine) handleFlow(c *conn, env *protocol.Envelope) {
	flow, derr := protocol.DecodeData[protocol.ClientFlowData](env)
	if derr != nil {
		e.sendErrorAndClose(c, derr, "protocol_violation")
		return
	}
	w := flow.Window
	if w < 1 {
		w = 1
	}
	if w > e.cfg.MaxInFlight {
		w = e.cfg.MaxInFlight
	}
	c.window.Store(int64(w))
	c.signalAck() // a wider window may unblock the writer immediately
	e.sendOOB(c, protocol.TypeServerAck, env.ID,
		protocol.MustData(protocol.ServerAckData{Of: protocol.TypeClientFlow}))
}

func (e *Engine) sendErrorAndClose(c *conn, perr *protocol.Error, reason string) {
	e.closeConn(c, perr, reason)
}

// closeConn moves a connection to Draining: stage the farewell error (if
// any), release the writer's window wait, and close the queue so the writer
// drains what is pending and exits.
func (e *Engine) closeConn(c *conn, perr *protocol.Error, reason string) {
	if c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.state = stateDraining
	c.resuming.Store(false)
	c.setReason(reason)
	if perr != nil {
		if b, err := e.encodeOOB(protocol.TypeServerError, "", protocol.MustData(perr.Data())); err == nil {
			c.addFinal(frame{bytes: b, typ: protocol.TypeServerError})
		}
	}
	e.beginDrain(c)
	c.out.Close()
}

// beginDrain releases the writer's window wait so queued frames flush
// without waiting for acks that will never come, and bounds the drain: a
// client that stops reading has its transport force-closed at the drain
// deadline, which fails the writer's pending Write and ends the connection.
func (e *Engine) beginDrain(c *conn) {
	c.drainOnce.Do(func() {
		close(c.done)
		if d := e.cfg.DrainDeadline; d > 0 {
			timer := e.clk.AfterFunc(d, func() { _ = c.transport.Close() })
			go func() {
				<-c.writerDone
				timer.Stop()
			}()
		}
	})
}

// fatal handles an engine invariant breach: every client hears internal,
// then the owning session stops. The manager and sibling sessions survive.
func (e *Engine) fatal(detail string) {
	e.logger.Error().Str("detail", detail).Msg("Protocol invariant breached, stopping session")
	perr := protocol.NewError(protocol.CodeInternal, detail)
	for _, c := range e.conns {
		e.closeConn(c, perr, "internal_error")
	}
	if e.hooks.OnFatal != nil {
		go e.hooks.OnFatal(detail)
	}
}

func (e *Engine) tickHeartbeat() {
	e.hbTicks++

	var sysData json.RawMessage
	if e.hooks.Stats != nil {
		snap := e.hooks.Stats.Snapshot()
		sysData = protocol.MustData(protocol.SystemMetricsData{
			CPUPercent:  snap.CPUPercent,
			MemRSSBytes: snap.MemRSSBytes,
			Goroutines:  snap.Goroutines,
			Connections: len(e.conns),
		})
	}

	for _, c := range e.conns {
		if c.state != stateActive {
			continue
		}
		e.sendOOB(c, protocol.TypeServerHeartbeat, "", protocol.MustData(protocol.ServerHBData{
			QOut:         c.out.Len(),
			QIn:          len(e.cmds),
			LatencyMSEst: c.latencyMS.Load(),
		}))
		if sysData != nil {
			e.sendOOB(c, protocol.TypeSystemMetrics, "", sysData)
		}
	}

	// Session-scope liveness rides a slower cadence than per-connection
	// heartbeats.
	if e.hbTicks%10 == 0 {
		state := ""
		if e.hooks.State != nil {
			state = e.hooks.State()
		}
		data := protocol.MustData(protocol.SystemHeartbeatData{
			State:       state,
			Connections: len(e.conns),
			Epoch:       e.cfg.Epoch,
		})
		for _, c := range e.conns {
			if c.state == stateActive {
				e.sendOOB(c, protocol.TypeSystemHeartbeat, "", data)
			}
		}
	}
}

func (e *Engine) sweepLiveness() {
	now := e.clk.Mono()
	for _, c := range e.conns {
		if c.state == stateDraining || c.state == stateClosed {
			continue
		}
		if now-c.lastSeen > e.cfg.HeartbeatTimeout {
			metrics.HeartbeatTimeout()
			e.logger.Info().
				Str("conn_id", c.id).
				Dur("silent_for", now-c.lastSeen).
				Msg("Connection heartbeat timeout")
			e.closeConn(c, protocol.NewError(protocol.CodeHeartbeatTimeout,
				fmt.Sprintf("no inbound message for %s", e.cfg.HeartbeatTimeout)),
				"heartbeat_timeout")
		}
	}
}

// writer drains one connection's queue to its transport, honoring the
// in-flight window for sequenced envelopes. Runs until the queue is closed
// and drained or the transport fails.
func (e *Engine) writer(c *conn) {
	defer close(c.writerDone)
	defer logging.RecoverPanic(e.logger, "writer")

	writeErr := false
	for {
		f, err := c.out.Poll(context.Background())
		if err != nil {
			break // closed and drained
		}
		if f.hasSeq {
			for !c.draining() && c.inFlight() >= uint64(c.window.Load()) {
				select {
				case <-c.ackWake:
				case <-c.done:
				}
			}
		}
		if f.hasSeq {
			// Recorded before the write: the client may ack the frame the
			// moment it arrives, possibly before Write even returns.
			c.lastDelivered.Store(f.seq)
		}
		if err := c.transport.Write(f.bytes); err != nil {
			writeErr = true
			c.setReason("write_error")
			c.out.Close()
			break
		}
		if c.resuming.Load() {
			// The dequeue freed queue room; top the catch-up back up.
			e.do(func() { e.pumpReplay(c) })
		}
		metrics.EnvelopeSent(f.typ, len(f.bytes))
	}

	if !writeErr {
		for _, f := range c.takeFinals() {
			if err := c.transport.Write(f.bytes); err != nil {
				break
			}
			metrics.EnvelopeSent(f.typ, len(f.bytes))
		}
	}

	e.finishConn(c)
}

// finishConn runs the exactly-once teardown of a connection, then removes it
// from the engine's map best-effort (the map dies with the engine anyway).
func (e *Engine) finishConn(c *conn) {
	reason := c.reason()
	c.cleanupOnce.Do(func() {
		_ = c.transport.Close()
		if e.connCount.Add(-1) == 0 {
			e.idleSince.Store(int64(e.clk.Mono()))
		}
		metrics.ConnectionClosed(reason)
		e.logger.Debug().Str("conn_id", c.id).Str("reason", reason).Msg("Connection closed")
		if c.onClosed != nil {
			c.onClosed(reason)
		}
	})
	e.do(func() {
		if e.conns[c.id] == c {
			c.state = stateClosed
			delete(e.conns, c.id)
		}
	})
}

func droppableFrame(f frame) bool { return protocol.Droppable(f.typ) }
