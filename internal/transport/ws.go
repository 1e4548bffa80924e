package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/protocol"
	"github.com/loquilex/loquilex/internal/session"
)

// wsWriteTimeout bounds a single frame write so a stalled client cannot
// wedge its writer beyond the drain budget.
const wsWriteTimeout = 10 * time.Second

// handleWS upgrades /ws/{sid} (and the legacy /events/{sid} alias) and hands
// the connection to the session's engine. Resume intent travels in the
// last_seq and epoch query parameters; without them the client gets a fresh
// welcome.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.connRate.Allow(host, time.Now()) {
		metrics.ConnectionRejected("conn_rate")
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	ok, reason := s.guard.TryAcquire()
	if !ok {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	resume, rerr := resumeIntent(sid, r)
	if rerr != nil {
		s.guard.Release()
		http.Error(w, rerr.Error(), http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.Release()
		metrics.ConnectionRejected("upgrade_failed")
		s.logger.Warn().Err(err).Str("sid", sid).Msg("WebSocket upgrade failed")
		return
	}

	t := newWSTransport(conn)
	sess, connID, err := s.manager.Attach(sid, t, resume, func(string) { s.guard.Release() })
	if err != nil {
		s.farewell(t, sid, resume, err)
		_ = t.Close()
		s.guard.Release()
		return
	}

	s.logger.Debug().Str("sid", sid).Str("conn_id", connID).Bool("resume", resume != nil).Msg("Client attached")
	go s.readPump(sess, connID, conn)
}

func resumeIntent(sid string, r *http.Request) (*protocol.ResumeData, error) {
	q := r.URL.Query()
	if !q.Has("last_seq") {
		return nil, nil
	}
	lastSeq, err := strconv.ParseUint(q.Get("last_seq"), 10, 64)
	if err != nil {
		return nil, errors.New("last_seq must be an unsigned integer")
	}
	epoch := 1
	if q.Has("epoch") {
		epoch, err = strconv.Atoi(q.Get("epoch"))
		if err != nil {
			return nil, errors.New("epoch must be an integer")
		}
	}
	return &protocol.ResumeData{SessionID: sid, LastSeq: lastSeq, Epoch: epoch}, nil
}

// farewell answers a connection the manager refused: resumes of dead
// sessions get session.new so clients restart cleanly, plain connects get a
// not_found error.
func (s *Server) farewell(t *wsTransport, sid string, resume *protocol.ResumeData, attachErr error) {
	var typ string
	var data any
	switch {
	case resume != nil && errors.Is(attachErr, session.ErrSessionRetired):
		metrics.ResumeRejected(protocol.ReasonResumeExpired)
		typ = protocol.TypeSessionNew
		data = protocol.SessionNewData{Reason: protocol.ReasonResumeExpired}
	case resume != nil:
		metrics.ResumeRejected(protocol.ReasonUnknownSession)
		typ = protocol.TypeSessionNew
		data = protocol.SessionNewData{Reason: protocol.ReasonUnknownSession}
	default:
		typ = protocol.TypeServerError
		data = protocol.ErrorData{Code: protocol.CodeNotFound, Detail: "unknown session " + sid}
	}

	env := &protocol.Envelope{
		V:     protocol.Version,
		T:     typ,
		SID:   sid,
		ID:    uuid.NewString(),
		TWall: protocol.FormatWall(time.Now()),
		Data:  protocol.MustData(data),
	}
	b, err := protocol.Encode(env, s.cfg.MaxMsgBytes)
	if err != nil {
		return
	}
	if err := t.Write(b); err == nil {
		metrics.EnvelopeSent(typ, len(b))
	}
}

// readPump reads client frames and forwards them to the engine until the
// transport dies. The engine closing the connection surfaces here as a read
// error, which reports ConnGone idempotently.
//
// Reads are capped at the inbound message limit before buffering: a frame
// whose payload runs past the cap is truncated at limit+1 bytes and handed
// to the engine, which rejects it as oversized. The frame header's declared
// length is never trusted to allocate.
func (s *Server) readPump(sess *session.Session, connID string, conn net.Conn) {
	defer logging.RecoverPanic(s.logger, "read_pump")
	defer sess.ConnGone(connID)

	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		OnIntermediate: control,
	}
	limit := s.cfg.MaxMsgBytes
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		msg, err := io.ReadAll(io.LimitReader(rd, limit+1))
		if err != nil {
			return
		}
		if int64(len(msg)) > limit {
			// Drain the rest of the message without retaining it.
			if _, err := io.Copy(io.Discard, rd); err != nil {
				return
			}
		}
		sess.Inbound(connID, msg)
	}
}

// wsTransport adapts a raw upgraded connection to the engine's Transport.
// Writes are serialized; the engine's writer is the only steady-state
// caller, with farewell frames as the pre-attach exception.
type wsTransport struct {
	conn      net.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn net.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(t.conn, ws.OpText, p)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
