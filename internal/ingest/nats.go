package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/session"
)

// subjectPrefix scopes the bus traffic this bridge consumes. Subjects are
// loquilex.<sid>.<kind>, e.g. loquilex.abc123.asr.partial.
const subjectPrefix = "loquilex"

// Publisher receives bus events; *session.Manager satisfies it.
type Publisher interface {
	Publish(sid, kind string, payload json.RawMessage) (uint64, error)
}

// Bridge subscribes to the producer subjects and republishes each event into
// the owning session via the worker pool.
type Bridge struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	pool   *Pool
	target Publisher
	logger zerolog.Logger
	cancel context.CancelFunc
}

// NewBridge connects to NATS and starts consuming. The bridge reconnects
// forever; producers are expected to tolerate the gap.
func NewBridge(url string, target Publisher, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "ingest").Logger()

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}

	workers := runtime.GOMAXPROCS(0)
	b := &Bridge{
		nc:     nc,
		pool:   NewPool(workers, workers*64, log),
		target: target,
		logger: log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pool.Start(ctx)

	sub, err := nc.Subscribe(subjectPrefix+".>", b.handle)
	if err != nil {
		cancel()
		nc.Close()
		return nil, fmt.Errorf("subscribe %s.>: %w", subjectPrefix, err)
	}
	b.sub = sub

	log.Info().Str("url", url).Int("workers", workers).Msg("Ingest bridge consuming")
	return b, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	sid, kind, ok := splitSubject(msg.Subject)
	if !ok {
		b.logger.Debug().Str("subject", msg.Subject).Msg("Ignoring malformed ingest subject")
		return
	}
	metrics.IngestReceived()

	payload := json.RawMessage(msg.Data)
	b.pool.Submit(func() {
		if _, err := b.target.Publish(sid, kind, payload); err != nil {
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrSessionRetired) {
				b.logger.Debug().Str("sid", sid).Msg("Ingest event for unknown session dropped")
				return
			}
			b.logger.Warn().Err(err).Str("sid", sid).Str("kind", kind).Msg("Ingest publish failed")
		}
	})
}

// splitSubject parses loquilex.<sid>.<kind>; kind keeps its internal dots
// (asr.partial).
func splitSubject(subject string) (sid, kind string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != subjectPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Close drains the subscription, stops the pool, and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.cancel()
	b.pool.Stop()
	b.nc.Close()
}
