package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/protocol"
)

func testCfg() *config.Config {
	return &config.Config{
		Addr:                ":0",
		MaxConnections:      16,
		HeartbeatSec:        5,
		HeartbeatTimeoutSec: 15,
		ResumeTTLSec:        2,
		ResumeMaxEvents:     100,
		MaxInFlight:         64,
		MaxMsgBytes:         65536,
		ClientEventBuffer:   128,
		DrainDeadlineMS:     500,
		ClientMsgRate:       100,
		ClientMsgBurst:      100,
		SessionMaxCommits:   100,
		SessionMaxBytes:     1 << 20,
		SessionMaxAgeSec:    3600,
		MaxSessions:         8,
		MaxCUDASessions:     1,
		StopDeadlineMS:      1000,
		MetricsInterval:     15 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// memTransport collects frames written by the engine.
type memTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (m *memTransport) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("closed")
	}
	m.frames = append(m.frames, append([]byte(nil), p...))
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *memTransport) envelope(t *testing.T, i int) protocol.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(m.frames[i], &env))
	return env
}

func startOne(t *testing.T, cfg *config.Config) (*Manager, *Session) {
	t.Helper()
	m := NewManager(cfg, clock.New(), logging.Discard(), nil)
	sid, _, err := m.StartSession(StartRequest{})
	require.NoError(t, err)
	s, err := m.Get(sid)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop("test") })
	return m, s
}

func TestPublishAssignsSeqs(t *testing.T) {
	_, s := startOne(t, testCfg())
	assert.Equal(t, StateStarting, s.State())

	for i := 1; i <= 3; i++ {
		seq, err := s.Publish(protocol.TypeASRFinal, json.RawMessage(fmt.Sprintf(`{"text":"f%d"}`, i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, StateRunning, s.State(), "first publish marks the session running")
	assert.Equal(t, uint64(3), s.Engine().LatestSeq())
}

func TestPublishRejectsUnknownKind(t *testing.T) {
	_, s := startOne(t, testCfg())
	_, err := s.Publish("server.welcome", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidKind)
	_, err = s.Publish("bogus", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestProducerFaultDoesNotKillSession(t *testing.T) {
	cfg := testCfg()
	cfg.MaxMsgBytes = 2048
	_, s := startOne(t, cfg)

	big := fmt.Sprintf(`{"text":%q}`, strings.Repeat("x", 4096))
	_, err := s.Publish(protocol.TypeASRFinal, json.RawMessage(big))
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeMsgTooLarge, perr.Code)

	assert.Equal(t, StateRunning, s.State(), "oversized producer output is not fatal")

	// The fault surfaces to clients as an error status commit.
	recs := s.Snapshot(commitlog.Query{Types: []string{protocol.CommitStatus}})
	require.NotEmpty(t, recs)
	var status protocol.StatusData
	require.NoError(t, json.Unmarshal(recs[len(recs)-1].Data, &status))
	assert.Equal(t, "error", status.Severity)
	assert.Equal(t, "publish", status.Source)

	// And normal publishing continues.
	_, err = s.Publish(protocol.TypeASRFinal, json.RawMessage(`{"text":"ok"}`))
	require.NoError(t, err)
}

func TestAttachDeliversWelcome(t *testing.T) {
	_, s := startOne(t, testCfg())
	mt := &memTransport{}
	connID, err := s.Attach(mt, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, connID)

	waitFor(t, "welcome", func() bool { return mt.count() == 1 })
	env := mt.envelope(t, 0)
	assert.Equal(t, protocol.TypeWelcome, env.T)
	assert.Equal(t, s.SID, env.SID)
	assert.Equal(t, StateRunning, s.State())
}

func TestPauseResumeLifecycle(t *testing.T) {
	_, s := startOne(t, testCfg())

	require.Error(t, s.Pause(), "cannot pause before the session runs")

	_, err := s.Publish(protocol.TypeASRPartial, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())
	require.Error(t, s.Pause())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.State())
	require.Error(t, s.Resume())
}

func TestFinalizeFlushesPartials(t *testing.T) {
	_, s := startOne(t, testCfg())

	_, err := s.Publish(protocol.TypeASRPartial, json.RawMessage(`{"text":"hello wor"}`))
	require.NoError(t, err)
	_, err = s.Publish(protocol.TypeMTPartial, json.RawMessage(`{"text":"bonjour"}`))
	require.NoError(t, err)

	require.NoError(t, s.Finalize())
	assert.Equal(t, StateFinalizing, s.State())

	// Two flushed finals plus the finalized status.
	assert.Equal(t, uint64(5), s.Engine().LatestSeq())
	assert.Empty(t, s.Engine().ActivePartials())

	transcript := s.Snapshot(commitlog.Query{Types: []string{protocol.CommitTranscript}})
	require.Len(t, transcript, 1)
	assert.JSONEq(t, `{"text":"hello wor"}`, string(transcript[0].Data))

	translation := s.Snapshot(commitlog.Query{Types: []string{protocol.CommitTranslation}})
	require.Len(t, translation, 1)

	require.Error(t, s.Finalize(), "finalize is not repeatable")
}

func TestStopIsIdempotentAndTerminal(t *testing.T) {
	_, s := startOne(t, testCfg())
	_, err := s.Publish(protocol.TypeASRFinal, json.RawMessage(`{}`))
	require.NoError(t, err)

	s.Stop("test")
	s.Stop("test") // second stop is a no-op
	assert.Equal(t, StateStopped, s.State())

	_, err = s.Publish(protocol.TypeASRFinal, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrSessionStopped)

	_, err = s.Attach(&memTransport{}, nil, nil)
	require.ErrorIs(t, err, ErrSessionStopped)
}

func TestStopAnnouncesToClients(t *testing.T) {
	_, s := startOne(t, testCfg())
	mt := &memTransport{}
	_, err := s.Attach(mt, nil, nil)
	require.NoError(t, err)
	waitFor(t, "welcome", func() bool { return mt.count() == 1 })

	s.Stop("test")
	waitFor(t, "transport closed", func() bool {
		mt.mu.Lock()
		defer mt.mu.Unlock()
		return mt.closed
	})

	// The stopped status is the last sequenced envelope out.
	var sawStopped bool
	for i := 0; i < mt.count(); i++ {
		env := mt.envelope(t, i)
		if env.T != protocol.TypeStatus {
			continue
		}
		var status protocol.StatusData
		require.NoError(t, json.Unmarshal(env.Data, &status))
		if status.State == "stopped" {
			sawStopped = true
		}
	}
	assert.True(t, sawStopped)
}

func TestSnapshotPersistedOnStop(t *testing.T) {
	cfg := testCfg()
	cfg.SessionLogDir = t.TempDir()
	_, s := startOne(t, cfg)

	_, err := s.Publish(protocol.TypeASRFinal, json.RawMessage(`{"text":"kept"}`))
	require.NoError(t, err)
	s.Stop("test")

	stored, err := commitlog.ReadSnapshot(cfg.SessionLogDir, s.SID)
	require.NoError(t, err)
	assert.Equal(t, s.SID, stored.SessionID)
	assert.Equal(t, 1, stored.Epoch)
	require.Len(t, stored.Records, 1)
	assert.Equal(t, protocol.CommitTranscript, stored.Records[0].Type)
}
