package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquilex/loquilex/internal/clock"
	"github.com/loquilex/loquilex/internal/config"
	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/protocol"
	"github.com/loquilex/loquilex/internal/session"
)

func testCfg() *config.Config {
	return &config.Config{
		Addr:                ":0",
		MaxConnections:      16,
		ConnRate:            100,
		ConnBurst:           100,
		HeartbeatSec:        5,
		HeartbeatTimeoutSec: 15,
		ResumeTTLSec:        10,
		ResumeMaxEvents:     500,
		MaxInFlight:         64,
		MaxMsgBytes:         131072,
		ClientEventBuffer:   300,
		DrainDeadlineMS:     1000,
		ClientMsgRate:       100,
		ClientMsgBurst:      100,
		SessionMaxCommits:   100,
		SessionMaxBytes:     1 << 20,
		SessionMaxAgeSec:    3600,
		MaxSessions:         8,
		MaxCUDASessions:     1,
		StopDeadlineMS:      2000,
		MetricsInterval:     15 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

type testStack struct {
	cfg     *config.Config
	manager *session.Manager
	ts      *httptest.Server
}

func newStack(t *testing.T, cfg *config.Config) *testStack {
	t.Helper()
	if cfg == nil {
		cfg = testCfg()
	}
	m := session.NewManager(cfg, clock.New(), logging.Discard(), nil)
	srv := NewServer(cfg, m, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testStack{cfg: cfg, manager: m, ts: ts}
}

func (st *testStack) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(st.ts.URL, "http") + path
}

func (st *testStack) startSession(t *testing.T, body string) (sid string, epoch int) {
	t.Helper()
	resp, err := http.Post(st.ts.URL+"/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		SessionID string `json:"session_id"`
		Epoch     int    `json:"epoch"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.SessionID, out.Epoch
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func sendClient(t *testing.T, conn *websocket.Conn, typ, id, data string) {
	t.Helper()
	frame := fmt.Sprintf(`{"v":1,"t":%q,"id":%q,"data":%s}`, typ, id, data)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestHealthz(t *testing.T) {
	st := newStack(t, nil)
	resp, err := http.Get(st.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestStartSessionDefaults(t *testing.T) {
	st := newStack(t, nil)

	sid, epoch := st.startSession(t, `{}`)
	assert.NotEmpty(t, sid)
	assert.Equal(t, 1, epoch)

	// An empty body is a valid "start with defaults" request.
	resp, err := http.Post(st.ts.URL+"/sessions", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestStartSessionConflictAndCap(t *testing.T) {
	cfg := testCfg()
	cfg.MaxSessions = 2
	st := newStack(t, cfg)

	st.startSession(t, `{"session_id":"logical"}`)

	resp, err := http.Post(st.ts.URL+"/sessions", "application/json",
		strings.NewReader(`{"session_id":"logical"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	st.startSession(t, `{}`)
	resp, err = http.Post(st.ts.URL+"/sessions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLifecycleEndpoints(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)

	// Pause before the session runs is a state conflict.
	resp, err := http.Post(st.ts.URL+"/sessions/"+sid+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err = st.manager.Publish(sid, protocol.TypeASRPartial, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	for _, op := range []string{"pause", "resume", "finalize"} {
		resp, err := http.Post(st.ts.URL+"/sessions/"+sid+"/"+op, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, op)
	}

	req, err := http.NewRequest(http.MethodDelete, st.ts.URL+"/sessions/"+sid, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.True(t, out["stopped"])

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.False(t, out["stopped"], "second delete finds nothing to stop")

	resp, err = http.Post(st.ts.URL+"/sessions/"+sid+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketWelcomeAndLiveDelivery(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	welcome := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeWelcome, welcome.T)
	assert.Equal(t, sid, welcome.SID)
	require.NotNil(t, welcome.Seq)
	assert.Equal(t, uint64(0), *welcome.Seq)

	_, err := st.manager.Publish(sid, protocol.TypeASRFinal, json.RawMessage(`{"text":"live"}`))
	require.NoError(t, err)

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeASRFinal, env.T)
	require.NotNil(t, env.Seq)
	assert.Equal(t, uint64(1), *env.Seq)

	sendClient(t, conn, protocol.TypeClientAck, "a1", `{"ack_seq":1}`)

	// A well-behaved ack draws no response; the next frame is live traffic.
	_, err = st.manager.Publish(sid, protocol.TypeASRFinal, json.RawMessage(`{"text":"more"}`))
	require.NoError(t, err)
	env = readEnvelope(t, conn)
	assert.Equal(t, uint64(2), *env.Seq)
}

func TestWebSocketInvalidAckCloses(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	readEnvelope(t, conn) // welcome

	sendClient(t, conn, protocol.TypeClientAck, "a1", `{"ack_seq":100}`)

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeServerError, env.T)
	var errData protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &errData))
	assert.Equal(t, protocol.CodeInvalidAck, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "the connection closes after the error frame")
}

func TestWebSocketUnknownSession(t *testing.T) {
	st := newStack(t, nil)
	conn := dialWS(t, st.wsURL("/ws/ghost"))

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeServerError, env.T)
	var errData protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &errData))
	assert.Equal(t, protocol.CodeNotFound, errData.Code)
}

func TestWebSocketResume(t *testing.T) {
	st := newStack(t, nil)
	sid, epoch := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	readEnvelope(t, conn) // welcome

	var liveFrames [][]byte
	for i := 1; i <= 5; i++ {
		_, err := st.manager.Publish(sid, protocol.TypeASRFinal, json.RawMessage(fmt.Sprintf(`{"text":"f%d"}`, i)))
		require.NoError(t, err)
		liveFrames = append(liveFrames, readRaw(t, conn))
	}
	conn.Close()

	conn2 := dialWS(t, st.wsURL(fmt.Sprintf("/ws/%s?last_seq=2&epoch=%d", sid, epoch)))

	snap := readEnvelope(t, conn2)
	require.Equal(t, protocol.TypeSnapshot, snap.T)
	var snapData protocol.SnapshotData
	require.NoError(t, json.Unmarshal(snap.Data, &snapData))
	assert.Equal(t, uint64(5), snapData.CurrentSeq)

	for i := 3; i <= 5; i++ {
		raw := readRaw(t, conn2)
		assert.Equal(t, liveFrames[i-1], raw, "replayed envelope is byte-identical to the original")
	}

	ack := readEnvelope(t, conn2)
	require.Equal(t, protocol.TypeSessionAck, ack.T)
	var ackData protocol.SessionAckData
	require.NoError(t, json.Unmarshal(ack.Data, &ackData))
	assert.Equal(t, uint64(5), ackData.LastSeq)
	assert.Equal(t, 3, ackData.Replayed)

	// Live traffic follows the replay on the same connection.
	_, err := st.manager.Publish(sid, protocol.TypeASRFinal, json.RawMessage(`{"text":"f6"}`))
	require.NoError(t, err)
	env := readEnvelope(t, conn2)
	assert.Equal(t, uint64(6), *env.Seq)
}

func TestWebSocketResumeOfRetiredSession(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)
	require.True(t, st.manager.Stop(sid))

	conn := dialWS(t, st.wsURL("/ws/"+sid+"?last_seq=3&epoch=1"))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSessionNew, env.T)
	var data protocol.SessionNewData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, protocol.ReasonResumeExpired, data.Reason)
}

func TestWebSocketBadResumeParams(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)

	_, resp, err := websocket.DefaultDialer.Dial(st.wsURL("/ws/"+sid+"?last_seq=banana"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionGuardRejectsOverCapacity(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConnections = 1
	st := newStack(t, cfg)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	readEnvelope(t, conn) // welcome holds the only slot

	_, resp, err := websocket.DefaultDialer.Dial(st.wsURL("/ws/"+sid), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOversizedInboundFrameRejected(t *testing.T) {
	cfg := testCfg()
	cfg.MaxMsgBytes = 2048
	st := newStack(t, cfg)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	readEnvelope(t, conn) // welcome

	big := `{"v":1,"t":"client.hb","data":{"pad":"` + strings.Repeat("x", 8192) + `"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeServerError, env.T)
	var errData protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &errData))
	assert.Equal(t, protocol.CodeInvalidMessage, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "oversized inbound frames are fatal to the connection")
}

func TestConnectionRateLimitPerHost(t *testing.T) {
	cfg := testCfg()
	cfg.ConnRate = 1
	cfg.ConnBurst = 1
	st := newStack(t, cfg)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/ws/"+sid))
	readEnvelope(t, conn) // welcome

	_, resp, err := websocket.DefaultDialer.Dial(st.wsURL("/ws/"+sid), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	st := newStack(t, nil)
	sid, _ := st.startSession(t, `{}`)

	for i := 1; i <= 3; i++ {
		_, err := st.manager.Publish(sid, protocol.TypeASRFinal, json.RawMessage(fmt.Sprintf(`{"text":"f%d"}`, i)))
		require.NoError(t, err)
	}
	_, err := st.manager.Publish(sid, protocol.TypeMTFinal, json.RawMessage(`{"text":"bonjour"}`))
	require.NoError(t, err)

	resp, err := http.Get(st.ts.URL + "/sessions/" + sid + "/snapshot?types=transcript&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		SessionID  string           `json:"session_id"`
		CurrentSeq uint64           `json:"current_seq"`
		State      string           `json:"state"`
		Records    []map[string]any `json:"records"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, sid, out.SessionID)
	assert.Equal(t, uint64(4), out.CurrentSeq)
	assert.Equal(t, "running", out.State)
	require.Len(t, out.Records, 2)
	for _, r := range out.Records {
		assert.Equal(t, "transcript", r["type"])
	}

	resp2, err := http.Get(st.ts.URL + "/sessions/ghost/snapshot")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestLegacyEventsAlias(t *testing.T) {
	cfg := testCfg()
	cfg.LegacyEventsAlias = true
	st := newStack(t, cfg)
	sid, _ := st.startSession(t, `{}`)

	conn := dialWS(t, st.wsURL("/events/"+sid))
	welcome := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeWelcome, welcome.T)
}
