package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWelcomeShape(t *testing.T) {
	wall := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := &Envelope{
		V:       Version,
		T:       TypeWelcome,
		SID:     "S1",
		ID:      "b9c7…",
		Seq:     SeqOf(0),
		TWall:   FormatWall(wall),
		TMonoNS: 123456789,
		Data: MustData(WelcomeData{
			HB:           HBConfig{IntervalMS: 5000, TimeoutMS: 15000},
			ResumeWindow: ResumeWindowInfo{Seconds: 10},
			Limits:       WelcomeLimits{MaxInFlight: 64, MaxMsgBytes: 131072},
		}),
	}

	b, err := Encode(env, 0)
	require.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, `"v":1`)
	assert.Contains(t, s, `"t":"server.welcome"`)
	assert.Contains(t, s, `"seq":0`, "welcome must carry an explicit seq 0")
	assert.NotContains(t, s, `"corr"`, "corr appears only when echoing a request")
	assert.Contains(t, s, `"t_wall":"2025-06-01T12:00:00Z"`)
	assert.Contains(t, s, `"hb":{"interval_ms":5000,"timeout_ms":15000}`)
	assert.Contains(t, s, `"resume_window":{"seconds":10}`)
	assert.Contains(t, s, `"limits":{"max_in_flight":64,"max_msg_bytes":131072}`)

	// Canonical key order: v before t before sid, data last.
	assert.Less(t, strings.Index(s, `"v"`), strings.Index(s, `"t"`))
	assert.Less(t, strings.Index(s, `"t"`), strings.Index(s, `"sid"`))
	assert.Less(t, strings.Index(s, `"seq"`), strings.Index(s, `"data"`))
}

func TestEncodeCorrOnlyWhenSet(t *testing.T) {
	env := &Envelope{
		V: Version, T: TypeServerAck, SID: "S1", ID: "a1",
		Corr: CorrOf("h1"),
		Data: MustData(ServerAckData{Of: TypeClientHello}),
	}
	b, err := Encode(env, 0)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"corr":"h1"`)

	env.Corr = CorrOf("")
	b, err = Encode(env, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"corr"`)
}

func TestEncodeDeterministic(t *testing.T) {
	env := &Envelope{
		V: Version, T: TypeASRFinal, SID: "S1", ID: "e1",
		Seq: SeqOf(7), TWall: "2025-06-01T12:00:00Z", TMonoNS: 42,
		Data: json.RawMessage(`{"text":"hello"}`),
	}
	a, err := Encode(env, 0)
	require.NoError(t, err)
	b, err := Encode(env, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same envelope must serialize to identical bytes")
}

func TestEncodeOutboundSizeCap(t *testing.T) {
	env := &Envelope{
		V: Version, T: TypeMTFinal, SID: "S1",
		Seq:  SeqOf(1),
		Data: json.RawMessage(`{"text":"` + strings.Repeat("x", 512) + `"}`),
	}
	_, err := Encode(env, 128)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeMsgTooLarge, perr.Code)
}

func TestDecodeClientValid(t *testing.T) {
	env, perr := DecodeClient([]byte(`{"v":1,"t":"client.ack","id":"c1","data":{"ack_seq":12}}`), 1024)
	require.Nil(t, perr)
	assert.Equal(t, TypeClientAck, env.T)

	ack, perr := DecodeData[ClientAckData](env)
	require.Nil(t, perr)
	assert.Equal(t, uint64(12), ack.AckSeq)
}

func TestDecodeClientIgnoresUnknownFields(t *testing.T) {
	env, perr := DecodeClient([]byte(`{"v":1,"t":"client.hb","future_field":true,"data":{"echo_t_mono_ns":9,"pad":1}}`), 1024)
	require.Nil(t, perr)

	hb, perr := DecodeData[ClientHBData](env)
	require.Nil(t, perr)
	assert.Equal(t, uint64(9), hb.EchoTMonoNS)
}

func TestDecodeClientRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		max  int64
		code Code
	}{
		{"oversized", `{"v":1,"t":"client.hb","data":{"pad":"` + strings.Repeat("x", 256) + `"}}`, 64, CodeInvalidMessage},
		{"malformed json", `{"v":1,"t":`, 1024, CodeInvalidMessage},
		{"wrong version", `{"v":2,"t":"client.hb"}`, 1024, CodeVersionMismatch},
		{"missing type", `{"v":1}`, 1024, CodeInvalidMessage},
		{"server type from client", `{"v":1,"t":"server.welcome"}`, 1024, CodeInvalidMessage},
		{"unknown type", `{"v":1,"t":"client.subscribe"}`, 1024, CodeInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := DecodeClient([]byte(tt.raw), tt.max)
			require.NotNil(t, perr)
			assert.Equal(t, tt.code, perr.Code)
			assert.True(t, perr.Fatal)
		})
	}
}

func TestErrorRetryHint(t *testing.T) {
	e := NewTransient(CodeRateLimit, "slow down", 250)
	d := e.Data()
	require.NotNil(t, d.RetryAfterMS)
	assert.Equal(t, int64(250), *d.RetryAfterMS)
	assert.False(t, e.Fatal)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"rate_limit","detail":"slow down","retry_after_ms":250}`, string(b))
}
