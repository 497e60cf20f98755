package session

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStream_RejectsBeforeUpgrade(t *testing.T) {
	cfg := testConfig()
	cfg.AuthJWTSecret = "test-secret"
	h := newHarness(t, cfg, nil, []string{"unused"})

	token, err := h.auth.Issue("u1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name      string
		sessionID string
		query     string
		want      int
	}{
		{name: "no credentials", sessionID: "s1", want: http.StatusUnauthorized},
		{name: "bad token", sessionID: "s1", query: "token=garbage", want: http.StatusUnauthorized},
		{name: "dev user ignored with a secret", sessionID: "s1", query: "user_id=u1", want: http.StatusUnauthorized},
		{name: "unknown session", sessionID: "missing", query: "token=" + token, want: http.StatusNotFound},
		{name: "another user's session", sessionID: "s2", query: "token=" + token, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL(tt.sessionID, tt.query), nil)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, 0, h.server.ActiveSessions())
}

func TestHandleStream_AcceptsToken(t *testing.T) {
	cfg := testConfig()
	cfg.AuthJWTSecret = "test-secret"
	h := newHarness(t, cfg, nil, []string{"unused"})

	token, err := h.auth.Issue("u1", time.Minute)
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL("s1", ""), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_ready","session_id":"s1"}`, string(data))
}

func TestHandleStream_SecondStreamConflicts(t *testing.T) {
	h := newHarness(t, testConfig(), nil, []string{"unused"})
	h.connect(t)
	assert.Equal(t, 1, h.server.ActiveSessions())

	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL("s1", "user_id=u1"), nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, testConfig(), nil, []string{"unused"})
	c := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
	assert.Equal(t, 0, h.server.ActiveSessions())

	// The client sees the channel close.
	deadline := time.After(waitTimeout)
	for closed := false; !closed; {
		select {
		case _, ok := <-c.msgs:
			closed = !ok
		case <-deadline:
			t.Fatal("channel still open after shutdown")
		}
	}

	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL("s1", "user_id=u1"), nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
