package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow/ptydeck/internal/marker"
	"github.com/tchow/ptydeck/internal/term"
)

func newTestServer(t *testing.T) (*Server, *term.Manager, *httptest.Server) {
	t.Helper()
	manager := term.NewManager(nil, term.Options{FlushInterval: 2 * time.Millisecond})
	t.Cleanup(manager.Shutdown)

	s := NewServer(Config{}, manager)
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, manager, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestHealthRejectsPost(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListSessionsEmpty(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []term.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Sessions)
}

func TestSessionByIDNotFound(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/sessions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestDeleteUnknownSessionIsNoOp(t *testing.T) {
	_, _, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json",
		http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivityEndpoint(t *testing.T) {
	s, _, ts := newTestServer(t)

	s.UpdateActivity(marker.Snapshot{
		RunningIDs: []string{"ws1"},
		WaitingIDs: []string{"ws2"},
		AgentCount: 2,
	})

	resp, err := http.Get(ts.URL + "/api/activity")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Running    []string `json:"running"`
		Waiting    []string `json:"waiting"`
		AgentCount int      `json:"agent_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"ws1"}, body.Running)
	assert.Equal(t, []string{"ws2"}, body.Waiting)
	assert.Equal(t, 2, body.AgentCount)
}

func TestSessionWSUnknownSession(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws/session/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPathSuffix(t *testing.T) {
	tests := []struct {
		path, prefix, want string
	}{
		{"/api/sessions/abc", "/api/sessions/", "abc"},
		{"/api/sessions/", "/api/sessions/", ""},
		{"/api/sessions/a/b", "/api/sessions/", ""},
		{"/ws/session/id-1", "/ws/session/", "id-1"},
	}
	for _, tt := range tests {
		if got := pathSuffix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("pathSuffix(%q, %q) = %q, want %q", tt.path, tt.prefix, got, tt.want)
		}
	}
}
