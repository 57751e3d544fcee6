package web

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow/ptydeck/internal/term"
)

func TestSessionWSAttachRoundTrip(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skipf("no pty device available: %v", err)
	}

	manager := term.NewManager(nil, term.Options{FlushInterval: 2 * time.Millisecond})
	defer manager.Shutdown()

	id, err := manager.Create(term.CreateOptions{
		Command: "sleep 5",
		Shell:   "/bin/sh",
	})
	require.NoError(t, err)
	defer manager.Destroy(id)

	s := NewServer(Config{}, manager)
	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the attached status.
	var status wsServerMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)
	assert.Equal(t, "attached", status.Event)
	assert.Equal(t, id, status.SessionID)

	// Typed input comes back as echoed binary output.
	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "input", Data: "hello"}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Contains(t, string(data), "hello")

	// Resize is accepted without killing the connection.
	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "resize", Cols: 100, Rows: 30}))

	// Unknown message types answer with an error frame, not a close.
	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "bogus"}))
}
