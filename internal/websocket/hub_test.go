package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygen/internal/license"
	"keygen/internal/shared/testutil"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := testutil.NewLogger()
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func dial(t *testing.T, hub *Hub, greeting func() any) *websocket.Conn {
	t.Helper()
	logger, _ := testutil.NewLogger()
	srv := httptest.NewServer(NewHandler(hub, greeting, logger))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_GreetsAndBroadcasts(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, func() any { return map[string]string{"id": "lic-1"} })

	greeting := readMessage(t, conn)
	assert.Equal(t, TypeConnection, greeting.Type)
	data, ok := greeting.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", data["status"])
	assert.Equal(t, map[string]any{"id": "lic-1"}, data["license"])

	hub.Publish(license.Event{
		ID:   "evt-1",
		Type: license.EventValidated,
		Time: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{"license_id": "lic-1"},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "license.validated", msg.Type)
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, 1, hub.Stats().ActiveClients)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, nil)
	readMessage(t, conn)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hub.Stats().TotalConnections)
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, nil)
	readMessage(t, conn)

	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// Publishing after stop neither blocks nor panics
	hub.Publish(license.Event{Type: license.EventInvalid})
}

func TestHub_PublishDropsWhenQueueFull(t *testing.T) {
	logger, _ := testutil.NewLogger()
	hub := NewHub(logger)

	for i := 0; i < cap(hub.broadcast)+3; i++ {
		hub.Publish(license.Event{Type: license.EventHeartbeat})
	}
	assert.Equal(t, int64(3), hub.Stats().Dropped)
}

func TestHandler_RejectsPlainRequests(t *testing.T) {
	logger, _ := testutil.NewLogger()
	h := NewHandler(startHub(t), nil, logger)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "WEBSOCKET_UPGRADE_FAILED", problem["error_code"])
	assert.NotEmpty(t, problem["details"])
}
