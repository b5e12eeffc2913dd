package feed

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestHub_DeliversPublishedMessages(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	mux := http.NewServeMux()
	hub.Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.Dial(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("ledger.appended", map[string]any{"id": 42, "status": "pending"})

	_, data, err := conn.Read(t.Context())
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "ledger.appended", msg.Type)
	assert.JSONEq(t, `{"id":42,"status":"pending"}`, string(msg.Data))
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHub_DropsSlowClient(t *testing.T) {
	t.Parallel()

	hub := newTestHub()

	slow := &client{send: make(chan []byte, clientBuffer), done: make(chan struct{})}
	hub.clients[slow] = struct{}{}

	for range clientBuffer {
		hub.Publish("x", 1)
	}

	assert.Equal(t, 1, hub.ClientCount())

	hub.Publish("x", 1)

	assert.Equal(t, 0, hub.ClientCount())

	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not stopped")
	}
}

func TestHub_CloseRejectsNewClients(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.Dial(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(t.Context())
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestHub_PublishUnmarshalable(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	slow := &client{send: make(chan []byte, 1), done: make(chan struct{})}
	hub.clients[slow] = struct{}{}

	hub.Publish("bad", make(chan int))

	assert.Empty(t, slow.send)
}
