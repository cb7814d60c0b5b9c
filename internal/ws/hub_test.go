package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConn dials a throwaway upgrade endpoint and returns the server side
// of the socket, the shape NewClient expects.
func newTestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch <- conn
	}))
	t.Cleanup(srv.Close)

	dialed, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dialed.Close() })

	select {
	case conn := <-ch:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server-side socket")
		return nil
	}
}

func admittedCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func clientClosed(c *Client) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func TestHubConnectionCap(t *testing.T) {
	hub := NewHub(nil, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	alice := NewClient(hub, newTestConn(t), "alice", "Alice", "")
	hub.Register(alice)
	require.Eventually(t, func() bool { return admittedCount(hub) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Over the cap: bob is closed without ever being counted.
	bob := NewClient(hub, newTestConn(t), "bob", "Bob", "")
	hub.Register(bob)
	require.Eventually(t, func() bool { return clientClosed(bob) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, admittedCount(hub))

	// Bob's pump teardown still unregisters him; that must not free a slot
	// alice is holding.
	hub.Unregister(bob)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, admittedCount(hub))
	assert.False(t, clientClosed(alice))

	carol := NewClient(hub, newTestConn(t), "carol", "Carol", "")
	hub.Register(carol)
	require.Eventually(t, func() bool { return clientClosed(carol) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, admittedCount(hub))

	// Once alice leaves, the slot opens up.
	hub.Unregister(alice)
	require.Eventually(t, func() bool { return admittedCount(hub) == 0 }, 2*time.Second, 10*time.Millisecond)

	dave := NewClient(hub, newTestConn(t), "dave", "Dave", "")
	hub.Register(dave)
	require.Eventually(t, func() bool { return admittedCount(hub) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, clientClosed(dave))
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(nil, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	a := NewClient(hub, newTestConn(t), "a", "A", "")
	b := NewClient(hub, newTestConn(t), "b", "B", "")
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return admittedCount(hub) == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Unregister(a)
	hub.Unregister(a)
	require.Eventually(t, func() bool { return admittedCount(hub) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, admittedCount(hub))
	assert.False(t, clientClosed(b))
}
