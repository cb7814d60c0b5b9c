package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/ws"
)

// fakeWSServer is a scripted peer: it records every client frame and lets the
// test push server events over the same socket.
type fakeWSServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound chan ws.IncomingMessage
}

func newFakeWSServer(t *testing.T) *fakeWSServer {
	t.Helper()
	f := &fakeWSServer{t: t, inbound: make(chan ws.IncomingMessage, 32)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var msg ws.IncomingMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.inbound <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWSServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeWSServer) push(typ ws.EventType, payload any) {
	f.t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn)
	require.NoError(f.t, conn.WriteJSON(ws.OutgoingMessage{Type: typ, Payload: payload}))
}

func (f *fakeWSServer) recv() ws.IncomingMessage {
	f.t.Helper()
	select {
	case m := <-f.inbound:
		return m
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a client frame")
		return ws.IncomingMessage{}
	}
}

func TestConnJoinSendAndReceive(t *testing.T) {
	srv := newFakeWSServer(t)

	var typingMu sync.Mutex
	var typingUsers []ws.TypingUser
	th := NewThread("e1", self, nil, ThreadOptions{})
	c := NewConn(srv.url(), "e1", self, th, func(users []ws.TypingUser) {
		typingMu.Lock()
		typingUsers = users
		typingMu.Unlock()
	})
	th.out = c
	th.Seed(nil)
	defer th.Close()
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))

	join := srv.recv()
	assert.Equal(t, ws.EventJoinRoom, join.Type)
	assert.Equal(t, "e1", join.EventID)

	// Outbound: an optimistic send goes over the wire with its clientMsgId.
	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)
	frame := srv.recv()
	assert.Equal(t, ws.EventSendMessage, frame.Type)
	assert.Equal(t, m.ClientMsgID, frame.ClientMsgID)
	assert.Equal(t, "hello", frame.Text)

	// Inbound: the ack resolves the pending entry.
	srv.push(ws.EventSendAck, model.RawMessage{
		ID: "m1", ClientMsgID: m.ClientMsgID, EventID: "e1", SenderID: self.ID, Text: "hello",
	})
	require.Eventually(t, func() bool {
		msgs := th.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1" && msgs[0].Status == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	// Inbound: another participant's message is appended.
	srv.push(ws.EventNewMessage, model.RawMessage{ID: "m2", EventID: "e1", SenderID: "u2", Text: "hi back"})
	require.Eventually(t, func() bool {
		return len(th.Messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Inbound: read receipt and tombstone route to the thread.
	srv.push(ws.EventStatusUpdate, ws.StatusUpdatePayload{MessageID: "m1", EventID: "e1", Status: model.StatusRead})
	srv.push(ws.EventMessageDeleted, ws.MessageDeletedPayload{MessageID: "m2", EventID: "e1"})
	require.Eventually(t, func() bool {
		msgs := th.Messages()
		return msgs[0].Status == model.StatusRead && msgs[1].IsDeleted
	}, 2*time.Second, 10*time.Millisecond)

	// Inbound: the typing snapshot reaches the callback.
	srv.push(ws.EventTypingStatus, ws.TypingStatusPayload{
		EventID: "e1",
		Users:   []ws.TypingUser{{UserID: "u2", UserName: "Bob"}},
	})
	require.Eventually(t, func() bool {
		typingMu.Lock()
		defer typingMu.Unlock()
		return len(typingUsers) == 1 && typingUsers[0].UserID == "u2"
	}, 2*time.Second, 10*time.Millisecond)

	// Outbound: typing and read markers carry the user identity.
	require.NoError(t, c.SetTyping(true))
	typing := srv.recv()
	assert.Equal(t, ws.EventTyping, typing.Type)
	assert.True(t, typing.IsTyping)
	assert.Equal(t, self.ID, typing.UserID)

	require.NoError(t, c.MarkAsRead())
	read := srv.recv()
	assert.Equal(t, ws.EventMarkAsRead, read.Type)

	require.NoError(t, c.DeleteMessage("m1"))
	del := srv.recv()
	assert.Equal(t, ws.EventDeleteMessage, del.Type)
	assert.Equal(t, "m1", del.MessageID)
}

func TestConnWriteWhileDisconnected(t *testing.T) {
	th := NewThread("e1", self, nil, ThreadOptions{})
	defer th.Close()
	c := NewConn("ws://127.0.0.1:1/ws", "e1", self, th, nil)

	// Never opened: sends fail fast, the caller's entry stays pending.
	assert.ErrorIs(t, c.SendMessage(model.Message{Text: "hi"}), ErrNotConnected)
	assert.ErrorIs(t, c.SetTyping(true), ErrNotConnected)
	c.Close()
}

func TestConnLateEventGuard(t *testing.T) {
	srv := newFakeWSServer(t)

	th := NewThread("e1", self, nil, ThreadOptions{})
	c := NewConn(srv.url(), "e1", self, th, nil)
	th.out = c
	th.Seed([]model.RawMessage{{ID: "m1", SenderID: "u2", Text: "hi"}})
	defer th.Close()

	require.NoError(t, c.Open(context.Background()))
	srv.recv() // join_room
	c.Close()

	// An event decoded just before the teardown must not reach the thread.
	payload, _ := json.Marshal(ws.MessageDeletedPayload{MessageID: "m1", EventID: "e1"})
	c.dispatch(ws.Envelope{Type: ws.EventMessageDeleted, Payload: payload})

	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsDeleted)
}

func TestManagerStaleHistoryDiscarded(t *testing.T) {
	wsSrv := newFakeWSServer(t)

	// e1's history hangs until released; e2's answers immediately.
	release := make(chan struct{})
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/events/e1/") {
			<-release
		}
		var history []model.RawMessage
		if strings.Contains(r.URL.Path, "/events/e1/") {
			history = []model.RawMessage{{ID: "stale", EventID: "e1", SenderID: "u2", Text: "old room"}}
		} else {
			history = []model.RawMessage{{ID: "fresh", EventID: "e2", SenderID: "u2", Text: "new room"}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(history)
	}))
	defer rest.Close()
	defer close(release)

	mgr := NewManager(Config{
		BaseURL: rest.URL,
		WSURL:   wsSrv.url(),
	}, self)
	defer mgr.Close()

	s1, err := mgr.Open(context.Background(), "e1")
	require.NoError(t, err)
	wsSrv.recv() // e1 join

	// Switching rooms while e1's fetch is in flight closes the old session.
	s2, err := mgr.Open(context.Background(), "e2")
	require.NoError(t, err)
	join := wsSrv.recv()
	assert.Equal(t, "e2", join.EventID)

	require.Eventually(t, func() bool {
		msgs := s2.Messages()
		return len(msgs) == 1 && msgs[0].ID == "fresh"
	}, 2*time.Second, 10*time.Millisecond)

	// The e1 response lands late; its thread is closed and stays empty.
	release <- struct{}{}
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s1.Messages())
	assert.Len(t, s2.Messages(), 1)
}

func TestManagerHistoryFailureStillSeeds(t *testing.T) {
	wsSrv := newFakeWSServer(t)

	// The REST side is down for good: every attempt answers 500.
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer rest.Close()

	mgr := NewManager(Config{BaseURL: rest.URL, WSURL: wsSrv.url()}, self)
	defer mgr.Close()

	sess, err := mgr.Open(context.Background(), "e1")
	require.NoError(t, err)
	wsSrv.recv() // join_room

	// A live message arriving while the fetch fails is buffered; once the
	// retries are exhausted the thread seeds empty and the buffer drains.
	wsSrv.push(ws.EventNewMessage, model.RawMessage{ID: "m1", EventID: "e1", SenderID: "u2", Text: "live"})
	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerHistoryRetriesTransientFailure(t *testing.T) {
	wsSrv := newFakeWSServer(t)

	var calls int32
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]model.RawMessage{{ID: "m1", EventID: "e1", SenderID: "u2", Text: "hi"}})
	}))
	defer rest.Close()

	mgr := NewManager(Config{BaseURL: rest.URL, WSURL: wsSrv.url()}, self)
	defer mgr.Close()

	sess, err := mgr.Open(context.Background(), "e1")
	require.NoError(t, err)
	wsSrv.recv() // join_room

	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestManagerSessionSendAndAck(t *testing.T) {
	wsSrv := newFakeWSServer(t)
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer rest.Close()

	var mu sync.Mutex
	var forced []bool
	mgr := NewManager(Config{
		BaseURL: rest.URL,
		WSURL:   wsSrv.url(),
		OnListChange: func(_ string, _ ListChange, force bool) {
			mu.Lock()
			forced = append(forced, force)
			mu.Unlock()
		},
	}, self)
	defer mgr.Close()

	sess, err := mgr.Open(context.Background(), "e1")
	require.NoError(t, err)
	wsSrv.recv() // join_room

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forced) == 1 // the seed
	}, 2*time.Second, 10*time.Millisecond)

	m, err := sess.Send("hello", nil)
	require.NoError(t, err)
	frame := wsSrv.recv()
	assert.Equal(t, ws.EventSendMessage, frame.Type)

	wsSrv.push(ws.EventSendAck, model.RawMessage{
		ID: "m1", ClientMsgID: m.ClientMsgID, EventID: "e1", SenderID: self.ID, Text: "hello",
	})
	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	}, 2*time.Second, 10*time.Millisecond)

	// Seed and own send force-scroll; the in-place ack does not.
	mu.Lock()
	assert.Equal(t, []bool{true, true, false}, forced)
	mu.Unlock()
}
