package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/ws"
)

// ErrNotConnected is returned for wire sends while the socket is down; the
// caller's entry stays pending and reconciles via a late ack or the timeout.
var ErrNotConnected = errors.New("chat: not connected")

const (
	connWriteWait        = 10 * time.Second
	reconnectBaseBackoff = time.Second
	reconnectMaxBackoff  = 30 * time.Second
)

// Conn owns exactly one live connection, scoped to one event id and one user
// identity. It holds no message state: every inbound event is routed to the
// thread or the typing callback, and nothing is routed after Close — the done
// channel is the ownership check guarding a torn-down thread against late
// events.
type Conn struct {
	wsURL    string
	eventID  string
	self     model.Member
	thread   *Thread
	onTyping func([]ws.TypingUser)
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewConn prepares a connection handle for one event id. Nothing touches the
// network until Open.
func NewConn(wsURL string, eventID string, self model.Member, thread *Thread, onTyping func([]ws.TypingUser)) *Conn {
	return &Conn{
		wsURL:    wsURL,
		eventID:  eventID,
		self:     self,
		thread:   thread,
		onTyping: onTyping,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:     make(chan struct{}),
	}
}

// Open dials the live channel, joins the event's room and starts the read
// loop. The first dial is synchronous so the caller learns about an unusable
// endpoint immediately; later drops are handled by the reconnect loop.
func (c *Conn) Open(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.joinRoom(); err != nil {
		logger.Errorf("chat join room event=%s: %v", c.eventID, err)
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u := c.wsURL +
		"?user_id=" + url.QueryEscape(c.self.ID) +
		"&user_name=" + url.QueryEscape(c.self.Name) +
		"&avatar=" + url.QueryEscape(c.self.Avatar)
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Conn) joinRoom() error {
	return c.write(ws.IncomingMessage{Type: ws.EventJoinRoom, EventID: c.eventID})
}

// run reads the socket until it errors, then redials with capped backoff and
// re-joins the room. It exits only on Close.
func (c *Conn) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.readLoop(conn)
		}

		select {
		case <-c.done:
			return
		default:
		}

		backoff := reconnectBaseBackoff
		for {
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err := c.dial(ctx)
			cancel()
			if err != nil {
				logger.Errorf("chat redial event=%s: %v", c.eventID, err)
				if backoff < reconnectMaxBackoff {
					backoff *= 2
				}
				continue
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return
			}
			c.conn = conn
			c.mu.Unlock()

			// Transport recovered: membership does not survive a drop, so
			// re-join before anything else goes over the wire.
			if err := c.joinRoom(); err != nil {
				logger.Errorf("chat rejoin event=%s: %v", c.eventID, err)
			}
			break
		}
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("chat read event=%s: %v", c.eventID, err)
			}
			conn.Close()
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("chat decode event=%s: %v", c.eventID, err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound event. The done check is the late-event guard:
// after Close, nothing may mutate the thread, even if an event was already
// decoded when the teardown happened.
func (c *Conn) dispatch(env ws.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}

	switch env.Type {
	case ws.EventNewMessage:
		var raw model.RawMessage
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			logger.Errorf("chat new_message payload: %v", err)
			return
		}
		c.thread.IngestLive(raw)
	case ws.EventSendAck:
		var raw model.RawMessage
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			logger.Errorf("chat send_ack payload: %v", err)
			return
		}
		c.thread.ApplyAck(raw)
	case ws.EventMessageDeleted:
		var p ws.MessageDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Errorf("chat message_deleted payload: %v", err)
			return
		}
		c.thread.ApplyTombstone(p.MessageID)
	case ws.EventStatusUpdate:
		var p ws.StatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Errorf("chat status_update payload: %v", err)
			return
		}
		c.thread.ApplyStatusUpdate(p.MessageID, p.Status)
	case ws.EventTypingStatus:
		var p ws.TypingStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Errorf("chat typing_status payload: %v", err)
			return
		}
		if c.onTyping != nil {
			c.onTyping(p.Users)
		}
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Message != "" {
			logger.Errorf("chat server error event=%s: %s", c.eventID, p.Message)
		}
	default:
		logger.Errorf("chat unknown event type %q", env.Type)
	}
}

// write serializes one outbound event. The mutex doubles as the single-writer
// discipline gorilla requires.
func (c *Conn) write(msg ws.IncomingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(connWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// SendMessage implements Outbound.
func (c *Conn) SendMessage(m model.Message) error {
	return c.write(ws.IncomingMessage{
		Type:         ws.EventSendMessage,
		EventID:      c.eventID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Text:         m.Text,
		ClientMsgID:  m.ClientMsgID,
		ReplyTo:      m.ReplyTo,
	})
}

// DeleteMessage implements Outbound.
func (c *Conn) DeleteMessage(messageID string) error {
	return c.write(ws.IncomingMessage{
		Type:      ws.EventDeleteMessage,
		EventID:   c.eventID,
		MessageID: messageID,
	})
}

// SetTyping emits one typing transition; debouncing belongs to the signaler.
func (c *Conn) SetTyping(isTyping bool) error {
	return c.write(ws.IncomingMessage{
		Type:     ws.EventTyping,
		EventID:  c.eventID,
		UserID:   c.self.ID,
		UserName: c.self.Name,
		IsTyping: isTyping,
	})
}

// MarkAsRead reports the reader caught up with the thread.
func (c *Conn) MarkAsRead() error {
	return c.write(ws.IncomingMessage{
		Type:    ws.EventMarkAsRead,
		EventID: c.eventID,
		UserID:  c.self.ID,
	})
}

// Close tears the connection down. Safe to call multiple times; after it
// returns no further event reaches the thread.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	c.wg.Wait()
}
