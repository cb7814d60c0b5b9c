package ws

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/repository"
)

// Hub routes connections into per-event rooms and dispatches the live-channel
// protocol: sends, acks, tombstones, status updates and typing snapshots.
// It holds no message state of its own beyond the per-room typing sets.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	typing  map[string]map[string]string // event id -> user id -> user name
	clients map[*Client]struct{}         // admitted connections, the cap's unit

	maxConns   int
	msgRepo    *repository.MessageRepository
	memberRepo *repository.MemberRepository

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(msgRepo *repository.MessageRepository, memberRepo *repository.MemberRepository, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		typing:     make(map[string]map[string]string),
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		msgRepo:    msgRepo,
		memberRepo: memberRepo,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		allClients = append(allClients, c)
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.typing = make(map[string]map[string]string)
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		// Rejected at the cap (or already removed): never counted, nothing
		// to unwind.
		h.mu.Unlock()
		c.Close()
		return
	}
	delete(h.clients, c)
	room := c.room
	wasTyping := false
	if room != "" {
		if clients, ok := h.rooms[room]; ok {
			if _, exists := clients[c]; exists {
				delete(clients, c)
				if len(clients) == 0 {
					delete(h.rooms, room)
				}
			}
		}
		if set, ok := h.typing[room]; ok {
			if _, exists := set[c.userID]; exists {
				delete(set, c.userID)
				wasTyping = true
			}
			if len(set) == 0 {
				delete(h.typing, room)
			}
		}
		c.room = ""
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if room != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.memberRepo.SetOnline(ctx, room, c.userID, false); err != nil {
			logger.Errorf("ws set offline event=%s user=%s: %v", room, c.userID, err)
		}
		if wasTyping {
			h.broadcastTyping(room)
		}
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoinRoom:
		h.handleJoinRoom(ctx, c, msg)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventDeleteMessage:
		h.handleDeleteMessage(ctx, c, msg)
	case EventTyping:
		h.handleTyping(c, msg)
	case EventMarkAsRead:
		h.handleMarkAsRead(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "unknown event type"}})
	}
}

// handleJoinRoom moves the connection into the event's room. Joining the room
// it is already in is a no-op, so a fast unmount/remount pair produces no
// observable side effects.
func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.EventID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "event_id required"}})
		return
	}

	h.mu.Lock()
	if c.room == msg.EventID {
		h.mu.Unlock()
		return
	}
	prev := c.room
	if prev != "" {
		if clients, ok := h.rooms[prev]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, prev)
			}
		}
		if set, ok := h.typing[prev]; ok {
			delete(set, c.userID)
		}
	}
	if _, ok := h.rooms[msg.EventID]; !ok {
		h.rooms[msg.EventID] = make(map[*Client]struct{})
	}
	h.rooms[msg.EventID][c] = struct{}{}
	c.room = msg.EventID
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	member := model.Member{ID: c.userID, Name: c.userName, Avatar: c.avatar, IsOnline: true}
	if err := h.memberRepo.Upsert(ctx, msg.EventID, member); err != nil {
		logger.Errorf("ws roster upsert event=%s user=%s: %v", msg.EventID, c.userID, err)
	}
	if prev != "" {
		if err := h.memberRepo.SetOnline(ctx, prev, c.userID, false); err != nil {
			logger.Errorf("ws set offline event=%s user=%s: %v", prev, c.userID, err)
		}
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.EventID == "" || msg.Text == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "event_id and text required"}})
		return
	}
	if utf8.RuneCountInString(msg.Text) > model.MaxTextLen {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "text too long"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// A resend reuses its clientMsgId; if the original send was persisted but
	// the ack got lost, answer with the stored record instead of duplicating.
	if msg.ClientMsgID != "" {
		stored, err := h.msgRepo.GetByClientMsgID(ctx, msg.EventID, msg.ClientMsgID)
		if err == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventSendAck, Payload: stored})
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Errorf("ws dedup lookup event=%s user=%s: %v", msg.EventID, c.userID, err)
		}
	}

	m := &model.Message{
		ID:           uuid.New().String(),
		ClientMsgID:  msg.ClientMsgID,
		EventID:      msg.EventID,
		SenderID:     c.userID,
		SenderName:   c.userName,
		SenderAvatar: c.avatar,
		Text:         msg.Text,
		ReplyTo:      msg.ReplyTo,
		Timestamp:    time.Now().UTC(),
		Status:       model.StatusSent,
	}
	if err := h.msgRepo.Create(ctx, m); err != nil {
		logger.Errorf("ws save message event=%s user=%s: %v", msg.EventID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "failed to save message"}})
		return
	}

	h.sendToClient(c, OutgoingMessage{Type: EventSendAck, Payload: m})
	others := h.sendToRoom(msg.EventID, OutgoingMessage{Type: EventNewMessage, Payload: m}, c)

	if others > 0 {
		updated, err := h.msgRepo.UpdateStatus(ctx, m.ID, model.StatusDelivered)
		if err != nil {
			logger.Errorf("ws mark delivered msg=%s: %v", m.ID, err)
			return
		}
		if updated {
			h.sendToRoom(msg.EventID, OutgoingMessage{Type: EventStatusUpdate, Payload: StatusUpdatePayload{
				MessageID: m.ID,
				EventID:   msg.EventID,
				Status:    model.StatusDelivered,
			}}, nil)
		}
	}
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	if msg.MessageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	original, err := h.msgRepo.GetByID(ctx, msg.MessageID)
	if err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "message not found"}})
		return
	}
	if original.SenderID != c.userID {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "can only delete own messages"}})
		return
	}

	if err := h.msgRepo.SoftDelete(ctx, msg.MessageID); err != nil {
		logger.Errorf("ws delete message %s: %v", msg.MessageID, err)
		return
	}

	h.sendToRoom(original.EventID, OutgoingMessage{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
		MessageID: msg.MessageID,
		EventID:   original.EventID,
	}}, nil)
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage) {
	if msg.EventID == "" {
		return
	}

	h.mu.Lock()
	set, ok := h.typing[msg.EventID]
	if !ok {
		set = make(map[string]string)
		h.typing[msg.EventID] = set
	}
	changed := false
	if msg.IsTyping {
		if _, exists := set[c.userID]; !exists {
			set[c.userID] = c.userName
			changed = true
		}
	} else {
		if _, exists := set[c.userID]; exists {
			delete(set, c.userID)
			changed = true
		}
	}
	h.mu.Unlock()

	if changed {
		h.broadcastTyping(msg.EventID)
	}
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.EventID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ids, err := h.msgRepo.MarkRead(ctx, msg.EventID, c.userID)
	if err != nil {
		logger.Errorf("ws mark read event=%s user=%s: %v", msg.EventID, c.userID, err)
		return
	}

	for _, id := range ids {
		h.sendToRoom(msg.EventID, OutgoingMessage{Type: EventStatusUpdate, Payload: StatusUpdatePayload{
			MessageID: id,
			EventID:   msg.EventID,
			Status:    model.StatusRead,
		}}, nil)
	}
}

// broadcastTyping sends the current typing-set snapshot to every connection in
// the room; receivers filter themselves out at display time.
func (h *Hub) broadcastTyping(eventID string) {
	h.mu.RLock()
	users := make([]TypingUser, 0, len(h.typing[eventID]))
	for id, name := range h.typing[eventID] {
		users = append(users, TypingUser{UserID: id, UserName: name})
	}
	h.mu.RUnlock()

	h.sendToRoom(eventID, OutgoingMessage{Type: EventTypingStatus, Payload: TypingStatusPayload{
		EventID: eventID,
		Users:   users,
	}}, nil)
}

// sendToRoom delivers msg to every connection in the room except skip.
// Returns the number of connections targeted.
func (h *Hub) sendToRoom(eventID string, msg OutgoingMessage, skip *Client) int {
	h.mu.RLock()
	clients, ok := h.rooms[eventID]
	if !ok {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
	return len(targets)
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
