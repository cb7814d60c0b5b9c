package ws

import (
	"encoding/json"

	"github.com/eventchat/internal/model"
)

type EventType string

const (
	// Client to server.
	EventJoinRoom      EventType = "join_room"
	EventSendMessage   EventType = "send_message"
	EventDeleteMessage EventType = "delete_message"
	EventTyping        EventType = "typing"
	EventMarkAsRead    EventType = "mark_as_read"

	// Server to client.
	EventNewMessage     EventType = "new_message"
	EventSendAck        EventType = "send_ack"
	EventMessageDeleted EventType = "message_deleted"
	EventStatusUpdate   EventType = "status_update"
	EventTypingStatus   EventType = "typing_status"
	EventError          EventType = "error"
)

// IncomingMessage is what a client sends to the server.
type IncomingMessage struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`

	// For send_message
	SenderID     string          `json:"sender_id,omitempty"`
	SenderName   string          `json:"sender_name,omitempty"`
	SenderAvatar string          `json:"sender_avatar,omitempty"`
	Text         string          `json:"text,omitempty"`
	ClientMsgID  string          `json:"client_msg_id,omitempty"`
	ReplyTo      *model.ReplyRef `json:"reply_to,omitempty"`

	// For delete_message
	MessageID string `json:"message_id,omitempty"`

	// For typing / mark_as_read
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// OutgoingMessage is what the server sends to a client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Envelope is the decode-side counterpart of OutgoingMessage: the payload is
// kept raw until the event type selects the concrete shape.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageDeletedPayload is broadcast when a message is tombstoned.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	EventID   string `json:"event_id"`
}

// StatusUpdatePayload is broadcast on sent -> delivered -> read transitions.
type StatusUpdatePayload struct {
	MessageID string              `json:"message_id"`
	EventID   string              `json:"event_id"`
	Status    model.MessageStatus `json:"status"`
}

// TypingUser is one member of a room's typing set.
type TypingUser struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// TypingStatusPayload is a full snapshot of a room's typing set; receivers
// replace their set wholesale rather than applying deltas.
type TypingStatusPayload struct {
	EventID string       `json:"event_id"`
	Users   []TypingUser `json:"users"`
}

// ErrorPayload carries a human-readable protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}
