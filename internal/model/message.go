package model

import "time"

// MaxTextLen is the upper bound on message body length, in runes.
const MaxTextLen = 1500

// UnknownSender is substituted when an inbound payload carries no usable
// sender identity. Degraded display beats a dropped message.
const UnknownSender = "Unknown"

type MessageStatus string

const (
	// StatusPending is an optimistic entry awaiting its server ack.
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	// StatusFailed is local-only: no ack arrived within the send timeout.
	StatusFailed MessageStatus = "failed"
)

// statusRank orders the server-driven statuses for monotonic transitions.
// pending and failed are local states and never arrive over the wire.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Supersedes reports whether s is a strictly later server status than other.
// Out-of-order downgrades (delivered after read) come back false.
func (s MessageStatus) Supersedes(other MessageStatus) bool {
	return statusRank[s] > statusRank[other]
}

// ReplyRef is a snapshot of the replied-to message taken at reply time,
// not a live reference: later edits or deletion of the target do not affect it.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

// Message is a single chat message in its canonical, normalized form.
// Sender identity is flattened exactly once, at ingestion (see RawMessage).
type Message struct {
	// ID is the durable identifier assigned by the server; empty while the
	// entry is optimistic.
	ID string `json:"id,omitempty"`
	// ClientMsgID is the client-generated token correlating a send with its
	// later ack. Present on every outbound message.
	ClientMsgID  string        `json:"client_msg_id,omitempty"`
	EventID      string        `json:"event_id"`
	SenderID     string        `json:"sender_id"`
	SenderName   string        `json:"sender_name"`
	SenderAvatar string        `json:"sender_avatar,omitempty"`
	Text         string        `json:"text"`
	ReplyTo      *ReplyRef     `json:"reply_to,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       MessageStatus `json:"status"`
	IsDeleted    bool          `json:"is_deleted"`
}

// Reply returns the snapshot to embed when replying to m.
func (m *Message) Reply() *ReplyRef {
	if m == nil {
		return nil
	}
	return &ReplyRef{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
	}
}

// Member is one entry of an event's roster, used for @-mention candidates.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"is_online,omitempty"`
}

// Tag is a free-text label insertable into message text as #tag.
type Tag struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Label   string `json:"label"`
}
