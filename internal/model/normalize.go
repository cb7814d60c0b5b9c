package model

import (
	"encoding/json"
	"time"
)

// SenderRef tolerates the two sender encodings seen on the wire: a raw id
// string ("u9") or an embedded object ({"_id":"u9","name":"Ann",...}).
type SenderRef struct {
	ID     string
	Name   string
	Avatar string
}

type senderObject struct {
	UnderscoreID string `json:"_id"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Username     string `json:"username"`
	Avatar       string `json:"avatar"`
	AvatarURL    string `json:"avatar_url"`
}

func (s *SenderRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		s.ID = id
		return nil
	}
	var obj senderObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.ID = obj.UnderscoreID
	if s.ID == "" {
		s.ID = obj.ID
	}
	s.Name = obj.Name
	if s.Name == "" {
		s.Name = obj.Username
	}
	s.Avatar = obj.Avatar
	if s.Avatar == "" {
		s.Avatar = obj.AvatarURL
	}
	return nil
}

// RawMessage is the tolerant wire shape of an inbound message. Sender identity
// may arrive embedded (sender object) or flat (sender_id/sender_name); both
// collapse to the canonical flat form via Normalize.
type RawMessage struct {
	ID           string        `json:"id"`
	ClientMsgID  string        `json:"client_msg_id"`
	EventID      string        `json:"event_id"`
	Sender       *SenderRef    `json:"sender"`
	SenderID     string        `json:"sender_id"`
	SenderName   string        `json:"sender_name"`
	SenderAvatar string        `json:"sender_avatar"`
	Text         string        `json:"text"`
	ReplyTo      *RawReply     `json:"reply_to"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       MessageStatus `json:"status"`
	IsDeleted    bool          `json:"is_deleted"`
}

// RawReply is the tolerant wire shape of a reply snapshot.
type RawReply struct {
	MessageID  string     `json:"message_id"`
	Sender     *SenderRef `json:"sender"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Text       string     `json:"text"`
}

// Normalize collapses the raw payload into a canonical Message. It runs
// exactly once, at ingestion; render code never sees a RawMessage. Missing
// sender identity degrades to UnknownSender instead of rejecting the message.
func (r *RawMessage) Normalize() Message {
	m := Message{
		ID:           r.ID,
		ClientMsgID:  r.ClientMsgID,
		EventID:      r.EventID,
		SenderID:     r.SenderID,
		SenderName:   r.SenderName,
		SenderAvatar: r.SenderAvatar,
		Text:         r.Text,
		Timestamp:    r.Timestamp,
		Status:       r.Status,
		IsDeleted:    r.IsDeleted,
	}
	if r.Sender != nil {
		if r.Sender.ID != "" {
			m.SenderID = r.Sender.ID
		}
		if r.Sender.Name != "" {
			m.SenderName = r.Sender.Name
		}
		if r.Sender.Avatar != "" {
			m.SenderAvatar = r.Sender.Avatar
		}
	}
	if m.SenderID == "" {
		m.SenderID = UnknownSender
	}
	if m.SenderName == "" {
		m.SenderName = UnknownSender
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if r.ReplyTo != nil {
		m.ReplyTo = r.ReplyTo.normalize()
	}
	if m.IsDeleted {
		// Tombstones never carry content.
		m.Text = ""
	}
	return m
}

func (r *RawReply) normalize() *ReplyRef {
	ref := &ReplyRef{
		MessageID:  r.MessageID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Text:       r.Text,
	}
	if r.Sender != nil {
		if r.Sender.ID != "" {
			ref.SenderID = r.Sender.ID
		}
		if r.Sender.Name != "" {
			ref.SenderName = r.Sender.Name
		}
	}
	if ref.SenderID == "" {
		ref.SenderID = UnknownSender
	}
	if ref.SenderName == "" {
		ref.SenderName = UnknownSender
	}
	return ref
}
