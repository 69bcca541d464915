package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Backend vocabulary. Roles and sources crossing the HTTP or realtime
// boundary are spelled this way; readers also accept the client spelling.
const (
	wireHuman  = "human"
	wireAI     = "ai"
	wireSystem = "system"
	wireAdmin  = "admin"
)

// WireMessage is a conversation row as stored and served by the backend
type WireMessage struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ParseRole maps either vocabulary onto Role.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case wireHuman, string(RoleUser):
		return RoleUser, true
	case wireAI, string(RoleAssistant), wireAdmin:
		return RoleAssistant, true
	case wireSystem:
		return RoleSystem, true
	}
	return "", false
}

// Wire returns the backend spelling of r.
func (r Role) Wire() string {
	switch r {
	case RoleUser:
		return wireHuman
	case RoleAssistant:
		return wireAI
	case RoleSystem:
		return wireSystem
	}
	return string(r)
}

// ParseSource maps either vocabulary onto Source.
func ParseSource(s string) (Source, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case wireHuman, string(SourceUser):
		return SourceUser, true
	case wireAI:
		return SourceAI, true
	case wireAdmin:
		return SourceAdmin, true
	case wireSystem:
		return SourceSystem, true
	}
	return "", false
}

// Wire returns the backend spelling of s.
func (s Source) Wire() string {
	if s == SourceUser {
		return wireHuman
	}
	return string(s)
}

// DefaultSource is the source assumed for a row that does not carry one.
func DefaultSource(r Role) Source {
	switch r {
	case RoleUser:
		return SourceUser
	case RoleSystem:
		return SourceSystem
	}
	return SourceAI
}

// FromWire normalizes a backend row. It returns false when the row carries
// an unknown role. Rows without id or timestamp get fallbackID and now.
func FromWire(w WireMessage, fallbackID string, now time.Time) (Message, bool) {
	role, ok := ParseRole(w.Role)
	if !ok {
		return Message{}, false
	}
	source, ok := ParseSource(w.Source)
	if !ok {
		source = DefaultSource(role)
	}
	id := w.ID
	if id == "" {
		id = fallbackID
	}
	ts := w.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Message{
		ID:        id,
		Role:      role,
		Source:    source,
		Content:   w.Content,
		Timestamp: ts,
	}, true
}

// ToWire converts m into the backend vocabulary.
func ToWire(m Message) WireMessage {
	return WireMessage{
		ID:        m.RowID(),
		Role:      m.Role.Wire(),
		Content:   m.Content,
		Source:    m.Source.Wire(),
		Timestamp: m.Timestamp,
	}
}

// Realtime envelope types
const (
	EnvelopeBroadcast = "broadcast"
	EnvelopeRowUpdate = "row_update"

	EventNewMessage = "new_message"
	EventTyping     = "typing"
)

// Envelope is one frame on a conversation's realtime channel
type Envelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RowUpdate carries the full stored message array of a conversation
type RowUpdate struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []WireMessage `json:"messages"`
}

// TypingEvent announces that the sender is typing
type TypingEvent struct {
	Source string `json:"source"`
}
