package model

import "time"

// Role is who a message is logically attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source is the finer-grained origin of a message, used for rendering
// names/avatars and for echo suppression.
type Source string

const (
	SourceAI     Source = "ai"
	SourceAdmin  Source = "admin"
	SourceSystem Source = "system"
	SourceUser   Source = "user"
)

// Attachment is a file sent along with a user message. URL is a local
// preview reference and is not expected to survive a reload.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Message represents a chat message held by a client session
type Message struct {
	ID string `json:"id"`
	// ParentID is set on paragraph sub-messages and names the row they were split from.
	ParentID    string       `json:"parent_id,omitempty"`
	Role        Role         `json:"role"`
	Source      Source       `json:"source"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Pending reports whether m is a response placeholder.
func (m Message) Pending() bool {
	return m.Role == RoleAssistant && m.Content == ""
}

// RowID returns the id of the backend row m belongs to.
func (m Message) RowID() string {
	if m.ParentID != "" {
		return m.ParentID
	}
	return m.ID
}

// Settings holds per-conversation chat settings
type Settings struct {
	AIEnabled        bool `json:"ai_enabled"`
	AdminIntervening bool `json:"admin_intervening"`
}

// ConversationSummary is one row of the admin conversation list
type ConversationSummary struct {
	ConversationID string `json:"user_id"`
	MessageCount   int    `json:"message_count"`
	LastMessage    string `json:"last_message"`
	LastRole       string `json:"last_role"`
}
