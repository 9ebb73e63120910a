package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessage is one entry of a conversation as shown to the user.
type ChatMessage struct {
	ID             string            `json:"id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	CreditsUsed    *int              `json:"credits_used,omitempty"`
	StructuredData json.RawMessage   `json:"structured_data,omitempty"`
	Insights       []json.RawMessage `json:"insights,omitempty"`
}

// StoredMessage is a persisted chat message row on the dev backend.
type StoredMessage struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreditsUsed    int
	StructuredData string
	CreatedAt      time.Time
}

// ChatMessage converts the stored row into its wire/UI representation.
func (m *StoredMessage) ChatMessage() ChatMessage {
	msg := ChatMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Role == RoleAssistant {
		credits := m.CreditsUsed
		msg.CreditsUsed = &credits
	}
	if m.StructuredData != "" {
		msg.StructuredData = json.RawMessage(m.StructuredData)
	}
	return msg
}
