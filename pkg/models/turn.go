package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is a single persisted conversation message. Turn indices are dense and
// strictly increasing per conversation, starting at 0.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	TurnIndex      int       `json:"turn_index"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the header row for a persisted conversation. RootOf is the
// parent conversation ID when this conversation was produced by branching.
type Conversation struct {
	ID        string    `json:"id"`
	RootOf    string    `json:"root_of,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count,omitempty"`
}
