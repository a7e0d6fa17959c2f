package models

import (
	"time"

	"eduassist/internal/form"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message captures one turn entry stored in the conversation history.
type Message struct {
	// Seq orders messages within a conversation, assigned on append.
	Seq            int64  `json:"seq"`
	ConversationID string `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	// Delta holds the extraction result folded into the snapshot when
	// this assistant message was produced. Nil for user messages and for
	// degraded assistant replies.
	Delta     form.Delta `json:"delta,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
