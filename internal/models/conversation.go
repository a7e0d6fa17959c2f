package models

import (
	"time"

	"eduassist/internal/form"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusReset     Status = "RESET"
)

// Conversation groups an ordered sequence of messages and the form state
// accumulated from them. Conversations are never hard-deleted; reset ones
// are kept for audit and export.
type Conversation struct {
	ID        string        `json:"id"`
	UserID    int64         `json:"user_id"`
	Status    Status        `json:"status"`
	Snapshot  form.Snapshot `json:"form_snapshot"`
	Complete  bool          `json:"is_form_complete"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Status       Status    `json:"status"`
	Complete     bool      `json:"is_form_complete"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
