package engine

import (
	"context"
	"time"

	"eduassist/internal/models"
)

// Stats is derived on demand from a conversation; nothing here is stored.
type Stats struct {
	ConversationID    string          `json:"conversation_id"`
	Status            models.Status   `json:"status"`
	MessageCount      int             `json:"message_count"`
	UserTurns         int             `json:"user_turns"`
	ElapsedSeconds    float64         `json:"elapsed_seconds"`
	FieldsFilled      map[string]bool `json:"fields_filled"`
	CompletionPercent float64         `json:"completion_percent"`
	Complete          bool            `json:"is_form_complete"`
}

// Export bundles everything needed for audit: the full ordered history,
// the final snapshot and the derived stats.
type Export struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
	Stats        Stats                `json:"stats"`
}

// GetStats computes the derived stats for one conversation.
func (e *Engine) GetStats(ctx context.Context, conversationID string) (*Stats, error) {
	conv, messages, err := e.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return e.buildStats(conv, messages), nil
}

// GetExport returns the audit export of a conversation.
func (e *Engine) GetExport(ctx context.Context, conversationID string) (*Export, error) {
	conv, messages, err := e.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Export{
		Conversation: conv,
		Messages:     messages,
		Stats:        *e.buildStats(conv, messages),
	}, nil
}

func (e *Engine) buildStats(conv *models.Conversation, messages []*models.Message) *Stats {
	userTurns := 0
	for _, msg := range messages {
		if msg.Role == models.RoleUser {
			userTurns++
		}
	}
	elapsed := conv.UpdatedAt.Sub(conv.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return &Stats{
		ConversationID:    conv.ID,
		Status:            conv.Status,
		MessageCount:      len(messages),
		UserTurns:         userTurns,
		ElapsedSeconds:    elapsed.Round(time.Millisecond).Seconds(),
		FieldsFilled:      e.schema.FillRatio(conv.Snapshot),
		CompletionPercent: e.schema.Completion(conv.Snapshot) * 100,
		Complete:          e.schema.IsComplete(conv.Snapshot),
	}
}
