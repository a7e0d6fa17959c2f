package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eduassist/internal/form"
	"eduassist/internal/models"
	"eduassist/internal/redis"

	"github.com/google/uuid"
)

// Service persists conversations, their ordered message histories and the
// current form snapshot. All mutations on a single conversation are atomic;
// the engine's per-conversation lock keeps them from interleaving.
type Service struct {
	db    *sql.DB
	cache *stateCache
}

// NewService builds the store service. cacheClient may be nil; caching is
// then disabled and every read goes to the database.
func NewService(db *sql.DB, cacheClient *redis.Client) *Service {
	return &Service{db: db, cache: newStateCache(cacheClient)}
}

// OnInvalidate registers a handler called when another instance resets a
// conversation. Used by the engine to drop its lock entry.
func (s *Service) OnInvalidate(handler func(conversationID string)) {
	s.cache.startListener(handler)
}

// Create inserts a new ACTIVE conversation with an empty snapshot.
func (s *Service) Create(ctx context.Context, userID int64) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.StatusActive,
		Snapshot:  form.Snapshot{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap, err := json.Marshal(conv.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, status, snapshot, complete, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Status, string(snap), conv.Complete, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.cache.storeConversation(conv)
	return conv, nil
}

// Get returns the conversation row. sql.ErrNoRows when unknown.
func (s *Service) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if conv := s.cache.loadConversation(id); conv != nil {
		return conv, nil
	}
	conv, err := s.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.storeConversation(conv)
	return conv, nil
}

func (s *Service) getFromDB(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		conv models.Conversation
		snap string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, snapshot, complete, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.UserID, &conv.Status, &snap, &conv.Complete, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(snap), &conv.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &conv, nil
}

// GetWithMessages returns one conversation and its ordered messages.
func (s *Service) GetWithMessages(ctx context.Context, id string) (*models.Conversation, []*models.Message, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.listMessages(ctx, id)
	if err != nil {
		return conv, nil, err
	}
	return conv, messages, nil
}

func (s *Service) listMessages(ctx context.Context, id string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, seq, user_id, role, content, delta, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var delta sql.NullString
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.UserID, &m.Role, &m.Content, &delta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if delta.Valid && delta.String != "" {
			if err := json.Unmarshal([]byte(delta.String), &m.Delta); err != nil {
				return nil, fmt.Errorf("decode message delta: %w", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListByUser returns conversation summaries for a user, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]models.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.status, c.complete, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.user_id = ? ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []models.Summary
	for rows.Next() {
		var sum models.Summary
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Status, &sum.Complete, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// AppendMessage stores a single message and touches the conversation. Used
// for the degraded path where only the user's message is recorded.
func (s *Service) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, err := insertMessage(ctx, tx, msg)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, stored.CreatedAt, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	s.cache.invalidate(msg.ConversationID)
	return stored, nil
}

// CommitTurn persists one full turn as a unit: the user message, the
// assistant message with its delta, and the folded snapshot. Either all of
// it lands or none of it does.
func (s *Service) CommitTurn(ctx context.Context, id string, userMsg, asstMsg models.Message, snapshot form.Snapshot, complete bool) (*models.Conversation, *models.Message, *models.Message, error) {
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	storedUser, err := insertMessage(ctx, tx, userMsg)
	if err != nil {
		return nil, nil, nil, err
	}
	storedAsst, err := insertMessage(ctx, tx, asstMsg)
	if err != nil {
		return nil, nil, nil, err
	}

	now := storedAsst.CreatedAt
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET snapshot = ?, complete = ?, updated_at = ? WHERE id = ?`,
		string(snap), complete, now, id,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("update snapshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil, nil, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit turn: %w", err)
	}

	conv, err := s.getFromDB(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	s.cache.storeConversation(conv)
	return conv, storedUser, storedAsst, nil
}

// insertMessage assigns the next sequence number inside the transaction.
func insertMessage(ctx context.Context, tx *sql.Tx, msg models.Message) (*models.Message, error) {
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	var delta any
	if len(msg.Delta) > 0 {
		data, err := json.Marshal(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("marshal delta: %w", err)
		}
		delta = string(data)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, user_id, role, content, delta, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, next, msg.UserID, msg.Role, msg.Content, delta, now,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = next
	msg.CreatedAt = now
	return &msg, nil
}

// SetStatus transitions the conversation lifecycle state. Reset/completed
// conversations are kept for audit and export, never deleted.
func (s *Service) SetStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("status rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.cache.invalidate(id)
	s.cache.publishInvalidation(id)
	return nil
}
