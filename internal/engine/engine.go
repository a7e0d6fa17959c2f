package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"eduassist/internal/form"
	"eduassist/internal/models"
	"eduassist/internal/service/extract"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrTurnTimeout          = errors.New("turn timed out")
)

const (
	defaultTurnTimeout   = 60 * time.Second
	defaultHealthTimeout = 5 * time.Second

	greetingText = "Merhaba! I can help you find the right place to study. " +
		"Tell me which province you are looking in and your budget range."
	degradedText = "I could not reach the assistant backend just now. " +
		"Your message is saved; please try again in a moment."
)

// Extractor is the boundary to the generative backend.
type Extractor interface {
	Extract(ctx context.Context, history []*models.Message, snapshot form.Snapshot, userText string) (*extract.Result, error)
	Probe(ctx context.Context) error
}

// Store is the conversation persistence boundary.
type Store interface {
	Create(ctx context.Context, userID int64) (*models.Conversation, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	GetWithMessages(ctx context.Context, id string) (*models.Conversation, []*models.Message, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Summary, error)
	AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	CommitTurn(ctx context.Context, id string, userMsg, asstMsg models.Message, snapshot form.Snapshot, complete bool) (*models.Conversation, *models.Message, *models.Message, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
}

// Options tune the engine timeouts.
type Options struct {
	TurnTimeout   time.Duration
	HealthTimeout time.Duration
	LockIdle      time.Duration
}

// Engine drives a turn through extraction, merge, completion evaluation and
// persistence, holding the per-conversation lock for the whole sequence.
type Engine struct {
	store         Store
	extractor     Extractor
	schema        *form.Schema
	locks         *lockTable
	turnTimeout   time.Duration
	healthTimeout time.Duration
}

// New wires the engine together.
func New(store Store, extractor Extractor, schema *form.Schema, opts Options) *Engine {
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Engine{
		store:         store,
		extractor:     extractor,
		schema:        schema,
		locks:         newLockTable(opts.LockIdle),
		turnTimeout:   turnTimeout,
		healthTimeout: healthTimeout,
	}
}

// DropLock forgets the lock entry for a conversation; wired to the store's
// cross-instance invalidation channel.
func (e *Engine) DropLock(conversationID string) {
	e.locks.forget(conversationID)
}

// Close stops background maintenance.
func (e *Engine) Close() {
	e.locks.stop()
}

// TurnResult is the composed outcome of one processed turn.
type TurnResult struct {
	ConversationID   string
	AssistantText    string
	Snapshot         form.Snapshot
	Complete         bool
	Degraded         bool
	// Malformed marks a turn whose backend reply could not be parsed; the
	// raw text was served and no fields were folded.
	Malformed        bool
	Cleared          []string
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// ProcessTurn resolves or creates the conversation, runs extraction against
// the backend, folds the delta, evaluates completion and persists, all
// under the conversation's exclusive lock. Backend failures degrade the
// reply instead of failing the call; only the user's message is recorded so
// the conversation stays resumable.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID string, userID int64, text string) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	if conversationID == "" {
		conv, err := e.store.Create(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		debugLog("[engine] created conversation %s for user %d", conv.ID, userID)
		conversationID = conv.ID
		if strings.TrimSpace(text) == "" {
			return e.bootstrap(ctx, conv)
		}
	}

	if err := e.locks.acquire(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("%w: lock wait: %v", ErrTurnTimeout, err)
	}
	defer e.locks.release(conversationID)

	conv, history, err := e.store.GetWithMessages(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status != models.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrConversationClosed, conv.Status)
	}

	res, err := e.extractor.Extract(ctx, history, conv.Snapshot, text)
	if err != nil {
		if ctx.Err() != nil {
			// Timed out as a whole; leave the conversation untouched.
			return nil, fmt.Errorf("%w: %v", ErrTurnTimeout, err)
		}
		if errors.Is(err, extract.ErrBackendUnavailable) {
			return e.degradeTurn(conv, userID, text, err)
		}
		return nil, fmt.Errorf("extract: %w", err)
	}
	if res.Malformed {
		log.Printf("extraction response malformed for conversation %s; folding empty delta", conv.ID)
	}

	// The assistant message lands two positions past the current history.
	asstSeq := int64(len(history)) + 2
	snapshot, cleared, err := e.schema.Fold(conv.Snapshot, res.Delta, asstSeq)
	if err != nil {
		// Unknown fields or kind mismatches mean a bug on the extraction
		// path, not user input; fail loudly.
		return nil, fmt.Errorf("fold delta: %w", err)
	}
	complete := e.schema.IsComplete(snapshot)

	updated, userMsg, asstMsg, err := e.store.CommitTurn(ctx, conv.ID,
		models.Message{ConversationID: conv.ID, UserID: userID, Role: models.RoleUser, Content: text},
		models.Message{ConversationID: conv.ID, UserID: userID, Role: models.RoleAssistant, Content: res.AssistantText, Delta: res.Delta},
		snapshot, complete,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTurnTimeout, err)
		}
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	debugLog("[engine] turn committed on %s: complete=%v cleared=%v", conv.ID, complete, cleared)

	return &TurnResult{
		ConversationID:   updated.ID,
		AssistantText:    res.AssistantText,
		Snapshot:         updated.Snapshot,
		Complete:         complete,
		Malformed:        res.Malformed,
		Cleared:          cleared,
		UserMessage:      userMsg,
		AssistantMessage: asstMsg,
	}, nil
}

// bootstrap records the greeting for a conversation started without text.
func (e *Engine) bootstrap(ctx context.Context, conv *models.Conversation) (*TurnResult, error) {
	msg, err := e.store.AppendMessage(ctx, models.Message{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           models.RoleAssistant,
		Content:        greetingText,
	})
	if err != nil {
		return nil, fmt.Errorf("append greeting: %w", err)
	}
	return &TurnResult{
		ConversationID:   conv.ID,
		AssistantText:    greetingText,
		Snapshot:         conv.Snapshot,
		AssistantMessage: msg,
	}, nil
}

// degradeTurn records only the user's message and answers in-band so the
// chat keeps working through a backend outage.
func (e *Engine) degradeTurn(conv *models.Conversation, userID int64, text string, cause error) (*TurnResult, error) {
	log.Printf("extraction backend unavailable for conversation %s: %v", conv.ID, cause)
	// Persist outside the request deadline that just failed the backend.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	userMsg, err := e.store.AppendMessage(persistCtx, models.Message{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           models.RoleUser,
		Content:        text,
	})
	if err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}
	return &TurnResult{
		ConversationID: conv.ID,
		AssistantText:  degradedText,
		Snapshot:       conv.Snapshot,
		Complete:       false,
		Degraded:       true,
		UserMessage:    userMsg,
	}, nil
}

// Reset transitions the conversation to RESET. History is kept for audit;
// further turns on the id are refused and a fresh ProcessTurn without an id
// starts a new conversation. The transition runs under the conversation
// lock so an in-flight turn either commits fully before the cutoff or sees
// the closed status.
func (e *Engine) Reset(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()
	if err := e.locks.acquire(ctx, conversationID); err != nil {
		return fmt.Errorf("%w: lock wait: %v", ErrTurnTimeout, err)
	}
	err := e.store.SetStatus(ctx, conversationID, models.StatusReset)
	e.locks.release(conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("reset conversation: %w", err)
	}
	e.locks.forget(conversationID)
	return nil
}

// GetHistory returns the conversation with its ordered messages. Read-only.
func (e *Engine) GetHistory(ctx context.Context, conversationID string) (*models.Conversation, []*models.Message, error) {
	conv, messages, err := e.store.GetWithMessages(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, err
	}
	return conv, messages, nil
}

// ListByUser returns conversation summaries, newest first. Read-only.
func (e *Engine) ListByUser(ctx context.Context, userID int64) ([]models.Summary, error) {
	return e.store.ListByUser(ctx, userID)
}

// FormSummary renders the current snapshot for humans.
func (e *Engine) FormSummary(ctx context.Context, conversationID string) (string, error) {
	conv, err := e.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrConversationNotFound
		}
		return "", err
	}

	var b strings.Builder
	b.WriteString("Search form")
	if e.schema.IsComplete(conv.Snapshot) {
		b.WriteString(" (complete)")
	}
	b.WriteString(":\n")
	for _, fd := range e.schema.Fields() {
		st, ok := conv.Snapshot[fd.Name]
		b.WriteString("- ")
		b.WriteString(fd.Name)
		b.WriteString(": ")
		if ok {
			b.WriteString(st.Value.Describe())
		} else if fd.Required {
			b.WriteString("(missing, required)")
		} else {
			b.WriteString("(not set)")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// CheckHealth probes the extraction backend. It never panics or errors past
// this boundary; failures come back as an unhealthy report.
func (e *Engine) CheckHealth(ctx context.Context) (healthy bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			healthy = false
			message = fmt.Sprintf("health check panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, e.healthTimeout)
	defer cancel()
	if err := e.extractor.Probe(ctx); err != nil {
		return false, fmt.Sprintf("backend unreachable: %v", err)
	}
	return true, "backend responding"
}
