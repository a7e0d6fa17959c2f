package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eduassist/internal/config"
	"eduassist/internal/form"
	"eduassist/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

var (
	// ErrBackendUnavailable marks transport-level failures of the
	// generative backend. Not retried here; caller policy decides.
	ErrBackendUnavailable = errors.New("extraction backend unavailable")
)

const defaultHistoryWindow = 12

// generator is the slice of the eino chat model the client needs. Kept
// small so tests can plug a fake in.
type generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

// Result is one extraction outcome: the assistant's visible reply and the
// form fields it is confident enough to set. Malformed is true when the
// backend answered but its structured part could not be parsed; the reply
// is passed through with an empty delta rather than guessed at.
type Result struct {
	AssistantText string
	Delta         form.Delta
	Malformed     bool
}

// Client is the boundary adapter to the generative extraction backend.
type Client struct {
	chat   generator
	schema *form.Schema
	window int
}

// NewClient builds the chat model for the configured provider and wraps it
// with the extraction prompt for the given form schema.
func NewClient(cfg *config.Config, formSchema *form.Schema) (*Client, error) {
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	var (
		chatModel einomodel.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 1024,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	window := cfg.BasicConfig.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &Client{chat: chatModel, schema: formSchema, window: window}, nil
}

// Extract sends the capped history, the current snapshot and the new user
// text to the backend and parses the reply into a Result. A nil error with
// Result.Malformed set means the backend answered free-form; transport
// failures return ErrBackendUnavailable.
func (c *Client) Extract(ctx context.Context, history []*models.Message, snapshot form.Snapshot, userText string) (*Result, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: c.systemPrompt(snapshot)},
	}
	for _, msg := range c.capHistory(history) {
		messages = append(messages, &schema.Message{
			Role:    toSchemaRole(msg.Role),
			Content: msg.Content,
		})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: userText})

	resp, err := c.chat.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	reply, delta, parseErr := c.parseResponse(resp.Content)
	if parseErr != nil {
		return &Result{AssistantText: reply, Delta: form.Delta{}, Malformed: true}, nil
	}
	return &Result{AssistantText: reply, Delta: delta}, nil
}

// Probe issues a minimal generation to verify the backend responds. Used
// by the health endpoint; never called under a conversation lock.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.chat.Generate(ctx, []*schema.Message{
		{Role: schema.User, Content: "ping"},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// capHistory keeps only the trailing window of messages so conversation
// growth does not inflate every request to the backend.
func (c *Client) capHistory(history []*models.Message) []*models.Message {
	limit := c.window * 2
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func toSchemaRole(role models.Role) schema.RoleType {
	switch role {
	case models.RoleUser:
		return schema.User
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}

// systemPrompt renders the extraction instructions together with the field
// catalog and the fields already known, so the backend only proposes
// updates it is confident about.
func (c *Client) systemPrompt(snapshot form.Snapshot) string {
	var b strings.Builder
	b.WriteString("You are a search assistant for an education marketplace. ")
	b.WriteString("Help the user fill a structured search form through conversation. ")
	b.WriteString("Always answer with strict JSON of the shape ")
	b.WriteString(`{"reply": "<assistant reply>", "fields": {"<name>": {"value": <value>, "confidence": <0..1>, "replace": <bool>}}}. `)
	b.WriteString("Only include fields the latest user message clearly sets or updates; omit everything else. ")
	b.WriteString("Do not wrap the JSON in markdown.\n\nForm fields:\n")
	for _, fd := range c.schema.Fields() {
		b.WriteString("- ")
		b.WriteString(fd.Name)
		b.WriteString(" (")
		b.WriteString(string(fd.Kind))
		if fd.Required {
			b.WriteString(", required")
		}
		b.WriteString(")\n")
	}
	if len(snapshot) > 0 {
		b.WriteString("\nAlready collected:\n")
		for _, name := range snapshot.FieldNames() {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(snapshot[name].Value.Describe())
			b.WriteString("\n")
		}
	}
	b.WriteString("\nIn the reply, ask for the missing required fields one step at a time.")
	return b.String()
}
