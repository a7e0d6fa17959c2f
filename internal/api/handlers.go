package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"eduassist/internal/engine"
	"eduassist/internal/models"
)

const serviceName = "eduassist-search-assistant"

// Engine is the orchestration surface the handlers drive.
type Engine interface {
	ProcessTurn(ctx context.Context, conversationID string, userID int64, text string) (*engine.TurnResult, error)
	Reset(ctx context.Context, conversationID string) error
	GetHistory(ctx context.Context, conversationID string) (*models.Conversation, []*models.Message, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Summary, error)
	GetStats(ctx context.Context, conversationID string) (*engine.Stats, error)
	GetExport(ctx context.Context, conversationID string) (*engine.Export, error)
	FormSummary(ctx context.Context, conversationID string) (string, error)
	CheckHealth(ctx context.Context) (bool, string)
}

// Handler wires the HTTP routes to the search-assistant engine.
type Handler struct {
	engine Engine
}

// NewHandler constructs a Handler instance.
func NewHandler(eng Engine) *Handler {
	return &Handler{engine: eng}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	ai := router.Group("/ai")
	ai.POST("/chat", h.chat)
	ai.GET("/health", h.health)
	ai.POST("/conversations/start", h.startConversation)
	ai.GET("/conversations/:id", h.getConversation)
	ai.GET("/conversations/user/:user_id", h.listByUser)
	ai.POST("/conversations/:id/reset", h.resetConversation)
	ai.GET("/conversations/:id/form-summary", h.formSummary)
	ai.GET("/conversations/:id/stats", h.getStats)
	ai.GET("/conversations/:id/export", h.getExport)
}

type chatRequest struct {
	UserID         int64  `json:"userId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	res, err := h.engine.ProcessTurn(c.Request.Context(), req.ConversationID, req.UserID, req.Message)
	if err != nil {
		h.renderTurnError(c, req.ConversationID, err)
		return
	}
	c.JSON(http.StatusOK, turnPayload(res))
}

// renderTurnError keeps chat failures usable: caller-facing failures still
// carry an assistant-style message, never a bare status.
func (h *Handler) renderTurnError(c *gin.Context, conversationID string, err error) {
	switch {
	case errors.Is(err, engine.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, engine.ErrConversationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is no longer active; start a new one"})
	case errors.Is(err, engine.ErrTurnTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"conversationId": conversationID,
			"content":        "That took too long to process. Nothing was changed; please send your message again.",
			"role":           models.RoleAssistant,
			"timestamp":      time.Now().UTC(),
			"error":          "turn timed out",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"conversationId": conversationID,
			"content":        "Something went wrong on our side. Your conversation is safe; please try again.",
			"role":           models.RoleAssistant,
			"timestamp":      time.Now().UTC(),
			"error":          err.Error(),
		})
	}
}

func turnPayload(res *engine.TurnResult) gin.H {
	timestamp := time.Now().UTC()
	if res.AssistantMessage != nil {
		timestamp = res.AssistantMessage.CreatedAt
	}
	payload := gin.H{
		"conversationId":    res.ConversationID,
		"content":           res.AssistantText,
		"role":              models.RoleAssistant,
		"timestamp":         timestamp,
		"extractedFormData": res.Snapshot,
		"isFormComplete":    res.Complete,
		"degraded":          res.Degraded,
	}
	if res.Malformed {
		payload["malformed"] = true
	}
	if len(res.Cleared) > 0 {
		payload["clearedFields"] = res.Cleared
	}
	return payload
}

type startRequest struct {
	UserID int64 `json:"userId"`
}

func (h *Handler) startConversation(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	res, err := h.engine.ProcessTurn(c.Request.Context(), "", req.UserID, "")
	if err != nil {
		h.renderTurnError(c, "", err)
		return
	}
	c.JSON(http.StatusCreated, turnPayload(res))
}

func (h *Handler) getConversation(c *gin.Context) {
	id := c.Param("id")
	conv, messages, err := h.engine.GetHistory(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) listByUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	summaries, err := h.engine.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

func (h *Handler) resetConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Reset(c.Request.Context(), id); err != nil {
		if errors.Is(err, engine.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if errors.Is(err, engine.ErrTurnTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "reset timed out waiting for an active turn"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": id,
		"status":         models.StatusReset,
		"message":        "conversation reset; start a new one to search again",
	})
}

func (h *Handler) formSummary(c *gin.Context) {
	id := c.Param("id")
	summary, err := h.engine.FormSummary(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": id,
		"summary":        summary,
	})
}

func (h *Handler) getStats(c *gin.Context) {
	id := c.Param("id")
	stats, err := h.engine.GetStats(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getExport(c *gin.Context) {
	id := c.Param("id")
	export, err := h.engine.GetExport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, export)
}

// health always answers 200; reporting must not itself fail the request.
func (h *Handler) health(c *gin.Context) {
	healthy, message := h.engine.CheckHealth(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"healthy":   healthy,
		"service":   serviceName,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
