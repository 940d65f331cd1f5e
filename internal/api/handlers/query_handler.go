package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/internal/rag"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/logger"
)

type InteractionLister interface {
	ListInteractions(userID string, limit int) ([]models.Interaction, error)
}

type QueryHandler struct {
	engine       *rag.Engine
	interactions InteractionLister
}

func NewQueryHandler(engine *rag.Engine, interactions InteractionLister) *QueryHandler {
	return &QueryHandler{
		engine:       engine,
		interactions: interactions,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query            string `json:"query"`
		UserID           string `json:"user_id"`
		SessionID        string `json:"session_id"`
		ConversationType string `json:"conversation_type"`
		MaxTokens        int    `json:"max_tokens"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	start := time.Now()

	response, err := h.engine.GenerateResponse(c.Context(), rag.Request{
		Query:            req.Query,
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		ConversationType: req.ConversationType,
		MaxTokens:        req.MaxTokens,
	})
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return errorResponse(c, err)
	}

	metrics.QueryTotal.WithLabelValues("success").Inc()
	metrics.QueryDuration.WithLabelValues(conversationLabel(req.ConversationType)).Observe(time.Since(start).Seconds())
	metrics.ConfidenceScore.Observe(response.Confidence)
	metrics.GraphMatchesCount.Observe(float64(len(response.Sources)))

	return c.JSON(response)
}

func (h *QueryHandler) GetHistory(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	history, err := h.interactions.ListInteractions(userID, limit)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"interactions": history,
		"count":        len(history),
	})
}

func conversationLabel(conversationType string) string {
	switch conversationType {
	case "expert", "technical":
		return conversationType
	default:
		return "conversational"
	}
}
