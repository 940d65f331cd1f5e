package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/feedback"
	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/pkg/logger"
)

type FeedbackHandler struct {
	reinforcer *feedback.Reinforcer
}

func NewFeedbackHandler(reinforcer *feedback.Reinforcer) *FeedbackHandler {
	return &FeedbackHandler{reinforcer: reinforcer}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		InteractionID string `json:"interaction_id"`
		Feedback      string `json:"feedback"`
		UserID        string `json:"user_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.reinforcer.SubmitFeedback(c.Context(), req.InteractionID, req.Feedback, req.UserID); err != nil {
		return errorResponse(c, err)
	}

	metrics.FeedbackTotal.WithLabelValues(req.Feedback).Inc()

	return c.JSON(fiber.Map{
		"interaction_id": req.InteractionID,
		"feedback":       req.Feedback,
	})
}
