package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/knowledge-agent/backend/internal/kg/neo4j"
	"github.com/knowledge-agent/backend/internal/metrics"
)

type GraphStatistics interface {
	Statistics(ctx context.Context, userID string) (*neo4j.Statistics, error)
}

type StatsHandler struct {
	graph GraphStatistics
}

func NewStatsHandler(graph GraphStatistics) *StatsHandler {
	return &StatsHandler{graph: graph}
}

func (h *StatsHandler) GetStats(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	stats, err := h.graph.Statistics(c.Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}

	metrics.GraphNodesTotal.WithLabelValues("document").Set(float64(stats.Documents))
	metrics.GraphNodesTotal.WithLabelValues("term").Set(float64(stats.Terms))
	metrics.GraphNodesTotal.WithLabelValues("entity").Set(float64(stats.Entities))
	metrics.GraphNodesTotal.WithLabelValues("concept").Set(float64(stats.Concepts))
	metrics.GraphNodesTotal.WithLabelValues("interaction").Set(float64(stats.Interactions))

	return c.JSON(stats)
}
