package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/ingestion"
	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

type DocumentReader interface {
	GetDocument(id string) (*models.Document, error)
	SearchDocuments(userID, fragment string, limit int) ([]models.Document, error)
}

type DocumentHandler struct {
	processor *ingestion.Processor
	store     DocumentReader
}

func NewDocumentHandler(processor *ingestion.Processor, store DocumentReader) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		store:     store,
	}
}

// IngestDocument runs the full ingestion pipeline synchronously.
// Pipeline failures come back as a completed request with the document
// in failed status; only invalid input is rejected outright.
func (h *DocumentHandler) IngestDocument(c *fiber.Ctx) error {
	var req struct {
		DocumentID string `json:"document_id"`
		UserID     string `json:"user_id"`
		Title      string `json:"title"`
		Content    string `json:"content"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	doc, err := h.processor.ProcessDocument(c.Context(), ingestion.IngestRequest{
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Title:      req.Title,
		Content:    req.Content,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	metrics.DocumentsProcessed.WithLabelValues(doc.Status).Inc()

	status := fiber.StatusCreated
	if doc.Status == models.StatusFailed {
		status = fiber.StatusUnprocessableEntity
	}

	return c.Status(status).JSON(fiber.Map{
		"document_id":    doc.ID,
		"status":         doc.Status,
		"error":          doc.Error,
		"word_count":     doc.WordCount,
		"sentence_count": doc.SentenceCount,
		"term_count":     doc.TermCount,
		"entity_count":   doc.EntityCount,
		"concept_count":  doc.ConceptCount,
		"version":        doc.Version,
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	doc, err := h.store.GetDocument(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if doc.UserID != userID {
		return errorResponse(c, apperr.NotFound("document", c.Params("id")))
	}

	return c.JSON(doc)
}

func (h *DocumentHandler) SearchDocuments(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	docs, err := h.store.SearchDocuments(userID, c.Query("q"), limit)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"documents": docs,
		"count":     len(docs),
	})
}
