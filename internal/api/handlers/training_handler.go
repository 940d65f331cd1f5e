package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/curation"
	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/pkg/logger"
)

type TrainingHandler struct {
	curator *curation.Curator
}

func NewTrainingHandler(curator *curation.Curator) *TrainingHandler {
	return &TrainingHandler{curator: curator}
}

type collectRequest struct {
	UserID          string  `json:"user_id"`
	MinQualityScore float64 `json:"min_quality_score"`
	MaxSamples      int     `json:"max_samples"`
	IncludeNegative bool    `json:"include_negative"`
	Days            int     `json:"days"`
}

func (r *collectRequest) options(defaultMinQuality float64, defaultMaxSamples int) curation.CollectOptions {
	opts := curation.CollectOptions{
		MinQualityScore: r.MinQualityScore,
		MaxSamples:      r.MaxSamples,
		IncludeNegative: r.IncludeNegative,
		Until:           time.Now(),
	}
	if opts.MinQualityScore == 0 {
		opts.MinQualityScore = defaultMinQuality
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = defaultMaxSamples
	}

	days := r.Days
	if days <= 0 {
		days = 30
	}
	opts.Since = opts.Until.AddDate(0, 0, -days)

	return opts
}

type TrainingDefaults struct {
	MinQualityScore float64
	MaxSamples      int
	ValidationSplit float64
	BaseModel       string
}

func (h *TrainingHandler) CollectTrainingData(defaults TrainingDefaults) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req collectRequest
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		result, err := h.curator.CollectTrainingData(c.Context(), req.UserID, req.options(defaults.MinQualityScore, defaults.MaxSamples))
		if err != nil {
			return errorResponse(c, err)
		}

		metrics.TrainingSamplesCollected.Add(float64(result.SampleCount))

		return c.JSON(result)
	}
}

func (h *TrainingHandler) StartFinetuning(defaults TrainingDefaults) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			collectRequest
			ValidationSplit float64 `json:"validation_split"`
			BaseModel       string  `json:"base_model"`
			Epochs          int     `json:"epochs"`
		}
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		opts := curation.FinetuneOptions{
			CollectOptions:  req.options(defaults.MinQualityScore, defaults.MaxSamples),
			ValidationSplit: req.ValidationSplit,
			BaseModel:       req.BaseModel,
			Epochs:          req.Epochs,
		}
		if opts.ValidationSplit == 0 {
			opts.ValidationSplit = defaults.ValidationSplit
		}
		if opts.BaseModel == "" {
			opts.BaseModel = defaults.BaseModel
		}

		job, err := h.curator.StartFinetuning(c.Context(), req.UserID, opts)
		if err != nil {
			metrics.FinetuneJobsTotal.WithLabelValues("error").Inc()
			return errorResponse(c, err)
		}

		metrics.FinetuneJobsTotal.WithLabelValues("submitted").Inc()

		return c.Status(fiber.StatusAccepted).JSON(job)
	}
}

func (h *TrainingHandler) GetFinetuningJob(c *fiber.Ctx) error {
	job, err := h.curator.CheckFinetuningStatus(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(job)
}
