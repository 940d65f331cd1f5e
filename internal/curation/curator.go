package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/rag"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

const (
	// Negative examples may add at most a fifth on top of the
	// positive sample count.
	negativeRatio = 0.2

	contextDocsPerSample = 3

	// RefusalResponse is the expected completion for negative
	// training examples.
	RefusalResponse = "I don't have enough information to answer that accurately. Could you rephrase the question or point me at the relevant documents?"
)

// CandidateStore lists interactions eligible for curation.
type CandidateStore interface {
	ListCurationCandidates(userID string, minConfidence float64, since, until time.Time) ([]models.Interaction, error)
	ListNegativeCandidates(userID string, maxConfidence float64, since, until time.Time, limit int) ([]models.Interaction, error)
}

// ContextRetriever re-queries the live graph so training samples carry
// current context rather than the context captured at answer time.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query, userID string, limit int) ([]rag.RankedDocument, error)
}

// CollectOptions bound one curation run.
type CollectOptions struct {
	MinQualityScore float64
	MaxSamples      int
	IncludeNegative bool
	Since           time.Time
	Until           time.Time
}

// CollectionMetadata describes one assembled dataset.
type CollectionMetadata struct {
	CollectionID    string                          `json:"collection_id"`
	UserID          string                          `json:"user_id"`
	SampleCount     int                             `json:"sample_count"`
	NegativeCount   int                             `json:"negative_count"`
	MinQualityScore float64                         `json:"min_quality_score"`
	Since           time.Time                       `json:"since"`
	Until           time.Time                       `json:"until"`
	CreatedAt       time.Time                       `json:"created_at"`
	Samples         []models.TrainingSampleMetadata `json:"samples"`
}

// CollectionResult is returned to the caller after a dataset is written.
type CollectionResult struct {
	SampleCount int                `json:"sample_count"`
	FilePath    string             `json:"file_path"`
	Metadata    CollectionMetadata `json:"metadata"`
}

// Curator assembles fine-tuning datasets from high-quality recorded
// interactions.
type Curator struct {
	db        CandidateStore
	retriever ContextRetriever
	llm       FinetuneClient
	outputDir string
	jobsDir   string
	timeout   time.Duration
}

func NewCurator(db CandidateStore, retriever ContextRetriever, llm FinetuneClient, outputDir, jobsDir string, timeout time.Duration) (*Curator, error) {
	for _, dir := range []string{outputDir, jobsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create curation dir %s: %w", dir, err)
		}
	}

	return &Curator{
		db:        db,
		retriever: retriever,
		llm:       llm,
		outputDir: outputDir,
		jobsDir:   jobsDir,
		timeout:   timeout,
	}, nil
}

// CollectTrainingData selects qualifying interactions, rebuilds their
// context from the current graph, and writes a JSONL dataset plus a
// metadata sidecar. The run is bounded by the configured ceiling.
func (c *Curator) CollectTrainingData(ctx context.Context, userID string, opts CollectOptions) (*CollectionResult, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	samples, err := c.collectSamples(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	collectionID := uuid.New().String()
	datasetPath := filepath.Join(c.outputDir, fmt.Sprintf("dataset_%s.jsonl", collectionID))

	if err := writeJSONL(datasetPath, samples); err != nil {
		return nil, err
	}

	meta := CollectionMetadata{
		CollectionID:    collectionID,
		UserID:          userID,
		SampleCount:     len(samples),
		MinQualityScore: opts.MinQualityScore,
		Since:           opts.Since,
		Until:           opts.Until,
		CreatedAt:       time.Now(),
	}
	for _, s := range samples {
		if s.Metadata.Negative {
			meta.NegativeCount++
		}
		meta.Samples = append(meta.Samples, s.Metadata)
	}

	metaPath := datasetPath + ".meta.json"
	if err := writeJSON(metaPath, meta); err != nil {
		return nil, err
	}

	logger.Info("training data collected",
		zap.String("collection_id", collectionID),
		zap.String("user_id", userID),
		zap.Int("samples", len(samples)),
		zap.Int("negatives", meta.NegativeCount),
	)

	return &CollectionResult{
		SampleCount: len(samples),
		FilePath:    datasetPath,
		Metadata:    meta,
	}, nil
}

// collectSamples is the selection pipeline shared by dataset collection
// and fine-tune submission: filter by stored confidence, recompute the
// full quality score, re-filter, rank, cap, then rebuild context.
func (c *Curator) collectSamples(ctx context.Context, userID string, opts CollectOptions) ([]models.TrainingSample, error) {
	candidates, err := c.db.ListCurationCandidates(userID, opts.MinQualityScore, opts.Since, opts.Until)
	if err != nil {
		return nil, err
	}

	type scored struct {
		interaction models.Interaction
		quality     float64
	}

	qualified := make([]scored, 0, len(candidates))
	for _, in := range candidates {
		q := in.QualityScore()
		if q < opts.MinQualityScore {
			continue
		}
		qualified = append(qualified, scored{interaction: in, quality: q})
	}

	sort.Slice(qualified, func(i, j int) bool {
		if qualified[i].quality != qualified[j].quality {
			return qualified[i].quality > qualified[j].quality
		}
		return qualified[i].interaction.CreatedAt.After(qualified[j].interaction.CreatedAt)
	})

	if opts.MaxSamples > 0 && len(qualified) > opts.MaxSamples {
		qualified = qualified[:opts.MaxSamples]
	}

	samples := make([]models.TrainingSample, 0, len(qualified))
	for _, q := range qualified {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("curation cancelled: %w", err)
		}

		docContext, err := c.freshContext(ctx, q.interaction)
		if err != nil {
			logger.Warn("context rebuild failed, skipping sample",
				zap.String("interaction_id", q.interaction.ID),
				zap.Error(err),
			)
			continue
		}

		samples = append(samples, buildSample(q.interaction, q.quality, docContext, q.interaction.Response, false))
	}

	if opts.IncludeNegative {
		negatives, err := c.collectNegatives(ctx, userID, opts, len(samples))
		if err != nil {
			return nil, err
		}
		samples = append(samples, negatives...)
	}

	return samples, nil
}

// collectNegatives drafts refusal examples from negatively judged or
// low-confidence interactions, capped relative to the positive count.
func (c *Curator) collectNegatives(ctx context.Context, userID string, opts CollectOptions, positiveCount int) ([]models.TrainingSample, error) {
	limit := int(float64(positiveCount) * negativeRatio)
	if limit == 0 {
		return nil, nil
	}

	candidates, err := c.db.ListNegativeCandidates(userID, opts.MinQualityScore, opts.Since, opts.Until, limit)
	if err != nil {
		return nil, err
	}

	samples := make([]models.TrainingSample, 0, len(candidates))
	for _, in := range candidates {
		docContext, err := c.freshContext(ctx, in)
		if err != nil {
			continue
		}
		samples = append(samples, buildSample(in, in.QualityScore(), docContext, RefusalResponse, true))
	}
	return samples, nil
}

func (c *Curator) freshContext(ctx context.Context, in models.Interaction) (string, error) {
	ranked, err := c.retriever.Retrieve(ctx, in.Query, in.UserID, contextDocsPerSample)
	if err != nil {
		return "", err
	}
	return rag.BuildContext(ranked), nil
}

func buildSample(in models.Interaction, quality float64, docContext, response string, negative bool) models.TrainingSample {
	return models.TrainingSample{
		Messages: []models.TrainingMessage{
			{Role: "system", Content: rag.SystemPromptFor(in.ConversationType)},
			{Role: "user", Content: fmt.Sprintf("context: %s\n\nquestion: %s", docContext, in.Query)},
			{Role: "assistant", Content: response},
		},
		Metadata: models.TrainingSampleMetadata{
			InteractionID: in.ID,
			QualityScore:  quality,
			Feedback:      in.Feedback,
			Negative:      negative,
		},
	}
}

// writeJSONL serializes one full sample per line, messages plus
// provenance metadata. This is the durable dataset artifact; the
// sidecar file only aggregates the collection view.
func writeJSONL(path string, samples []models.TrainingSample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to write dataset line: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
