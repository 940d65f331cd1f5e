package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/llm"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

const minTrainingSamples = 10

// FinetuneClient is the fine-tuning surface of the completion service.
type FinetuneClient interface {
	UploadTrainingFile(ctx context.Context, path string) (string, error)
	CreateFineTuningJob(ctx context.Context, trainingFileID, validationFileID, baseModel string, epochs int) (string, error)
	GetFineTuningJob(ctx context.Context, jobID string) (*llm.FinetuneStatus, error)
}

// FinetuneOptions bound one fine-tune submission.
type FinetuneOptions struct {
	CollectOptions
	ValidationSplit float64
	BaseModel       string
	Epochs          int
}

// StartFinetuning collects training data, splits it into training and
// validation files, uploads both and submits a fine-tuning job. The
// job record is persisted as a JSON file and advances only when
// polled through CheckFinetuningStatus.
func (c *Curator) StartFinetuning(ctx context.Context, userID string, opts FinetuneOptions) (*models.FinetuneJob, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "required")
	}
	if opts.BaseModel == "" {
		return nil, apperr.Validation("base_model", "required")
	}
	if opts.ValidationSplit < 0 || opts.ValidationSplit >= 1 {
		return nil, apperr.Validation("validation_split", "must be in [0,1)")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	samples, err := c.collectSamples(ctx, userID, opts.CollectOptions)
	if err != nil {
		return nil, err
	}
	if len(samples) < minTrainingSamples {
		return nil, apperr.Validation("samples", fmt.Sprintf("need at least %d qualifying interactions, have %d", minTrainingSamples, len(samples)))
	}

	rand.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	splitAt := len(samples) - int(float64(len(samples))*opts.ValidationSplit)
	training, validation := samples[:splitAt], samples[splitAt:]

	stamp := time.Now().UTC().Format("20060102T150405")
	trainingPath := filepath.Join(c.outputDir, fmt.Sprintf("train_%s_%s.jsonl", userID, stamp))
	validationPath := filepath.Join(c.outputDir, fmt.Sprintf("valid_%s_%s.jsonl", userID, stamp))

	if err := writeFinetuneJSONL(trainingPath, training); err != nil {
		return nil, err
	}

	trainingFileID, err := c.llm.UploadTrainingFile(ctx, trainingPath)
	if err != nil {
		return nil, err
	}

	validationFileID := ""
	if len(validation) > 0 {
		if err := writeFinetuneJSONL(validationPath, validation); err != nil {
			return nil, err
		}
		validationFileID, err = c.llm.UploadTrainingFile(ctx, validationPath)
		if err != nil {
			return nil, err
		}
	}

	jobID, err := c.llm.CreateFineTuningJob(ctx, trainingFileID, validationFileID, opts.BaseModel, opts.Epochs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &models.FinetuneJob{
		ID:              jobID,
		UserID:          userID,
		BaseModel:       opts.BaseModel,
		Status:          models.JobSubmitted,
		TrainingFile:    trainingFileID,
		ValidationFile:  validationFileID,
		TrainingCount:   len(training),
		ValidationCount: len(validation),
		Hyperparameters: map[string]interface{}{
			"epochs":           opts.Epochs,
			"validation_split": opts.ValidationSplit,
			"min_quality":      opts.MinQualityScore,
		},
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if err := c.saveJob(job); err != nil {
		return nil, err
	}

	logger.Info("fine-tuning started",
		zap.String("job_id", jobID),
		zap.String("user_id", userID),
		zap.Int("training_samples", len(training)),
		zap.Int("validation_samples", len(validation)),
	)

	return job, nil
}

// writeFinetuneJSONL strips provenance so each line holds only the
// messages object; the fine-tuning API rejects unknown keys.
func writeFinetuneJSONL(path string, samples []models.TrainingSample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create training file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, s := range samples {
		line := struct {
			Messages []models.TrainingMessage `json:"messages"`
		}{Messages: s.Messages}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to write training line: %w", err)
		}
	}
	return nil
}

// CheckFinetuningStatus polls the remote job once and advances the
// persisted record. Terminal jobs are returned as stored without a
// remote call.
func (c *Curator) CheckFinetuningStatus(ctx context.Context, jobID string) (*models.FinetuneJob, error) {
	job, err := c.loadJob(jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobSucceeded || job.Status == models.JobFailed {
		return job, nil
	}

	status, err := c.llm.GetFineTuningJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.Status = mapRemoteStatus(status.Status)
	job.FineTunedModel = status.FineTunedModel
	job.UpdatedAt = time.Now()

	if err := c.saveJob(job); err != nil {
		return nil, err
	}

	return job, nil
}

// mapRemoteStatus collapses the provider's job states onto the local
// state machine.
func mapRemoteStatus(remote string) string {
	switch remote {
	case "succeeded":
		return models.JobSucceeded
	case "failed", "cancelled":
		return models.JobFailed
	default:
		return models.JobRunning
	}
}

func (c *Curator) jobPath(jobID string) string {
	return filepath.Join(c.jobsDir, jobID+".json")
}

func (c *Curator) saveJob(job *models.FinetuneJob) error {
	return writeJSON(c.jobPath(job.ID), job)
}

func (c *Curator) loadJob(jobID string) (*models.FinetuneJob, error) {
	data, err := os.ReadFile(c.jobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("finetune job", jobID)
		}
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}

	var job models.FinetuneJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job record %s: %w", jobID, err)
	}
	return &job, nil
}
