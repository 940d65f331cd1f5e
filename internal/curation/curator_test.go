package curation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-agent/backend/internal/llm"
	"github.com/knowledge-agent/backend/internal/rag"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
)

type fakeCandidates struct {
	positives []models.Interaction
	negatives []models.Interaction

	negativeLimit int
}

func (f *fakeCandidates) ListCurationCandidates(userID string, minConfidence float64, since, until time.Time) ([]models.Interaction, error) {
	return f.positives, nil
}

func (f *fakeCandidates) ListNegativeCandidates(userID string, maxConfidence float64, since, until time.Time, limit int) ([]models.Interaction, error) {
	f.negativeLimit = limit
	if limit < len(f.negatives) {
		return f.negatives[:limit], nil
	}
	return f.negatives, nil
}

type fakeRetriever struct{}

func (f *fakeRetriever) Retrieve(ctx context.Context, query, userID string, limit int) ([]rag.RankedDocument, error) {
	return []rag.RankedDocument{{Title: "Source Doc", Content: "background for " + query}}, nil
}

type fakeFinetune struct {
	uploads    []string
	jobID      string
	pollStatus string
	pollModel  string
	pollCalls  int
}

func (f *fakeFinetune) UploadTrainingFile(ctx context.Context, path string) (string, error) {
	f.uploads = append(f.uploads, path)
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeFinetune) CreateFineTuningJob(ctx context.Context, trainingFileID, validationFileID, baseModel string, epochs int) (string, error) {
	return f.jobID, nil
}

func (f *fakeFinetune) GetFineTuningJob(ctx context.Context, jobID string) (*llm.FinetuneStatus, error) {
	f.pollCalls++
	return &llm.FinetuneStatus{JobID: jobID, Status: f.pollStatus, FineTunedModel: f.pollModel}, nil
}

func goodInteraction(id string, confidence float64) models.Interaction {
	return models.Interaction{
		ID:         id,
		UserID:     "u1",
		Query:      "question " + id,
		Response:   "answer " + id,
		Confidence: confidence,
		Feedback:   models.FeedbackPositive,
		LatencyMS:  500,
		CreatedAt:  time.Now(),
	}
}

func newTestCurator(t *testing.T, db CandidateStore, ft FinetuneClient) *Curator {
	t.Helper()
	c, err := NewCurator(db, &fakeRetriever{}, ft, t.TempDir(), t.TempDir(), time.Minute)
	require.NoError(t, err)
	return c
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestCollectTrainingData(t *testing.T) {
	db := &fakeCandidates{positives: []models.Interaction{
		goodInteraction("i1", 0.9),
		goodInteraction("i2", 0.8),
	}}
	c := newTestCurator(t, db, &fakeFinetune{})

	result, err := c.CollectTrainingData(context.Background(), "u1", CollectOptions{
		MinQualityScore: 0.7,
		MaxSamples:      100,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.SampleCount)
	assert.Equal(t, 2, countLines(t, result.FilePath))
	assert.FileExists(t, result.FilePath+".meta.json")

	// Higher quality first.
	require.Len(t, result.Metadata.Samples, 2)
	assert.Equal(t, "i1", result.Metadata.Samples[0].InteractionID)
	assert.GreaterOrEqual(t, result.Metadata.Samples[0].QualityScore, result.Metadata.Samples[1].QualityScore)
	for _, s := range result.Metadata.Samples {
		assert.GreaterOrEqual(t, s.QualityScore, 0.7)
	}
}

func TestCollectFiltersOnRecomputedQuality(t *testing.T) {
	// Confidence clears the stored filter, but no feedback bonus and a
	// slow response pull the recomputed quality below the floor.
	slow := models.Interaction{
		ID:         "slow",
		UserID:     "u1",
		Query:      "q",
		Response:   "a",
		Confidence: 0.75,
		LatencyMS:  20000,
		CreatedAt:  time.Now(),
	}
	db := &fakeCandidates{positives: []models.Interaction{goodInteraction("ok", 0.9), slow}}
	c := newTestCurator(t, db, &fakeFinetune{})

	result, err := c.CollectTrainingData(context.Background(), "u1", CollectOptions{MinQualityScore: 0.7})
	require.NoError(t, err)

	require.Equal(t, 1, result.SampleCount)
	assert.Equal(t, "ok", result.Metadata.Samples[0].InteractionID)
}

func TestCollectSampleShape(t *testing.T) {
	db := &fakeCandidates{positives: []models.Interaction{goodInteraction("i1", 0.9)}}
	c := newTestCurator(t, db, &fakeFinetune{})

	result, err := c.CollectTrainingData(context.Background(), "u1", CollectOptions{MinQualityScore: 0.5})
	require.NoError(t, err)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)

	var line models.TrainingSample
	require.NoError(t, json.Unmarshal(data, &line))
	require.Len(t, line.Messages, 3)

	assert.Equal(t, "system", line.Messages[0].Role)
	assert.Equal(t, "user", line.Messages[1].Role)
	assert.Equal(t, "assistant", line.Messages[2].Role)

	assert.Contains(t, line.Messages[1].Content, "context:")
	assert.Contains(t, line.Messages[1].Content, "question: question i1")
	assert.Contains(t, line.Messages[1].Content, "background for question i1")
	assert.Equal(t, "answer i1", line.Messages[2].Content)

	// Every dataset line carries its provenance.
	assert.Equal(t, "i1", line.Metadata.InteractionID)
	assert.GreaterOrEqual(t, line.Metadata.QualityScore, 0.5)
	assert.Equal(t, models.FeedbackPositive, line.Metadata.Feedback)
	assert.False(t, line.Metadata.Negative)
}

func TestCollectNegativeExamples(t *testing.T) {
	positives := make([]models.Interaction, 10)
	for i := range positives {
		positives[i] = goodInteraction(fmt.Sprintf("p%d", i), 0.9)
	}
	negatives := []models.Interaction{
		{ID: "n1", UserID: "u1", Query: "bad q", Response: "bad a", Feedback: models.FeedbackNegative, CreatedAt: time.Now()},
		{ID: "n2", UserID: "u1", Query: "low q", Response: "low a", Confidence: 0.1, CreatedAt: time.Now()},
		{ID: "n3", UserID: "u1", Query: "extra", Response: "extra", Feedback: models.FeedbackNegative, CreatedAt: time.Now()},
	}

	db := &fakeCandidates{positives: positives, negatives: negatives}
	c := newTestCurator(t, db, &fakeFinetune{})

	result, err := c.CollectTrainingData(context.Background(), "u1", CollectOptions{
		MinQualityScore: 0.7,
		IncludeNegative: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, db.negativeLimit, "negatives capped at a fifth of the positives")
	assert.Equal(t, 12, result.SampleCount)
	assert.Equal(t, 2, result.Metadata.NegativeCount)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), RefusalResponse))
}

func TestCollectNoNegativesWithoutPositives(t *testing.T) {
	db := &fakeCandidates{
		negatives: []models.Interaction{{ID: "n1", UserID: "u1", Query: "q", Response: "a", CreatedAt: time.Now()}},
	}
	c := newTestCurator(t, db, &fakeFinetune{})

	result, err := c.CollectTrainingData(context.Background(), "u1", CollectOptions{
		MinQualityScore: 0.7,
		IncludeNegative: true,
	})
	require.NoError(t, err)
	assert.Zero(t, result.SampleCount)
}

func TestCollectRequiresUser(t *testing.T) {
	c := newTestCurator(t, &fakeCandidates{}, &fakeFinetune{})
	_, err := c.CollectTrainingData(context.Background(), "", CollectOptions{})
	assert.True(t, apperr.IsValidation(err))
}

func TestStartFinetuningSplitsAndPersists(t *testing.T) {
	positives := make([]models.Interaction, 20)
	for i := range positives {
		positives[i] = goodInteraction(fmt.Sprintf("p%02d", i), 0.9)
	}
	db := &fakeCandidates{positives: positives}
	ft := &fakeFinetune{jobID: "ftjob-123"}
	c := newTestCurator(t, db, ft)

	job, err := c.StartFinetuning(context.Background(), "u1", FinetuneOptions{
		CollectOptions:  CollectOptions{MinQualityScore: 0.7},
		ValidationSplit: 0.1,
		BaseModel:       "gpt-3.5-turbo",
		Epochs:          3,
	})
	require.NoError(t, err)

	assert.Equal(t, "ftjob-123", job.ID)
	assert.Equal(t, models.JobSubmitted, job.Status)
	assert.Equal(t, 18, job.TrainingCount)
	assert.Equal(t, 2, job.ValidationCount)
	assert.Len(t, ft.uploads, 2)
	assert.Equal(t, 18, countLines(t, ft.uploads[0]))
	assert.Equal(t, 2, countLines(t, ft.uploads[1]))

	// Uploaded training lines hold the messages object and nothing
	// else; the API rejects unknown keys.
	uploaded, err := os.ReadFile(ft.uploads[0])
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	firstLine := uploaded[:bytes.IndexByte(uploaded, '\n')]
	require.NoError(t, json.Unmarshal(firstLine, &raw))
	assert.Contains(t, raw, "messages")
	assert.NotContains(t, raw, "metadata")

	// The job record is readable back without polling.
	loaded, err := c.loadJob("ftjob-123")
	require.NoError(t, err)
	assert.Equal(t, models.JobSubmitted, loaded.Status)
	assert.Equal(t, "gpt-3.5-turbo", loaded.BaseModel)
}

func TestStartFinetuningNeedsEnoughSamples(t *testing.T) {
	db := &fakeCandidates{positives: []models.Interaction{goodInteraction("i1", 0.9)}}
	c := newTestCurator(t, db, &fakeFinetune{jobID: "ftjob-1"})

	_, err := c.StartFinetuning(context.Background(), "u1", FinetuneOptions{
		CollectOptions: CollectOptions{MinQualityScore: 0.7},
		BaseModel:      "gpt-3.5-turbo",
	})
	assert.True(t, apperr.IsValidation(err))
}

func TestCheckFinetuningStatusAdvancesAndStops(t *testing.T) {
	positives := make([]models.Interaction, 12)
	for i := range positives {
		positives[i] = goodInteraction(fmt.Sprintf("p%02d", i), 0.9)
	}
	ft := &fakeFinetune{jobID: "ftjob-9", pollStatus: "running"}
	c := newTestCurator(t, &fakeCandidates{positives: positives}, ft)

	_, err := c.StartFinetuning(context.Background(), "u1", FinetuneOptions{
		CollectOptions: CollectOptions{MinQualityScore: 0.7},
		BaseModel:      "gpt-3.5-turbo",
	})
	require.NoError(t, err)

	job, err := c.CheckFinetuningStatus(context.Background(), "ftjob-9")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 1, ft.pollCalls)

	ft.pollStatus = "succeeded"
	ft.pollModel = "ft:gpt-3.5-turbo:custom"
	job, err = c.CheckFinetuningStatus(context.Background(), "ftjob-9")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, "ft:gpt-3.5-turbo:custom", job.FineTunedModel)

	// Terminal jobs are served from the record without a remote call.
	_, err = c.CheckFinetuningStatus(context.Background(), "ftjob-9")
	require.NoError(t, err)
	assert.Equal(t, 2, ft.pollCalls)
}

func TestCheckFinetuningStatusUnknownJob(t *testing.T) {
	c := newTestCurator(t, &fakeCandidates{}, &fakeFinetune{})
	_, err := c.CheckFinetuningStatus(context.Background(), "ftjob-missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMapRemoteStatus(t *testing.T) {
	assert.Equal(t, models.JobSucceeded, mapRemoteStatus("succeeded"))
	assert.Equal(t, models.JobFailed, mapRemoteStatus("failed"))
	assert.Equal(t, models.JobFailed, mapRemoteStatus("cancelled"))
	assert.Equal(t, models.JobRunning, mapRemoteStatus("running"))
	assert.Equal(t, models.JobRunning, mapRemoteStatus("validating_files"))
	assert.Equal(t, models.JobRunning, mapRemoteStatus("queued"))
}
