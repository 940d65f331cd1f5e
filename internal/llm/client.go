package llm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/circuitbreaker"
	"github.com/knowledge-agent/backend/pkg/logger"
	"github.com/knowledge-agent/backend/pkg/retry"
)

// Client wraps the external completion service. It is treated as a
// black box that may fail or time out; failures surface as
// CompletionError.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinetuneStatus is the polled state of one fine-tuning job.
type FinetuneStatus struct {
	JobID          string
	Status         string
	FineTunedModel string
}

func NewClient(apiKey, model string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", model))

	return &Client{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})
	if err != nil {
		return nil, apperr.Completion("complete", err)
	}

	return result, nil
}

// GenerateAnswer produces the grounded response for a query given the
// assembled document context.
func (c *Client) GenerateAnswer(ctx context.Context, systemPrompt, docContext, query string, maxTokens int) (string, error) {
	userPrompt := fmt.Sprintf(`Context from the knowledge base:
%s

Question: %s

Answer using only the context above. If the context does not cover the
question, say so instead of guessing.`, docContext, query)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", err
	}

	return resp.Content, nil
}

// GenerateFollowUps asks for up to three follow-up questions a user
// might reasonably ask next. Callers are expected to treat failures as
// non-fatal.
func (c *Client) GenerateFollowUps(ctx context.Context, query, response string) ([]string, error) {
	systemPrompt := `You suggest follow-up questions. Given a question and its answer,
propose up to 3 short follow-up questions the user might ask next.
Return one question per line, nothing else.`

	userPrompt := fmt.Sprintf("Question: %s\n\nAnswer: %s", query, response)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.7,
		MaxTokens:    200,
	})
	if err != nil {
		return nil, err
	}

	var followUps []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		followUps = append(followUps, line)
		if len(followUps) == 3 {
			break
		}
	}

	return followUps, nil
}

// UploadTrainingFile pushes a JSONL dataset to the completion service
// and returns the remote file id.
func (c *Client) UploadTrainingFile(ctx context.Context, path string) (string, error) {
	var fileID string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			file, err := c.client.CreateFile(ctx, openai.FileRequest{
				FileName: filepath.Base(path),
				FilePath: path,
				Purpose:  "fine-tune",
			})
			if err != nil {
				return fmt.Errorf("failed to upload training file: %w", err)
			}
			fileID = file.ID
			return nil
		})
	})
	if err != nil {
		return "", apperr.Completion("upload", err)
	}

	logger.Info("training file uploaded", zap.String("file_id", fileID), zap.String("path", path))
	return fileID, nil
}

// CreateFineTuningJob submits a fine-tuning job and returns its id.
// The job is fire-and-forget; progress is observed only by polling.
func (c *Client) CreateFineTuningJob(ctx context.Context, trainingFileID, validationFileID, baseModel string, epochs int) (string, error) {
	var jobID string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			req := openai.FineTuningJobRequest{
				TrainingFile:   trainingFileID,
				ValidationFile: validationFileID,
				Model:          baseModel,
			}
			if epochs > 0 {
				req.Hyperparameters = &openai.Hyperparameters{Epochs: epochs}
			}

			job, err := c.client.CreateFineTuningJob(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to create fine-tuning job: %w", err)
			}
			jobID = job.ID
			return nil
		})
	})
	if err != nil {
		return "", apperr.Completion("finetune", err)
	}

	logger.Info("fine-tuning job submitted",
		zap.String("job_id", jobID),
		zap.String("base_model", baseModel),
	)
	return jobID, nil
}

// GetFineTuningJob polls the remote state of a fine-tuning job.
func (c *Client) GetFineTuningJob(ctx context.Context, jobID string) (*FinetuneStatus, error) {
	var status *FinetuneStatus

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			job, err := c.client.RetrieveFineTuningJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("failed to retrieve fine-tuning job: %w", err)
			}
			status = &FinetuneStatus{
				JobID:          job.ID,
				Status:         job.Status,
				FineTunedModel: job.FineTunedModel,
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Completion("poll", err)
	}

	return status, nil
}
