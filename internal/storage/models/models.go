package models

import "time"

// Processing status of an ingested document.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Feedback values accepted on an interaction.
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
	FeedbackNeutral  = "neutral"
)

// Document is one ingested text source plus its extracted metadata and
// usage statistics. Owned exclusively by the ingesting user.
type Document struct {
	ID             string
	UserID         string
	Title          string
	ContentPreview string
	Content        string
	Status         string
	Error          string

	WordCount     int
	SentenceCount int
	TermCount     int
	EntityCount   int
	ConceptCount  int

	QueryCount    int
	LastQueriedAt *time.Time
	AvgRelevance  float64
	FeedbackCount int
	PositiveCount int
	NegativeCount int
	NeutralCount  int

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InteractionSource references one document that backed a response.
type InteractionSource struct {
	DocumentID      string   `json:"document_id"`
	Title           string   `json:"title"`
	RelevanceScore  float64  `json:"relevance_score"`
	MatchedTerms    []string `json:"matched_terms"`
	MatchedEntities []string `json:"matched_entities"`
}

// Interaction is one recorded query/response exchange. Feedback is the
// only field mutated after creation.
type Interaction struct {
	ID               string
	UserID           string
	SessionID        string
	Query            string
	Response         string
	Sources          []InteractionSource
	Confidence       float64
	Feedback         string // empty until the user judges the response
	ConversationType string
	LatencyMS        int
	ContextDocs      int
	MaxTokens        int
	FollowUps        []string
	CreatedAt        time.Time
}

// QualityScore combines confidence, feedback and latency into the
// scalar used to rank interactions for training-data curation.
// 0.6*confidence, +0.4 for positive / -0.3 for negative feedback, and
// +0.1 when the response came back in under ten seconds. Clamped to
// [0,1].
func (i *Interaction) QualityScore() float64 {
	score := 0.6 * i.Confidence

	switch i.Feedback {
	case FeedbackPositive:
		score += 0.4
	case FeedbackNegative:
		score -= 0.3
	}

	if i.LatencyMS < 10000 {
		score += 0.1
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// TrainingMessage is one chat turn inside a training sample.
type TrainingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TrainingSample is a derived artifact: a (system, context+query,
// expected response) triple plus provenance. Serialized into dataset
// files, never persisted as a first-class entity.
type TrainingSample struct {
	Messages []TrainingMessage      `json:"messages"`
	Metadata TrainingSampleMetadata `json:"metadata"`
}

type TrainingSampleMetadata struct {
	InteractionID string  `json:"interaction_id"`
	QualityScore  float64 `json:"quality_score"`
	Feedback      string  `json:"feedback,omitempty"`
	Negative      bool    `json:"negative,omitempty"`
}

// Fine-tuning job states. Jobs advance only when polled.
const (
	JobSubmitted = "submitted"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// FinetuneJob is the persisted record of one fine-tuning submission,
// stored as a JSON file keyed by job id and updated on every poll.
type FinetuneJob struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	BaseModel       string                 `json:"base_model"`
	FineTunedModel  string                 `json:"fine_tuned_model,omitempty"`
	Status          string                 `json:"status"`
	TrainingFile    string                 `json:"training_file"`
	ValidationFile  string                 `json:"validation_file"`
	TrainingCount   int                    `json:"training_count"`
	ValidationCount int                    `json:"validation_count"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	SubmittedAt     time.Time              `json:"submitted_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}
