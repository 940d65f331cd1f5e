package feedback

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

// InteractionStore is the persistence the reinforcer reads and writes.
type InteractionStore interface {
	GetInteraction(id string) (*models.Interaction, error)
	SetInteractionFeedback(id, feedback string) error
	ApplyFeedback(documentID, feedback string, score float64) error
}

// GraphRecorder writes the feedback signal into the knowledge graph.
type GraphRecorder interface {
	RecordFeedback(ctx context.Context, documentID, feedback, query, response string) error
}

// Reinforcer applies user feedback to an interaction and propagates it
// to the best-matching source document in both stores.
type Reinforcer struct {
	db    InteractionStore
	graph GraphRecorder
}

func NewReinforcer(db InteractionStore, graph GraphRecorder) *Reinforcer {
	return &Reinforcer{db: db, graph: graph}
}

// SubmitFeedback records feedback for an interaction the caller owns.
// Resubmitting overwrites the stored value, and each call counts as one
// feedback event on the reinforced document. The graph write is
// best-effort; the relational stores are authoritative.
func (r *Reinforcer) SubmitFeedback(ctx context.Context, interactionID, feedback, userID string) error {
	switch feedback {
	case models.FeedbackPositive, models.FeedbackNegative, models.FeedbackNeutral:
	default:
		return apperr.Validation("feedback", "must be positive, negative or neutral")
	}
	if interactionID == "" {
		return apperr.Validation("interaction_id", "required")
	}

	interaction, err := r.db.GetInteraction(interactionID)
	if err != nil {
		return err
	}
	if interaction.UserID != userID {
		// Ownership failures are indistinguishable from missing ids.
		return apperr.NotFound("interaction", interactionID)
	}

	if err := r.db.SetInteractionFeedback(interactionID, feedback); err != nil {
		return err
	}

	source, ok := bestSource(interaction.Sources)
	if !ok {
		// Fallback responses carry no sources; the interaction record
		// alone is the signal.
		logger.Debug("feedback on sourceless interaction",
			zap.String("interaction_id", interactionID),
		)
		return nil
	}

	if err := r.db.ApplyFeedback(source.DocumentID, feedback, source.RelevanceScore); err != nil {
		return err
	}

	if err := r.graph.RecordFeedback(ctx, source.DocumentID, feedback, interaction.Query, interaction.Response); err != nil {
		logger.Warn("graph feedback write failed",
			zap.String("document_id", source.DocumentID),
			zap.Error(err),
		)
	}

	logger.Info("feedback recorded",
		zap.String("interaction_id", interactionID),
		zap.String("document_id", source.DocumentID),
		zap.String("feedback", feedback),
	)

	return nil
}

// bestSource picks the source with the highest relevance score.
func bestSource(sources []models.InteractionSource) (models.InteractionSource, bool) {
	if len(sources) == 0 {
		return models.InteractionSource{}, false
	}

	best := sources[0]
	for _, s := range sources[1:] {
		if s.RelevanceScore > best.RelevanceScore {
			best = s
		}
	}
	return best, true
}
