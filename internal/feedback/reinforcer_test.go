package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
)

type fakeStore struct {
	interaction *models.Interaction

	setID, setValue       string
	appliedDoc, appliedFB string
	appliedScore          float64
	applyCalls            int
}

func (f *fakeStore) GetInteraction(id string) (*models.Interaction, error) {
	if f.interaction == nil || f.interaction.ID != id {
		return nil, apperr.NotFound("interaction", id)
	}
	return f.interaction, nil
}

func (f *fakeStore) SetInteractionFeedback(id, feedback string) error {
	f.setID, f.setValue = id, feedback
	return nil
}

func (f *fakeStore) ApplyFeedback(documentID, feedback string, score float64) error {
	f.applyCalls++
	f.appliedDoc, f.appliedFB, f.appliedScore = documentID, feedback, score
	return nil
}

type fakeGraph struct {
	docID, feedback string
	calls           int
	err             error
}

func (f *fakeGraph) RecordFeedback(ctx context.Context, documentID, feedback, query, response string) error {
	f.calls++
	f.docID, f.feedback = documentID, feedback
	return f.err
}

func interaction() *models.Interaction {
	return &models.Interaction{
		ID:       "i1",
		UserID:   "u1",
		Query:    "what changed",
		Response: "the terms changed",
		Sources: []models.InteractionSource{
			{DocumentID: "d-low", RelevanceScore: 2},
			{DocumentID: "d-high", RelevanceScore: 7},
			{DocumentID: "d-mid", RelevanceScore: 4},
		},
	}
}

func TestSubmitFeedbackValidation(t *testing.T) {
	r := NewReinforcer(&fakeStore{}, &fakeGraph{})

	err := r.SubmitFeedback(context.Background(), "i1", "great", "u1")
	assert.True(t, apperr.IsValidation(err))

	err = r.SubmitFeedback(context.Background(), "", models.FeedbackPositive, "u1")
	assert.True(t, apperr.IsValidation(err))
}

func TestSubmitFeedbackOwnership(t *testing.T) {
	store := &fakeStore{interaction: interaction()}
	r := NewReinforcer(store, &fakeGraph{})

	err := r.SubmitFeedback(context.Background(), "i1", models.FeedbackPositive, "someone-else")
	assert.True(t, apperr.IsNotFound(err))
	assert.Empty(t, store.setValue, "feedback must not be written for a foreign interaction")
}

func TestSubmitFeedbackUnknownInteraction(t *testing.T) {
	r := NewReinforcer(&fakeStore{}, &fakeGraph{})

	err := r.SubmitFeedback(context.Background(), "missing", models.FeedbackNegative, "u1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestSubmitFeedbackReinforcesBestSource(t *testing.T) {
	store := &fakeStore{interaction: interaction()}
	graph := &fakeGraph{}
	r := NewReinforcer(store, graph)

	err := r.SubmitFeedback(context.Background(), "i1", models.FeedbackPositive, "u1")
	require.NoError(t, err)

	assert.Equal(t, "i1", store.setID)
	assert.Equal(t, models.FeedbackPositive, store.setValue)

	assert.Equal(t, 1, store.applyCalls, "exactly one tally increment per submission")
	assert.Equal(t, "d-high", store.appliedDoc)
	assert.Equal(t, 7.0, store.appliedScore)

	assert.Equal(t, 1, graph.calls)
	assert.Equal(t, "d-high", graph.docID)
	assert.Equal(t, models.FeedbackPositive, graph.feedback)
}

func TestSubmitFeedbackGraphFailureTolerated(t *testing.T) {
	store := &fakeStore{interaction: interaction()}
	graph := &fakeGraph{err: errors.New("neo4j down")}
	r := NewReinforcer(store, graph)

	err := r.SubmitFeedback(context.Background(), "i1", models.FeedbackNegative, "u1")
	assert.NoError(t, err, "relational stores are authoritative")
	assert.Equal(t, models.FeedbackNegative, store.setValue)
}

func TestSubmitFeedbackSourcelessInteraction(t *testing.T) {
	in := interaction()
	in.Sources = nil
	store := &fakeStore{interaction: in}
	graph := &fakeGraph{}
	r := NewReinforcer(store, graph)

	err := r.SubmitFeedback(context.Background(), "i1", models.FeedbackNeutral, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackNeutral, store.setValue)
	assert.Zero(t, store.applyCalls)
	assert.Zero(t, graph.calls)
}
