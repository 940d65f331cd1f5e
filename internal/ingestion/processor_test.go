package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-agent/backend/internal/extraction"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
)

type fakeDocStore struct {
	docs     map[string]*models.Document
	statuses map[string]string
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		docs:     make(map[string]*models.Document),
		statuses: make(map[string]string),
	}
}

func (f *fakeDocStore) InsertDocument(doc *models.Document) error {
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocStore) GetDocument(id string) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	return doc, nil
}

func (f *fakeDocStore) SetDocumentStatus(id, status, errMsg string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeDocStore) SetDocumentCounts(id string, words, sentences, terms, entities, concepts int) error {
	return nil
}

type fakeGraphWriter struct {
	creates  int
	replaces int
	err      error
}

func (f *fakeGraphWriter) CreateDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error {
	f.creates++
	return f.err
}

func (f *fakeGraphWriter) ReplaceDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error {
	f.replaces++
	return f.err
}

type fakeInvalidator struct {
	users []string
}

func (f *fakeInvalidator) InvalidateUser(ctx context.Context, userID string) error {
	f.users = append(f.users, userID)
	return nil
}

func TestProcessDocumentValidation(t *testing.T) {
	p := NewProcessor(newFakeDocStore(), &fakeGraphWriter{}, nil)

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"missing user", IngestRequest{Title: "t", Content: "c"}},
		{"missing title", IngestRequest{UserID: "u1", Content: "c"}},
		{"missing content", IngestRequest{UserID: "u1", Title: "t"}},
		{"blank content", IngestRequest{UserID: "u1", Title: "t", Content: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessDocument(context.Background(), tt.req)
			assert.True(t, apperr.IsValidation(err))
		})
	}
}

func TestProcessDocumentSuccess(t *testing.T) {
	store := newFakeDocStore()
	graph := &fakeGraphWriter{}
	cache := &fakeInvalidator{}
	p := NewProcessor(store, graph, cache)

	doc, err := p.ProcessDocument(context.Background(), IngestRequest{
		UserID:  "u1",
		Title:   "Quarterly review",
		Content: "The customer renewed the contract. Revenue grew twenty percent this quarter.",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Greater(t, doc.WordCount, 0)
	assert.Equal(t, 2, doc.SentenceCount)
	assert.Equal(t, 1, graph.creates)
	assert.Zero(t, graph.replaces)
	assert.Equal(t, []string{"u1"}, cache.users)
}

func TestProcessDocumentReplacesExisting(t *testing.T) {
	store := newFakeDocStore()
	graph := &fakeGraphWriter{}
	p := NewProcessor(store, graph, nil)

	first, err := p.ProcessDocument(context.Background(), IngestRequest{
		UserID:  "u1",
		Title:   "Notes",
		Content: "The team shipped the feature.",
	})
	require.NoError(t, err)

	second, err := p.ProcessDocument(context.Background(), IngestRequest{
		DocumentID: first.ID,
		UserID:     "u1",
		Title:      "Notes v2",
		Content:    "The team reverted the feature.",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, graph.creates)
	assert.Equal(t, 1, graph.replaces)
}

func TestProcessDocumentForeignIDRejected(t *testing.T) {
	store := newFakeDocStore()
	p := NewProcessor(store, &fakeGraphWriter{}, nil)

	first, err := p.ProcessDocument(context.Background(), IngestRequest{
		UserID:  "u1",
		Title:   "Private",
		Content: "Internal planning notes for the quarter.",
	})
	require.NoError(t, err)

	_, err = p.ProcessDocument(context.Background(), IngestRequest{
		DocumentID: first.ID,
		UserID:     "u2",
		Title:      "Takeover",
		Content:    "Other tenant content.",
	})
	assert.True(t, apperr.IsNotFound(err))
}

func TestProcessDocumentGraphFailureMarksFailed(t *testing.T) {
	store := newFakeDocStore()
	graph := &fakeGraphWriter{err: errors.New("bolt connection refused")}
	p := NewProcessor(store, graph, nil)

	doc, err := p.ProcessDocument(context.Background(), IngestRequest{
		UserID:  "u1",
		Title:   "Doomed",
		Content: "This document will not make it into the graph.",
	})
	require.NoError(t, err, "pipeline failures surface on the document, not the call")

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "bolt connection refused")
	assert.Equal(t, models.StatusFailed, store.statuses[doc.ID])
}

func TestStripHTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style></head>
<body><nav>menu</nav><p>The contract was signed.</p><script>alert(1)</script>
<footer>legal</footer></body></html>`

	text := stripHTML(html)
	assert.Contains(t, text, "The contract was signed.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "legal")
	assert.NotContains(t, text, "color:red")
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, looksLikeHTML("<div>hello</div>"))
	assert.True(t, looksLikeHTML("<HTML><body>x</body></HTML>"))
	assert.False(t, looksLikeHTML("plain text with < and > signs"))
}

func TestPreview(t *testing.T) {
	short := "short text"
	assert.Equal(t, short, preview(short))

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'a'
	}
	p := preview(string(long))
	assert.Len(t, []rune(p), 203)
	assert.True(t, len(p) > 0 && p[len(p)-1] == '.')
}
