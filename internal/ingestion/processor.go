package ingestion

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/extraction"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

const previewLength = 200

// GraphWriter is the slice of the graph store ingestion needs.
type GraphWriter interface {
	CreateDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error
	ReplaceDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error
}

// DocumentStore is the slice of the document store ingestion needs.
type DocumentStore interface {
	InsertDocument(doc *models.Document) error
	GetDocument(id string) (*models.Document, error)
	SetDocumentStatus(id, status, errMsg string) error
	SetDocumentCounts(id string, words, sentences, terms, entities, concepts int) error
}

// CacheInvalidator drops a user's cached query results after their
// graph changes.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// Processor turns raw text into a stored document plus its knowledge
// graph. Failures inside the pipeline mark the document failed instead
// of propagating, so callers can inspect and retry wholesale.
type Processor struct {
	db        DocumentStore
	graph     GraphWriter
	cache     CacheInvalidator
	extractor *extraction.Extractor

	mu      sync.Mutex
	corpora map[string]*extraction.Corpus
}

type IngestRequest struct {
	DocumentID string // empty for new documents
	UserID     string
	Title      string
	Content    string
}

func NewProcessor(db DocumentStore, graph GraphWriter, cache CacheInvalidator) *Processor {
	return &Processor{
		db:        db,
		graph:     graph,
		cache:     cache,
		extractor: extraction.NewExtractor(),
		corpora:   make(map[string]*extraction.Corpus),
	}
}

// corpusFor returns the user's term-frequency corpus. Scoping the
// corpus per user keeps one tenant's documents from skewing another's
// term importance.
func (p *Processor) corpusFor(userID string) *extraction.Corpus {
	p.mu.Lock()
	defer p.mu.Unlock()

	corpus, ok := p.corpora[userID]
	if !ok {
		corpus = extraction.NewCorpus()
		p.corpora[userID] = corpus
	}
	return corpus
}

// ProcessDocument validates, stores, extracts and graphs one document.
// A returned document with status failed carries the pipeline error in
// its Error field; only request validation fails with an error.
//
// Callers re-ingesting the same document id must serialize those
// calls; concurrent replacement of one id is last-write-wins.
func (p *Processor) ProcessDocument(ctx context.Context, req IngestRequest) (*models.Document, error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user_id", "required")
	}
	if req.Title == "" {
		return nil, apperr.Validation("title", "required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Validation("content", "required")
	}

	text := req.Content
	if looksLikeHTML(text) {
		text = stripHTML(text)
	}

	replace := false
	docID := req.DocumentID
	if docID == "" {
		docID = uuid.New().String()
	} else if existing, err := p.db.GetDocument(docID); err == nil {
		if existing.UserID != req.UserID {
			return nil, apperr.NotFound("document", docID)
		}
		replace = true
	}

	now := time.Now()
	doc := &models.Document{
		ID:             docID,
		UserID:         req.UserID,
		Title:          req.Title,
		ContentPreview: preview(text),
		Content:        text,
		Status:         models.StatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := p.db.InsertDocument(doc); err != nil {
		return nil, err
	}

	logger.Info("processing document",
		zap.String("document_id", docID),
		zap.String("user_id", req.UserID),
		zap.Bool("replace", replace),
	)

	ext, err := p.extractor.Extract(text, p.corpusFor(req.UserID))
	if err != nil {
		return p.fail(doc, err)
	}

	doc.WordCount = ext.WordCount
	doc.SentenceCount = ext.SentenceCount
	doc.TermCount = len(ext.Entities.ImportantTerms)
	doc.EntityCount = len(ext.Entities.People) + len(ext.Entities.Places) +
		len(ext.Entities.Organizations) + len(ext.Entities.Topics)
	doc.ConceptCount = len(ext.Concepts)

	if err := p.db.SetDocumentCounts(docID, doc.WordCount, doc.SentenceCount,
		doc.TermCount, doc.EntityCount, doc.ConceptCount); err != nil {
		return p.fail(doc, err)
	}

	if replace {
		err = p.graph.ReplaceDocumentGraph(ctx, doc, ext)
	} else {
		err = p.graph.CreateDocumentGraph(ctx, doc, ext)
	}
	if err != nil {
		return p.fail(doc, err)
	}

	if err := p.db.SetDocumentStatus(docID, models.StatusCompleted, ""); err != nil {
		return p.fail(doc, err)
	}
	doc.Status = models.StatusCompleted

	if p.cache != nil {
		if err := p.cache.InvalidateUser(ctx, req.UserID); err != nil {
			logger.Warn("failed to invalidate query cache", zap.Error(err))
		}
	}

	logger.Info("document processed",
		zap.String("document_id", docID),
		zap.Int("terms", doc.TermCount),
		zap.Int("entities", doc.EntityCount),
		zap.Int("concepts", doc.ConceptCount),
	)

	return doc, nil
}

func (p *Processor) fail(doc *models.Document, cause error) (*models.Document, error) {
	logger.Error("document processing failed",
		zap.String("document_id", doc.ID),
		zap.Error(cause),
	)

	doc.Status = models.StatusFailed
	doc.Error = cause.Error()

	if err := p.db.SetDocumentStatus(doc.ID, models.StatusFailed, cause.Error()); err != nil {
		logger.Error("failed to mark document failed", zap.Error(err))
	}

	return doc, nil
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func looksLikeHTML(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range []string{"<html", "<body", "<div", "<p>", "<br", "<span"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}

	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "..."
}
