package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/kg/neo4j"
	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
	"github.com/knowledge-agent/backend/pkg/utils"
)

const (
	maxContextDocs     = 5
	contextTermLimit   = 5
	contextEntityLimit = 3
	// Fixed per-document evidence ceiling in the confidence
	// denominator; confidence saturates near 1 only when most of a
	// document's evidence matches the query.
	relevanceCeiling = 10

	followUpThreshold = 0.5

	// FallbackResponse is returned without calling the completion
	// service when retrieval finds nothing.
	FallbackResponse = "I don't have enough information in the knowledge base to answer that. Try adding related documents first."
)

// GraphSearcher answers evidence-annotated document queries.
type GraphSearcher interface {
	Query(ctx context.Context, queryText, userID string, limit int) ([]neo4j.DocumentMatch, error)
}

// Completer is the external completion service surface the engine
// consumes.
type Completer interface {
	GenerateAnswer(ctx context.Context, systemPrompt, docContext, query string, maxTokens int) (string, error)
	GenerateFollowUps(ctx context.Context, query, response string) ([]string, error)
}

// Store is the document/interaction persistence the engine needs.
type Store interface {
	GetDocument(id string) (*models.Document, error)
	BumpQueryUsage(documentIDs []string) error
	InsertInteraction(in *models.Interaction) error
}

// QueryCache holds serialized graph matches keyed by user and query
// hash. Optional.
type QueryCache interface {
	GetQueryResult(ctx context.Context, userID, queryHash string, result interface{}) (bool, error)
	SetQueryResult(ctx context.Context, userID, queryHash string, result interface{}, ttl time.Duration) error
}

// RankedDocument is one retrieved document with its matched evidence
// and stored usage relevance.
type RankedDocument struct {
	DocumentID      string               `json:"document_id"`
	Title           string               `json:"title"`
	Content         string               `json:"content"`
	TotalScore      int                  `json:"total_score"`
	MatchedTerms    []string             `json:"matched_terms"`
	MatchedEntities []string             `json:"matched_entities"`
	MatchedConcepts []neo4j.ConceptMatch `json:"matched_concepts"`
	TermCount       int                  `json:"term_count"`
	EntityCount     int                  `json:"entity_count"`
	Relevance       float64              `json:"relevance"`
}

type Request struct {
	Query            string
	UserID           string
	SessionID        string
	ConversationType string
	MaxTokens        int
}

type Response struct {
	InteractionID string                     `json:"interaction_id"`
	Response      string                     `json:"response"`
	Sources       []models.InteractionSource `json:"sources"`
	Confidence    float64                    `json:"confidence"`
	FollowUps     []string                   `json:"follow_ups"`
	LatencyMS     int                        `json:"latency_ms"`
}

// Engine retrieves graph-backed documents for a query, assembles the
// completion context, scores confidence and records the interaction.
type Engine struct {
	graph    GraphSearcher
	store    Store
	llm      Completer
	cache    QueryCache
	cacheTTL time.Duration
}

func NewEngine(graph GraphSearcher, store Store, llm Completer, cache QueryCache, cacheTTL time.Duration) *Engine {
	return &Engine{
		graph:    graph,
		store:    store,
		llm:      llm,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// Retrieve queries the graph (through the cache when one is wired),
// loads the matched documents and bumps their usage counters.
func (e *Engine) Retrieve(ctx context.Context, query, userID string, limit int) ([]RankedDocument, error) {
	matches, err := e.searchGraph(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedDocument, 0, len(matches))
	touched := make([]string, 0, len(matches))

	for _, match := range matches {
		doc, err := e.store.GetDocument(match.DocumentID)
		if err != nil {
			logger.Warn("matched document missing from store",
				zap.String("document_id", match.DocumentID),
				zap.Error(err),
			)
			continue
		}

		ranked = append(ranked, RankedDocument{
			DocumentID:      match.DocumentID,
			Title:           match.Title,
			Content:         doc.Content,
			TotalScore:      match.TotalScore,
			MatchedTerms:    match.MatchedTerms,
			MatchedEntities: match.MatchedEntities,
			MatchedConcepts: match.MatchedConcepts,
			TermCount:       match.TermCount,
			EntityCount:     match.EntityCount,
			Relevance:       doc.AvgRelevance,
		})
		touched = append(touched, match.DocumentID)
	}

	if len(touched) > 0 {
		if err := e.store.BumpQueryUsage(touched); err != nil {
			logger.Warn("failed to bump query usage", zap.Error(err))
		}
	}

	return ranked, nil
}

func (e *Engine) searchGraph(ctx context.Context, query, userID string, limit int) ([]neo4j.DocumentMatch, error) {
	if e.cache == nil {
		return e.graph.Query(ctx, query, userID, limit)
	}

	queryHash := utils.HashString(fmt.Sprintf("%s|%d", query, limit))

	var cached []neo4j.DocumentMatch
	hit, err := e.cache.GetQueryResult(ctx, userID, queryHash, &cached)
	if err != nil {
		logger.Warn("query cache lookup failed", zap.Error(err))
	}
	if hit {
		metrics.CacheHits.WithLabelValues("query").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("query").Inc()

	matches, err := e.graph.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetQueryResult(ctx, userID, queryHash, matches, e.cacheTTL); err != nil {
		logger.Warn("query cache store failed", zap.Error(err))
	}

	return matches, nil
}

// GenerateResponse runs the full retrieval-augmented flow: graph
// retrieval, context assembly, the completion call, confidence
// scoring, and interaction persistence. When retrieval comes back
// empty the canned fallback is returned with confidence 0 and no
// completion call is made.
func (e *Engine) GenerateResponse(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, apperr.Validation("query", "required")
	}
	if req.UserID == "" {
		return nil, apperr.Validation("user_id", "required")
	}

	start := time.Now()

	ranked, err := e.Retrieve(ctx, req.Query, req.UserID, maxContextDocs)
	if err != nil {
		return nil, err
	}

	if len(ranked) == 0 {
		return e.record(req, FallbackResponse, nil, 0, nil, start)
	}

	docContext := BuildContext(ranked)
	systemPrompt := SystemPromptFor(req.ConversationType)

	answer, err := e.llm.GenerateAnswer(ctx, systemPrompt, docContext, req.Query, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	confidence := Confidence(ranked)

	var followUps []string
	if confidence > followUpThreshold {
		followUps, err = e.llm.GenerateFollowUps(ctx, req.Query, answer)
		if err != nil {
			// Follow-ups are a nicety; never fail the response over them.
			logger.Warn("follow-up generation failed", zap.Error(err))
			followUps = nil
		}
	}

	return e.record(req, answer, ranked, confidence, followUps, start)
}

func (e *Engine) record(req Request, answer string, ranked []RankedDocument, confidence float64, followUps []string, start time.Time) (*Response, error) {
	latency := int(time.Since(start).Milliseconds())

	sources := make([]models.InteractionSource, 0, len(ranked))
	for _, doc := range ranked {
		sources = append(sources, models.InteractionSource{
			DocumentID:      doc.DocumentID,
			Title:           doc.Title,
			RelevanceScore:  float64(doc.TotalScore),
			MatchedTerms:    doc.MatchedTerms,
			MatchedEntities: doc.MatchedEntities,
		})
	}

	interaction := &models.Interaction{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		Query:            req.Query,
		Response:         answer,
		Sources:          sources,
		Confidence:       confidence,
		ConversationType: req.ConversationType,
		LatencyMS:        latency,
		ContextDocs:      len(ranked),
		MaxTokens:        req.MaxTokens,
		FollowUps:        followUps,
		CreatedAt:        time.Now(),
	}

	if err := e.store.InsertInteraction(interaction); err != nil {
		return nil, err
	}

	logger.Info("response generated",
		zap.String("interaction_id", interaction.ID),
		zap.Float64("confidence", confidence),
		zap.Int("context_docs", len(ranked)),
		zap.Int("latency_ms", latency),
	)

	return &Response{
		InteractionID: interaction.ID,
		Response:      answer,
		Sources:       sources,
		Confidence:    confidence,
		FollowUps:     followUps,
		LatencyMS:     latency,
	}, nil
}

// BuildContext concatenates one delimited block per document: its
// content plus up to five matched terms, three matched entities and
// two matched concept triples.
func BuildContext(ranked []RankedDocument) string {
	var b strings.Builder

	for i, doc := range ranked {
		if i > 0 {
			b.WriteString("\n---\n")
		}

		fmt.Fprintf(&b, "[Document %d: %s]\n%s\n", i+1, doc.Title, doc.Content)

		if len(doc.MatchedTerms) > 0 {
			b.WriteString("Key terms: " + strings.Join(capped(doc.MatchedTerms, contextTermLimit), ", ") + "\n")
		}
		if len(doc.MatchedEntities) > 0 {
			b.WriteString("Entities: " + strings.Join(capped(doc.MatchedEntities, contextEntityLimit), ", ") + "\n")
		}

		for j, concept := range doc.MatchedConcepts {
			if j >= 2 {
				break
			}
			fmt.Fprintf(&b, "Fact: %s %s %s\n", concept.Subject, concept.Predicate, concept.Object)
		}
	}

	return b.String()
}

// Confidence normalizes the matched evidence against the maximum a
// perfect match could have produced, clamped to [0,1]. Zero documents
// means zero confidence.
func Confidence(ranked []RankedDocument) float64 {
	if len(ranked) == 0 {
		return 0
	}

	var total, maxPossible float64
	for _, doc := range ranked {
		total += float64(len(doc.MatchedTerms)) + float64(len(doc.MatchedEntities)) + doc.Relevance
		maxPossible += float64(doc.TermCount) + float64(doc.EntityCount) + relevanceCeiling
	}

	if maxPossible == 0 {
		return 0
	}

	confidence := total / maxPossible
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// SystemPromptFor maps a conversation type to its system prompt.
// Unknown types fall back to the conversational prompt.
func SystemPromptFor(conversationType string) string {
	switch conversationType {
	case "expert":
		return `You are a senior domain expert answering questions from a curated
knowledge base of sales calls and support documents. Be precise, cite
the documents you rely on, and qualify uncertain statements.`
	case "technical":
		return `You are a technical assistant answering from a curated knowledge
base. Be exact and structured: list steps, name the documents behind
each claim, and prefer concrete detail over summary.`
	default:
		return `You are a helpful assistant answering from a curated knowledge
base of the user's documents. Answer in a natural, conversational tone
and stay within what the documents support.`
	}
}

func capped(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
