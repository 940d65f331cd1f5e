package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/extraction"
	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/circuitbreaker"
	"github.com/knowledge-agent/backend/pkg/logger"
	"github.com/knowledge-agent/backend/pkg/retry"
)

// Client persists documents, terms, entities and concepts as graph
// nodes with typed edges (CONTAINS_TERM, CONTAINS_ENTITY, RELATES_TO,
// HAS_INTERACTION) and answers evidence-annotated document queries.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// ConceptMatch is one subject-predicate-object triple matched by a
// query.
type ConceptMatch struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// DocumentMatch is one document returned by Query, annotated with the
// evidence that matched. TotalScore is matched-term count plus
// matched-entity count.
type DocumentMatch struct {
	DocumentID      string
	Title           string
	TotalScore      int
	MatchedTerms    []string
	MatchedEntities []string
	MatchedConcepts []ConceptMatch
	TermCount       int
	EntityCount     int
}

// Statistics are per-user graph counts.
type Statistics struct {
	Documents    int `json:"documents"`
	Terms        int `json:"terms"`
	Entities     int `json:"entities"`
	Concepts     int `json:"concepts"`
	Interactions int `json:"interactions"`
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) execute(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
	if err != nil {
		return apperr.Store("graph", err)
	}
	return nil
}

// CreateDocumentGraph writes one document node, then merge-creates the
// extracted term, entity and concept nodes and their incidence edges.
// Writes are not transactional across statements; a crash mid-way
// leaves a partial graph for the caller to retry wholesale after
// marking the document failed. Re-ingesting an existing id without
// prior deletion duplicates edges; use ReplaceDocumentGraph for that.
func (c *Client) CreateDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.userId = $user_id,
			    d.title = $title,
			    d.termCount = $term_count,
			    d.entityCount = $entity_count,
			    d.createdAt = timestamp()
		`, map[string]interface{}{
			"id":           doc.ID,
			"user_id":      doc.UserID,
			"title":        doc.Title,
			"term_count":   len(ext.Entities.ImportantTerms),
			"entity_count": countEntities(&ext.Entities),
		})
		if err != nil {
			return fmt.Errorf("failed to create document node: %w", err)
		}

		for _, term := range ext.Entities.ImportantTerms {
			_, err := session.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (t:Term {text: $text})
				SET t.stem = $stem
				MERGE (d)-[r:CONTAINS_TERM]->(t)
				SET r.score = $score
			`, map[string]interface{}{
				"doc_id": doc.ID,
				"text":   term.Text,
				"stem":   term.Stem,
				"score":  term.Score,
			})
			if err != nil {
				return fmt.Errorf("failed to create term node: %w", err)
			}
		}

		for entityType, names := range map[string][]string{
			"person":       ext.Entities.People,
			"place":        ext.Entities.Places,
			"organization": ext.Entities.Organizations,
			"topic":        ext.Entities.Topics,
		} {
			for _, name := range names {
				_, err := session.Run(ctx, `
					MATCH (d:Document {id: $doc_id})
					MERGE (e:Entity {name: $name, type: $type})
					MERGE (d)-[:CONTAINS_ENTITY]->(e)
				`, map[string]interface{}{
					"doc_id": doc.ID,
					"name":   name,
					"type":   entityType,
				})
				if err != nil {
					return fmt.Errorf("failed to create entity node: %w", err)
				}
			}
		}

		for _, concept := range ext.Concepts {
			_, err := session.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (co:Concept {subject: $subject, predicate: $predicate, object: $object})
				SET co.sentence = $sentence
				MERGE (d)-[:RELATES_TO]->(co)
			`, map[string]interface{}{
				"doc_id":    doc.ID,
				"subject":   concept.Subject,
				"predicate": concept.Predicate,
				"object":    concept.Object,
				"sentence":  concept.Sentence,
			})
			if err != nil {
				return fmt.Errorf("failed to create concept node: %w", err)
			}
		}

		logger.Debug("document graph created",
			zap.String("document_id", doc.ID),
			zap.Int("terms", len(ext.Entities.ImportantTerms)),
			zap.Int("concepts", len(ext.Concepts)),
		)

		return nil
	})
}

// DeleteDocumentGraph removes a document node, its interaction nodes
// and all incident edges. Shared term/entity/concept nodes survive as
// orphans, which queries never return.
func (c *Client) DeleteDocumentGraph(ctx context.Context, documentID string) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (d:Document {id: $doc_id})
			OPTIONAL MATCH (d)-[:HAS_INTERACTION]->(i:Interaction)
			DETACH DELETE d, i
		`, map[string]interface{}{
			"doc_id": documentID,
		})
		if err != nil {
			return fmt.Errorf("failed to delete document graph: %w", err)
		}
		return nil
	})
}

// ReplaceDocumentGraph deletes a document's owned graph nodes before
// re-creating them, so re-ingestion cannot duplicate edges.
func (c *Client) ReplaceDocumentGraph(ctx context.Context, doc *models.Document, ext *extraction.Result) error {
	if err := c.DeleteDocumentGraph(ctx, doc.ID); err != nil {
		return err
	}
	return c.CreateDocumentGraph(ctx, doc, ext)
}

// Query tokenizes and stems the query text, finds the caller's
// documents sharing surface or stemmed matches, and returns up to
// limit documents ordered by match count, each annotated with the
// matched terms, entities and concept triples. No match is an empty
// slice, not an error.
func (c *Client) Query(ctx context.Context, queryText, userID string, limit int) ([]DocumentMatch, error) {
	tokens := extraction.Tokenize(queryText)
	if len(tokens) == 0 {
		return []DocumentMatch{}, nil
	}

	stems := make([]string, len(tokens))
	for i, tok := range tokens {
		stems[i] = extraction.Stem(tok)
	}

	var matches []DocumentMatch

	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (d:Document {userId: $user_id})
			OPTIONAL MATCH (d)-[:CONTAINS_TERM]->(t:Term)
			WHERE t.text IN $tokens OR t.stem IN $stems
			OPTIONAL MATCH (d)-[:CONTAINS_ENTITY]->(e:Entity)
			WHERE any(tok IN $tokens WHERE toLower(e.name) CONTAINS tok)
			OPTIONAL MATCH (d)-[:RELATES_TO]->(co:Concept)
			WHERE any(tok IN $tokens WHERE toLower(co.subject) CONTAINS tok OR toLower(co.object) CONTAINS tok)
			WITH d,
			     collect(DISTINCT t.text) AS terms,
			     collect(DISTINCT e.name) AS entities,
			     collect(DISTINCT CASE WHEN co IS NULL THEN NULL ELSE [co.subject, co.predicate, co.object] END) AS concepts
			WHERE size(terms) + size(entities) > 0
			RETURN d.id AS id,
			       d.title AS title,
			       d.termCount AS term_count,
			       d.entityCount AS entity_count,
			       terms, entities, concepts,
			       size(terms) + size(entities) AS total_score
			ORDER BY total_score DESC
			LIMIT $limit
		`, map[string]interface{}{
			"user_id": userID,
			"tokens":  tokens,
			"stems":   stems,
			"limit":   limit,
		})
		if err != nil {
			return fmt.Errorf("failed to query documents: %w", err)
		}

		matches = nil
		for result.Next(ctx) {
			record := result.Record()

			id, _ := record.Get("id")
			title, _ := record.Get("title")
			termCount, _ := record.Get("term_count")
			entityCount, _ := record.Get("entity_count")
			totalScore, _ := record.Get("total_score")
			terms, _ := record.Get("terms")
			entities, _ := record.Get("entities")
			concepts, _ := record.Get("concepts")

			match := DocumentMatch{
				DocumentID:      asString(id),
				Title:           asString(title),
				TotalScore:      int(asInt64(totalScore)),
				MatchedTerms:    asStrings(terms),
				MatchedEntities: asStrings(entities),
				MatchedConcepts: asConcepts(concepts),
				TermCount:       int(asInt64(termCount)),
				EntityCount:     int(asInt64(entityCount)),
			}
			matches = append(matches, match)
		}

		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if matches == nil {
		matches = []DocumentMatch{}
	}

	logger.Info("graph query completed",
		zap.String("user_id", userID),
		zap.Int("tokens", len(tokens)),
		zap.Int("matches", len(matches)),
	)

	return matches, nil
}

// RecordFeedback attaches an interaction edge under the document and,
// for positive or negative judgments, bumps the reinforcement counter
// on every term node linked to that document.
func (c *Client) RecordFeedback(ctx context.Context, documentID, feedback, query, response string) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (d:Document {id: $doc_id})
			CREATE (i:Interaction {
				id: $id,
				query: $query,
				response: $response,
				feedback: $feedback,
				createdAt: timestamp()
			})
			CREATE (d)-[:HAS_INTERACTION]->(i)
		`, map[string]interface{}{
			"doc_id":   documentID,
			"id":       uuid.New().String(),
			"query":    query,
			"response": response,
			"feedback": feedback,
		})
		if err != nil {
			return fmt.Errorf("failed to record interaction: %w", err)
		}

		if feedback == models.FeedbackPositive || feedback == models.FeedbackNegative {
			_, err := session.Run(ctx, `
				MATCH (d:Document {id: $doc_id})-[:CONTAINS_TERM]->(t:Term)
				SET t.reinforcement = coalesce(t.reinforcement, 0) + 1
			`, map[string]interface{}{
				"doc_id": documentID,
			})
			if err != nil {
				return fmt.Errorf("failed to reinforce terms: %w", err)
			}
		}

		logger.Debug("feedback recorded in graph",
			zap.String("document_id", documentID),
			zap.String("feedback", feedback),
		)

		return nil
	})
}

// Statistics counts the caller's documents and everything reachable
// from them.
func (c *Client) Statistics(ctx context.Context, userID string) (*Statistics, error) {
	var stats Statistics

	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (d:Document {userId: $user_id})
			OPTIONAL MATCH (d)-[:CONTAINS_TERM]->(t:Term)
			OPTIONAL MATCH (d)-[:CONTAINS_ENTITY]->(e:Entity)
			OPTIONAL MATCH (d)-[:RELATES_TO]->(co:Concept)
			OPTIONAL MATCH (d)-[:HAS_INTERACTION]->(i:Interaction)
			RETURN count(DISTINCT d) AS documents,
			       count(DISTINCT t) AS terms,
			       count(DISTINCT e) AS entities,
			       count(DISTINCT co) AS concepts,
			       count(DISTINCT i) AS interactions
		`, map[string]interface{}{
			"user_id": userID,
		})
		if err != nil {
			return fmt.Errorf("failed to collect statistics: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()
			documents, _ := record.Get("documents")
			terms, _ := record.Get("terms")
			entities, _ := record.Get("entities")
			concepts, _ := record.Get("concepts")
			interactions, _ := record.Get("interactions")

			stats = Statistics{
				Documents:    int(asInt64(documents)),
				Terms:        int(asInt64(terms)),
				Entities:     int(asInt64(entities)),
				Concepts:     int(asInt64(concepts)),
				Interactions: int(asInt64(interactions)),
			}
		}

		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func countEntities(e *extraction.Entities) int {
	return len(e.People) + len(e.Places) + len(e.Organizations) + len(e.Topics)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func asStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asConcepts(v interface{}) []ConceptMatch {
	items, ok := v.([]interface{})
	if !ok {
		return []ConceptMatch{}
	}
	out := make([]ConceptMatch, 0, len(items))
	for _, item := range items {
		triple, ok := item.([]interface{})
		if !ok || len(triple) != 3 {
			continue
		}
		out = append(out, ConceptMatch{
			Subject:   asString(triple[0]),
			Predicate: asString(triple[1]),
			Object:    asString(triple[2]),
		})
	}
	return out
}
