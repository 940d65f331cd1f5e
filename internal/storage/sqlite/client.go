package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/storage/models"
	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

// Client is the document-oriented store for documents and interactions.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	// _txlock=immediate makes transactions take the write lock up
	// front, so the feedback read-modify-write serializes per database
	// instead of failing busy mid-transaction.
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content_preview TEXT,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		word_count INTEGER DEFAULT 0,
		sentence_count INTEGER DEFAULT 0,
		term_count INTEGER DEFAULT 0,
		entity_count INTEGER DEFAULT 0,
		concept_count INTEGER DEFAULT 0,
		query_count INTEGER DEFAULT 0,
		last_queried_at INTEGER,
		avg_relevance REAL DEFAULT 0,
		feedback_count INTEGER DEFAULT 0,
		positive_count INTEGER DEFAULT 0,
		negative_count INTEGER DEFAULT 0,
		neutral_count INTEGER DEFAULT 0,
		version INTEGER DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_preview ON documents(content_preview);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		query_text TEXT NOT NULL,
		response TEXT,
		sources TEXT,
		confidence REAL DEFAULT 0,
		feedback TEXT,
		conversation_type TEXT,
		latency_ms INTEGER DEFAULT 0,
		context_docs INTEGER DEFAULT 0,
		max_tokens INTEGER DEFAULT 0,
		follow_ups TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user_created ON interactions(user_id, created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertDocument(doc *models.Document) error {
	query := `
		INSERT INTO documents (id, user_id, title, content_preview, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content_preview = excluded.content_preview,
			content = excluded.content,
			status = excluded.status,
			version = version + 1,
			updated_at = excluded.updated_at
	`

	_, err := c.db.Exec(
		query,
		doc.ID,
		doc.UserID,
		doc.Title,
		doc.ContentPreview,
		doc.Content,
		doc.Status,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return apperr.Store("document", err)
	}

	logger.Debug("document inserted", zap.String("document_id", doc.ID))
	return nil
}

func (c *Client) GetDocument(id string) (*models.Document, error) {
	query := `
		SELECT id, user_id, title, content_preview, content, status, COALESCE(error, ''),
		       word_count, sentence_count, term_count, entity_count, concept_count,
		       query_count, last_queried_at, avg_relevance, feedback_count,
		       positive_count, negative_count, neutral_count, version, created_at, updated_at
		FROM documents WHERE id = ?
	`

	var doc models.Document
	var lastQueried sql.NullInt64
	var createdAt, updatedAt int64

	err := c.db.QueryRow(query, id).Scan(
		&doc.ID, &doc.UserID, &doc.Title, &doc.ContentPreview, &doc.Content,
		&doc.Status, &doc.Error,
		&doc.WordCount, &doc.SentenceCount, &doc.TermCount, &doc.EntityCount, &doc.ConceptCount,
		&doc.QueryCount, &lastQueried, &doc.AvgRelevance, &doc.FeedbackCount,
		&doc.PositiveCount, &doc.NegativeCount, &doc.NeutralCount,
		&doc.Version, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, apperr.Store("document", err)
	}

	if lastQueried.Valid {
		t := time.Unix(lastQueried.Int64, 0)
		doc.LastQueriedAt = &t
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)

	return &doc, nil
}

// SetDocumentStatus moves a document through its processing states.
// The error message is only kept for failed documents.
func (c *Client) SetDocumentStatus(id, status, errMsg string) error {
	_, err := c.db.Exec(
		`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().Unix(), id,
	)
	if err != nil {
		return apperr.Store("document", err)
	}
	return nil
}

// SetDocumentCounts records the extraction metadata after a successful
// ingestion pass.
func (c *Client) SetDocumentCounts(id string, words, sentences, terms, entities, concepts int) error {
	_, err := c.db.Exec(`
		UPDATE documents
		SET word_count = ?, sentence_count = ?, term_count = ?,
		    entity_count = ?, concept_count = ?, updated_at = ?
		WHERE id = ?
	`, words, sentences, terms, entities, concepts, time.Now().Unix(), id)
	if err != nil {
		return apperr.Store("document", err)
	}
	return nil
}

// BumpQueryUsage increments query counters on every document a
// retrieval touched.
func (c *Client) BumpQueryUsage(documentIDs []string) error {
	now := time.Now().Unix()
	for _, id := range documentIDs {
		_, err := c.db.Exec(
			`UPDATE documents SET query_count = query_count + 1, last_queried_at = ?, updated_at = ? WHERE id = ?`,
			now, now, id,
		)
		if err != nil {
			return apperr.Store("document", err)
		}
	}
	return nil
}

// ApplyFeedback folds one feedback score into a document's running
// average relevance and sentiment tally. The read-modify-write runs in
// an immediate transaction so concurrent submissions on the same
// document cannot lose updates.
func (c *Client) ApplyFeedback(documentID, feedback string, score float64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return apperr.Store("document", err)
	}
	defer tx.Rollback()

	var avg float64
	var count int
	err = tx.QueryRow(
		`SELECT avg_relevance, feedback_count FROM documents WHERE id = ?`,
		documentID,
	).Scan(&avg, &count)
	if err == sql.ErrNoRows {
		return apperr.NotFound("document", documentID)
	}
	if err != nil {
		return apperr.Store("document", err)
	}

	n := count + 1
	newAvg := (avg*float64(n-1) + score) / float64(n)

	column := "neutral_count"
	switch feedback {
	case models.FeedbackPositive:
		column = "positive_count"
	case models.FeedbackNegative:
		column = "negative_count"
	}

	_, err = tx.Exec(fmt.Sprintf(`
		UPDATE documents
		SET avg_relevance = ?, feedback_count = ?, %s = %s + 1, updated_at = ?
		WHERE id = ?
	`, column, column), newAvg, n, time.Now().Unix(), documentID)
	if err != nil {
		return apperr.Store("document", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store("document", err)
	}

	logger.Debug("document feedback applied",
		zap.String("document_id", documentID),
		zap.String("feedback", feedback),
		zap.Float64("avg_relevance", newAvg),
	)

	return nil
}

// SearchDocuments finds a user's completed documents whose content
// contains the given fragment.
func (c *Client) SearchDocuments(userID, fragment string, limit int) ([]models.Document, error) {
	rows, err := c.db.Query(`
		SELECT id, user_id, title, content_preview, status, created_at
		FROM documents
		WHERE user_id = ? AND status = ? AND content LIKE ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, models.StatusCompleted, "%"+fragment+"%", limit)
	if err != nil {
		return nil, apperr.Store("document", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var createdAt int64
		if err := rows.Scan(&doc.ID, &doc.UserID, &doc.Title, &doc.ContentPreview, &doc.Status, &createdAt); err != nil {
			return nil, apperr.Store("document", err)
		}
		doc.CreatedAt = time.Unix(createdAt, 0)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *Client) InsertInteraction(in *models.Interaction) error {
	sourcesJSON, err := json.Marshal(in.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	followUpsJSON, err := json.Marshal(in.FollowUps)
	if err != nil {
		return fmt.Errorf("failed to marshal follow-ups: %w", err)
	}

	feedback := sql.NullString{String: in.Feedback, Valid: in.Feedback != ""}

	_, err = c.db.Exec(`
		INSERT INTO interactions (id, user_id, session_id, query_text, response, sources,
			confidence, feedback, conversation_type, latency_ms, context_docs, max_tokens,
			follow_ups, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.ID, in.UserID, in.SessionID, in.Query, in.Response, string(sourcesJSON),
		in.Confidence, feedback, in.ConversationType, in.LatencyMS, in.ContextDocs,
		in.MaxTokens, string(followUpsJSON), in.CreatedAt.Unix(),
	)
	if err != nil {
		return apperr.Store("interaction", err)
	}

	logger.Info("interaction recorded",
		zap.String("interaction_id", in.ID),
		zap.Float64("confidence", in.Confidence),
		zap.Int("latency_ms", in.LatencyMS),
	)

	return nil
}

func (c *Client) GetInteraction(id string) (*models.Interaction, error) {
	row := c.db.QueryRow(`
		SELECT id, user_id, session_id, query_text, response, sources, confidence,
		       COALESCE(feedback, ''), conversation_type, latency_ms, context_docs,
		       max_tokens, follow_ups, created_at
		FROM interactions WHERE id = ?
	`, id)

	in, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("interaction", id)
	}
	if err != nil {
		return nil, apperr.Store("interaction", err)
	}
	return in, nil
}

// SetInteractionFeedback overwrites the feedback field. Feedback is
// not appendable; the latest judgment wins.
func (c *Client) SetInteractionFeedback(id, feedback string) error {
	result, err := c.db.Exec(`UPDATE interactions SET feedback = ? WHERE id = ?`, feedback, id)
	if err != nil {
		return apperr.Store("interaction", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperr.NotFound("interaction", id)
	}
	return nil
}

func (c *Client) ListInteractions(userID string, limit int) ([]models.Interaction, error) {
	rows, err := c.db.Query(`
		SELECT id, user_id, session_id, query_text, response, sources, confidence,
		       COALESCE(feedback, ''), conversation_type, latency_ms, context_docs,
		       max_tokens, follow_ups, created_at
		FROM interactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, apperr.Store("interaction", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

// ListCurationCandidates returns interactions eligible for training
// data: never negative feedback, confidence at or above the floor, and
// inside the time range when one is given.
func (c *Client) ListCurationCandidates(userID string, minConfidence float64, since, until time.Time) ([]models.Interaction, error) {
	rows, err := c.db.Query(`
		SELECT id, user_id, session_id, query_text, response, sources, confidence,
		       COALESCE(feedback, ''), conversation_type, latency_ms, context_docs,
		       max_tokens, follow_ups, created_at
		FROM interactions
		WHERE user_id = ?
		  AND (feedback IS NULL OR feedback != ?)
		  AND confidence >= ?
		  AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC
	`, userID, models.FeedbackNegative, minConfidence, since.Unix(), until.Unix())
	if err != nil {
		return nil, apperr.Store("interaction", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

// ListNegativeCandidates returns interactions suitable for negative
// training examples: negative feedback or low confidence.
func (c *Client) ListNegativeCandidates(userID string, maxConfidence float64, since, until time.Time, limit int) ([]models.Interaction, error) {
	rows, err := c.db.Query(`
		SELECT id, user_id, session_id, query_text, response, sources, confidence,
		       COALESCE(feedback, ''), conversation_type, latency_ms, context_docs,
		       max_tokens, follow_ups, created_at
		FROM interactions
		WHERE user_id = ?
		  AND (feedback = ? OR confidence < ?)
		  AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, models.FeedbackNegative, maxConfidence, since.Unix(), until.Unix(), limit)
	if err != nil {
		return nil, apperr.Store("interaction", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(row rowScanner) (*models.Interaction, error) {
	var in models.Interaction
	var sourcesJSON, followUpsJSON string
	var createdAt int64

	err := row.Scan(
		&in.ID, &in.UserID, &in.SessionID, &in.Query, &in.Response, &sourcesJSON,
		&in.Confidence, &in.Feedback, &in.ConversationType, &in.LatencyMS,
		&in.ContextDocs, &in.MaxTokens, &followUpsJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	// A corrupted row degrades to empty sources rather than failing the
	// whole listing, but never silently.
	if err := json.Unmarshal([]byte(sourcesJSON), &in.Sources); err != nil {
		logger.Warn("corrupted sources json on interaction",
			zap.String("interaction_id", in.ID),
			zap.Error(err),
		)
	}
	if err := json.Unmarshal([]byte(followUpsJSON), &in.FollowUps); err != nil {
		logger.Warn("corrupted follow-ups json on interaction",
			zap.String("interaction_id", in.ID),
			zap.Error(err),
		)
	}
	in.CreatedAt = time.Unix(createdAt, 0)

	return &in, nil
}

func collectInteractions(rows *sql.Rows) ([]models.Interaction, error) {
	var interactions []models.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, apperr.Store("interaction", err)
		}
		interactions = append(interactions, *in)
	}
	return interactions, rows.Err()
}
