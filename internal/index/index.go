// Package index implements the lexical search index over the conversation
// ledger: SQLite with an FTS5 virtual table for keyword search, plus the
// stored embedding vector for each document. The index is derived state;
// it can always be rebuilt from the ledger.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/evoke-ai/mnemo/internal/model"
)

// Candidate is one search hit: the stored message, its embedding, the
// summed lexical relevance across sub-queries, and the number of
// sub-queries that matched it.
type Candidate struct {
	model.Message
	Embedding []float32
	Lexical   float64
	Hits      int
}

// SearchParams selects and filters index candidates.
type SearchParams struct {
	// QueryTexts are matched independently; documents hit by more than
	// one accumulate hits and lexical score.
	QueryTexts []string

	QueryDocumentTypes  []string
	FilterDocumentTypes []string
	PersonaID           string
	ConversationID      string
	FilterDocIDs        map[string]struct{}

	Limit int

	// OrderByTime returns timestamp-ordered results instead of
	// relevance-ordered ones; only meaningful without query texts.
	OrderByTime bool
	Descending  bool
}

// Index is the SQLite-backed search index.
type Index struct {
	db *sql.DB
}

// New opens or creates the index database at the given path.
func New(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	// recursive_triggers makes INSERT OR REPLACE fire the delete trigger
	// for the displaced row, keeping the FTS table in sync on re-index.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=recursive_triggers(on)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id          TEXT PRIMARY KEY,
		document_type   TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		persona_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		branch          INTEGER NOT NULL DEFAULT 0,
		sequence_no     INTEGER NOT NULL DEFAULT 0,
		speaker_id      TEXT,
		listener_id     TEXT,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		timestamp       INTEGER NOT NULL,
		emotion_a       TEXT,
		emotion_b       TEXT,
		emotion_c       TEXT,
		emotion_d       TEXT,
		sentiment_v     REAL NOT NULL DEFAULT 0,
		sentiment_a     REAL NOT NULL DEFAULT 0,
		sentiment_d     REAL NOT NULL DEFAULT 0,
		importance      REAL NOT NULL DEFAULT 0,
		weight          REAL NOT NULL DEFAULT 1.0,
		reference_id    TEXT,
		inference_model TEXT,
		metadata        TEXT,
		status          INTEGER NOT NULL DEFAULT 0,
		embedding       BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_documents_conversation ON documents(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(document_type);
	CREATE INDEX IF NOT EXISTS idx_documents_persona ON documents(persona_id, document_type);
	CREATE INDEX IF NOT EXISTS idx_documents_timestamp ON documents(timestamp DESC);

	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		content,
		content=documents,
		content_rowid=rowid
	);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
		`CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	END`,
		`CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
	}
	for _, trigger := range triggers {
		if _, err := idx.db.Exec(trigger); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

const documentColumns = `doc_id, document_type, user_id, persona_id, conversation_id,
	branch, sequence_no, speaker_id, listener_id, role, content, timestamp,
	emotion_a, emotion_b, emotion_c, emotion_d,
	sentiment_v, sentiment_a, sentiment_d, importance, weight,
	reference_id, inference_model, metadata, status, embedding`

// Add indexes a single message with its embedding. An existing record
// with the same doc id is replaced.
func (idx *Index) Add(ctx context.Context, m model.Message, embedding []float32) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DocID, m.DocumentType, m.UserID, m.PersonaID, m.ConversationID,
		m.Branch, m.SequenceNo, m.SpeakerID, m.ListenerID, m.Role, m.Content, m.Timestamp,
		nullable(m.EmotionA), nullable(m.EmotionB), nullable(m.EmotionC), nullable(m.EmotionD),
		m.SentimentV, m.SentimentA, m.SentimentD, m.Importance, m.Weight,
		nullable(m.ReferenceID), nullable(m.InferenceModel), nullable(m.Metadata), m.Status,
		VectorToBytes(embedding))
	if err != nil {
		return fmt.Errorf("index %s: %w", m.DocID, err)
	}
	return nil
}

// AddBatch indexes multiple messages in a single transaction. The
// embeddings slice must be parallel to messages.
func (idx *Index) AddBatch(ctx context.Context, messages []model.Message, embeddings [][]float32) error {
	if len(messages) != len(embeddings) {
		return fmt.Errorf("index batch: %d messages, %d embeddings", len(messages), len(embeddings))
	}
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range messages {
		_, err := stmt.ExecContext(ctx,
			m.DocID, m.DocumentType, m.UserID, m.PersonaID, m.ConversationID,
			m.Branch, m.SequenceNo, m.SpeakerID, m.ListenerID, m.Role, m.Content, m.Timestamp,
			nullable(m.EmotionA), nullable(m.EmotionB), nullable(m.EmotionC), nullable(m.EmotionD),
			m.SentimentV, m.SentimentA, m.SentimentD, m.Importance, m.Weight,
			nullable(m.ReferenceID), nullable(m.InferenceModel), nullable(m.Metadata), m.Status,
			VectorToBytes(embeddings[i]))
		if err != nil {
			return fmt.Errorf("index %s: %w", m.DocID, err)
		}
	}
	return tx.Commit()
}

var ftsTokenPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// ftsQuery turns free text into an FTS5 OR-query over its tokens. Returns
// the empty string when no tokens survive sanitization.
func ftsQuery(text string) string {
	tokens := ftsTokenPattern.Split(strings.ToLower(text), -1)
	var quoted []string
	for _, t := range tokens {
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (p SearchParams) whereClause(alias string) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if len(p.QueryDocumentTypes) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(p.QueryDocumentTypes)), ",")
		where = append(where, fmt.Sprintf("%s.document_type IN (%s)", alias, ph))
		for _, dt := range p.QueryDocumentTypes {
			args = append(args, dt)
		}
	}
	if len(p.FilterDocumentTypes) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(p.FilterDocumentTypes)), ",")
		where = append(where, fmt.Sprintf("%s.document_type NOT IN (%s)", alias, ph))
		for _, dt := range p.FilterDocumentTypes {
			args = append(args, dt)
		}
	}
	if p.PersonaID != "" {
		where = append(where, alias+".persona_id = ?")
		args = append(args, p.PersonaID)
	}
	if p.ConversationID != "" {
		where = append(where, alias+".conversation_id = ?")
		args = append(args, p.ConversationID)
	}
	if len(p.FilterDocIDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(p.FilterDocIDs)), ",")
		where = append(where, fmt.Sprintf("%s.doc_id NOT IN (%s)", alias, ph))
		for id := range p.FilterDocIDs {
			args = append(args, id)
		}
	}
	return strings.Join(where, " AND "), args
}

// Search runs each query text as an independent sub-query and merges the
// results per document, summing lexical scores and counting hits. With no
// query texts it degrades to a filtered scan.
func (idx *Index) Search(ctx context.Context, p SearchParams) ([]Candidate, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	if len(p.QueryTexts) == 0 {
		return idx.scan(ctx, p, limit)
	}

	merged := map[string]*Candidate{}
	var order []string

	where, filterArgs := p.whereClause("d")
	for _, text := range p.QueryTexts {
		match := ftsQuery(text)
		if match == "" {
			continue
		}
		query := fmt.Sprintf(`
			SELECT `+prefixed("d", documentColumns)+`, bm25(documents_fts) AS rank
			FROM documents_fts f
			JOIN documents d ON d.rowid = f.rowid
			WHERE documents_fts MATCH ? AND %s
			ORDER BY rank
			LIMIT ?`, where)
		args := append([]any{match}, filterArgs...)
		args = append(args, limit)

		rows, err := idx.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fts search: %w", err)
		}
		for rows.Next() {
			var c Candidate
			var rank float64
			if err := scanCandidate(rows, &c, &rank); err != nil {
				rows.Close()
				return nil, err
			}
			// bm25 reports lower-is-better; flip it so downstream
			// scoring can treat lexical relevance as additive.
			score := -rank
			if prev, ok := merged[c.DocID]; ok {
				prev.Hits++
				prev.Lexical += score
				continue
			}
			c.Hits = 1
			c.Lexical = score
			merged[c.DocID] = &c
			order = append(order, c.DocID)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scan is the no-query path: filters only, optionally timestamp ordered.
func (idx *Index) scan(ctx context.Context, p SearchParams, limit int) ([]Candidate, error) {
	where, args := p.whereClause("d")
	orderBy := "d.timestamp DESC"
	if p.OrderByTime && !p.Descending {
		orderBy = "d.timestamp ASC"
	}
	query := fmt.Sprintf(`
		SELECT `+prefixed("d", documentColumns)+`, 0.0 AS rank
		FROM documents d
		WHERE %s
		ORDER BY %s
		LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index scan: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var rank float64
		if err := scanCandidate(rows, &c, &rank); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByID fetches a single indexed document, or nil when absent.
func (idx *Index) GetByID(ctx context.Context, docID string) (*Candidate, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT `+prefixed("d", documentColumns)+`, 0.0 AS rank
		FROM documents d WHERE d.doc_id = ?`, docID)

	var c Candidate
	var rank float64
	if err := scanCandidate(row, &c, &rank); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Delete removes a document from the index.
func (idx *Index) Delete(ctx context.Context, docID string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID)
	return err
}

// DeleteConversation removes every document indexed for a conversation.
func (idx *Index) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM documents WHERE conversation_id = ?`, conversationID)
	return err
}

// Rebuild clears the index and re-adds every message. This is the
// documented recovery path for ledger/index divergence.
func (idx *Index) Rebuild(ctx context.Context, messages []model.Message, embeddings [][]float32) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	if err := idx.AddBatch(ctx, messages, embeddings); err != nil {
		return err
	}
	log.Info("rebuilt index", "documents", len(messages))
	return nil
}

// Count returns the number of indexed documents.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row scanner, c *Candidate, rank *float64) error {
	var speaker, listener, ea, eb, ec, ed, ref, inf, meta sql.NullString
	var blob []byte
	err := row.Scan(
		&c.DocID, &c.DocumentType, &c.UserID, &c.PersonaID, &c.ConversationID,
		&c.Branch, &c.SequenceNo, &speaker, &listener, &c.Role, &c.Content, &c.Timestamp,
		&ea, &eb, &ec, &ed,
		&c.SentimentV, &c.SentimentA, &c.SentimentD, &c.Importance, &c.Weight,
		&ref, &inf, &meta, &c.Status, &blob, rank)
	if err != nil {
		return err
	}
	c.SpeakerID = speaker.String
	c.ListenerID = listener.String
	c.EmotionA, c.EmotionB, c.EmotionC, c.EmotionD = ea.String, eb.String, ec.String, ed.String
	c.ReferenceID = ref.String
	c.InferenceModel = inf.String
	c.Metadata = meta.String
	c.Embedding = BytesToVector(blob)
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// prefixed qualifies each column in a comma-separated list with an alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// VectorToBytes encodes a float32 vector as little-endian bytes.
func VectorToBytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// BytesToVector decodes a little-endian byte blob back to a float32
// vector. Trailing partial words are dropped.
func BytesToVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
