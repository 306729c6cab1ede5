// Package conversation binds the ledger, the search index, and the
// embedder into the memory model: inserting documents, ranked retrieval,
// conscious recall, and conversation bookkeeping.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/embedding"
	"github.com/evoke-ai/mnemo/internal/index"
	"github.com/evoke-ai/mnemo/internal/model"
	"github.com/evoke-ai/mnemo/internal/store"
)

// ErrConflictingFilters is returned when a history read both selects and
// excludes document types.
var ErrConflictingFilters = errors.New("cannot query and filter document types at the same time")

// historyDistance marks conversation-history rows merged into ranked
// recall without a real embedding distance.
const historyDistance = 1000

// Model is the conversation memory model.
type Model struct {
	ledger   *store.Ledger
	index    *index.Index
	embedder embedding.Embedder
	rng      *rand.Rand
	now      func() time.Time
}

// New creates a memory model over the given collaborators.
func New(ledger *store.Ledger, idx *index.Index, embedder embedding.Embedder) *Model {
	return &Model{
		ledger:   ledger,
		index:    idx,
		embedder: embedder,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// SetRand replaces the random source used for conscious recall and
// conversation id generation.
func (cm *Model) SetRand(r *rand.Rand) { cm.rng = r }

// SetClock replaces the time source used for temporal decay.
func (cm *Model) SetClock(now func() time.Time) { cm.now = now }

// Insert persists a message to the ledger and then indexes it. The
// ledger write happens first: on index failure the ledger remains the
// source of truth and a rebuild reconciles the index.
func (cm *Model) Insert(ctx context.Context, m model.Message) error {
	log.Debug("inserting document", "doc_id", m.DocID, "conversation", m.ConversationID)
	if err := cm.ledger.Append(m); err != nil {
		return fmt.Errorf("insert %s: %w", m.DocID, err)
	}
	vec, err := cm.embedder.Embed(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("insert %s: %w", m.DocID, err)
	}
	return cm.index.Add(ctx, m, vec)
}

// InsertBatch persists and indexes messages together, embedding their
// contents in one call.
func (cm *Model) InsertBatch(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, m := range messages {
		if err := cm.ledger.Append(m); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	vecs, err := cm.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return cm.index.AddBatch(ctx, messages, vecs)
}

// QueryParams select and tune a ranked retrieval pass.
type QueryParams struct {
	QueryTexts          []string
	FilterDocIDs        map[string]struct{}
	TopN                int
	QueryDocumentTypes  []string
	QueryConversationID string
	MaxLength           int
	Rank                RankParams

	// FilterMetadocs excludes bookkeeping document types when no
	// explicit type selection is given.
	FilterMetadocs bool
}

// Query runs ranked retrieval: lexical recall with double overfetch,
// optional merge of the scoped conversation's full history, semantic
// rerank against the final query text, score combination, and cumulative
// length truncation.
func (cm *Model) Query(ctx context.Context, p QueryParams) ([]model.RankedResult, error) {
	if len(p.QueryTexts) == 0 {
		log.Warn("no query texts provided")
		return nil, nil
	}
	topN := p.TopN
	if topN <= 0 {
		topN = 10
	}

	var filterTypes []string
	if p.FilterMetadocs && len(p.QueryDocumentTypes) == 0 {
		filterTypes = model.MetaDocTypes
	}

	candidates, err := cm.index.Search(ctx, index.SearchParams{
		QueryTexts:          p.QueryTexts,
		QueryDocumentTypes:  p.QueryDocumentTypes,
		FilterDocumentTypes: filterTypes,
		ConversationID:      p.QueryConversationID,
		FilterDocIDs:        p.FilterDocIDs,
		Limit:               topN * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	if p.QueryConversationID != "" {
		candidates, err = cm.mergeHistory(candidates, p)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := cm.embedder.Embed(ctx, p.QueryTexts[len(p.QueryTexts)-1])
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	results := Rank(candidates, queryVec, p.Rank, cm.now())

	// Conversation-scoped queries return the full logged history; the
	// ranking reorders it but never drops it.
	if p.QueryConversationID != "" {
		return results, nil
	}
	if len(results) > topN {
		results = results[:topN]
	}
	return TruncateByLength(results, p.MaxLength), nil
}

// mergeHistory appends the scoped conversation's remaining documents to
// the candidate set with zero hits and a placeholder embedding, so the
// full history competes on recency and length alone.
func (cm *Model) mergeHistory(candidates []index.Candidate, p QueryParams) ([]index.Candidate, error) {
	history, err := cm.queryConversation(p.QueryConversationID, p.QueryDocumentTypes, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c.DocID] = struct{}{}
	}
	zero := embedding.ZeroVector(cm.embedder.Dims())
	for _, m := range history {
		if _, ok := seen[m.DocID]; ok {
			continue
		}
		if _, ok := p.FilterDocIDs[m.DocID]; ok {
			continue
		}
		candidates = append(candidates, index.Candidate{
			Message:   m,
			Embedding: zero,
			Hits:      0,
			Lexical:   0,
		})
	}
	return candidates, nil
}

// MOTDStaleness is how long a message-of-the-day stays visible.
const MOTDStaleness = 3 * 24 * time.Hour

// GetMOTD returns the most recent message-of-the-day documents, dropping
// entries older than the staleness window.
func (cm *Model) GetMOTD(ctx context.Context, topN int) ([]model.RankedResult, error) {
	if topN <= 0 {
		topN = 1
	}
	candidates, err := cm.index.Search(ctx, index.SearchParams{
		QueryDocumentTypes: []string{model.DocMOTD},
		Limit:              topN,
		OrderByTime:        true,
		Descending:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("get motd: %w", err)
	}
	cutoff := cm.now().Add(-MOTDStaleness).Unix()
	results := asRanked(candidates)
	fresh := results[:0]
	for _, r := range results {
		if r.Timestamp < cutoff {
			log.Debug("skipping stale motd", "date", r.Date)
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// GetConscious returns up to topN journal entries for the persona,
// ordered by a stochastic score scaled by document weight. Randomness
// keeps the conscious block varied between turns.
func (cm *Model) GetConscious(ctx context.Context, personaID string, topN int) ([]model.RankedResult, error) {
	candidates, err := cm.index.Search(ctx, index.SearchParams{
		QueryDocumentTypes: []string{model.DocJournal},
		PersonaID:          personaID,
		Limit:              topN * 3 / 2,
		OrderByTime:        true,
		Descending:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("get conscious: %w", err)
	}
	results := asRanked(candidates)
	for i := range results {
		results[i].Score = cm.rng.Float64() * results[i].Weight
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

// queryConversation loads a conversation and applies document-type
// selection or exclusion. Selecting and excluding together is an error.
func (cm *Model) queryConversation(conversationID string, queryTypes, filterTypes []string) ([]model.Message, error) {
	if len(queryTypes) > 0 && len(filterTypes) > 0 {
		return nil, ErrConflictingFilters
	}
	messages, err := cm.ledger.ReadConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if len(queryTypes) == 0 && len(filterTypes) == 0 {
		return messages, nil
	}
	var out []model.Message
	for _, m := range messages {
		if len(queryTypes) > 0 && !contains(queryTypes, m.DocumentType) {
			continue
		}
		if len(filterTypes) > 0 && contains(filterTypes, m.DocumentType) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetConversationHistory returns a conversation's documents in ledger
// order with display fields resolved.
func (cm *Model) GetConversationHistory(conversationID string, queryTypes, filterTypes []string) ([]model.RankedResult, error) {
	messages, err := cm.queryConversation(conversationID, queryTypes, filterTypes)
	if err != nil {
		return nil, err
	}
	results := make([]model.RankedResult, len(messages))
	for i, m := range messages {
		results[i] = model.NewRankedResult(m)
	}
	return results, nil
}

// GetNextBranch returns the next unused branch number for a
// conversation, 0 for a new one.
func (cm *Model) GetNextBranch(conversationID string) (int, error) {
	messages, err := cm.ledger.ReadConversation(conversationID)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	maxBranch := 0
	for _, m := range messages {
		if m.Branch > maxBranch {
			maxBranch = m.Branch
		}
	}
	return maxBranch + 1, nil
}

// NextConversationID returns an unused two-word conversation id.
func (cm *Model) NextConversationID() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id := idAdjectives[cm.rng.Intn(len(idAdjectives))] + "-" + idNouns[cm.rng.Intn(len(idNouns))]
		if !cm.ledger.Exists(id) {
			return id, nil
		}
	}
	return "", errors.New("conversation id space exhausted")
}

// GetDocuments fetches documents by id, skipping unknown ids.
func (cm *Model) GetDocuments(ctx context.Context, docIDs []string) ([]model.RankedResult, error) {
	var results []model.RankedResult
	for _, id := range docIDs {
		c, err := cm.index.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get documents: %w", err)
		}
		if c == nil {
			continue
		}
		results = append(results, model.NewRankedResult(c.Message))
	}
	return results, nil
}

// UpdateDocument rewrites a document in the ledger and re-indexes it.
func (cm *Model) UpdateDocument(ctx context.Context, conversationID, docID string, apply func(model.Message) model.Message) error {
	var updated model.Message
	err := cm.ledger.UpdateDocument(conversationID, docID, func(m model.Message) model.Message {
		updated = apply(m)
		return updated
	})
	if err != nil {
		return err
	}
	vec, err := cm.embedder.Embed(ctx, updated.Content)
	if err != nil {
		return fmt.Errorf("update %s: %w", docID, err)
	}
	return cm.index.Add(ctx, updated, vec)
}

// DeleteDocument removes a document from the ledger and the index.
func (cm *Model) DeleteDocument(ctx context.Context, conversationID, docID string) error {
	if err := cm.ledger.DeleteDocument(conversationID, docID); err != nil {
		return err
	}
	return cm.index.Delete(ctx, docID)
}

// DeleteConversation removes a conversation's ledger and index entries.
func (cm *Model) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := cm.ledger.DeleteConversation(conversationID); err != nil {
		return err
	}
	return cm.index.DeleteConversation(ctx, conversationID)
}

// Rebuild replays every ledger into a fresh index. This is the recovery
// path when the index is lost or diverges from the ledgers.
func (cm *Model) Rebuild(ctx context.Context) (int, error) {
	messages, err := cm.ledger.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	vecs, err := cm.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("rebuild embeddings: %w", err)
	}
	if err := cm.index.Rebuild(ctx, messages, vecs); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// ReportRow summarizes one conversation for the report command.
type ReportRow struct {
	ConversationID string
	TypeCounts     map[string]int
	LastTimestamp  int64
}

// ConversationReport returns per-conversation document-type counts with
// the latest activity timestamp, oldest first.
func (cm *Model) ConversationReport() ([]ReportRow, error) {
	messages, err := cm.ledger.ReadAll()
	if err != nil {
		return nil, err
	}
	byConv := map[string]*ReportRow{}
	for _, m := range messages {
		row, ok := byConv[m.ConversationID]
		if !ok {
			row = &ReportRow{ConversationID: m.ConversationID, TypeCounts: map[string]int{}}
			byConv[m.ConversationID] = row
		}
		row.TypeCounts[m.DocumentType]++
		if m.Timestamp > row.LastTimestamp {
			row.LastTimestamp = m.Timestamp
		}
	}
	rows := make([]ReportRow, 0, len(byConv))
	for _, row := range byConv {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LastTimestamp < rows[j].LastTimestamp
	})
	return rows, nil
}

// NextAnalysis returns the oldest conversation that has conversation
// turns but no analysis yet, or "" when everything is analyzed.
func (cm *Model) NextAnalysis() (string, error) {
	rows, err := cm.ConversationReport()
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if row.TypeCounts[model.DocConversation] > 0 && row.TypeCounts[model.DocAnalysis] == 0 {
			return row.ConversationID, nil
		}
	}
	return "", nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func asRanked(candidates []index.Candidate) []model.RankedResult {
	results := make([]model.RankedResult, len(candidates))
	for i, c := range candidates {
		r := model.NewRankedResult(c.Message)
		r.Hits = c.Hits
		r.Distance = historyDistance
		results[i] = r
	}
	return results
}
