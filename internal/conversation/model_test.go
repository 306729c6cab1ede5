package conversation

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evoke-ai/mnemo/internal/index"
	"github.com/evoke-ai/mnemo/internal/model"
	"github.com/evoke-ai/mnemo/internal/store"
)

// fakeEmbedder returns deterministic vectors: a fixed override when one
// is registered for the text, otherwise a cheap hash of the content.
type fakeEmbedder struct {
	overrides map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.overrides[text]; ok {
		return v, nil
	}
	var a, b float32
	for i, r := range text {
		if i%2 == 0 {
			a += float32(r % 13)
		} else {
			b += float32(r % 7)
		}
	}
	return []float32{a / 100, b / 100}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dims() int { return 2 }

func newTestModel(t *testing.T) *Model {
	t.Helper()
	dir := t.TempDir()
	ledger, err := store.NewLedger(filepath.Join(dir, "conversations"))
	require.NoError(t, err)
	idx, err := index.New(filepath.Join(dir, "indices", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	cm := New(ledger, idx, &fakeEmbedder{overrides: map[string][]float32{}})
	cm.SetRand(rand.New(rand.NewSource(42)))
	return cm
}

func insertMessage(t *testing.T, cm *Model, docID, conversationID, docType, role, content string, seq int) model.Message {
	t.Helper()
	m := model.NewMessage(conversationID, seq, role, content)
	m.DocID = docID
	m.DocumentType = docType
	m.PersonaID = "aria"
	require.NoError(t, cm.Insert(context.Background(), m))
	return m
}

func TestInsertAndHistoryOrder(t *testing.T) {
	cm := newTestModel(t)

	insertMessage(t, cm, "a1", "c1", model.DocConversation, model.RoleUser, "hello", 0)
	insertMessage(t, cm, "a2", "c1", model.DocConversation, model.RoleAssistant, "hi there", 1)

	history, err := cm.GetConversationHistory("c1", nil, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "a1", history[0].DocID)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, "a2", history[1].DocID)
	require.Equal(t, 1, history[1].SequenceNo)

	// inserting once means appearing exactly once
	seen := 0
	for _, h := range history {
		if h.DocID == "a1" {
			seen++
		}
	}
	require.Equal(t, 1, seen)
}

func TestHistoryConflictingFilters(t *testing.T) {
	cm := newTestModel(t)
	_, err := cm.GetConversationHistory("c1", []string{model.DocConversation}, []string{model.DocNER})
	require.ErrorIs(t, err, ErrConflictingFilters)
}

func TestQueryFiltersMetadocs(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	insertMessage(t, cm, "d1", "c1", model.DocConversation, model.RoleUser, "we talked about the lighthouse", 0)
	insertMessage(t, cm, "d2", "c1", model.DocNER, model.RoleAssistant, "lighthouse entities identified", 1)

	results, err := cm.Query(ctx, QueryParams{
		QueryTexts:     []string{"lighthouse"},
		TopN:           10,
		FilterMetadocs: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "d1", results[0].DocID)
}

func TestConversationScopedQueryIncludesFullHistory(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	contents := []string{
		"the lighthouse keeper",
		"completely unrelated pancakes",
		"another lighthouse mention",
		"quiet morning fog",
		"nothing matches here",
	}
	for i, id := range ids {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		insertMessage(t, cm, id, "c1", model.DocConversation, role, contents[i], i)
	}
	insertMessage(t, cm, "other", "c2", model.DocConversation, model.RoleUser, "lighthouse elsewhere", 0)

	results, err := cm.Query(ctx, QueryParams{
		QueryTexts:          []string{"lighthouse"},
		TopN:                1,
		QueryConversationID: "c1",
		FilterMetadocs:      true,
	})
	require.NoError(t, err)

	got := map[string]bool{}
	for _, r := range results {
		got[r.DocID] = true
	}
	for _, id := range ids {
		require.True(t, got[id], "conversation-scoped query must include %s", id)
	}
	require.False(t, got["other"], "other conversations must not leak in")
}

func TestEmptyQueryTexts(t *testing.T) {
	cm := newTestModel(t)
	results, err := cm.Query(context.Background(), QueryParams{TopN: 5})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestGetMOTDStaleness(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	stale := model.NewMessage("c1", 0, model.RoleAssistant, "old message to self")
	stale.DocID = "stale"
	stale.DocumentType = model.DocMOTD
	stale.Timestamp = time.Now().Add(-4 * 24 * time.Hour).Unix()
	require.NoError(t, cm.Insert(ctx, stale))

	got, err := cm.GetMOTD(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, got, "a four day old MOTD must not surface")

	fresh := model.NewMessage("c1", 1, model.RoleAssistant, "recent message to self")
	fresh.DocID = "fresh"
	fresh.DocumentType = model.DocMOTD
	fresh.Timestamp = time.Now().Add(-24 * time.Hour).Unix()
	require.NoError(t, cm.Insert(ctx, fresh))

	got, err = cm.GetMOTD(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "fresh", got[0].DocID)
}

func TestGetConscious(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m := model.NewMessage("c1", i, model.RoleAssistant, "journal entry with some thoughts in it")
		m.DocID = model.NewDocID()
		m.DocumentType = model.DocJournal
		m.PersonaID = "aria"
		require.NoError(t, cm.Insert(ctx, m))
	}
	insertMessage(t, cm, "conv", "c1", model.DocConversation, model.RoleUser, "not a journal", 7)

	got, err := cm.GetConscious(ctx, "aria", 4)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), 4)
	require.NotEmpty(t, got)
	for _, r := range got {
		require.Equal(t, model.DocJournal, r.DocumentType)
	}
}

func TestGetConsciousWeightProportionalFrequency(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	heavy := model.NewMessage("c1", 0, model.RoleAssistant, "the heavy journal entry")
	heavy.DocID = "heavy"
	heavy.DocumentType = model.DocJournal
	heavy.PersonaID = "aria"
	heavy.Weight = 2.0
	require.NoError(t, cm.Insert(ctx, heavy))

	light := model.NewMessage("c1", 1, model.RoleAssistant, "the light journal entry")
	light.DocID = "light"
	light.DocumentType = model.DocJournal
	light.PersonaID = "aria"
	light.Weight = 0.5
	require.NoError(t, cm.Insert(ctx, light))

	cm.SetRand(rand.New(rand.NewSource(11)))
	heavyFirst := 0
	const draws = 400
	for i := 0; i < draws; i++ {
		got, err := cm.GetConscious(ctx, "aria", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		if got[0].DocID == "heavy" {
			heavyFirst++
		}
	}
	// a 2.0 weight should outrank a 0.5 weight about seven draws in eight
	require.Greater(t, heavyFirst, draws*3/4)
}

func TestGetNextBranch(t *testing.T) {
	cm := newTestModel(t)

	branch, err := cm.GetNextBranch("empty")
	require.NoError(t, err)
	require.Equal(t, 0, branch)

	m := model.NewMessage("c1", 0, model.RoleUser, "hello from a branch")
	m.Branch = 2
	require.NoError(t, cm.Insert(context.Background(), m))

	branch, err = cm.GetNextBranch("c1")
	require.NoError(t, err)
	require.Equal(t, 3, branch)
}

func TestNextConversationIDRetriesOnCollision(t *testing.T) {
	cm := newTestModel(t)

	// discover the first candidate the seeded source will produce
	probe := rand.New(rand.NewSource(7))
	first := idAdjectives[probe.Intn(len(idAdjectives))] + "-" + idNouns[probe.Intn(len(idNouns))]

	// occupy it on disk
	m := model.NewMessage(first, 0, model.RoleUser, "taken")
	require.NoError(t, cm.Insert(context.Background(), m))

	cm.SetRand(rand.New(rand.NewSource(7)))
	id, err := cm.NextConversationID()
	require.NoError(t, err)
	require.NotEqual(t, first, id)
	require.NotEmpty(t, id)
}

func TestUpdateAndDeleteDocument(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	insertMessage(t, cm, "d1", "c1", model.DocConversation, model.RoleUser, "original content here", 0)

	err := cm.UpdateDocument(ctx, "c1", "d1", func(m model.Message) model.Message {
		m.Content = "revised content here"
		return m
	})
	require.NoError(t, err)

	docs, err := cm.GetDocuments(ctx, []string{"d1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "revised content here", docs[0].Content)

	require.NoError(t, cm.DeleteDocument(ctx, "c1", "d1"))
	docs, err = cm.GetDocuments(ctx, []string{"d1"})
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestRebuildRestoresIndex(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	insertMessage(t, cm, "d1", "c1", model.DocConversation, model.RoleUser, "the lighthouse keeper walked", 0)
	insertMessage(t, cm, "d2", "c2", model.DocConversation, model.RoleUser, "a completely different topic", 0)

	for i := 0; i < 2; i++ {
		n, err := cm.Rebuild(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		results, err := cm.Query(ctx, QueryParams{QueryTexts: []string{"lighthouse keeper"}, TopN: 5})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, "d1", results[0].DocID)
	}
}

func TestConversationReportAndNextAnalysis(t *testing.T) {
	cm := newTestModel(t)
	ctx := context.Background()

	old := model.NewMessage("first", 0, model.RoleUser, "earliest conversation")
	old.Timestamp = time.Now().Add(-48 * time.Hour).Unix()
	require.NoError(t, cm.Insert(ctx, old))

	insertMessage(t, cm, "d2", "second", model.DocConversation, model.RoleUser, "newer conversation", 0)
	analysis := model.NewMessage("second", 1, model.RoleAssistant, "analysis of the newer conversation")
	analysis.DocumentType = model.DocAnalysis
	require.NoError(t, cm.Insert(ctx, analysis))

	rows, err := cm.ConversationReport()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "first", rows[0].ConversationID, "report is oldest first")
	require.Equal(t, 1, rows[0].TypeCounts[model.DocConversation])
	require.Equal(t, 1, rows[1].TypeCounts[model.DocAnalysis])

	next, err := cm.NextAnalysis()
	require.NoError(t, err)
	require.Equal(t, "first", next, "only the unanalyzed conversation qualifies")
}
