package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evoke-ai/mnemo/internal/model"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(filepath.Join(t.TempDir(), "indices", "memory.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func indexMessage(docID, conversationID, docType, content string) model.Message {
	m := model.NewMessage(conversationID, 0, model.RoleUser, content)
	m.DocID = docID
	m.DocumentType = docType
	m.PersonaID = "aria"
	return m
}

func mustAdd(t *testing.T, idx *Index, m model.Message, vec []float32) {
	t.Helper()
	if err := idx.Add(context.Background(), m, vec); err != nil {
		t.Fatalf("Add %s: %v", m.DocID, err)
	}
}

func TestSearchMergesHitsAcrossSubQueries(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "the lighthouse keeper walked the shore"), []float32{1, 0})
	mustAdd(t, idx, indexMessage("d2", "c1", model.DocConversation, "a storm rolled over the shore"), []float32{0, 1})

	got, err := idx.Search(ctx, SearchParams{
		QueryTexts: []string{"lighthouse keeper", "walked the shore"},
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	byID := map[string]Candidate{}
	for _, c := range got {
		byID[c.DocID] = c
	}
	if byID["d1"].Hits != 2 {
		t.Errorf("d1 hits = %d, want 2 (matched by both sub-queries)", byID["d1"].Hits)
	}
	if byID["d2"].Hits != 1 {
		t.Errorf("d2 hits = %d, want 1", byID["d2"].Hits)
	}
}

func TestFTSStaysInSyncWithWrites(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "the quiet harbor at dawn"), []float32{1, 0})
	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "a crowded market at noon"), []float32{1, 0})

	got, err := idx.Search(ctx, SearchParams{QueryTexts: []string{"harbor"}, Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("replaced content still searchable: %d rows", len(got))
	}

	got, err = idx.Search(ctx, SearchParams{QueryTexts: []string{"market"}, Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("new content not searchable: %d rows", len(got))
	}

	if err := idx.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = idx.Search(ctx, SearchParams{QueryTexts: []string{"market"}, Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("deleted content still searchable: %d rows", len(got))
	}
}

func TestSearchFilters(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "walking in the rain"), nil)
	mustAdd(t, idx, indexMessage("d2", "c2", model.DocJournal, "walking in the rain again"), nil)
	mustAdd(t, idx, indexMessage("d3", "c1", model.DocNER, "walking entities in the rain"), nil)

	got, err := idx.Search(ctx, SearchParams{
		QueryTexts:          []string{"walking rain"},
		FilterDocumentTypes: []string{model.DocNER},
		ConversationID:      "c1",
		Limit:               10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("results = %+v, want exactly d1", docIDs(got))
	}

	got, err = idx.Search(ctx, SearchParams{
		QueryTexts:         []string{"walking rain"},
		QueryDocumentTypes: []string{model.DocJournal},
		Limit:              10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DocID != "d2" {
		t.Errorf("journal query = %v, want d2", docIDs(got))
	}

	got, err = idx.Search(ctx, SearchParams{
		QueryTexts:   []string{"walking rain"},
		FilterDocIDs: map[string]struct{}{"d1": {}, "d3": {}},
		Limit:        10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DocID != "d2" {
		t.Errorf("excluded query = %v, want d2", docIDs(got))
	}
}

func TestScanOrdersByTimestamp(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	now := time.Now().Unix()
	older := indexMessage("d1", "c1", model.DocMOTD, "yesterday's note")
	older.Timestamp = now - 3600
	newer := indexMessage("d2", "c1", model.DocMOTD, "today's note")
	newer.Timestamp = now
	mustAdd(t, idx, older, nil)
	mustAdd(t, idx, newer, nil)

	got, err := idx.Search(ctx, SearchParams{
		QueryDocumentTypes: []string{model.DocMOTD},
		OrderByTime:        true,
		Descending:         true,
		Limit:              1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DocID != "d2" {
		t.Errorf("latest = %v, want d2", docIDs(got))
	}
}

func TestGetByIDAndDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	vec := []float32{0.5, -1.25, 3}
	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "hello"), vec)

	got, err := idx.GetByID(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content != "hello" {
		t.Fatalf("GetByID = %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -1.25 {
		t.Errorf("embedding roundtrip = %v, want %v", got.Embedding, vec)
	}

	if err := idx.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	got, err = idx.GetByID(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("document still present after delete: %+v", got)
	}
}

func TestDeleteConversation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, indexMessage("d1", "c1", model.DocConversation, "one"), nil)
	mustAdd(t, idx, indexMessage("d2", "c2", model.DocConversation, "two"), nil)

	if err := idx.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	messages := []model.Message{
		indexMessage("d1", "c1", model.DocConversation, "the quick brown fox"),
		indexMessage("d2", "c1", model.DocConversation, "jumped over the lazy dog"),
	}
	embeddings := [][]float32{{1, 0}, {0, 1}}

	for i := 0; i < 2; i++ {
		if err := idx.Rebuild(ctx, messages, embeddings); err != nil {
			t.Fatalf("Rebuild #%d: %v", i+1, err)
		}
		got, err := idx.Search(ctx, SearchParams{QueryTexts: []string{"quick fox"}, Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].DocID != "d1" {
			t.Errorf("rebuild #%d search = %v, want d1", i+1, docIDs(got))
		}
		n, _ := idx.Count(ctx)
		if n != 2 {
			t.Errorf("rebuild #%d count = %d, want 2", i+1, n)
		}
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 1e-7}
	got := BytesToVector(VectorToBytes(vec))
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
}

func docIDs(cs []Candidate) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.DocID
	}
	return ids
}
