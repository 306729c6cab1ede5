package pipeline

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoke-ai/mnemo/internal/chat"
	"github.com/evoke-ai/mnemo/internal/config"
	"github.com/evoke-ai/mnemo/internal/conversation"
	"github.com/evoke-ai/mnemo/internal/index"
	"github.com/evoke-ai/mnemo/internal/llm"
	"github.com/evoke-ai/mnemo/internal/model"
	"github.com/evoke-ai/mnemo/internal/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	var a, b float32
	for i, r := range text {
		if i%2 == 0 {
			a += float32(r % 11)
		} else {
			b += float32(r % 5)
		}
	}
	return []float32{a / 100, b / 100}, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) Dims() int { return 2 }

// scriptedProvider replays canned results and records every attempt's
// final turn.
type scriptedProvider struct {
	responses []string
	errs      []error
	call      int
	lastTurns []string
}

func (p *scriptedProvider) Stream(_ context.Context, turns []chat.Turn, _ llm.Options, onDelta func(string)) (string, error) {
	i := p.call
	p.call++
	if len(turns) > 0 {
		p.lastTurns = append(p.lastTurns, turns[len(turns)-1].Content)
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	if p.errs[i] != nil {
		return "", p.errs[i]
	}
	onDelta(p.responses[i])
	return p.responses[i], nil
}

func newTestEngine(t *testing.T, provider llm.CompletionProvider) (*Engine, *conversation.Model) {
	t.Helper()
	dir := t.TempDir()
	ledger, err := store.NewLedger(filepath.Join(dir, "conversations"))
	require.NoError(t, err)
	idx, err := index.New(filepath.Join(dir, "indices", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	cvm := conversation.New(ledger, idx, stubEmbedder{})

	cfg := &config.ChatConfig{
		PersonaID:  "aria",
		ModelName:  "test-model",
		RecallSize: 3,
	}
	e := NewEngine(cvm, provider, nil, cfg)
	e.ConversationID = "c1"
	e.SetRand(rand.New(rand.NewSource(5)))
	e.SetClock(time.Now, func(time.Duration) {})
	return e, cvm
}

func rankedRow(docID, docType, date, content string) model.RankedResult {
	return model.RankedResult{
		Message: model.Message{
			DocID:        docID,
			DocumentType: docType,
			Content:      content,
			Role:         model.RoleAssistant,
		},
		Date: date,
	}
}

func TestEncouragement(t *testing.T) {
	assert.Equal(t, "", encouragement(0))
	assert.Equal(t, "", encouragement(1))
	assert.Equal(t, " Do your best.", encouragement(2))
	assert.Equal(t, " Begin with [== Emotional State", encouragement(5))
	assert.Equal(t, " This is your last try, if it doesn't work, the pipeline crashes.", encouragement(10))
	assert.Equal(t, "", encouragement(11))
}

func TestAccumulate(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedProvider{})

	e.accumulate(1, []model.RankedResult{rankedRow("a", model.DocSummary, "2026-01-02", "second")}, false, false, true)
	e.accumulate(1, []model.RankedResult{rankedRow("b", model.DocSummary, "2026-01-03", "third")}, false, false, true)
	require.Len(t, e.recall[1], 2)
	assert.Equal(t, "a", e.recall[1][0].DocID)

	// head insertion prepends
	e.accumulate(1, []model.RankedResult{rankedRow("c", model.DocSummary, "2026-01-01", "first")}, true, false, true)
	assert.Equal(t, "c", e.recall[1][0].DocID)

	// date sort reorders chronologically
	e.accumulate(1, nil, false, true, true)
	assert.Equal(t, []string{"c", "a", "b"}, recallIDs(e.recall[1]))

	// replace discards prior rows
	e.accumulate(1, []model.RankedResult{rankedRow("d", model.DocSummary, "2026-01-04", "fourth")}, false, false, false)
	assert.Equal(t, []string{"d"}, recallIDs(e.recall[1]))

	assert.Equal(t, []int{1}, e.recallOrder)
}

func TestFormatAllNewestStepFirst(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedProvider{})
	e.PromptPrefix = "prefix\n"
	e.conscious = toRecall([]model.RankedResult{rankedRow("j", model.DocJournal, "2026-01-01", "journal entry")})
	e.extra = []string{"a consideration"}
	e.accumulate(1, []model.RankedResult{rankedRow("a", model.DocSummary, "2026-01-01", "older recall")}, false, false, true)
	e.accumulate(2, []model.RankedResult{rankedRow("b", model.DocSummary, "2026-01-02", "newer recall")}, false, false, true)

	got := e.formatAll()
	assert.True(t, strings.HasPrefix(got, "prefix\n"))
	assert.Contains(t, got, "<journal><date>2026-01-01</date><content>journal entry</content></journal>")
	assert.Contains(t, got, "<consideration>a consideration</consideration>")
	assert.Less(t, strings.Index(got, "newer recall"), strings.Index(got, "older recall"))
}

func TestPurgeMemorySparesCoreDocuments(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedProvider{})
	e.coreDocuments = []string{model.DocSummary}
	e.maxCharacterLength = 3000

	filler := strings.Repeat("x", 900)
	e.accumulate(0, []model.RankedResult{
		rankedRow("core1", model.DocSummary, "2026-01-01", filler),
		rankedRow("loose1", model.DocConversation, "2026-01-01", filler),
		rankedRow("loose2", model.DocConversation, "2026-01-02", filler),
	}, false, false, true)

	before := e.availableCharacters()
	require.Less(t, before, e.purgeFloor)

	e.purgeMemory(false)
	after := e.availableCharacters()
	assert.GreaterOrEqual(t, after, before, "purging never shrinks the budget")

	ids := recallIDs(e.recall[0])
	assert.Contains(t, ids, "core1", "core documents survive a normal purge")
	assert.Less(t, len(ids), 3)

	// a forced purge may remove core documents too
	e.maxCharacterLength = 100
	e.purgeMemory(true)
	assert.Empty(t, recallIDs(e.recall[0]))
}

func TestEvictMemoryDropsExtraFirst(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedProvider{})
	e.maxCharacterLength = 1000
	e.extra = []string{strings.Repeat("a", 800), "small"}

	turns := []chat.Turn{
		{Role: model.RoleUser, Content: strings.Repeat("q", 200)},
	}
	got := e.evictMemory(turns)
	assert.Equal(t, []string{"small"}, e.extra)
	assert.Equal(t, turns, got)
}

func TestGenerateResponseRetriesShortResponses(t *testing.T) {
	long := strings.Repeat("y", 200)
	provider := &scriptedProvider{
		responses: []string{"too short", "still short", long},
		errs:      []error{nil, nil, nil},
	}
	e, _ := newTestEngine(t, provider)

	turns := []chat.Turn{{Role: model.RoleUser, Content: "write something"}}
	got, err := e.generateResponse(context.Background(), turns, 512)
	require.NoError(t, err)
	assert.Equal(t, long, got)
	require.Len(t, provider.lastTurns, 3)
	assert.Equal(t, "write something", provider.lastTurns[0])
	assert.True(t, strings.HasSuffix(provider.lastTurns[2], " Do your best."))
}

func TestGenerateResponseRateLimitBackoff(t *testing.T) {
	long := strings.Repeat("y", 200)
	provider := &scriptedProvider{
		responses: []string{"", long},
		errs:      []error{llm.ErrRateLimited, nil},
	}
	e, _ := newTestEngine(t, provider)

	var slept []time.Duration
	e.SetClock(time.Now, func(d time.Duration) { slept = append(slept, d) })

	got, err := e.generateResponse(context.Background(), []chat.Turn{{Role: model.RoleUser, Content: "go"}}, 512)
	require.NoError(t, err)
	assert.Equal(t, long, got)
	assert.Equal(t, []time.Duration{rateLimitBackoff}, slept)
	// the rate limited attempt consumed no retry, so no suffix appears
	assert.Equal(t, "go", provider.lastTurns[1])
}

func TestGenerateResponseExhaustsAndFails(t *testing.T) {
	provider := &scriptedProvider{
		responses: []string{"nope"},
		errs:      []error{nil},
	}
	e, _ := newTestEngine(t, provider)

	_, err := e.generateResponse(context.Background(), []chat.Turn{{Role: model.RoleUser, Content: "go"}}, 512)
	require.ErrorIs(t, err, ErrPipelineFailed)
	// eleven straight attempts, then one more after the eviction pass
	assert.Equal(t, 12, provider.call)
}

func TestGenerateResponseConfirmRestartsRetries(t *testing.T) {
	long := strings.Repeat("y", 200)
	provider := &scriptedProvider{
		responses: []string{"nope"},
		errs:      []error{nil},
	}
	e, _ := newTestEngine(t, provider)

	asked := 0
	e.Confirm = func(string) bool {
		asked++
		if asked == 1 {
			provider.responses = []string{long}
			return true
		}
		return false
	}

	got, err := e.generateResponse(context.Background(), []chat.Turn{{Role: model.RoleUser, Content: "go"}}, 512)
	require.NoError(t, err)
	assert.Equal(t, long, got)
	assert.Equal(t, 1, asked)
}

func TestExecuteTurnAppendsPromptAndRecall(t *testing.T) {
	long := strings.Repeat("y", 200)
	provider := &scriptedProvider{
		responses: []string{long},
		errs:      []error{nil},
	}
	e, cvm := newTestEngine(t, provider)
	ctx := context.Background()

	doc := model.NewMessage("c1", 0, model.RoleUser, "the lighthouse keeper kept meticulous logs")
	require.NoError(t, cvm.Insert(ctx, doc))

	sc := &StepConfig{
		Prompt:    "Describe the lighthouse keeper.",
		MaxTokens: 512,
		TopN:      5,
		Step:      1,
	}
	got, err := e.ExecuteTurn(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, long, got)
	assert.Equal(t, long, sc.Response)

	require.Len(t, e.turns, 1)
	assert.Equal(t, sc.Prompt, e.turns[0].Content)
	require.Len(t, provider.lastTurns, 1)
	assert.Equal(t, sc.Prompt, provider.lastTurns[0])
	assert.NotEmpty(t, e.recall[1], "recall accumulates the queried memories")
}

func TestExecuteTurnSkipUserTurn(t *testing.T) {
	long := strings.Repeat("y", 200)
	provider := &scriptedProvider{
		responses: []string{long},
		errs:      []error{nil},
	}
	e, _ := newTestEngine(t, provider)

	sc := &StepConfig{Prompt: "internal step", MaxTokens: 256, SkipUserTurn: true}
	_, err := e.ExecuteTurn(context.Background(), sc)
	require.NoError(t, err)
	assert.Empty(t, e.turns)
}

func TestAcceptResponsePersistsDocument(t *testing.T) {
	e, cvm := newTestEngine(t, &scriptedProvider{})
	ctx := context.Background()

	sc := &StepConfig{
		DocumentType:   model.DocAnalysis,
		DocumentWeight: 1.2,
		Branch:         2,
		Step:           4,
		Response:       "a finished analysis of the conversation",
	}
	require.NoError(t, e.AcceptResponse(ctx, sc, true))

	require.Len(t, e.turns, 1)
	assert.Equal(t, model.RoleAssistant, e.turns[0].Role)

	history, err := cvm.GetConversationHistory("c1", []string{model.DocAnalysis}, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "a finished analysis of the conversation", history[0].Content)
	assert.Equal(t, 1.2, history[0].Weight)
	assert.Equal(t, 2, history[0].Branch)
	assert.Equal(t, 4, history[0].SequenceNo)
	assert.Equal(t, "aria", history[0].PersonaID)
}

func TestAcceptResponseWithoutDocumentType(t *testing.T) {
	e, cvm := newTestEngine(t, &scriptedProvider{})

	sc := &StepConfig{Response: "transient step output"}
	require.NoError(t, e.AcceptResponse(context.Background(), sc, false))
	assert.Empty(t, e.turns)

	history, err := cvm.GetConversationHistory("c1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func recallIDs(entries []recallEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, r := range entries {
		ids = append(ids, r.DocID)
	}
	return ids
}
