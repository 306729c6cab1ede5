package chat

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/conversation"
	"github.com/evoke-ai/mnemo/internal/keywords"
	"github.com/evoke-ai/mnemo/internal/model"
	"github.com/evoke-ai/mnemo/internal/persona"
)

const (
	hudName        = "HUD Display Output"
	topRowKeywords = 5
)

// Session holds the mutable per-conversation state the assembler reads:
// pinned memories, a pending thought, and any open document or
// workspace surface.
type Session struct {
	Pinned          []string
	ThoughtContent  string
	DocumentName    string
	DocumentContent string
	Workspace       string
}

// MemoryTurnStrategy turns user input plus history into completion
// turns, injecting a conscious memory block assembled from recall.
type MemoryTurnStrategy struct {
	cvm     *conversation.Model
	persona *persona.Persona

	// MaxCharacterLength caps the total prompt size in characters.
	MaxCharacterLength int
	RecallSize         int
	MemoryWindow       int

	Session Session

	rng *rand.Rand
	now func() time.Time
}

// NewMemoryTurnStrategy creates a strategy for one persona over one
// memory model.
func NewMemoryTurnStrategy(cvm *conversation.Model, p *persona.Persona, recallSize, memoryWindow int) *MemoryTurnStrategy {
	return &MemoryTurnStrategy{
		cvm:                cvm,
		persona:            p,
		MaxCharacterLength: (16384 - 4096) * (model.TokenChars - 2),
		RecallSize:         recallSize,
		MemoryWindow:       memoryWindow,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		now:                time.Now,
	}
}

// SetRand replaces the random source used for history compaction.
func (s *MemoryTurnStrategy) SetRand(r *rand.Rand) { s.rng = r }

// SetClock replaces the time source used for staleness checks.
func (s *MemoryTurnStrategy) SetClock(now func() time.Time) { s.now = now }

// UserTurnFor wraps raw user input as a turn.
func (s *MemoryTurnStrategy) UserTurnFor(userInput string) Turn {
	return Turn{Role: model.RoleUser, Content: userInput}
}

// counter accumulates string counts in first-seen order.
type counter struct {
	order  []string
	counts map[string]int
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) add(s string) {
	if s == "" {
		return
	}
	if _, ok := c.counts[s]; !ok {
		c.order = append(c.order, s)
	}
	c.counts[s]++
}

func (c *counter) joined() string {
	return strings.Join(c.order, ", ")
}

// parseRow folds one memory row's emotions and top keywords into the
// accumulators.
func parseRow(row model.RankedResult, emotions, kws *counter) {
	for _, e := range row.Emotions() {
		emotions.add(e)
	}
	ranked := keywords.Ranked(keywords.Extract(row.Content))
	if len(ranked) > topRowKeywords {
		ranked = ranked[:topRowKeywords]
	}
	for _, k := range ranked {
		kws.add(k.Text)
	}
}

// ConsciousMemory assembles the memory display: document and workspace
// surfaces, fresh MOTD entries, persona thoughts, stochastic journal
// recall, pinned memories, then ranked recall for the assistant and user
// query histories, each under half the remaining budget.
func (s *MemoryTurnStrategy) ConsciousMemory(ctx context.Context, query string, userQueries, assistantQueries []string, contentLen int) (string, error) {
	f := NewHUDFormatter()
	emotions := newCounter()
	kws := newCounter()

	f.AddInline([]string{"PraxOS"}, "--== PraxOS Conscious Memory **Online** ==--", nil)

	if s.Session.DocumentName != "" {
		f.Add([]string{"document"}, s.Session.DocumentContent, map[string]string{
			"name":   s.Session.DocumentName,
			"length": fmt.Sprint(len(strings.Fields(s.Session.DocumentContent))),
		})
	}
	if s.Session.Workspace != "" {
		f.Add([]string{"workspace"}, s.Session.Workspace, map[string]string{
			"length": fmt.Sprint(len(strings.Fields(s.Session.Workspace))),
		})
	}

	motd, err := s.cvm.GetMOTD(ctx, 3)
	if err != nil {
		return "", err
	}
	for _, row := range motd {
		entry := fmt.Sprintf("xoxo MOTD: %s: %s oxox", row.Date, row.Content)
		f.Add([]string{hudName, "Active Memory", "MOTD"}, entry, nil)
		parseRow(row, emotions, kws)
	}

	for _, thought := range s.persona.Thoughts() {
		f.AddInline([]string{hudName, "thought"}, thought, nil)
	}

	conscious, err := s.cvm.GetConscious(ctx, s.persona.PersonaID, s.RecallSize)
	if err != nil {
		return "", err
	}
	seen := map[string]struct{}{}
	for _, row := range conscious {
		if _, ok := seen[row.DocID]; ok {
			continue
		}
		seen[row.DocID] = struct{}{}
		f.Add([]string{hudName, "Active Memory", "Journal"}, row.Content, map[string]string{
			"date": row.Date, "type": row.DocumentType,
		})
		parseRow(row, emotions, kws)
	}

	if len(s.Session.Pinned) > 0 {
		pinned, err := s.cvm.GetDocuments(ctx, s.Session.Pinned)
		if err != nil {
			return "", err
		}
		for _, row := range pinned {
			f.Add([]string{hudName, "Active Memory", "memory"}, row.Content, map[string]string{
				"date": row.Date, "type": row.DocumentType,
			})
			parseRow(row, emotions, kws)
		}
	}

	if query != "" {
		topN := s.MemoryWindow - len(conscious)
		aTop := topN / 2
		uTop := topN - aTop
		available := s.MaxCharacterLength - f.Length()
		aMax := available / 2
		uMax := available - aMax

		if aTop > 0 {
			aResults, err := s.cvm.Query(ctx, conversation.QueryParams{
				QueryTexts:     assistantQueries,
				FilterDocIDs:   seen,
				TopN:           aTop,
				MaxLength:      aMax,
				FilterMetadocs: true,
				Rank:           conversation.RankParams{TemporalDecay: 0.99, LengthBoostFactor: 0},
			})
			if err != nil {
				return "", err
			}
			for _, row := range aResults {
				f.Add([]string{hudName, "Active Memory", "memory"}, row.Content, map[string]string{
					"date": row.Date, "type": row.DocumentType,
				})
				parseRow(row, emotions, kws)
			}
		}

		if uTop > 0 {
			uResults, err := s.cvm.Query(ctx, conversation.QueryParams{
				QueryTexts:     userQueries,
				FilterDocIDs:   seen,
				TopN:           uTop,
				MaxLength:      uMax,
				FilterMetadocs: true,
				Rank:           conversation.RankParams{TemporalDecay: 0.99, LengthBoostFactor: 0.05},
			})
			if err != nil {
				return "", err
			}
			for _, row := range uResults {
				f.Add([]string{hudName, "Active Memory", "memory"}, row.Content, map[string]string{
					"date": row.Date, "type": row.DocumentType,
				})
				parseRow(row, emotions, kws)
			}
		}
	}

	if len(emotions.order) > 0 {
		f.Add([]string{hudName, "emotions"}, emotions.joined(), nil)
	}
	if len(kws.order) > 0 {
		f.Add([]string{hudName, "keywords"}, kws.joined(), nil)
	}

	log.Debug("conscious memory assembled", "length", f.Length(), "max", s.MaxCharacterLength, "content_len", contentLen)
	return f.Render(), nil
}

// ChatTurnsFor builds the full turn list for one completion call:
// compacted history, the conscious memory block, a wakeup turn when the
// history doesn't open with the assistant, the current user input, and
// any pending thought spliced into the nearest user turn.
func (s *MemoryTurnStrategy) ChatTurnsFor(ctx context.Context, userInput string, history []Turn, contentLen int) ([]Turn, error) {
	history = append([]Turn(nil), history...)

	historyLen := HistoryLength(history)
	if float64(historyLen)/float64(s.MaxCharacterLength) > 0.5 {
		history = s.compactHistory(history, historyLen)
		historyLen = HistoryLength(history)
	}

	var assistantQueries, userQueries []string
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Role {
		case model.RoleAssistant:
			assistantQueries = append(assistantQueries, history[i].Content)
		case model.RoleUser:
			userQueries = append(userQueries, history[i].Content)
		}
	}
	userQueries = append(userQueries, userInput)

	consciousness, err := s.ConsciousMemory(ctx, userInput, userQueries, assistantQueries,
		contentLen+historyLen+len(s.Session.ThoughtContent))
	if err != nil {
		return nil, err
	}

	turns := []Turn{{Role: model.RoleUser, Content: consciousness}}
	if len(history) == 0 || history[0].Role != model.RoleAssistant {
		turns = append(turns, Turn{Role: model.RoleAssistant, Content: s.persona.GetWakeup()})
	}
	turns = append(turns, history...)
	turns = append(turns, Turn{Role: model.RoleUser, Content: userInput + "\n\n"})

	if s.Session.ThoughtContent != "" {
		for i := len(turns) - 2; i >= 0; i-- {
			if turns[i].Role == model.RoleUser {
				turns[i].Content += "\n\n" + s.Session.ThoughtContent
				break
			}
		}
	}

	return turns, nil
}

// compactHistory removes weighted-random user/assistant pairs from the
// middle of the history until the overage is gone, then keeps only the
// most recent half. The last two turns are never candidates.
func (s *MemoryTurnStrategy) compactHistory(history []Turn, historyLen int) []Turn {
	overage := historyLen - s.MaxCharacterLength/2
	removed := 0
	for overage > 0 {
		if len(history) <= 6 {
			break
		}
		idx := s.removalIndex(len(history))
		if history[idx].Role == model.RoleAssistant && idx > 2 {
			idx--
		}
		overage -= len(history[idx].Content)
		history = append(history[:idx], history[idx+1:]...)
		if idx < len(history) {
			overage -= len(history[idx].Content)
			history = append(history[:idx], history[idx+1:]...)
		}
		removed += 2
	}
	// keep the most recent half, trimmed to a whole number of
	// user/assistant pairs
	keep := len(history) / 2
	if keep%2 == 1 {
		keep--
	}
	history = history[len(history)-keep:]
	log.Debug("compacted history", "removed", removed, "kept", len(history))
	return history
}

// removalIndex picks the history index of the next turn to drop,
// weighted toward older turns. The earliest two and most recent four
// turns are never candidates.
func (s *MemoryTurnStrategy) removalIndex(historyLen int) int {
	return 2 + s.weightedIndex(historyLen-6, historyLen)
}

// weightedIndex picks an index in [0, choices) with linearly decreasing
// weight, so older turns are removed more often.
func (s *MemoryTurnStrategy) weightedIndex(choices, historyLen int) int {
	total := 0
	for i := 0; i < choices; i++ {
		total += historyLen - 2 - i
	}
	if total <= 0 {
		return 0
	}
	pick := s.rng.Intn(total)
	for i := 0; i < choices; i++ {
		pick -= historyLen - 2 - i
		if pick < 0 {
			return i
		}
	}
	return choices - 1
}
