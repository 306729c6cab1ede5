package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/model"
)

// summarizer step templates. The resummarize step is promoted to a
// summary document on the last density iteration.
func summarizerTimelineStep(personaName, guidance string) StepConfig {
	return StepConfig{
		Prompt: fmt.Sprintf("(%%d of %%d) Hello %s. You are in your summarization pipeline. This conversation is too long to hold at "+
			"once, so we need a timeline (not including your journal entries). %s Make a list of the events that happened, in order, "+
			"being very specific, but terse.", personaName, guidance),
		MaxTokens: model.FullCtx, UseGuidance: true,
		DocumentType: model.DocStep, DocumentWeight: 0.7,
	}
}

func summarizerSummaryStep(personaName, guidance, focus string) StepConfig {
	return StepConfig{
		Prompt: fmt.Sprintf("Now that you have a timeline, please write a detailed summary of your recent conversation (not your journal "+
			"entries, or the previous summaries) for your own benefit%s. %s Speak as yourself, in full paragraphs, with no lists or bullet "+
			"points; be specific and detailed, using the same words from the conversation so you properly connect your active memory.\n\n"+
			"Begin with \"[== %s's Emotional State:\".\n\n", focus, guidance, personaName),
		MaxTokens: model.LargeCtx, UseGuidance: true,
		DocumentType: model.DocStep, DocumentWeight: 0.7,
	}
}

func summarizerImproveStep(personaName, guidance string) StepConfig {
	return StepConfig{
		Prompt: fmt.Sprintf("*looks at you quizzically* You left some important things out, didn't you? Make note of any fascinating "+
			"details you might have left out. %s Speak as yourself in full paragraphs.\n\nBegin with \"[== %s's Emotional State:\".\n\n",
			guidance, personaName),
		MaxTokens: model.LargeCtx, UseGuidance: true,
		DocumentType: model.DocStep, DocumentWeight: 0.25, ApplyHead: true,
	}
}

func summarizerResummarizeStep(guidance string) StepConfig {
	return StepConfig{
		Prompt: fmt.Sprintf("Those are great points! We need to weave the best ones in, to densify our memory without making it longer. "+
			"Let's generate a new, improved summary. %s Speak as yourself, in full paragraphs, with no lists or bullet points. Be specific "+
			"and use detail.", guidance),
		MaxTokens: model.LargeCtx, UseGuidance: true,
		DocumentType: model.DocStep, DocumentWeight: 0.7,
	}
}

// binPack assigns documents to sequential bins under the budget. Each
// later bin pays a growing summary overhead. A document too large for
// its bin is split at the last space before the limit.
func binPack(docs []model.RankedResult, budget int) ([][]model.RankedResult, error) {
	queue := append([]model.RankedResult(nil), docs...)
	var bins [][]model.RankedResult
	i := 0
	for i < len(queue) {
		overhead := 1024 * model.TokenChars * len(bins)
		mcl := budget - overhead
		if mcl < 0 {
			return nil, fmt.Errorf("%w: summary bins exceed budget", ErrBudgetExhausted)
		}

		var bin []model.RankedResult
		size := 0
		for i < len(queue) && size+len(queue[i].Content) < mcl {
			bin = append(bin, queue[i])
			size += len(queue[i].Content)
			i++
		}
		if len(bin) == 0 {
			// single document larger than the bin: split it
			content := queue[i].Content
			limit := mcl
			if limit > len(content) {
				limit = len(content)
			}
			split := strings.LastIndex(content[:limit], " ")
			if split <= 0 {
				split = limit
			}
			head, tail := queue[i], queue[i]
			head.Content = content[:split]
			tail.Content = content[split:]
			queue = append(queue[:i], append([]model.RankedResult{head, tail}, queue[i+1:]...)...)
			continue
		}
		bins = append(bins, bin)
	}
	return bins, nil
}

// RunSummarizer condenses a long conversation into per-bin summary
// documents, densifying each bin's summary over the given number of
// improvement iterations. All bins run first; results persist together.
func RunSummarizer(ctx context.Context, e *Engine, conversationID string, densityIterations int) error {
	e.ConversationID = conversationID
	e.cfg.RecallSize = 1
	if densityIterations <= 0 {
		densityIterations = 2
	}
	guidance := "Prefer specifics - this is a moment you want to remember in detail."
	personaName := e.persona.Name

	location := fmt.Sprintf("You are sitting in %s, your conversation records open in front of you.", e.persona.DefaultLocation)
	e.SystemMessage = e.persona.SystemPrompt(e.Mood, location, "")
	e.PromptPrefix = buildPromptPrefix(e, "Task: Abstractive Summarization")

	budget := (8192+512)*model.TokenChars - len(e.SystemMessage) - len(e.PromptPrefix)

	history, err := e.cvm.GetConversationHistory(conversationID, []string{model.DocConversation}, nil)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: no conversation documents for %s", ErrPipelineFailed, conversationID)
	}
	sort.SliceStable(history, func(i, j int) bool {
		if history[i].Date != history[j].Date {
			return history[i].Date < history[j].Date
		}
		return history[i].SequenceNo < history[j].SequenceNo
	})

	bins, err := binPack(history, budget)
	if err != nil {
		return err
	}

	startBranch, err := e.cvm.GetNextBranch(conversationID)
	if err != nil {
		return err
	}
	e.totalSteps = len(bins) * (1 + densityIterations*2)
	log.Info("summary pipeline", "bins", len(bins), "budget", budget, "start_branch", startBranch, "run_id", e.RunID)

	var accepted []*StepConfig
	for q, bin := range bins {
		e.turns = nil
		step := 0
		e.accumulate(step, bin, false, false, false)
		log.Info("summarizing bin", "bin", q, "documents", len(bin))

		run := func(sc StepConfig) (*StepConfig, error) {
			sc.Branch = startBranch + q
			sc.Step = step
			sc.Timestamp = e.now().Unix()
			out, err := runSummarizerStep(ctx, e, &sc)
			if err != nil {
				return nil, err
			}
			e.applyToTurns(model.RoleAssistant, out)
			accepted = append(accepted, &sc)
			step++
			return &sc, nil
		}

		timeline := summarizerTimelineStep(personaName, guidance)
		timeline.Prompt = fmt.Sprintf(timeline.Prompt, q+1, len(bins))
		if _, err := run(timeline); err != nil {
			return err
		}

		focus := ""
		if q > 0 {
			focus = ", but while you have the full summary up till now for context, focus on the memories that you have in front of you"
		}
		if _, err := run(summarizerSummaryStep(personaName, guidance, focus)); err != nil {
			return err
		}

		var last *StepConfig
		for d := 0; d < densityIterations; d++ {
			if _, err := run(summarizerImproveStep(personaName, guidance)); err != nil {
				return err
			}
			resumm := summarizerResummarizeStep(guidance)
			if d == densityIterations-1 {
				resumm.DocumentType = model.DocSummary
				resumm.DocumentWeight = 1.3
			}
			last, err = run(resumm)
			if err != nil {
				return err
			}
			if len(e.turns) > 3 {
				e.turns = e.turns[:len(e.turns)-3]
			}
		}
		if last != nil {
			e.extra = append(e.extra, last.Response)
		}
	}

	log.Info("summary pipeline complete, saving", "documents", len(accepted))
	for _, sc := range accepted {
		if err := e.AcceptResponse(ctx, sc, false); err != nil {
			return err
		}
	}
	return nil
}

// runSummarizerStep executes one step, retrying in place with the failed
// user turn rolled back.
func runSummarizerStep(ctx context.Context, e *Engine, sc *StepConfig) (string, error) {
	for retries := 0; retries <= defaultMaxRetries; retries++ {
		response, err := e.ExecuteTurn(ctx, sc)
		if err == nil {
			return response, nil
		}
		if !errors.Is(err, errRetryStep) {
			return "", err
		}
		if len(e.turns) > 0 {
			e.turns = e.turns[:len(e.turns)-1]
		}
		log.Info("retrying summarizer step", "step", sc.Step, "attempt", retries+1)
	}
	return "", fmt.Errorf("%w: summarizer step %d exceeded retries", ErrPipelineFailed, sc.Step)
}
