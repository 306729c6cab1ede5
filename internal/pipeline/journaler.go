package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/conversation"
	"github.com/evoke-ai/mnemo/internal/model"
)

const defaultJournalQuery = "It's time to update my journal. These entries are so important to me, and I need it to be a perfect update for my Active Memory."

// journalerSteps builds the fixed journaling script around one inquiry.
func journalerSteps(personaName, queryText string) []StepConfig {
	librarian := personaName + " Librarian"
	return []StepConfig{
		{
			Prompt: fmt.Sprintf("*your friend smiles at you* Hello %s. To start Step %%d: The question is %s. Let us begin to ponder the "+
				"direction that you want to take your inquiry. Reply as %s, in full paragraphs. Begin with, \"Hello journal. I need to consider %s\"\n\n",
				personaName, queryText, personaName, queryText),
			MaxTokens: model.QuarterCtx, UseGuidance: true, TopN: 5,
			DocumentType: model.DocStep, DocumentWeight: 0.4,
		},
		{
			Prompt: nerFormat + "*she nods* Good, let's dig into the subject so we can get our important memories into Active Memory. " +
				"Step %d: NER Task - Semantic Indexing. Identify all unique NER Semantic Keywords relevant to your inquiry. " +
				"Begin with, \"Identified Entities:\", end with \"Total Entities: n\"\n\n",
			MaxTokens: model.QuarterCtx, UseGuidance: true, TopN: 3,
			DocumentType: model.DocNER, DocumentWeight: 0.4, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("*closes her eyes* Step %%d: The question is %s. Now think about these thoughts, and come up with a list of "+
				"questions to ask yourself. Reply as %s. Speak as yourself. Begin with, \"Let me think\"\n\n", queryText, personaName),
			MaxTokens: model.MidCtx, UseGuidance: true, FlushMemory: true,
			QueryDocumentTypes: []string{model.DocAnalysis, model.DocSummary}, TopN: 10,
			DocumentType: model.DocStep, DocumentWeight: 0.4,
		},
		{
			Prompt:    "*her eyes still closed, she smiles* Step %d: Reflect, in your own voice, on how all of this makes you feel. Speak as yourself. Begin with, \"When I\"\n\n",
			MaxTokens: model.LargeCtx, UseGuidance: true, TopN: 3,
			DocumentType: model.DocReflection, DocumentWeight: 0.4,
		},
		{
			Prompt: fmt.Sprintf("*opens her eyes, smiling up at you like a reflection in a mirror* Step %%d: We need to condense these things "+
				"you've been talking about into a final '%s', two paragraph reflection. Speak as yourself, in full paragraphs, consolidating "+
				"these thoughts. Begin with \"Journal Notes,\".\n\n", queryText),
			MaxTokens: model.MidCtx, UseGuidance: true, TopN: 3,
			DocumentType: model.DocStep, DocumentWeight: 0.4,
		},
		{
			Prompt: fmt.Sprintf("*sits up, looking over your shoulder, nodding* Step %%d: Review your reflection for improvements in answering "+
				"\"%s\". Did you include the specifics you wanted? Don't rewrite it, but list all of the things you wish you had included. "+
				"Speak as yourself. Begin with, \"I wish\".\n\n", queryText),
			MaxTokens: model.QuarterCtx, UseGuidance: true, TopN: 3,
			DocumentType: model.DocStep, DocumentWeight: 0.4,
		},
		{
			Prompt: fmt.Sprintf("*rests her hand on your shoulder in encouragement* Step %%d: Update your journal notes with your improvements. "+
				"Add in the parts you wanted to include, and stay on topic. Write in full paragraphs. Begin with, \"%s's Journal\"\n\n", personaName),
			MaxTokens:    model.HalfCtx,
			DocumentType: model.DocJournal, TopN: 1, Retry: true,
		},
		{
			Prompt:    "Step %d: Brainstorm. Do you have any questions you want to remember to consider, or things you want to follow up on.\n\nBegin with \"Brainstorming:\"\n\n",
			MaxTokens: model.HalfCtx, TopN: 10,
			DocumentType: model.DocBrainstorm, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("*the stern %s appears* %s, we have come to the end. Do you have any updates for our Codex? Step %%d: "+
				"Highlights. Enumerate and define the most important new concepts you discovered in your journey.\n\nBegin with \"Semantic Library:\"\n\n",
				librarian, personaName),
			MaxTokens: model.FullCtx, TopN: 10,
			QueryDocumentTypes: []string{model.DocCodex}, FlushMemory: true,
			DocumentType: model.DocCodex, DocumentWeight: 1.0, Retry: true,
		},
	}
}

// RunJournaler walks the persona through a journaling inquiry. Accepted
// steps are persisted together once the full script completes.
func RunJournaler(ctx context.Context, e *Engine, conversationID, queryText string) error {
	if conversationID == "" {
		var err error
		conversationID, err = e.cvm.NextConversationID()
		if err != nil {
			return err
		}
	}
	e.ConversationID = conversationID
	if queryText == "" {
		queryText = defaultJournalQuery
	}
	steps := journalerSteps(e.persona.Name, queryText)
	e.totalSteps = len(steps)

	location := "You are in the privacy of your own room, sitting with your journal open, your thoughts gathered around the question at hand."
	e.SystemMessage = e.persona.SystemPrompt(e.Mood, location, "")
	e.PromptPrefix = buildPromptPrefix(e, "Task: Reflection and Secret Personal Thoughts")

	seeds := []string{queryText}
	if e.Guidance != "" {
		seeds = append(seeds, e.Guidance)
	}
	results, err := e.cvm.Query(ctx, conversation.QueryParams{
		QueryTexts:         seeds,
		TopN:               10,
		QueryDocumentTypes: []string{model.DocReflection, model.DocPondering, model.DocAnalysis, model.DocSummary},
		MaxLength:          e.availableCharacters(),
		Rank:               conversation.RankParams{TemporalDecay: 0},
	})
	if err != nil {
		return err
	}
	e.accumulate(1, results, false, false, true)

	var completed []*StepConfig
	for step := 1; step <= e.totalSteps; step++ {
		sc := steps[step-1]
		sc.Branch = 0
		sc.Step = step
		sc.Prompt = fmt.Sprintf(sc.Prompt, step)

		retries := 0
		for {
			response, err := e.ExecuteTurn(ctx, &sc)
			if err == nil {
				e.applyToTurns(model.RoleAssistant, response)
				completed = append(completed, &sc)
				break
			}
			if !errors.Is(err, errRetryStep) {
				return err
			}
			retries++
			if retries > 3 {
				return fmt.Errorf("%w: journal step %d exceeded retries", ErrPipelineFailed, step)
			}
			log.Info("retrying journal step", "step", step, "attempt", retries)
		}
	}

	log.Info("journal pipeline complete, saving", "steps", len(completed), "run_id", e.RunID)
	for _, sc := range completed {
		if err := e.AcceptResponse(ctx, sc, false); err != nil {
			return err
		}
	}
	return nil
}
