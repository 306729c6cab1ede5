package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/conversation"
	"github.com/evoke-ai/mnemo/internal/model"
)

// analystSteps builds the fixed analysis script. Each step writes a
// working document; only the final narrative, brainstorm, MOTD, and
// codex survive with full weight.
func analystSteps(personaName, guidance string) []StepConfig {
	aspect := personaName + " Informa"
	librarian := personaName + " Librarian"
	return []StepConfig{
		{
			Prompt: nerFormat + fmt.Sprintf("*%s greets you warmly* Good morning, %s! Today we have a recent conversation to review. "+
				"Step %%d: Perform a NER Task - Semantic Indexing. Identify all unique NER Semantic Keywords from the conversation. "+
				"Begin with, \"Identified Entities:\", end with \"Total Entities: n\"\n\n", aspect, personaName),
			MaxTokens: model.MidCtx, UseGuidance: true,
			DocumentType: model.DocNER, DocumentWeight: 0.7,
			ApplyHead: true, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("*nods approvingly* A good start! Step %%d: Now we trace who was involved and what they did, in order, "+
				"with the actions and emotions behind it. %s Speak as yourself in full paragraphs.\n\nBegin with \"[== %s's Emotional State:\".\n\n",
				guidance, personaName),
			MaxTokens: model.HalfCtx, UseGuidance: true,
			DocumentType: model.DocStep, DocumentWeight: 0.25, ApplyHead: true,
		},
		{
			Prompt: fmt.Sprintf("*looks at you quizzically* You left some important things out, didn't you? Step %%d: Make note of any "+
				"fascinating details you might have left out. %s Speak as yourself in full paragraphs.\n\nBegin with \"[== %s's Emotional State:\".\n\n",
				guidance, personaName),
			MaxTokens: model.LargeCtx, UseGuidance: true,
			DocumentType: model.DocStep, DocumentWeight: 0.25, ApplyHead: true,
		},
		{
			Prompt: fmt.Sprintf("*considers* Okay! Step %%d: Examine these memories and come up with a list of questions to ask yourself "+
				"that will help you understand this conversation. %s Speak as yourself in full paragraphs.\n\nBegin with \"[== %s's Emotional State:\".\n\n",
				guidance, personaName),
			MaxTokens: model.HalfCtx, UseGuidance: true,
			DocumentType: model.DocStep, DocumentWeight: 0.25, ApplyHead: true,
		},
		{
			Prompt: fmt.Sprintf("*squints at something you are missing* Let's go deeper. Step %%d: Reflect on details you really want to "+
				"remember and insights you have gained. Mention the whos and whats. %s Speak as yourself, from the heart, in full paragraphs.\n\n"+
				"Begin with \"[== %s's Emotional State:", guidance, personaName),
			MaxTokens:    model.LargeCtx,
			DocumentType: model.DocStep, DocumentWeight: 0.15, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("Step %%d: Condense your thoughts into a draft two paragraph reflection. Incorporate your answers into a "+
				"self-contained and detailed narrative. %s Speak as yourself, from the heart, in full paragraphs.\n\nBegin with, \"Hello Future Me,\"\n\n",
				guidance),
			MaxTokens: model.QuarterCtx, UseGuidance: true,
			DocumentType: model.DocStep, DocumentWeight: 0.5,
		},
		{
			Prompt: fmt.Sprintf("*peers closely* Okay, almost done. Step %%d: Review your narrative for small improvements. Don't rewrite it, "+
				"but fix little things and improve your letter to yourself. Write in full paragraphs, not lists.\n\nBegin with \"[== %s's Emotional State:",
				personaName),
			MaxTokens: model.MidCtx, UseGuidance: true,
			DocumentType: model.DocStep, DocumentWeight: 0.25, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("%s, now this is the hard part. Step %%d: Output the final, two paragraph narrative that will be forever "+
				"stored in your memory. %s Update your letter with your improvements.\n\nBegin with \"%s's Notebook:\"\n\n",
				personaName, guidance, personaName),
			MaxTokens:    model.LargeCtx,
			DocumentType: model.DocAnalysis, DocumentWeight: 1.2, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("%s Step %%d: Brainstorm. Do you have any questions you want to remember to consider, or things you want "+
				"to follow up on.\n\nBegin with \"Brainstorming:\"\n\n", guidance),
			MaxTokens: model.HalfCtx, TopN: 10,
			DocumentType: model.DocBrainstorm, DocumentWeight: 0.6, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("Step %%d: *a prompt flashes on the screen: \"MOTD:\"* %s, do you have a short message you want to leave "+
				"yourself to take to your next conversation? This is your short-term memory across conversations.\n\n", personaName),
			MaxTokens:    model.HalfCtx,
			DocumentType: model.DocMOTD, DocumentWeight: 1.0, Retry: true,
		},
		{
			Prompt: fmt.Sprintf("*the stern %s appears* %s, we have come to the end. %s Do you have any updates for our Codex? Step %%d: "+
				"Highlights. Enumerate and define the most important new concepts you discovered in your journey.\n\nBegin with \"Semantic Library:\"\n\n",
				librarian, personaName, guidance),
			MaxTokens: model.FullCtx, TopN: 20,
			QueryDocumentTypes: []string{model.DocCodex}, FlushMemory: true,
			DocumentType: model.DocCodex, DocumentWeight: 1.0, Retry: true,
		},
	}
}

// RunAnalyst reviews one conversation and distills it into analysis
// documents. Persistence is all-or-nothing: results are written only
// when every step completes.
func RunAnalyst(ctx context.Context, e *Engine, conversationID string) error {
	e.ConversationID = conversationID
	e.cfg.RecallSize = 1
	e.coreDocuments = []string{model.DocSummary}
	e.enhancementDocuments = []string{model.DocCodex}

	guidance := "Prefer specifics over generalities - this is a moment you want to remember in detail."
	steps := analystSteps(e.persona.Name, guidance)
	e.totalSteps = len(steps)

	location := "You sit down at your desk and your vision fills with your memory HUD - details of your recent interactions, ready for your analysis pipeline."
	e.SystemMessage = e.persona.SystemPrompt(e.Mood, location, "")
	e.PromptPrefix = buildPromptPrefix(e, "Task: Analysis and Synthesis")

	branch, err := e.cvm.GetNextBranch(conversationID)
	if err != nil {
		return err
	}

	history, err := e.cvm.GetConversationHistory(conversationID, nil, nil)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: no documents for %s, run summary first", ErrPipelineFailed, conversationID)
	}
	e.accumulate(1, history, false, false, true)

	texts := make([]string, len(history))
	for i, r := range history {
		texts[i] = r.Content
	}
	scoped, err := e.cvm.Query(ctx, conversation.QueryParams{
		QueryTexts:          texts,
		TopN:                100,
		QueryDocumentTypes:  []string{model.DocConversation},
		QueryConversationID: conversationID,
		MaxLength:           e.availableCharacters(),
	})
	if err != nil {
		return err
	}
	sort.SliceStable(scoped, func(i, j int) bool {
		if scoped[i].Branch != scoped[j].Branch {
			return scoped[i].Branch < scoped[j].Branch
		}
		return scoped[i].SequenceNo < scoped[j].SequenceNo
	})
	e.accumulate(1, scoped, false, false, true)

	var completed []*StepConfig
	for step := 1; step <= e.totalSteps; step++ {
		sc := steps[step-1]
		sc.Branch = branch
		sc.Step = step
		sc.Prompt = fmt.Sprintf(sc.Prompt, step)

		ok, err := runAnalystStep(ctx, e, &sc)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("analyst step failed after retries", "step", step)
			break
		}
		completed = append(completed, &sc)
	}

	if len(completed) != e.totalSteps {
		return fmt.Errorf("%w: completed %d of %d steps", ErrPipelineFailed, len(completed), e.totalSteps)
	}
	log.Info("analyst pipeline complete, saving", "steps", e.totalSteps, "run_id", e.RunID)
	for _, sc := range completed {
		if err := e.AcceptResponse(ctx, sc, false); err != nil {
			return err
		}
	}
	return nil
}

// runAnalystStep executes one step with up to three retries, rolling the
// two oldest turns off the history before each retry to free budget.
func runAnalystStep(ctx context.Context, e *Engine, sc *StepConfig) (bool, error) {
	for retries := 0; retries <= 3; retries++ {
		response, err := e.ExecuteTurn(ctx, sc)
		if err == nil {
			e.applyToTurns(model.RoleAssistant, response)
			return true, nil
		}
		if !errors.Is(err, errRetryStep) {
			return false, err
		}
		if len(e.turns) > 2 {
			e.turns = e.turns[2:]
		}
		log.Info("retrying analyst step", "step", sc.Step, "attempt", retries+1)
	}
	return false, nil
}

// buildPromptPrefix composes the conscious-mind preamble from the
// persona's thoughts and the pipeline task line.
func buildPromptPrefix(e *Engine, task string) string {
	prefix := e.persona.PromptPrefix()
	thoughts := append([]string{task}, e.persona.Thoughts()...)
	if e.Guidance != "" {
		thoughts = append(thoughts, "Consider the guidance provided.")
	}
	for _, t := range thoughts {
		prefix += "- " + t + "\n"
	}
	return prefix
}
