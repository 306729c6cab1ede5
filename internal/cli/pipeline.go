package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/llm"
	"github.com/evoke-ai/mnemo/internal/persona"
	"github.com/evoke-ai/mnemo/internal/pipeline"
)

var (
	pipelineConversationID string
	pipelineQuery          string
	pipelineDensity        int
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run a memory pipeline",
}

func newEngine(cmd *cobra.Command) (*pipeline.Engine, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cvm, closer, err := openModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	p, err := persona.Load(cfg.PersonaPath, cfg.PersonaID)
	if err != nil {
		closer()
		return nil, nil, err
	}
	provider := llm.NewOpenAI(cfg.ModelURL, cfg.ModelAPIKey)
	e := pipeline.NewEngine(cvm, provider, p, cfg)
	e.Out = cmd.OutOrStdout()
	if !cfg.NoRetry {
		e.Confirm = confirmPrompt
	}
	return e, closer, nil
}

// confirmPrompt asks the operator to accept a step. Answering r or n
// rejects it.
func confirmPrompt(prompt string) bool {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return true
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer != "r" && answer != "n"
}

var analystCmd = &cobra.Command{
	Use:   "analyst",
	Short: "Analyze a summarized conversation into long-term memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closer, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer closer()
		conversationID := pipelineConversationID
		if conversationID == "" {
			conversationID, err = e.NextAnalysis()
			if err != nil {
				return err
			}
			if conversationID == "" {
				fmt.Println("nothing to analyze")
				return nil
			}
		}
		return pipeline.RunAnalyst(cmd.Context(), e, conversationID)
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Write a journal entry around an inquiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closer, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer closer()
		return pipeline.RunJournaler(cmd.Context(), e, pipelineConversationID, pipelineQuery)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize a long conversation into dense summary documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closer, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer closer()
		if pipelineConversationID == "" {
			return fmt.Errorf("--conversation is required")
		}
		return pipeline.RunSummarizer(cmd.Context(), e, pipelineConversationID, pipelineDensity)
	},
}

func init() {
	pipelineCmd.PersistentFlags().StringVarP(&pipelineConversationID, "conversation", "c", "", "conversation id")
	pipelineCmd.PersistentFlags().StringVarP(&pipelineQuery, "query", "q", "", "journal inquiry text")
	pipelineCmd.PersistentFlags().IntVarP(&pipelineDensity, "density", "d", 2, "summary density iterations")
	pipelineCmd.AddCommand(analystCmd, journalCmd, summaryCmd)
	RootCmd.AddCommand(pipelineCmd)
}
