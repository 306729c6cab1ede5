package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/chat"
	"github.com/evoke-ai/mnemo/internal/llm"
	"github.com/evoke-ai/mnemo/internal/model"
	"github.com/evoke-ai/mnemo/internal/persona"
)

var chatConversationID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session with memory recall",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cvm, closer, err := openModel(cfg)
		if err != nil {
			return err
		}
		defer closer()

		p, err := persona.Load(cfg.PersonaPath, cfg.PersonaID)
		if err != nil {
			return err
		}

		conversationID := chatConversationID
		if conversationID == "" {
			conversationID, err = cvm.NextConversationID()
			if err != nil {
				return err
			}
		}
		branch, err := cvm.GetNextBranch(conversationID)
		if err != nil {
			return err
		}

		strategy := chat.NewMemoryTurnStrategy(cvm, p, cfg.RecallSize, cfg.MemoryWindow)
		provider := llm.NewOpenAI(cfg.ModelURL, cfg.ModelAPIKey)
		systemPrompt := p.SystemPrompt("", "", cfg.UserID)

		log.Info("chat session", "conversation", conversationID, "branch", branch, "persona", cfg.PersonaID)
		fmt.Printf("[%s] Chatting as %s. Ctrl-D to exit.\n", conversationID, cfg.UserID)

		var history []chat.Turn
		sequence := 0
		ctx := cmd.Context()
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Printf("%s> ", cfg.UserID)
			if !scanner.Scan() {
				break
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			turns, err := strategy.ChatTurnsFor(ctx, input, history, len(systemPrompt))
			if err != nil {
				return err
			}
			if err := chat.ValidateTurns(turns); err != nil {
				return err
			}

			fmt.Printf("%s: ", cfg.PersonaID)
			response, err := provider.Stream(ctx, turns, llm.Options{
				Model:       cfg.ModelName,
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
				Stop:        cfg.StopWords,
				SystemTurn:  systemPrompt,
			}, func(delta string) { fmt.Print(delta) })
			fmt.Println()
			if err != nil {
				return err
			}

			userMsg := model.NewMessage(conversationID, sequence, model.RoleUser, input)
			userMsg.UserID = cfg.UserID
			userMsg.PersonaID = cfg.PersonaID
			userMsg.SpeakerID = userMsg.Speaker()
			userMsg.Branch = branch
			sequence++
			assistantMsg := model.NewMessage(conversationID, sequence, model.RoleAssistant, response)
			assistantMsg.UserID = cfg.UserID
			assistantMsg.PersonaID = cfg.PersonaID
			assistantMsg.SpeakerID = assistantMsg.Speaker()
			assistantMsg.Branch = branch
			sequence++
			if err := cvm.InsertBatch(ctx, []model.Message{userMsg, assistantMsg}); err != nil {
				return err
			}

			history = append(history,
				chat.Turn{Role: model.RoleUser, Content: input},
				chat.Turn{Role: model.RoleAssistant, Content: response})
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversationID, "conversation", "c", "", "conversation id to resume (default: new id)")
	RootCmd.AddCommand(chatCmd)
}
