package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/conversation"
)

var (
	searchTopN         int
	searchTypes        []string
	searchConversation string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Run a ranked memory query",
	Args:  cobra.MinimumNArgs(1),
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

		results, err := cvm.Query(cmd.Context(), conversation.QueryParams{
			QueryTexts:          args,
			TopN:                searchTopN,
			QueryDocumentTypes:  searchTypes,
			QueryConversationID: searchConversation,
			FilterMetadocs:      true,
			Rank: conversation.RankParams{
				TemporalDecay:     cfg.DecayRate,
				LengthBoostFactor: cfg.LengthBoostFactor,
			},
		})
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.4f [%s] %s (%s, hits=%d) %s\n  %s\n", r.Score, r.Date, r.Speaker, r.DocumentType, r.Hits, r.ConversationID, r.Content)
		}
		fmt.Printf("%d results\n", len(results))
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopN, "top", "n", 10, "number of results")
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "restrict to document types")
	searchCmd.Flags().StringVarP(&searchConversation, "conversation", "c", "", "scope to a conversation, merging its history")
	RootCmd.AddCommand(searchCmd)
}
