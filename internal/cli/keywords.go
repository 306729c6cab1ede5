package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/keywords"
)

var keywordsType string

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Rank semantic keywords across all stored documents",
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

		conversations, err := cvm.ConversationReport()
		if err != nil {
			return err
		}
		counts := map[string]int{}
		for _, row := range conversations {
			docs, err := cvm.GetConversationHistory(row.ConversationID, typeFilter(), nil)
			if err != nil {
				return err
			}
			for _, d := range docs {
				keywords.Accumulate(counts, keywords.Extract(d.Content))
			}
		}
		for _, kw := range keywords.Ranked(counts) {
			fmt.Printf("%5d  %s\n", kw.Count, kw.Text)
		}
		return nil
	},
}

func typeFilter() []string {
	if keywordsType == "" {
		return nil
	}
	return []string{keywordsType}
}

func init() {
	keywordsCmd.Flags().StringVarP(&keywordsType, "type", "t", "", "restrict to a document type")
	RootCmd.AddCommand(keywordsCmd)
}
