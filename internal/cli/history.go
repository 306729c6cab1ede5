package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyTypes []string

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's documents in ledger order",
	Args:  cobra.ExactArgs(1),
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

		rows, err := cvm.GetConversationHistory(args[0], historyTypes, nil)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("[%s] %s (%s/%d.%d)\n%s\n\n", r.Date, r.Speaker, r.DocumentType, r.Branch, r.SequenceNo, r.Content)
		}
		fmt.Printf("%d documents\n", len(rows))
		return nil
	},
}

func init() {
	historyCmd.Flags().StringSliceVarP(&historyTypes, "type", "t", nil, "restrict to document types")
	RootCmd.AddCommand(historyCmd)
}
