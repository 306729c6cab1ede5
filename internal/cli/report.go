package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/model"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show per-conversation document counts and the next analysis target",
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

		rows, err := cvm.ConversationReport()
		if err != nil {
			return err
		}
		for _, row := range rows {
			types := make([]string, 0, len(row.TypeCounts))
			for t, n := range row.TypeCounts {
				types = append(types, fmt.Sprintf("%s=%d", t, n))
			}
			sort.Strings(types)
			fmt.Printf("%-24s %s  %v\n", row.ConversationID,
				time.Unix(row.LastTimestamp, 0).Format(model.DateFormat), types)
		}

		next, err := cvm.NextAnalysis()
		if err != nil {
			return err
		}
		if next != "" {
			fmt.Printf("\nnext analysis: %s\n", next)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(reportCmd)
}
