package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the search index from the conversation ledgers",
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

		n, err := cvm.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("reindexed %d documents\n", n)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(rebuildCmd)
}
