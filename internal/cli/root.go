// Package cli implements the mnemo command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/evoke-ai/mnemo/internal/config"
	"github.com/evoke-ai/mnemo/internal/conversation"
	"github.com/evoke-ai/mnemo/internal/embedding"
	"github.com/evoke-ai/mnemo/internal/index"
	"github.com/evoke-ai/mnemo/internal/store"
)

// RootCmd is the top-level mnemo command.
var RootCmd = &cobra.Command{
	Use:           "mnemo",
	Short:         "Persona-driven conversational memory engine",
	Long:          "mnemo stores conversations in append-only ledgers, indexes them for ranked recall, and runs memory pipelines over them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		exitErr(err)
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// openModel wires the ledger, index, and embedder into a memory model.
// The caller must invoke the returned closer.
func openModel(cfg *config.ChatConfig) (*conversation.Model, func() error, error) {
	ledger, err := store.NewLedger(filepath.Join(cfg.MemoryPath, "conversations"))
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.New(filepath.Join(cfg.MemoryPath, "indices", "memory.db"))
	if err != nil {
		return nil, nil, err
	}
	emb, err := embedding.New(cfg.EmbeddingProvider, cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDims)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return conversation.New(ledger, idx, emb), idx.Close, nil
}

func loadConfig() (*config.ChatConfig, error) {
	return config.Load()
}
