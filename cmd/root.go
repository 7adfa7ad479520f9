package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veridian-ai/claimpipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "claimpipe",
	Short: "Claim extraction pipeline",
	Long:  "Extracts atomic claims from document chunks via an idempotent LLM call ledger, caches results by content signature, and indexes claim cards into a vector store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
