package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var indexerCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Embed and index claims into the vector store",
}

var indexerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		worker, err := initIndexer(st)
		if err != nil {
			return err
		}
		zap.L().Info("indexer started",
			zap.Int("batch_size", cfg.Indexer.BatchSize),
			zap.Duration("tick_interval", cfg.Indexer.TickInterval))
		if err := worker.Run(ctx); err != nil {
			return eris.Wrap(err, "indexer run")
		}
		return nil
	},
}

var indexerTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process a single batch of pending claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		worker, err := initIndexer(st)
		if err != nil {
			return err
		}
		n, err := worker.Tick(ctx)
		if err != nil {
			return eris.Wrap(err, "indexer tick")
		}
		fmt.Printf("processed %d claims\n", n)
		return nil
	},
}

func init() {
	indexerCmd.AddCommand(indexerRunCmd)
	indexerCmd.AddCommand(indexerTickCmd)
	rootCmd.AddCommand(indexerCmd)
}
