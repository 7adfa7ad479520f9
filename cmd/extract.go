package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/pipeline"
)

var extractCmd = &cobra.Command{
	Use:   "extract <document-id>",
	Short: "Run claim extraction over a document",
	Long:  "Processes the document's chunks through the extraction cache and the idempotent call ledger. Re-running with unchanged inputs reuses cached results and costs nothing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		modelID, _ := cmd.Flags().GetString("model")
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		chunkIDs, _ := cmd.Flags().GetStringSlice("chunks")
		pendingOnly, _ := cmd.Flags().GetBool("pending-only")
		force, _ := cmd.Flags().GetBool("force")
		concurrency, _ := cmd.Flags().GetInt("max-concurrency")
		reextract, _ := cmd.Flags().GetBool("reextract")

		if modelID == "" {
			modelID = cfg.Anthropic.Model
		}
		if maxTokens <= 0 {
			maxTokens = cfg.Anthropic.MaxTokens
		}
		kind := model.RunKindExtract
		if reextract || force {
			kind = model.RunKindReextract
		}

		runner := initRunner(st)
		run, err := runner.Run(ctx, pipeline.RunOptions{
			DocumentID:     args[0],
			Kind:           kind,
			ModelID:        modelID,
			Temperature:    temperature,
			MaxTokens:      maxTokens,
			ChunkIDs:       chunkIDs,
			PendingOnly:    pendingOnly,
			Force:          force,
			MaxConcurrency: concurrency,
		})
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		fmt.Printf("run %s: %s\n", run.ID, run.Status)
		if run.Stats != nil {
			s := run.Stats
			fmt.Printf("  chunks: %d total, %d cached, %d extracted, %d failed\n",
				s.ChunksTotal, s.ChunksCached, s.ChunksSucceeded, s.ChunksFailed)
			fmt.Printf("  claims: %d  tokens: %d in / %d out  cost: $%.4f\n",
				s.ClaimsTotal, s.PromptTokens, s.CompletionTokens, s.CostUSD)
		}
		if run.ErrorSummary != "" {
			fmt.Printf("  error: %s\n", run.ErrorSummary)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().String("model", "", "model ID (defaults to anthropic.model)")
	extractCmd.Flags().Float64("temperature", 0, "sampling temperature")
	extractCmd.Flags().Int("max-tokens", 0, "completion token cap (defaults to anthropic.max_tokens)")
	extractCmd.Flags().StringSlice("chunks", nil, "restrict to specific chunk IDs")
	extractCmd.Flags().Bool("pending-only", false, "skip chunks with a valid cache entry")
	extractCmd.Flags().Bool("force", false, "bypass the cache for every chunk")
	extractCmd.Flags().Int("max-concurrency", 0, "max chunks in flight (defaults to extract.max_concurrent_chunks)")
	extractCmd.Flags().Bool("reextract", false, "tag the run as a re-extraction")

	rootCmd.AddCommand(extractCmd)
}
