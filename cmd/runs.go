package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		workspaceID, _ := cmd.Flags().GetString("workspace")
		documentID, _ := cmd.Flags().GetString("document")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			WorkspaceID: workspaceID,
			DocumentID:  documentID,
			Status:      model.RunStatus(status),
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		return formatRunsList(os.Stdout, runs)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its chunk breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return eris.Wrap(err, "runs show: marshal")
		}
		fmt.Println(string(out))

		chunks, err := st.ListChunkRuns(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show: chunk runs")
		}
		return formatChunkRunsList(os.Stdout, chunks)
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a running extraction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.UpdateRunStatus(ctx, args[0], model.RunStatusCancelled); err != nil {
			if eris.Is(err, store.ErrConflict) {
				fmt.Println("run already finished; nothing to cancel")
				return nil
			}
			return eris.Wrap(err, "runs cancel")
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(w io.Writer, runs []model.PipelineRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCHUNKS\tCLAIMS\tCOST\tCREATED")
	fmt.Fprintln(tw, "--\t----\t------\t------\t------\t----\t-------")
	for _, r := range runs {
		chunks, claims := "-", "-"
		cost := "-"
		if r.Stats != nil {
			chunks = fmt.Sprintf("%d/%d", r.Stats.ChunksCached+r.Stats.ChunksSucceeded, r.Stats.ChunksTotal)
			claims = fmt.Sprintf("%d", r.Stats.ClaimsTotal)
			cost = fmt.Sprintf("$%.4f", r.Stats.CostUSD)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.RunKind, r.Status, chunks, claims, cost,
			r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// formatChunkRunsList writes the per-chunk breakdown of a run to w.
func formatChunkRunsList(w io.Writer, chunks []model.ChunkRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tSTATUS\tCACHE\tATTEMPTS\tLATENCY\tERROR")
	fmt.Fprintln(tw, "-----\t------\t-----\t--------\t-------\t-----")
	for _, c := range chunks {
		latency := "-"
		if c.LatencyMs > 0 {
			latency = fmt.Sprintf("%dms", c.LatencyMs)
		}
		errType := string(c.ErrorType)
		if errType == "" {
			errType = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ChunkID, c.Status, c.CacheStatus, c.Attempts, latency, errType)
	}
	return tw.Flush()
}

func init() {
	runsListCmd.Flags().String("workspace", "", "filter by workspace ID")
	runsListCmd.Flags().String("document", "", "filter by document ID")
	runsListCmd.Flags().String("status", "", "filter by run status")
	runsListCmd.Flags().Int("limit", 50, "max rows")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCancelCmd)
	rootCmd.AddCommand(runsCmd)
}
