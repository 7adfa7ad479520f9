package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/veridian-ai/claimpipe/internal/claims"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect and curate extracted claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		workspaceID, _ := cmd.Flags().GetString("workspace")
		runID, _ := cmd.Flags().GetString("run")
		chunkID, _ := cmd.Flags().GetString("chunk")
		claimType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		out, err := st.ListLiveClaims(ctx, store.ClaimFilter{
			WorkspaceID: workspaceID,
			RunID:       runID,
			ChunkID:     chunkID,
			Type:        model.ClaimType(strings.ToUpper(claimType)),
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "claims list")
		}
		return formatClaimsList(os.Stdout, out)
	},
}

var claimsShowCmd = &cobra.Command{
	Use:   "show <claim-id>",
	Short: "Show a claim with its evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		claim, err := st.GetClaim(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "claims show")
		}
		out, err := json.MarshalIndent(claim, "", "  ")
		if err != nil {
			return eris.Wrap(err, "claims show: marshal")
		}
		fmt.Println(string(out))

		evidence, err := st.ListEvidence(ctx, claim.ID)
		if err != nil {
			return eris.Wrap(err, "claims show: evidence")
		}
		for _, ev := range evidence {
			fmt.Printf("evidence %s (chunk %s): %q\n", ev.ID, ev.ChunkID, ev.SnippetText)
		}
		return nil
	},
}

var claimsSupersedeCmd = &cobra.Command{
	Use:   "supersede <old-claim-id> <new-claim-id>",
	Short: "Retire a claim in favor of a live successor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc := claims.NewService(st)
		if err := svc.Supersede(ctx, args[0], args[1]); err != nil {
			return eris.Wrap(err, "claims supersede")
		}
		fmt.Printf("claim %s superseded by %s\n", args[0], args[1])
		return nil
	},
}

var claimsReviewCmd = &cobra.Command{
	Use:   "review <claim-id> <APPROVED|REJECTED|UNREVIEWED>",
	Short: "Set a claim's review status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc := claims.NewService(st)
		status := model.ReviewStatus(strings.ToUpper(args[1]))
		if err := svc.Review(ctx, args[0], status); err != nil {
			return eris.Wrap(err, "claims review")
		}
		fmt.Printf("claim %s marked %s\n", args[0], status)
		return nil
	},
}

var claimsRetryEmbeddingCmd = &cobra.Command{
	Use:   "retry-embedding <claim-id>",
	Short: "Requeue a failed claim for embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RetryClaimEmbedding(ctx, args[0]); err != nil {
			if eris.Is(err, store.ErrConflict) {
				return eris.New("claims retry-embedding: claim is not in a FAILED embedding state")
			}
			return eris.Wrap(err, "claims retry-embedding")
		}
		fmt.Println("claim requeued for embedding")
		return nil
	},
}

// formatClaimsList writes a tabular list of claims to w.
func formatClaimsList(w io.Writer, out []model.Claim) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTAG\tCONF\tREVIEW\tEMBED\tCARD")
	fmt.Fprintln(tw, "--\t----\t---\t----\t------\t-----\t----")
	for _, c := range out {
		card := c.CardText
		if len(card) > 60 {
			card = card[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			c.ID, c.Type, c.EpistemicTag, c.Confidence, c.ReviewStatus, c.EmbeddingStatus, card)
	}
	return tw.Flush()
}

func init() {
	claimsListCmd.Flags().String("workspace", "", "filter by workspace ID")
	claimsListCmd.Flags().String("run", "", "filter by run ID")
	claimsListCmd.Flags().String("chunk", "", "filter by chunk ID")
	claimsListCmd.Flags().String("type", "", "filter by claim type")
	claimsListCmd.Flags().Int("limit", 100, "max rows")

	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsShowCmd)
	claimsCmd.AddCommand(claimsSupersedeCmd)
	claimsCmd.AddCommand(claimsReviewCmd)
	claimsCmd.AddCommand(claimsRetryEmbeddingCmd)
	rootCmd.AddCommand(claimsCmd)
}
