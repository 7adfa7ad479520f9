package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/veridian-ai/claimpipe/internal/indexer"
	"github.com/veridian-ai/claimpipe/internal/model"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ws, err := st.CreateWorkspace(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "workspace create")
		}
		fmt.Println(ws.ID)
		return nil
	},
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Delete a workspace and everything under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteWorkspace(ctx, args[0]); err != nil {
			return eris.Wrap(err, "workspace delete")
		}

		// Drop the workspace's vector classes too; claim rows are
		// already gone through the cascade.
		vs, err := initIndexerVectors()
		if err != nil {
			fmt.Fprintln(os.Stderr, "warning: vector store unavailable, classes left behind:", err)
			return nil
		}
		for _, ct := range model.KnownClaimTypes {
			if err := vs.DeleteCollection(ctx, indexer.CollectionName(args[0], ct)); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not delete collection for %s: %v\n", ct, err)
			}
		}
		return nil
	},
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Create a document and its chunks from a text file",
	Long:  "Splits the file into chunks on blank lines. Chunking is intentionally simple; pre-chunked input can be ingested one paragraph per blank-line-separated block.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		workspaceID, _ := cmd.Flags().GetString("workspace")
		title, _ := cmd.Flags().GetString("title")
		if workspaceID == "" {
			return eris.New("--workspace is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "ingest: read file")
		}
		if title == "" {
			title = args[0]
		}

		var contents []string
		for _, block := range blankLines.Split(string(data), -1) {
			if strings.TrimSpace(block) == "" {
				continue
			}
			contents = append(contents, block)
		}
		if len(contents) == 0 {
			return eris.New("ingest: file contains no text")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		doc, err := st.CreateDocument(ctx, workspaceID, title)
		if err != nil {
			return eris.Wrap(err, "ingest: create document")
		}
		chunks, err := st.CreateChunks(ctx, doc.ID, contents)
		if err != nil {
			return eris.Wrap(err, "ingest: create chunks")
		}

		fmt.Printf("document %s with %d chunks\n", doc.ID, len(chunks))
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("workspace", "", "workspace ID (required)")
	ingestCmd.Flags().String("title", "", "document title (defaults to file name)")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(ingestCmd)
}
