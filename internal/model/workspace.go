// Package model defines the domain types for the extraction pipeline:
// workspaces, documents, chunks, pipeline runs, the extraction cache,
// the LLM call ledger, and the claim ledger.
package model

import "time"

// Workspace is the root owner of all extraction state. Deleting a
// workspace cascades through every dependent table.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a source document within a workspace.
type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// Chunk is one pre-split span of document text. Splitting happens
// upstream; the pipeline only consumes chunks.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
