// Package store provides persistence for the extraction pipeline: runs,
// chunk runs, the extraction cache, the idempotent LLM call ledger, and
// the claim ledger.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/veridian-ai/claimpipe/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when an insert loses a unique-constraint
// race. Callers treat it as "someone else already wrote this row" and
// re-read the winner.
var ErrConflict = eris.New("store: conflict")

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	WorkspaceID string          `json:"workspace_id,omitempty"`
	DocumentID  string          `json:"document_id,omitempty"`
	Status      model.RunStatus `json:"status,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// ClaimFilter specifies criteria for listing live claims.
type ClaimFilter struct {
	WorkspaceID string          `json:"workspace_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	ChunkID     string          `json:"chunk_id,omitempty"`
	Type        model.ClaimType `json:"claim_type,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Workspaces, documents, chunks
	CreateWorkspace(ctx context.Context, name string) (*model.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	CreateDocument(ctx context.Context, workspaceID, title string) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	CreateChunks(ctx context.Context, documentID string, contents []string) ([]model.Chunk, error)
	ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error)

	// Pipeline runs
	CreateRun(ctx context.Context, workspaceID, documentID string, kind model.RunKind, cfg *model.RunConfig) (*model.PipelineRun, error)
	StartRun(ctx context.Context, runID string) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, errorSummary string) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Chunk runs
	EnsureChunkRuns(ctx context.Context, runID string, chunkIDs []string) error
	MarkChunkRunning(ctx context.Context, runID, chunkID string) (int, error)
	MarkChunkCached(ctx context.Context, runID, chunkID, extractionID string) error
	MarkChunkSucceeded(ctx context.Context, runID, chunkID, extractionID string, latencyMs int64) error
	MarkChunkFailed(ctx context.Context, runID, chunkID string, errType model.ChunkErrorType, msg string) error
	ListChunkRuns(ctx context.Context, runID string) ([]model.ChunkRun, error)

	// Extraction cache
	InsertExtraction(ctx context.Context, ext *model.ChunkExtraction) error
	GetExtractionValid(ctx context.Context, chunkID, signatureHash string) (*model.ChunkExtraction, error)
	GetExtractionBySignature(ctx context.Context, chunkID, signatureHash string) (*model.ChunkExtraction, error)
	GetExtraction(ctx context.Context, id string) (*model.ChunkExtraction, error)

	// Idempotent call ledger
	GetCallByKey(ctx context.Context, idempotencyKey string) (*model.LLMCall, error)
	ReserveCall(ctx context.Context, call *model.LLMCall) error
	ReacquireCall(ctx context.Context, idempotencyKey string) (bool, error)
	ReacquireExpiredCall(ctx context.Context, idempotencyKey string, now time.Time) (bool, error)
	ReacquireStaleCall(ctx context.Context, idempotencyKey string, staleBefore time.Time) (bool, error)
	BumpCallAttempts(ctx context.Context, idempotencyKey string) error
	CompleteCallSuccess(ctx context.Context, idempotencyKey, responseText string, usage model.TokenUsage, costUSD float64, latencyMs int64, cacheExpiresAt time.Time) (string, error)
	CompleteCallFailed(ctx context.Context, idempotencyKey, errorCode, errorMessage string) error

	// Claim ledger
	InsertClaimsForExtraction(ctx context.Context, extractionID string, claims []model.Claim, evidence []model.ClaimEvidence) (int, error)
	ClaimsForExtraction(ctx context.Context, extractionID string) ([]model.Claim, error)
	GetClaim(ctx context.Context, id string) (*model.Claim, error)
	ListLiveClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error)
	ListEvidence(ctx context.Context, claimID string) ([]model.ClaimEvidence, error)
	SupersedeClaim(ctx context.Context, oldID, newID string) error
	UpdateClaimReview(ctx context.Context, claimID string, status model.ReviewStatus) error

	// Embedding state machine
	AcquirePendingClaims(ctx context.Context, limit int) ([]model.Claim, error)
	SetClaimCardText(ctx context.Context, claimID, cardText string) error
	MarkClaimIndexed(ctx context.Context, claimID, collection, pointID, modelID string, embeddedAt time.Time) error
	MarkClaimEmbeddingFailed(ctx context.Context, claimID, errorMessage string) error
	RetryClaimEmbedding(ctx context.Context, claimID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
