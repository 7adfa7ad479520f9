package model

import "time"

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusPartial   RunStatus = "PARTIAL"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal statuses are
// never overwritten; the store enforces this in SQL.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunKind tags the extraction flavor of a run.
type RunKind string

const (
	RunKindExtract   RunKind = "extract"
	RunKindReextract RunKind = "reextract"
)

// PipelineRun is one document-extraction attempt.
type PipelineRun struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	DocumentID   string     `json:"document_id"`
	RunKind      RunKind    `json:"run_kind"`
	Status       RunStatus  `json:"status"`
	Config       *RunConfig `json:"config,omitempty"`
	Stats        *RunStats  `json:"stats,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RunConfig is the configuration snapshot frozen into a run at creation.
// Its extraction-affecting fields feed the signature hash.
type RunConfig struct {
	PromptVersion    string  `json:"prompt_version"`
	ExtractorVersion string  `json:"extractor_version"`
	ModelID          string  `json:"model_id"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	ForceNonce       string  `json:"force_nonce,omitempty"`
	MaxConcurrency   int     `json:"max_concurrency,omitempty"`
}

// RunStats aggregates chunk outcomes at finish time.
type RunStats struct {
	ChunksTotal      int     `json:"chunks_total"`
	ChunksCached     int     `json:"chunks_cached"`
	ChunksSucceeded  int     `json:"chunks_succeeded"`
	ChunksFailed     int     `json:"chunks_failed"`
	ClaimsTotal      int     `json:"claims_total"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMsTotal   int64   `json:"latency_ms_total"`
}

// Add accumulates another stats block into s.
func (s *RunStats) Add(o RunStats) {
	s.ChunksTotal += o.ChunksTotal
	s.ChunksCached += o.ChunksCached
	s.ChunksSucceeded += o.ChunksSucceeded
	s.ChunksFailed += o.ChunksFailed
	s.ClaimsTotal += o.ClaimsTotal
	s.PromptTokens += o.PromptTokens
	s.CompletionTokens += o.CompletionTokens
	s.CostUSD += o.CostUSD
	s.LatencyMsTotal += o.LatencyMsTotal
}
