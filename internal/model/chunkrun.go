package model

// ChunkRunStatus is the per-(run, chunk) execution state.
type ChunkRunStatus string

const (
	ChunkRunPending   ChunkRunStatus = "PENDING"
	ChunkRunRunning   ChunkRunStatus = "RUNNING"
	ChunkRunSucceeded ChunkRunStatus = "SUCCEEDED"
	ChunkRunCached    ChunkRunStatus = "CACHED"
	ChunkRunFailed    ChunkRunStatus = "FAILED"
)

// CacheStatus records whether the chunk's result came from the
// extraction cache.
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
	CacheNone CacheStatus = "NONE"
)

// ChunkErrorType classifies a chunk-run failure.
type ChunkErrorType string

const (
	ChunkErrTransient     ChunkErrorType = "TRANSIENT"
	ChunkErrFatal         ChunkErrorType = "FATAL"
	ChunkErrValidation    ChunkErrorType = "VALIDATION"
	ChunkErrTooManyClaims ChunkErrorType = "TOO_MANY_CLAIMS"
)

// ChunkRun is one (run, chunk) execution record. Unique per (run, chunk).
type ChunkRun struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	ChunkID           string         `json:"chunk_id"`
	Status            ChunkRunStatus `json:"status"`
	Attempts          int            `json:"attempts"`
	LatencyMs         int64          `json:"latency_ms"`
	ErrorType         ChunkErrorType `json:"error_type,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ChunkExtractionID string         `json:"chunk_extraction_id,omitempty"`
	CacheStatus       CacheStatus    `json:"cache_status"`
}
