package model

import "time"

// ExtractionStatus is the validation state of a cached extraction.
type ExtractionStatus string

const (
	ExtractionPending ExtractionStatus = "PENDING"
	ExtractionValid   ExtractionStatus = "VALID"
	ExtractionInvalid ExtractionStatus = "INVALID"
)

// ChunkExtraction is one content-addressed cache entry: the validated
// result of extracting a chunk under a specific signature. Rows are
// never overwritten; a changed prompt, model, or chunk produces a new
// signature and therefore a new row.
type ChunkExtraction struct {
	ID               string           `json:"id"`
	ChunkID          string           `json:"chunk_id"`
	ProducedRunID    string           `json:"produced_run_id,omitempty"`
	PromptName       string           `json:"prompt_name"`
	Model            string           `json:"model"`
	RawText          string           `json:"raw_text,omitempty"`
	ParsedJSON       []byte           `json:"parsed_json,omitempty"`
	UsageJSON        []byte           `json:"usage_json,omitempty"`
	SignatureHash    string           `json:"signature_hash"`
	ChunkContentHash string           `json:"chunk_content_hash"`
	LLMCallID        string           `json:"llm_call_id,omitempty"`
	Status           ExtractionStatus `json:"extraction_status"`
	ValidationError  string           `json:"validation_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
