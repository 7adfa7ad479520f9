package model

import "time"

// ClaimType is the category of an extracted claim.
type ClaimType string

const (
	ClaimActor  ClaimType = "ACTOR"
	ClaimObject ClaimType = "OBJECT"
	ClaimAction ClaimType = "ACTION"
	ClaimState  ClaimType = "STATE"
	ClaimDeny   ClaimType = "DENY"
)

// KnownClaimTypes lists every claim type the extraction schema accepts.
var KnownClaimTypes = []ClaimType{ClaimActor, ClaimObject, ClaimAction, ClaimState, ClaimDeny}

// EpistemicTag labels a claim's evidentiary strength.
type EpistemicTag string

const (
	TagAsserted  EpistemicTag = "asserted"
	TagInferred  EpistemicTag = "inferred"
	TagUncertain EpistemicTag = "uncertain"
)

// ReviewStatus is the human-review state of a claim.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "UNREVIEWED"
	ReviewApproved   ReviewStatus = "APPROVED"
	ReviewRejected   ReviewStatus = "REJECTED"
)

// EmbeddingStatus is the indexing state of a claim.
type EmbeddingStatus string

const (
	EmbeddingPending EmbeddingStatus = "PENDING"
	EmbeddingRunning EmbeddingStatus = "EMBEDDING"
	EmbeddingIndexed EmbeddingStatus = "INDEXED"
	EmbeddingFailed  EmbeddingStatus = "FAILED"
)

// Claim is one atomic, independently reviewable fact extracted from a
// chunk. A claim with a non-nil SupersededByID is retired; only claims
// with a nil SupersededByID are live.
type Claim struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id"`
	ChunkID           string          `json:"chunk_id"`
	ChunkExtractionID string          `json:"chunk_extraction_id,omitempty"`
	Type              ClaimType       `json:"claim_type"`
	SubjectType       string          `json:"subject_type,omitempty"`
	SubjectText       string          `json:"subject_text,omitempty"`
	Predicate         string          `json:"predicate,omitempty"`
	ValueJSON         []byte          `json:"value_json"`
	EpistemicTag      EpistemicTag    `json:"epistemic_tag"`
	RuleID            string          `json:"rule_id,omitempty"`
	Confidence        float64         `json:"confidence"`
	ReviewStatus      ReviewStatus    `json:"review_status"`
	SupersededByID    *string         `json:"superseded_by_id,omitempty"`
	DedupeKey         string          `json:"dedupe_key"`
	CardText          string          `json:"card_text,omitempty"`
	EmbeddingStatus   EmbeddingStatus `json:"embedding_status"`
	EmbeddingError    string          `json:"embedding_error,omitempty"`
	EmbeddedAt        *time.Time      `json:"embedded_at,omitempty"`
	EmbeddingModelID  string          `json:"embedding_model_id,omitempty"`
	VectorCollection  string          `json:"vector_collection,omitempty"`
	VectorPointID     string          `json:"vector_point_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`

	// WorkspaceID is populated on reads that join through the run; it
	// is not a claims column.
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// Live reports whether the claim has not been superseded.
func (c *Claim) Live() bool {
	return c.SupersededByID == nil
}

// ClaimEvidence is one text span backing a claim.
type ClaimEvidence struct {
	ID          string    `json:"id"`
	ClaimID     string    `json:"claim_id"`
	ChunkID     string    `json:"chunk_id"`
	SnippetText string    `json:"snippet_text"`
	CharStart   *int      `json:"char_start,omitempty"`
	CharEnd     *int      `json:"char_end,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
