package model

import "time"

// CallStatus is the ledger state of one outbound LLM call.
type CallStatus string

const (
	CallInFlight CallStatus = "IN_FLIGHT"
	CallSuccess  CallStatus = "SUCCESS"
	CallFailed   CallStatus = "FAILED"
)

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Add accumulates another usage block into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
}

// LLMCall is one row of the idempotent call ledger. The unique
// idempotency key guarantees at most one effective execution: a retry
// presenting the same key replays the stored response instead of
// re-invoking the provider.
type LLMCall struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id,omitempty"`
	ChunkID        string     `json:"chunk_id,omitempty"`
	SignatureHash  string     `json:"signature_hash,omitempty"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	IdempotencyKey string     `json:"idempotency_key"`
	RequestJSON    []byte     `json:"request_json,omitempty"`
	ResponseText   string     `json:"response_text,omitempty"`
	Usage          TokenUsage `json:"usage"`
	CostUSD        float64    `json:"cost_usd"`
	LatencyMs      int64      `json:"latency_ms"`
	Status         CallStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CacheExpiresAt *time.Time `json:"cache_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CacheValid reports whether the stored response can still satisfy a
// replay at the given instant.
func (c *LLMCall) CacheValid(now time.Time) bool {
	return c.Status == CallSuccess && c.CacheExpiresAt != nil && c.CacheExpiresAt.After(now)
}
