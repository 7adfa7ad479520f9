// Package claims parses and validates LLM extraction output,
// decomposes it into ledger claims, and manages supersession and
// review.
package claims

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veridian-ai/claimpipe/internal/model"
)

const maxSnippetLen = 500

// ValidationError describes why an extraction response failed schema
// validation. It is recorded on the cache row, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "claims: validation failed: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ChunkRef locates evidence inside a chunk.
type ChunkRef struct {
	ChunkID   string `json:"chunk_id"`
	CharStart *int   `json:"char_start,omitempty"`
	CharEnd   *int   `json:"char_end,omitempty"`
}

// Evidence is one quoted span backing a parsed claim.
type Evidence struct {
	Snippet  string    `json:"snippet"`
	ChunkRef *ChunkRef `json:"chunk_ref,omitempty"`
}

// ParsedClaim is one claim as emitted by the model, before
// decomposition into a ledger row.
type ParsedClaim struct {
	Type         string          `json:"type"`
	EpistemicTag string          `json:"epistemic_tag"`
	Confidence   *float64        `json:"confidence,omitempty"`
	RuleID       string          `json:"rule_id,omitempty"`
	Value        json.RawMessage `json:"value"`
	Evidence     []Evidence      `json:"evidence"`
}

// Result is the full validated extraction payload for one chunk.
type Result struct {
	PromptVersion string        `json:"prompt_version"`
	ChunkID       string        `json:"chunk_id"`
	Summary       string        `json:"summary"`
	Claims        []ParsedClaim `json:"claims"`
	Warnings      []string      `json:"warnings,omitempty"`
}

var knownTags = map[string]model.EpistemicTag{
	string(model.TagAsserted):  model.TagAsserted,
	string(model.TagInferred):  model.TagInferred,
	string(model.TagUncertain): model.TagUncertain,
}

// Parse decodes and strictly validates raw extraction output. A nil
// error means every claim passed schema checks; any failure is a
// *ValidationError so callers can record it without retrying.
func Parse(raw, chunkID string) (*Result, error) {
	var result Result
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&result); err != nil {
		return nil, validationErrorf("invalid JSON: %v", err)
	}
	if result.ChunkID == "" {
		result.ChunkID = chunkID
	}
	if result.ChunkID != chunkID {
		return nil, validationErrorf("chunk_id mismatch: got %q want %q", result.ChunkID, chunkID)
	}

	for i, c := range result.Claims {
		if err := validateClaim(i, c); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

func validateClaim(i int, c ParsedClaim) error {
	if !knownType(c.Type) {
		return validationErrorf("claim %d: unknown type %q", i, c.Type)
	}
	if _, ok := knownTags[c.EpistemicTag]; !ok {
		return validationErrorf("claim %d: unknown epistemic_tag %q", i, c.EpistemicTag)
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return validationErrorf("claim %d: confidence %g out of range", i, *c.Confidence)
	}
	if len(c.Evidence) == 0 {
		return validationErrorf("claim %d: missing evidence", i)
	}
	for j, ev := range c.Evidence {
		if ev.Snippet == "" {
			return validationErrorf("claim %d: evidence %d has empty snippet", i, j)
		}
		if len(ev.Snippet) > maxSnippetLen {
			return validationErrorf("claim %d: evidence %d snippet exceeds %d chars", i, j, maxSnippetLen)
		}
	}

	value, err := decodeValue(c.Value)
	if err != nil {
		return validationErrorf("claim %d: invalid value: %v", i, err)
	}
	if err := validateValue(c.Type, value); err != nil {
		return validationErrorf("claim %d: %v", i, err)
	}

	// An uncertain claim must stay low-confidence and carry its
	// rationale in the value payload.
	if c.EpistemicTag == string(model.TagUncertain) {
		if c.Confidence != nil && *c.Confidence > 0.5 {
			return validationErrorf("claim %d: uncertain claim with confidence %g > 0.5", i, *c.Confidence)
		}
		if _, ok := value["rationale"]; !ok {
			return validationErrorf("claim %d: uncertain claim missing rationale", i)
		}
	}
	return nil
}

func knownType(t string) bool {
	for _, kt := range model.KnownClaimTypes {
		if t == string(kt) {
			return true
		}
	}
	return false
}

func decodeValue(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing")
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// validateValue checks the per-type required fields of the value
// payload.
func validateValue(claimType string, value map[string]interface{}) error {
	switch model.ClaimType(claimType) {
	case model.ClaimActor, model.ClaimObject:
		if stringField(value, "name") == "" {
			return fmt.Errorf("value missing name")
		}
	case model.ClaimState:
		if stringField(value, "object_name") == "" || stringField(value, "state") == "" {
			return fmt.Errorf("value missing object_name or state")
		}
	case model.ClaimAction:
		if stringField(value, "actor") == "" || stringField(value, "verb") == "" || stringField(value, "object") == "" {
			return fmt.Errorf("value missing actor, verb, or object")
		}
		if raw, present := value["qualifiers"]; present {
			if _, ok := raw.([]interface{}); !ok {
				return fmt.Errorf("qualifiers must be a list")
			}
		}
	case model.ClaimDeny:
		if stringField(value, "actor") == "" || stringField(value, "verb") == "" || stringField(value, "object") == "" {
			return fmt.Errorf("value missing actor, verb, or object")
		}
	}
	return nil
}

func stringField(value map[string]interface{}, key string) string {
	s, _ := value[key].(string)
	return strings.TrimSpace(s)
}
