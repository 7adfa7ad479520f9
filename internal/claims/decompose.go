package claims

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veridian-ai/claimpipe/internal/hashing"
	"github.com/veridian-ai/claimpipe/internal/model"
)

// claimNamespace seeds deterministic claim IDs. With IDs derived from
// (extraction, ordinal), re-persisting the same extraction produces the
// same rows instead of duplicates.
var claimNamespace = uuid.MustParse("8f4f3b62-9c1e-4e3a-b57b-2d6f1f0a6b41")

// Decompose turns a validated extraction result into ledger claims and
// their evidence rows. Output is deterministic for a given extraction.
func Decompose(extractionID, runID, chunkID string, result *Result) ([]model.Claim, []model.ClaimEvidence) {
	claims := make([]model.Claim, 0, len(result.Claims))
	var evidence []model.ClaimEvidence

	for i, pc := range result.Claims {
		claimID := uuid.NewSHA1(claimNamespace, []byte(fmt.Sprintf("%s:%d", extractionID, i))).String()
		card := CardText(pc.Type, pc.Value)

		confidence := 1.0
		if pc.Confidence != nil {
			confidence = *pc.Confidence
		}

		claim := model.Claim{
			ID:                claimID,
			RunID:             runID,
			ChunkID:           chunkID,
			ChunkExtractionID: extractionID,
			Type:              model.ClaimType(pc.Type),
			SubjectType:       subjectType(pc.Type),
			SubjectText:       subjectText(pc),
			Predicate:         predicate(pc),
			ValueJSON:         pc.Value,
			EpistemicTag:      model.EpistemicTag(pc.EpistemicTag),
			RuleID:            pc.RuleID,
			Confidence:        confidence,
			ReviewStatus:      model.ReviewUnreviewed,
			DedupeKey:         hashing.DedupeKey(pc.Type, card),
			CardText:          card,
			EmbeddingStatus:   model.EmbeddingPending,
		}
		claims = append(claims, claim)

		for j, ev := range pc.Evidence {
			evID := uuid.NewSHA1(claimNamespace, []byte(fmt.Sprintf("%s:%d:ev:%d", extractionID, i, j))).String()
			evChunk := chunkID
			if ev.ChunkRef != nil && ev.ChunkRef.ChunkID != "" {
				evChunk = ev.ChunkRef.ChunkID
			}
			e := model.ClaimEvidence{
				ID:          evID,
				ClaimID:     claimID,
				ChunkID:     evChunk,
				SnippetText: ev.Snippet,
			}
			if ev.ChunkRef != nil {
				e.CharStart = ev.ChunkRef.CharStart
				e.CharEnd = ev.ChunkRef.CharEnd
			}
			evidence = append(evidence, e)
		}
	}
	return claims, evidence
}

func subjectType(claimType string) string {
	switch model.ClaimType(claimType) {
	case model.ClaimActor:
		return "actor"
	case model.ClaimObject, model.ClaimState:
		return "object"
	case model.ClaimAction, model.ClaimDeny:
		return "action"
	}
	return ""
}

func subjectText(pc ParsedClaim) string {
	value := decodeLoose(pc.Value)
	switch model.ClaimType(pc.Type) {
	case model.ClaimActor, model.ClaimObject:
		return stringField(value, "name")
	case model.ClaimState:
		return stringField(value, "object_name")
	case model.ClaimAction, model.ClaimDeny:
		return stringField(value, "actor")
	}
	return ""
}

func predicate(pc ParsedClaim) string {
	value := decodeLoose(pc.Value)
	switch model.ClaimType(pc.Type) {
	case model.ClaimState:
		return stringField(value, "state")
	case model.ClaimAction, model.ClaimDeny:
		return stringField(value, "verb")
	}
	return ""
}

func decodeLoose(raw json.RawMessage) map[string]interface{} {
	var value map[string]interface{}
	_ = json.Unmarshal(raw, &value)
	return value
}
