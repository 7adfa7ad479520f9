package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-ai/claimpipe/internal/model"
)

func decomposeResult(t *testing.T) *Result {
	t.Helper()
	result, err := Parse(validPayload(), "chunk-1")
	require.NoError(t, err)
	return result
}

func TestDecompose_Deterministic(t *testing.T) {
	t.Parallel()

	result := decomposeResult(t)

	claims1, ev1 := Decompose("ext-1", "run-1", "chunk-1", result)
	claims2, ev2 := Decompose("ext-1", "run-1", "chunk-1", result)

	require.Len(t, claims1, 2)
	require.Len(t, ev1, 2)
	assert.Equal(t, claims1[0].ID, claims2[0].ID)
	assert.Equal(t, claims1[1].ID, claims2[1].ID)
	assert.Equal(t, ev1[0].ID, ev2[0].ID)

	// A different extraction yields different IDs.
	claims3, _ := Decompose("ext-2", "run-1", "chunk-1", result)
	assert.NotEqual(t, claims1[0].ID, claims3[0].ID)
}

func TestDecompose_Fields(t *testing.T) {
	t.Parallel()

	result := decomposeResult(t)
	claims, evidence := Decompose("ext-1", "run-7", "chunk-1", result)
	require.Len(t, claims, 2)

	actor := claims[0]
	assert.Equal(t, "run-7", actor.RunID)
	assert.Equal(t, "chunk-1", actor.ChunkID)
	assert.Equal(t, "ext-1", actor.ChunkExtractionID)
	assert.Equal(t, model.ClaimActor, actor.Type)
	assert.Equal(t, "actor", actor.SubjectType)
	assert.Equal(t, "alice", actor.SubjectText)
	assert.Equal(t, model.TagAsserted, actor.EpistemicTag)
	assert.Equal(t, "R1", actor.RuleID)
	assert.InDelta(t, 0.95, actor.Confidence, 0.001)
	assert.Equal(t, model.ReviewUnreviewed, actor.ReviewStatus)
	assert.Equal(t, model.EmbeddingPending, actor.EmbeddingStatus)
	assert.Equal(t, "ACTOR | alice", actor.CardText)
	assert.NotEmpty(t, actor.DedupeKey)
	assert.Nil(t, actor.SupersededByID)

	state := claims[1]
	assert.Equal(t, model.ClaimState, state.Type)
	assert.Equal(t, "object", state.SubjectType)
	assert.Equal(t, "session", state.SubjectText)
	assert.Equal(t, "open", state.Predicate)
	// No stated confidence defaults to 1.0.
	assert.InDelta(t, 1.0, state.Confidence, 0.001)

	require.Len(t, evidence, 2)
	assert.Equal(t, actor.ID, evidence[0].ClaimID)
	assert.Equal(t, "chunk-1", evidence[0].ChunkID)
	assert.Equal(t, "Alice opened a session.", evidence[0].SnippetText)
}

func TestDecompose_DedupeKeyMatchesAcrossRuns(t *testing.T) {
	t.Parallel()

	result := decomposeResult(t)

	// The same card rendered in different runs gets the same dedupe
	// key even though the claim IDs differ.
	a, _ := Decompose("ext-1", "run-1", "chunk-1", result)
	b, _ := Decompose("ext-2", "run-2", "chunk-1", result)
	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, a[0].DedupeKey, b[0].DedupeKey)
}

func TestDecompose_EvidenceChunkOverride(t *testing.T) {
	t.Parallel()

	raw := `{
		"chunk_id": "chunk-1",
		"claims": [{
			"type": "OBJECT",
			"epistemic_tag": "asserted",
			"value": {"name": "ledger"},
			"evidence": [{"snippet": "see earlier section", "chunk_ref": {"chunk_id": "chunk-0", "char_start": 10, "char_end": 30}}]
		}]
	}`
	result, err := Parse(raw, "chunk-1")
	require.NoError(t, err)

	_, evidence := Decompose("ext-1", "run-1", "chunk-1", result)
	require.Len(t, evidence, 1)
	assert.Equal(t, "chunk-0", evidence[0].ChunkID)
	require.NotNil(t, evidence[0].CharStart)
	assert.Equal(t, 10, *evidence[0].CharStart)
	require.NotNil(t, evidence[0].CharEnd)
	assert.Equal(t, 30, *evidence[0].CharEnd)
}
