package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-ai/claimpipe/internal/model"
)

func sampleClaims() ([]model.Claim, []model.ClaimEvidence) {
	claims := []model.Claim{
		{
			ID: "claim-1", RunID: "run-1", ChunkID: "chunk-1", ChunkExtractionID: "ext-1",
			Type: model.ClaimActor, SubjectType: "actor", SubjectText: "alice",
			ValueJSON: []byte(`{"name":"alice"}`), EpistemicTag: model.TagAsserted,
			Confidence: 0.95, DedupeKey: "dk-1", CardText: "ACTOR | alice",
		},
	}
	evidence := []model.ClaimEvidence{
		{ID: "ev-1", ClaimID: "claim-1", ChunkID: "chunk-1", SnippetText: "Alice opened a session."},
	}
	return claims, evidence
}

func TestInsertClaimsForExtraction(t *testing.T) {
	mock, st := newMockPool(t)
	claims, evidence := sampleClaims()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM claims WHERE chunk_extraction_id = \$1`).
		WithArgs("ext-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCopyFrom(pgx.Identifier{"claims"}, []string{
		"id", "run_id", "chunk_id", "chunk_extraction_id", "claim_type",
		"subject_type", "subject_text", "predicate",
		"value_json", "epistemic_tag", "rule_id", "confidence",
		"review_status", "dedupe_key", "embedding_status", "created_at",
	}).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"claim_evidence"}, []string{
		"id", "claim_id", "chunk_id", "snippet_text", "char_start", "char_end", "created_at",
	}).WillReturnResult(1)
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := st.InsertClaimsForExtraction(context.Background(), "ext-1", claims, evidence)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertClaimsForExtraction_AlreadyPersisted(t *testing.T) {
	mock, st := newMockPool(t)
	claims, evidence := sampleClaims()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM claims WHERE chunk_extraction_id = \$1`).
		WithArgs("ext-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectRollback()

	n, err := st.InsertClaimsForExtraction(context.Background(), "ext-1", claims, evidence)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func claimRow(withWorkspace bool) *pgxmock.Rows {
	cols := []string{
		"id", "run_id", "chunk_id", "chunk_extraction_id", "claim_type", "subject_type",
		"subject_text", "predicate", "value_json", "epistemic_tag", "rule_id", "confidence",
		"review_status", "superseded_by_id", "dedupe_key", "card_text", "embedding_status",
		"embedding_error", "embedded_at", "embedding_model_id", "vector_collection",
		"vector_point_id", "created_at",
	}
	if withWorkspace {
		cols = append(cols, "workspace_id")
	}
	rows := pgxmock.NewRows(cols)
	vals := []any{
		"claim-1", "run-1", "chunk-1", "ext-1", "ACTOR", strPtr("actor"),
		strPtr("alice"), (*string)(nil), []byte(`{"name":"alice"}`), "asserted", strPtr("R1"), 0.95,
		"UNREVIEWED", (*string)(nil), "dk-1", strPtr("ACTOR | alice"), "PENDING",
		(*string)(nil), (*time.Time)(nil), (*string)(nil), (*string)(nil),
		(*string)(nil), time.Now().UTC(),
	}
	if withWorkspace {
		vals = append(vals, "ws-1")
	}
	return rows.AddRow(vals...)
}

func TestGetClaim(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectQuery(`FROM claims c JOIN pipeline_runs r ON r.id = c.run_id`).
		WithArgs("claim-1").
		WillReturnRows(claimRow(true))

	claim, err := st.GetClaim(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimActor, claim.Type)
	assert.Equal(t, "alice", claim.SubjectText)
	assert.Equal(t, "ws-1", claim.WorkspaceID)
	assert.True(t, claim.Live())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetClaim_NotFound(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectQuery(`FROM claims c JOIN pipeline_runs r ON r.id = c.run_id`).
		WithArgs("claim-ghost").
		WillReturnError(errNoRows())

	_, err := st.GetClaim(context.Background(), "claim-ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLiveClaims_Filters(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectQuery(`WHERE c.superseded_by_id IS NULL AND r.workspace_id = \$1 AND c.claim_type = \$2`).
		WithArgs("ws-1", "ACTOR", 20).
		WillReturnRows(claimRow(true))

	claims, err := st.ListLiveClaims(context.Background(), ClaimFilter{
		WorkspaceID: "ws-1",
		Type:        model.ClaimActor,
		Limit:       20,
	})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "claim-1", claims[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func supersedeLockRows(pairs ...[2]*string) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"id", "superseded_by_id"})
	for _, p := range pairs {
		rows.AddRow(*p[0], p[1])
	}
	return rows
}

func TestSupersedeClaim(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, superseded_by_id FROM claims WHERE id IN \(\$1, \$2\) ORDER BY id FOR UPDATE`).
		WithArgs("claim-old", "claim-new").
		WillReturnRows(supersedeLockRows(
			[2]*string{strPtr("claim-new"), nil},
			[2]*string{strPtr("claim-old"), nil},
		))
	mock.ExpectExec(`UPDATE claims SET superseded_by_id = \$2 WHERE id = \$1`).
		WithArgs("claim-old", "claim-new").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := st.SupersedeClaim(context.Background(), "claim-old", "claim-new")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeClaim_AlreadySuperseded(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY id FOR UPDATE`).
		WithArgs("claim-old", "claim-new").
		WillReturnRows(supersedeLockRows(
			[2]*string{strPtr("claim-new"), nil},
			[2]*string{strPtr("claim-old"), strPtr("claim-prior")},
		))
	mock.ExpectRollback()

	err := st.SupersedeClaim(context.Background(), "claim-old", "claim-new")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeClaim_RetiredSuccessor(t *testing.T) {
	mock, st := newMockPool(t)

	// The successor was retired between the caller's liveness check and
	// the lock; committing would let a later edge close a cycle.
	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY id FOR UPDATE`).
		WithArgs("claim-old", "claim-new").
		WillReturnRows(supersedeLockRows(
			[2]*string{strPtr("claim-new"), strPtr("claim-old")},
			[2]*string{strPtr("claim-old"), nil},
		))
	mock.ExpectRollback()

	err := st.SupersedeClaim(context.Background(), "claim-old", "claim-new")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeClaim_Missing(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY id FOR UPDATE`).
		WithArgs("claim-ghost", "claim-new").
		WillReturnRows(supersedeLockRows(
			[2]*string{strPtr("claim-new"), nil},
		))
	mock.ExpectRollback()

	err := st.SupersedeClaim(context.Background(), "claim-ghost", "claim-new")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquirePendingClaims(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectQuery(`UPDATE claims c SET embedding_status = 'EMBEDDING'`).
		WithArgs(32).
		WillReturnRows(claimRow(true))

	claims, err := st.AcquirePendingClaims(context.Background(), 32)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "ws-1", claims[0].WorkspaceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkClaimIndexed(t *testing.T) {
	mock, st := newMockPool(t)

	embeddedAt := time.Now().UTC()
	mock.ExpectExec(`UPDATE claims SET embedding_status = 'INDEXED'`).
		WithArgs("claim-1", "Claims_ws1_ACTOR", "claim-1", "nomic-embed-text", embeddedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.MarkClaimIndexed(context.Background(), "claim-1", "Claims_ws1_ACTOR", "claim-1", "nomic-embed-text", embeddedAt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkClaimIndexed_NotEmbedding(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectExec(`UPDATE claims SET embedding_status = 'INDEXED'`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.MarkClaimIndexed(context.Background(), "claim-1", "coll", "pt", "model", time.Now().UTC())
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryClaimEmbedding_NotFailed(t *testing.T) {
	mock, st := newMockPool(t)

	mock.ExpectExec(`UPDATE claims SET embedding_status = 'PENDING'`).
		WithArgs("claim-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM claims c JOIN pipeline_runs r ON r.id = c.run_id`).
		WithArgs("claim-1").
		WillReturnRows(claimRow(true))

	err := st.RetryClaimEmbedding(context.Background(), "claim-1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEvidence(t *testing.T) {
	mock, st := newMockPool(t)

	rows := pgxmock.NewRows([]string{"id", "claim_id", "chunk_id", "snippet_text", "char_start", "char_end", "created_at"}).
		AddRow("ev-1", "claim-1", "chunk-1", "Alice opened a session.", (*int)(nil), (*int)(nil), time.Now().UTC())
	mock.ExpectQuery(`FROM claim_evidence WHERE claim_id = \$1`).
		WithArgs("claim-1").
		WillReturnRows(rows)

	evidence, err := st.ListEvidence(context.Background(), "claim-1")
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, "Alice opened a session.", evidence[0].SnippetText)
	assert.NoError(t, mock.ExpectationsWereMet())
}
