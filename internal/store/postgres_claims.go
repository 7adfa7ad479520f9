package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/veridian-ai/claimpipe/internal/model"
)

const claimColumns = `c.id, c.run_id, c.chunk_id, c.chunk_extraction_id, c.claim_type, c.subject_type,
	c.subject_text, c.predicate, c.value_json, c.epistemic_tag, c.rule_id, c.confidence,
	c.review_status, c.superseded_by_id, c.dedupe_key, c.card_text, c.embedding_status,
	c.embedding_error, c.embedded_at, c.embedding_model_id, c.vector_collection, c.vector_point_id,
	c.created_at`

// InsertClaimsForExtraction persists the decomposed claims of one
// extraction inside a transaction. Claim IDs are deterministic per
// extraction, so a re-run that lands here again finds the rows already
// present and skips the write. Returns the number of claims now stored
// for the extraction.
func (s *PostgresStore) InsertClaimsForExtraction(ctx context.Context, extractionID string, claims []model.Claim, evidence []model.ClaimEvidence) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "store: begin insert claims")
	}
	defer tx.Rollback(ctx)

	var existing int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE chunk_extraction_id = $1`, extractionID).Scan(&existing)
	if err != nil {
		return 0, eris.Wrap(err, "store: count existing claims")
	}
	if existing > 0 {
		return existing, nil
	}

	now := time.Now().UTC()
	claimRows := make([][]any, 0, len(claims))
	for _, c := range claims {
		claimRows = append(claimRows, []any{
			c.ID, c.RunID, c.ChunkID, extractionID, string(c.Type),
			nullify(c.SubjectType), nullify(c.SubjectText), nullify(c.Predicate),
			c.ValueJSON, string(c.EpistemicTag), nullify(c.RuleID), c.Confidence,
			string(model.ReviewUnreviewed), c.DedupeKey, string(model.EmbeddingPending), now,
		})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"claims"},
		[]string{"id", "run_id", "chunk_id", "chunk_extraction_id", "claim_type",
			"subject_type", "subject_text", "predicate",
			"value_json", "epistemic_tag", "rule_id", "confidence",
			"review_status", "dedupe_key", "embedding_status", "created_at"},
		pgx.CopyFromRows(claimRows))
	if err != nil {
		return 0, eris.Wrap(err, "store: copy claims")
	}

	if len(evidence) > 0 {
		evRows := make([][]any, 0, len(evidence))
		for _, ev := range evidence {
			evRows = append(evRows, []any{ev.ID, ev.ClaimID, ev.ChunkID, ev.SnippetText, ev.CharStart, ev.CharEnd, now})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"claim_evidence"},
			[]string{"id", "claim_id", "chunk_id", "snippet_text", "char_start", "char_end", "created_at"},
			pgx.CopyFromRows(evRows))
		if err != nil {
			return 0, eris.Wrap(err, "store: copy evidence")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "store: commit claims")
	}
	return len(claims), nil
}

func nullify(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) ClaimsForExtraction(ctx context.Context, extractionID string) ([]model.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM claims c WHERE c.chunk_extraction_id = $1 ORDER BY c.id`,
		extractionID)
	if err != nil {
		return nil, eris.Wrap(err, "store: claims for extraction")
	}
	return collectClaims(rows)
}

func collectClaims(rows pgx.Rows) ([]model.Claim, error) {
	defer rows.Close()
	var out []model.Claim
	for rows.Next() {
		claim, err := scanClaim(rows, false)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan claim")
		}
		out = append(out, *claim)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetClaim(ctx context.Context, id string) (*model.Claim, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+`, r.workspace_id
		 FROM claims c JOIN pipeline_runs r ON r.id = c.run_id
		 WHERE c.id = $1`, id)
	claim, err := scanClaim(row, true)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "store: get claim")
	}
	return claim, nil
}

// ListLiveClaims returns claims that have not been superseded, newest
// first.
func (s *PostgresStore) ListLiveClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	q := `SELECT ` + claimColumns + `, r.workspace_id
	      FROM claims c JOIN pipeline_runs r ON r.id = c.run_id
	      WHERE c.superseded_by_id IS NULL`
	args := []any{}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		q += fmt.Sprintf(" AND r.workspace_id = $%d", len(args))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		q += fmt.Sprintf(" AND c.run_id = $%d", len(args))
	}
	if filter.ChunkID != "" {
		args = append(args, filter.ChunkID)
		q += fmt.Sprintf(" AND c.chunk_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		q += fmt.Sprintf(" AND c.claim_type = $%d", len(args))
	}
	q += " ORDER BY c.created_at DESC, c.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list live claims")
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		claim, err := scanClaim(rows, true)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan claim")
		}
		out = append(out, *claim)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEvidence(ctx context.Context, claimID string) ([]model.ClaimEvidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, claim_id, chunk_id, snippet_text, char_start, char_end, created_at
		 FROM claim_evidence WHERE claim_id = $1 ORDER BY id`, claimID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list evidence")
	}
	defer rows.Close()

	var out []model.ClaimEvidence
	for rows.Next() {
		var ev model.ClaimEvidence
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.ChunkID, &ev.SnippetText, &ev.CharStart, &ev.CharEnd, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan evidence")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SupersedeClaim retires oldID in favor of newID. Both rows are locked
// in a stable order inside one transaction, so symmetric concurrent
// calls serialize instead of closing a two-cycle. A claim can only be
// superseded once, and the successor must still be live; either
// violation returns ErrConflict.
func (s *PostgresStore) SupersedeClaim(ctx context.Context, oldID, newID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin supersede")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, superseded_by_id FROM claims WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`,
		oldID, newID)
	if err != nil {
		return eris.Wrap(err, "store: lock claims for supersede")
	}
	locked := make(map[string]*string, 2)
	for rows.Next() {
		var id string
		var supersededBy *string
		if err := rows.Scan(&id, &supersededBy); err != nil {
			rows.Close()
			return eris.Wrap(err, "store: scan locked claim")
		}
		locked[id] = supersededBy
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "store: lock claims for supersede")
	}

	oldBy, ok := locked[oldID]
	if !ok {
		return ErrNotFound
	}
	succBy, ok := locked[newID]
	if !ok {
		return ErrNotFound
	}
	if oldBy != nil || succBy != nil {
		return ErrConflict
	}

	if _, err := tx.Exec(ctx,
		`UPDATE claims SET superseded_by_id = $2 WHERE id = $1`, oldID, newID); err != nil {
		return eris.Wrap(err, "store: supersede claim")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit supersede")
	}
	return nil
}

func (s *PostgresStore) UpdateClaimReview(ctx context.Context, claimID string, status model.ReviewStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET review_status = $2 WHERE id = $1`, claimID, string(status))
	if err != nil {
		return eris.Wrap(err, "store: update claim review")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AcquirePendingClaims atomically claims up to limit PENDING rows for
// embedding, flipping them to EMBEDDING. SKIP LOCKED keeps concurrent
// workers from picking the same rows.
func (s *PostgresStore) AcquirePendingClaims(ctx context.Context, limit int) ([]model.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE claims c SET embedding_status = 'EMBEDDING'
		 FROM pipeline_runs r
		 WHERE r.id = c.run_id AND c.id IN (
		     SELECT id FROM claims
		     WHERE embedding_status = 'PENDING' AND superseded_by_id IS NULL
		     ORDER BY created_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+claimColumns+`, r.workspace_id`,
		limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: acquire pending claims")
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		claim, err := scanClaim(rows, true)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan acquired claim")
		}
		out = append(out, *claim)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetClaimCardText(ctx context.Context, claimID, cardText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET card_text = $2 WHERE id = $1`, claimID, cardText)
	if err != nil {
		return eris.Wrap(err, "store: set card text")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkClaimIndexed(ctx context.Context, claimID, collection, pointID, modelID string, embeddedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET embedding_status = 'INDEXED', vector_collection = $2, vector_point_id = $3,
		        embedding_model_id = $4, embedded_at = $5, embedding_error = NULL
		 WHERE id = $1 AND embedding_status = 'EMBEDDING'`,
		claimID, collection, pointID, modelID, embeddedAt)
	if err != nil {
		return eris.Wrap(err, "store: mark claim indexed")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MarkClaimEmbeddingFailed(ctx context.Context, claimID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET embedding_status = 'FAILED', embedding_error = $2
		 WHERE id = $1 AND embedding_status = 'EMBEDDING'`,
		claimID, errorMessage)
	if err != nil {
		return eris.Wrap(err, "store: mark claim embedding failed")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RetryClaimEmbedding requeues a FAILED claim for indexing.
func (s *PostgresStore) RetryClaimEmbedding(ctx context.Context, claimID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET embedding_status = 'PENDING', embedding_error = NULL
		 WHERE id = $1 AND embedding_status = 'FAILED'`,
		claimID)
	if err != nil {
		return eris.Wrap(err, "store: retry claim embedding")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetClaim(ctx, claimID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func scanClaim(row rowScanner, withWorkspace bool) (*model.Claim, error) {
	var (
		c            model.Claim
		claimType    string
		subjectType  *string
		subjectText  *string
		predicate    *string
		tag          string
		ruleID       *string
		review       string
		cardText     *string
		embStatus    string
		embError     *string
		embModel     *string
		vectorColl   *string
		vectorPoint  *string
	)
	dest := []any{&c.ID, &c.RunID, &c.ChunkID, &c.ChunkExtractionID, &claimType, &subjectType,
		&subjectText, &predicate, &c.ValueJSON, &tag, &ruleID, &c.Confidence,
		&review, &c.SupersededByID, &c.DedupeKey, &cardText, &embStatus,
		&embError, &c.EmbeddedAt, &embModel, &vectorColl, &vectorPoint, &c.CreatedAt}
	if withWorkspace {
		dest = append(dest, &c.WorkspaceID)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Type = model.ClaimType(claimType)
	c.EpistemicTag = model.EpistemicTag(tag)
	c.ReviewStatus = model.ReviewStatus(review)
	c.EmbeddingStatus = model.EmbeddingStatus(embStatus)
	if subjectType != nil {
		c.SubjectType = *subjectType
	}
	if subjectText != nil {
		c.SubjectText = *subjectText
	}
	if predicate != nil {
		c.Predicate = *predicate
	}
	if ruleID != nil {
		c.RuleID = *ruleID
	}
	if cardText != nil {
		c.CardText = *cardText
	}
	if embError != nil {
		c.EmbeddingError = *embError
	}
	if embModel != nil {
		c.EmbeddingModelID = *embModel
	}
	if vectorColl != nil {
		c.VectorCollection = *vectorColl
	}
	if vectorPoint != nil {
		c.VectorPointID = *vectorPoint
	}
	return &c, nil
}
