package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/veridian-ai/claimpipe/internal/db"
	"github.com/veridian-ai/claimpipe/internal/hashing"
	"github.com/veridian-ai/claimpipe/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    title         TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id             TEXT PRIMARY KEY,
    document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index    INT NOT NULL,
    content        TEXT NOT NULL,
    content_hash   TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(content_hash);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    run_kind       TEXT NOT NULL,
    status         TEXT NOT NULL,
    config_json    JSONB NOT NULL,
    stats_json     JSONB,
    error_summary  TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    started_at     TIMESTAMPTZ,
    finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_workspace ON pipeline_runs(workspace_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chunk_runs (
    id                   TEXT PRIMARY KEY,
    run_id               TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
    chunk_id             TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    status               TEXT NOT NULL,
    cache_status         TEXT NOT NULL DEFAULT 'NONE',
    attempts             INT NOT NULL DEFAULT 0,
    chunk_extraction_id  TEXT,
    error_type           TEXT,
    error_message        TEXT,
    latency_ms           BIGINT NOT NULL DEFAULT 0,
    updated_at           TIMESTAMPTZ NOT NULL,
    UNIQUE (run_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS chunk_extractions (
    id                  TEXT PRIMARY KEY,
    chunk_id            TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    produced_run_id     TEXT REFERENCES pipeline_runs(id) ON DELETE SET NULL,
    prompt_name         TEXT NOT NULL,
    model_id            TEXT NOT NULL,
    raw_text            TEXT,
    parsed_json         JSONB,
    usage_json          JSONB,
    signature_hash      TEXT NOT NULL,
    chunk_content_hash  TEXT NOT NULL,
    llm_call_id         TEXT,
    status              TEXT NOT NULL,
    validation_error    TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    UNIQUE (chunk_id, signature_hash)
);

CREATE TABLE IF NOT EXISTS llm_calls (
    id                TEXT PRIMARY KEY,
    idempotency_key   TEXT NOT NULL UNIQUE,
    run_id            TEXT,
    chunk_id          TEXT,
    signature_hash    TEXT,
    provider          TEXT NOT NULL,
    model_id          TEXT NOT NULL,
    status            TEXT NOT NULL,
    request_json      JSONB,
    response_text     TEXT,
    prompt_tokens     INT NOT NULL DEFAULT 0,
    completion_tokens INT NOT NULL DEFAULT 0,
    cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms        BIGINT NOT NULL DEFAULT 0,
    attempts          INT NOT NULL DEFAULT 0,
    error_code        TEXT,
    error_message     TEXT,
    cache_expires_at  TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
    id                   TEXT PRIMARY KEY,
    run_id               TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
    chunk_id             TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    chunk_extraction_id  TEXT NOT NULL REFERENCES chunk_extractions(id) ON DELETE CASCADE,
    claim_type           TEXT NOT NULL,
    subject_type         TEXT,
    subject_text         TEXT,
    predicate            TEXT,
    value_json           JSONB NOT NULL,
    epistemic_tag        TEXT NOT NULL,
    rule_id              TEXT,
    confidence           DOUBLE PRECISION NOT NULL,
    review_status        TEXT NOT NULL DEFAULT 'UNREVIEWED',
    superseded_by_id     TEXT REFERENCES claims(id) ON DELETE SET NULL,
    dedupe_key           TEXT NOT NULL,
    card_text            TEXT,
    embedding_status     TEXT NOT NULL DEFAULT 'PENDING',
    embedding_error      TEXT,
    embedded_at          TIMESTAMPTZ,
    embedding_model_id   TEXT,
    vector_collection    TEXT,
    vector_point_id      TEXT,
    created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_dedupe ON claims(dedupe_key);
CREATE INDEX IF NOT EXISTS idx_claims_embedding ON claims(embedding_status, created_at);
CREATE INDEX IF NOT EXISTS idx_claims_extraction ON claims(chunk_extraction_id);

CREATE TABLE IF NOT EXISTS claim_evidence (
    id            TEXT PRIMARY KEY,
    claim_id      TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
    chunk_id      TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    snippet_text  TEXT NOT NULL,
    char_start    INT,
    char_end      INT,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_evidence_claim ON claim_evidence(claim_id);
`

// PostgresStore implements Store backed by a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse database url")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return eris.Wrap(err, "store: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if p, ok := s.pool.(*pgxpool.Pool); ok {
		p.Close()
	}
	return nil
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, name string) (*model.Workspace, error) {
	ws := &model.Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES ($1, $2, $3)`,
		ws.ID, ws.Name, ws.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: create workspace")
	}
	return ws, nil
}

// DeleteWorkspace removes a workspace and, via cascades, every document,
// chunk, run, and claim under it.
func (s *PostgresStore) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "store: delete workspace")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, workspaceID, title string) (*model.Document, error) {
	doc := &model.Document{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, workspace_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		doc.ID, doc.WorkspaceID, doc.Title, doc.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: create document")
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, title, created_at FROM documents WHERE id = $1`, id)
	var doc model.Document
	if err := row.Scan(&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.CreatedAt); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "store: get document")
	}
	return &doc, nil
}

// CreateChunks bulk-inserts document chunks in order, hashing each
// chunk's normalized content.
func (s *PostgresStore) CreateChunks(ctx context.Context, documentID string, contents []string) ([]model.Chunk, error) {
	now := time.Now().UTC()
	chunks := make([]model.Chunk, 0, len(contents))
	rows := make([][]interface{}, 0, len(contents))
	for i, content := range contents {
		c := model.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  documentID,
			ChunkIndex:  i,
			Content:     content,
			ContentHash: hashing.ContentHash(content),
			CreatedAt:   now,
		}
		chunks = append(chunks, c)
		rows = append(rows, []interface{}{c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.ContentHash, c.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, s.pool, "chunks",
		[]string{"id", "document_id", "chunk_index", "content", "content_hash", "created_at"}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "store: create chunks")
	}
	return chunks, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, chunk_index, content, content_hash, created_at
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list chunks")
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan chunk")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, workspaceID, documentID string, kind model.RunKind, cfg *model.RunConfig) (*model.PipelineRun, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal run config")
	}
	run := &model.PipelineRun{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		RunKind:     kind,
		Status:      model.RunStatusPending,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, workspace_id, document_id, run_kind, status, config_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.WorkspaceID, run.DocumentID, string(run.RunKind), string(run.Status), cfgJSON, run.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: create run")
	}
	return run, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $2, started_at = $3
		 WHERE id = $1 AND status = $4`,
		runID, string(model.RunStatusRunning), time.Now().UTC(), string(model.RunStatusPending))
	if err != nil {
		return eris.Wrap(err, "store: start run")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateRunStatus advances the run status. Terminal states are never
// overwritten; updating an already-terminal run returns ErrConflict so
// callers can report that nothing changed.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $2
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'PARTIAL', 'FAILED', 'CANCELLED')`,
		runID, string(status))
	if err != nil {
		return eris.Wrap(err, "store: update run status")
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing run from an already-terminal one.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, errorSummary string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "store: marshal run stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $2, stats_json = $3, error_summary = NULLIF($4, ''), finished_at = $5
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'PARTIAL', 'FAILED', 'CANCELLED')`,
		runID, string(status), statsJSON, errorSummary, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "store: finish run")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, document_id, run_kind, status, config_json, stats_json, error_summary,
		        created_at, started_at, finished_at
		 FROM pipeline_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "store: get run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	q := `SELECT id, workspace_id, document_id, run_kind, status, config_json, stats_json, error_summary,
	             created_at, started_at, finished_at
	      FROM pipeline_runs WHERE 1=1`
	args := []interface{}{}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		q += fmt.Sprintf(" AND workspace_id = $%d", len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		q += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
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
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.PipelineRun, error) {
	var (
		run        model.PipelineRun
		kind       string
		status     string
		cfgJSON    []byte
		statsJSON  []byte
		errSummary *string
	)
	err := row.Scan(&run.ID, &run.WorkspaceID, &run.DocumentID, &kind, &status, &cfgJSON, &statsJSON,
		&errSummary, &run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.RunKind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	run.Config = &model.RunConfig{}
	if err := json.Unmarshal(cfgJSON, run.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal run config")
	}
	if len(statsJSON) > 0 {
		run.Stats = &model.RunStats{}
		if err := json.Unmarshal(statsJSON, run.Stats); err != nil {
			return nil, eris.Wrap(err, "unmarshal run stats")
		}
	}
	if errSummary != nil {
		run.ErrorSummary = *errSummary
	}
	return &run, nil
}

// EnsureChunkRuns creates PENDING chunk run rows for every chunk that
// does not already have one in this run. Safe to call on resume.
func (s *PostgresStore) EnsureChunkRuns(ctx context.Context, runID string, chunkIDs []string) error {
	now := time.Now().UTC()
	for _, chunkID := range chunkIDs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO chunk_runs (id, run_id, chunk_id, status, cache_status, attempts, updated_at)
			 VALUES ($1, $2, $3, 'PENDING', 'NONE', 0, $4)
			 ON CONFLICT (run_id, chunk_id) DO NOTHING`,
			uuid.NewString(), runID, chunkID, now)
		if err != nil {
			return eris.Wrap(err, "store: ensure chunk run")
		}
	}
	return nil
}

// MarkChunkRunning transitions the chunk run to RUNNING and returns the
// incremented attempt count.
func (s *PostgresStore) MarkChunkRunning(ctx context.Context, runID, chunkID string) (int, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE chunk_runs SET status = 'RUNNING', attempts = attempts + 1, updated_at = $3
		 WHERE run_id = $1 AND chunk_id = $2
		 RETURNING attempts`,
		runID, chunkID, time.Now().UTC())
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, eris.Wrap(err, "store: mark chunk running")
	}
	return attempts, nil
}

func (s *PostgresStore) MarkChunkCached(ctx context.Context, runID, chunkID, extractionID string) error {
	return s.finishChunk(ctx,
		`UPDATE chunk_runs SET status = 'CACHED', cache_status = 'HIT', chunk_extraction_id = $3,
		        error_type = NULL, error_message = NULL, updated_at = $4
		 WHERE run_id = $1 AND chunk_id = $2`,
		runID, chunkID, extractionID, time.Now().UTC())
}

func (s *PostgresStore) MarkChunkSucceeded(ctx context.Context, runID, chunkID, extractionID string, latencyMs int64) error {
	return s.finishChunk(ctx,
		`UPDATE chunk_runs SET status = 'SUCCEEDED', cache_status = 'MISS', chunk_extraction_id = $3,
		        latency_ms = $4, error_type = NULL, error_message = NULL, updated_at = $5
		 WHERE run_id = $1 AND chunk_id = $2`,
		runID, chunkID, extractionID, latencyMs, time.Now().UTC())
}

func (s *PostgresStore) MarkChunkFailed(ctx context.Context, runID, chunkID string, errType model.ChunkErrorType, msg string) error {
	return s.finishChunk(ctx,
		`UPDATE chunk_runs SET status = 'FAILED', error_type = $3, error_message = $4, updated_at = $5
		 WHERE run_id = $1 AND chunk_id = $2`,
		runID, chunkID, string(errType), msg, time.Now().UTC())
}

func (s *PostgresStore) finishChunk(ctx context.Context, query string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "store: update chunk run")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChunkRuns(ctx context.Context, runID string) ([]model.ChunkRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, chunk_id, status, cache_status, attempts, chunk_extraction_id,
		        error_type, error_message, latency_ms
		 FROM chunk_runs
		 WHERE run_id = $1
		 ORDER BY (SELECT chunk_index FROM chunks WHERE chunks.id = chunk_runs.chunk_id)`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list chunk runs")
	}
	defer rows.Close()

	var out []model.ChunkRun
	for rows.Next() {
		var (
			cr           model.ChunkRun
			status       string
			cacheStat    string
			extractionID *string
			errType      *string
			errMessage   *string
		)
		err := rows.Scan(&cr.ID, &cr.RunID, &cr.ChunkID, &status, &cacheStat, &cr.Attempts,
			&extractionID, &errType, &errMessage, &cr.LatencyMs)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan chunk run")
		}
		cr.Status = model.ChunkRunStatus(status)
		cr.CacheStatus = model.CacheStatus(cacheStat)
		if extractionID != nil {
			cr.ChunkExtractionID = *extractionID
		}
		if errType != nil {
			cr.ErrorType = model.ChunkErrorType(*errType)
		}
		if errMessage != nil {
			cr.ErrorMessage = *errMessage
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}
