package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/veridian-ai/claimpipe/internal/db"
	"github.com/veridian-ai/claimpipe/internal/model"
)

const extractionColumns = `id, chunk_id, produced_run_id, prompt_name, model_id, raw_text, parsed_json,
	usage_json, signature_hash, chunk_content_hash, llm_call_id, status, validation_error, created_at`

// InsertExtraction writes a new cache row. The (chunk_id,
// signature_hash) unique constraint makes concurrent writers race
// safely: the loser gets ErrConflict and re-reads the winner.
func (s *PostgresStore) InsertExtraction(ctx context.Context, ext *model.ChunkExtraction) error {
	if ext.CreatedAt.IsZero() {
		ext.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chunk_extractions (`+extractionColumns+`)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, NULLIF($13, ''), $14)`,
		ext.ID, ext.ChunkID, ext.ProducedRunID, ext.PromptName, ext.Model, ext.RawText, ext.ParsedJSON,
		ext.UsageJSON, ext.SignatureHash, ext.ChunkContentHash, ext.LLMCallID, string(ext.Status),
		ext.ValidationError, ext.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return eris.Wrap(err, "store: insert extraction")
	}
	return nil
}

// GetExtractionValid looks up a VALID cache entry for the chunk and
// signature. A miss returns (nil, nil).
func (s *PostgresStore) GetExtractionValid(ctx context.Context, chunkID, signatureHash string) (*model.ChunkExtraction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+extractionColumns+`
		 FROM chunk_extractions
		 WHERE chunk_id = $1 AND signature_hash = $2 AND status = 'VALID'`,
		chunkID, signatureHash)
	return scanExtractionRow(row, "store: get valid extraction")
}

// GetExtractionBySignature returns the cache row for the chunk and
// signature regardless of validation status, or (nil, nil).
func (s *PostgresStore) GetExtractionBySignature(ctx context.Context, chunkID, signatureHash string) (*model.ChunkExtraction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+extractionColumns+`
		 FROM chunk_extractions
		 WHERE chunk_id = $1 AND signature_hash = $2`,
		chunkID, signatureHash)
	return scanExtractionRow(row, "store: get extraction by signature")
}

func (s *PostgresStore) GetExtraction(ctx context.Context, id string) (*model.ChunkExtraction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+extractionColumns+` FROM chunk_extractions WHERE id = $1`, id)
	ext, err := scanExtractionRow(row, "store: get extraction")
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, ErrNotFound
	}
	return ext, nil
}

func scanExtractionRow(row pgx.Row, wrap string) (*model.ChunkExtraction, error) {
	var (
		ext             model.ChunkExtraction
		producedRunID   *string
		llmCallID       *string
		rawText         *string
		status          string
		validationError *string
	)
	err := row.Scan(&ext.ID, &ext.ChunkID, &producedRunID, &ext.PromptName, &ext.Model, &rawText,
		&ext.ParsedJSON, &ext.UsageJSON, &ext.SignatureHash, &ext.ChunkContentHash, &llmCallID,
		&status, &validationError, &ext.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, wrap)
	}
	ext.Status = model.ExtractionStatus(status)
	if producedRunID != nil {
		ext.ProducedRunID = *producedRunID
	}
	if llmCallID != nil {
		ext.LLMCallID = *llmCallID
	}
	if rawText != nil {
		ext.RawText = *rawText
	}
	if validationError != nil {
		ext.ValidationError = *validationError
	}
	return &ext, nil
}

const callColumns = `id, idempotency_key, run_id, chunk_id, signature_hash, provider, model_id, status,
	request_json, response_text, prompt_tokens, completion_tokens, cost_usd, latency_ms, attempts,
	error_code, error_message, cache_expires_at, created_at, updated_at`

// GetCallByKey returns the ledger row for an idempotency key, or
// (nil, nil) when no call has been recorded under that key.
func (s *PostgresStore) GetCallByKey(ctx context.Context, idempotencyKey string) (*model.LLMCall, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM llm_calls WHERE idempotency_key = $1`, idempotencyKey)
	return scanCallRow(row)
}

// ReserveCall inserts an IN_FLIGHT ledger row for the key. The unique
// index on idempotency_key acts as the mutex: a concurrent reservation
// returns ErrConflict and the caller re-reads the winner's row.
func (s *PostgresStore) ReserveCall(ctx context.Context, call *model.LLMCall) error {
	now := time.Now().UTC()
	call.Status = model.CallInFlight
	call.Attempts = 1
	call.CreatedAt = now
	call.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_calls (id, idempotency_key, run_id, chunk_id, signature_hash, provider, model_id,
		                        status, request_json, attempts, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)`,
		call.ID, call.IdempotencyKey, call.RunID, call.ChunkID, call.SignatureHash, call.Provider,
		call.Model, string(call.Status), call.RequestJSON, call.Attempts, call.CreatedAt, call.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return eris.Wrap(err, "store: reserve call")
	}
	return nil
}

// ReacquireCall flips a FAILED ledger row back to IN_FLIGHT for a fresh
// attempt. The status predicate makes this a compare-and-set; only one
// of several racing workers wins. Returns whether this caller acquired
// the row.
func (s *PostgresStore) ReacquireCall(ctx context.Context, idempotencyKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_calls SET status = 'IN_FLIGHT', attempts = attempts + 1,
		        error_code = NULL, error_message = NULL, updated_at = $2
		 WHERE idempotency_key = $1 AND status = 'FAILED'`,
		idempotencyKey, time.Now().UTC())
	if err != nil {
		return false, eris.Wrap(err, "store: reacquire call")
	}
	return tag.RowsAffected() > 0, nil
}

// ReacquireExpiredCall flips a SUCCESS row whose replay window has
// lapsed back to IN_FLIGHT so the response can be refreshed. Same
// compare-and-set shape as ReacquireCall.
func (s *PostgresStore) ReacquireExpiredCall(ctx context.Context, idempotencyKey string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_calls SET status = 'IN_FLIGHT', attempts = attempts + 1, updated_at = $3
		 WHERE idempotency_key = $1 AND status = 'SUCCESS' AND cache_expires_at <= $2`,
		idempotencyKey, now, time.Now().UTC())
	if err != nil {
		return false, eris.Wrap(err, "store: reacquire expired call")
	}
	return tag.RowsAffected() > 0, nil
}

// ReacquireStaleCall takes over an IN_FLIGHT row whose holder stopped
// updating it before staleBefore. Covers holders that crashed (or were
// cancelled) without recording a terminal outcome.
func (s *PostgresStore) ReacquireStaleCall(ctx context.Context, idempotencyKey string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_calls SET attempts = attempts + 1, updated_at = $3
		 WHERE idempotency_key = $1 AND status = 'IN_FLIGHT' AND updated_at <= $2`,
		idempotencyKey, staleBefore, time.Now().UTC())
	if err != nil {
		return false, eris.Wrap(err, "store: reacquire stale call")
	}
	return tag.RowsAffected() > 0, nil
}

// BumpCallAttempts counts a provider try against the held IN_FLIGHT
// row, so attempts reflects tries rather than acquisitions.
func (s *PostgresStore) BumpCallAttempts(ctx context.Context, idempotencyKey string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE llm_calls SET attempts = attempts + 1, updated_at = $2
		 WHERE idempotency_key = $1 AND status = 'IN_FLIGHT'`,
		idempotencyKey, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "store: bump call attempts")
	}
	return nil
}

// CompleteCallSuccess records the provider response and its replay
// window, returning the ledger row ID. Only the IN_FLIGHT holder can
// complete; SUCCESS is terminal.
func (s *PostgresStore) CompleteCallSuccess(ctx context.Context, idempotencyKey, responseText string, usage model.TokenUsage, costUSD float64, latencyMs int64, cacheExpiresAt time.Time) (string, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE llm_calls SET status = 'SUCCESS', response_text = $2, prompt_tokens = $3,
		        completion_tokens = $4, cost_usd = $5, latency_ms = $6, cache_expires_at = $7,
		        error_code = NULL, error_message = NULL, updated_at = $8
		 WHERE idempotency_key = $1 AND status = 'IN_FLIGHT'
		 RETURNING id`,
		idempotencyKey, responseText, usage.PromptTokens, usage.CompletionTokens, costUSD,
		latencyMs, cacheExpiresAt, time.Now().UTC())
	var id string
	if err := row.Scan(&id); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return "", ErrConflict
		}
		return "", eris.Wrap(err, "store: complete call")
	}
	return id, nil
}

// CompleteCallFailed records a failed attempt. The row stays in the
// ledger so a later retry can reacquire it.
func (s *PostgresStore) CompleteCallFailed(ctx context.Context, idempotencyKey, errorCode, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_calls SET status = 'FAILED', error_code = $2, error_message = $3, updated_at = $4
		 WHERE idempotency_key = $1 AND status = 'IN_FLIGHT'`,
		idempotencyKey, errorCode, errorMessage, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "store: fail call")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanCallRow(row pgx.Row) (*model.LLMCall, error) {
	var (
		call         model.LLMCall
		runID        *string
		chunkID      *string
		sigHash      *string
		status       string
		responseText *string
		errorCode    *string
		errorMessage *string
	)
	err := row.Scan(&call.ID, &call.IdempotencyKey, &runID, &chunkID, &sigHash, &call.Provider,
		&call.Model, &status, &call.RequestJSON, &responseText, &call.Usage.PromptTokens,
		&call.Usage.CompletionTokens, &call.CostUSD, &call.LatencyMs, &call.Attempts,
		&errorCode, &errorMessage, &call.CacheExpiresAt, &call.CreatedAt, &call.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "store: scan call")
	}
	call.Status = model.CallStatus(status)
	if runID != nil {
		call.RunID = *runID
	}
	if chunkID != nil {
		call.ChunkID = *chunkID
	}
	if sigHash != nil {
		call.SignatureHash = *sigHash
	}
	if responseText != nil {
		call.ResponseText = *responseText
	}
	if errorCode != nil {
		call.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		call.ErrorMessage = *errorMessage
	}
	return &call, nil
}
