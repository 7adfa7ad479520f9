// Package pipeline orchestrates extraction runs: one run processes the
// chunks of one document through the cache, the call ledger, and the
// claim ledger, with bounded concurrency.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veridian-ai/claimpipe/internal/cache"
	"github.com/veridian-ai/claimpipe/internal/claims"
	"github.com/veridian-ai/claimpipe/internal/config"
	"github.com/veridian-ai/claimpipe/internal/hashing"
	"github.com/veridian-ai/claimpipe/internal/ledger"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/resilience"
	"github.com/veridian-ai/claimpipe/internal/store"
)

// errRunCancelled aborts the worker pool when the run row was flipped
// to CANCELLED from outside.
var errRunCancelled = errors.New("pipeline: run cancelled")

// Runner executes extraction runs.
type Runner struct {
	store  store.Store
	cache  *cache.Cache
	ledger *ledger.Ledger
	cfg    config.ExtractConfig
}

func NewRunner(st store.Store, ca *cache.Cache, ld *ledger.Ledger, cfg config.ExtractConfig) *Runner {
	return &Runner{store: st, cache: ca, ledger: ld, cfg: cfg}
}

// RunOptions selects what one run processes.
type RunOptions struct {
	DocumentID  string
	Kind        model.RunKind
	ModelID     string
	Temperature float64
	MaxTokens   int

	// ChunkIDs restricts the run to a subset of the document's chunks.
	ChunkIDs []string
	// PendingOnly skips chunks that already have a VALID cache entry
	// under the current signature.
	PendingOnly bool
	// Force stamps a one-off nonce into the signature so every chunk
	// bypasses the cache.
	Force bool

	MaxConcurrency int
}

type chunkOutcome struct {
	cached    bool
	failed    bool
	claims    int
	usage     model.TokenUsage
	cost      float64
	latencyMs int64
}

// Run executes one extraction run to completion and returns the
// finished run row. The run itself always reaches a terminal status;
// the returned error reports infrastructure failures, not chunk
// failures.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*model.PipelineRun, error) {
	doc, err := r.store.GetDocument(ctx, opts.DocumentID)
	if err != nil {
		return nil, err
	}

	if opts.Kind == "" {
		opts.Kind = model.RunKindExtract
	}
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = r.cfg.MaxConcurrentChunks
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	runCfg := &model.RunConfig{
		PromptVersion:    r.cfg.PromptVersion,
		ExtractorVersion: r.cfg.ExtractorVersion,
		ModelID:          opts.ModelID,
		Temperature:      opts.Temperature,
		MaxTokens:        opts.MaxTokens,
		MaxConcurrency:   concurrency,
	}
	if opts.Force {
		runCfg.ForceNonce = uuid.NewString()
	}

	run, err := r.store.CreateRun(ctx, doc.WorkspaceID, doc.ID, opts.Kind, runCfg)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("document_id", doc.ID))

	chunks, err := r.selectChunks(ctx, run, opts)
	if err != nil {
		finish := r.store.FinishRun(ctx, run.ID, model.RunStatusFailed, &model.RunStats{}, err.Error())
		if finish != nil {
			log.Warn("failed to finalize run", zap.Error(finish))
		}
		return nil, err
	}

	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
	}
	if err := r.store.EnsureChunkRuns(ctx, run.ID, chunkIDs); err != nil {
		return nil, err
	}
	if err := r.store.StartRun(ctx, run.ID); err != nil {
		return nil, err
	}
	log.Info("run started",
		zap.Int("chunks", len(chunks)),
		zap.Int("concurrency", concurrency),
		zap.String("model", runCfg.ModelID))

	// A plain group: a cancelled run (or a worker error) stops new
	// dispatch only. Chunks already at the provider finish their current
	// attempt and record their outcome.
	var g errgroup.Group
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var outcomes []chunkOutcome
	var halted atomic.Bool

	for _, chunk := range chunks {
		g.Go(func() error {
			if halted.Load() {
				return nil
			}
			if err := r.checkCancelled(ctx, run.ID); err != nil {
				halted.Store(true)
				return err
			}
			outcome, err := r.processChunk(ctx, run, chunk)
			if err != nil {
				halted.Store(true)
				return err
			}
			mu.Lock()
			outcomes = append(outcomes, *outcome)
			mu.Unlock()
			return nil
		})
	}

	waitErr := g.Wait()

	stats := &model.RunStats{ChunksTotal: len(chunks)}
	for _, o := range outcomes {
		switch {
		case o.cached:
			stats.ChunksCached++
		case o.failed:
			stats.ChunksFailed++
		default:
			stats.ChunksSucceeded++
		}
		stats.ClaimsTotal += o.claims
		stats.PromptTokens += o.usage.PromptTokens
		stats.CompletionTokens += o.usage.CompletionTokens
		stats.CostUSD += o.cost
		stats.LatencyMsTotal += o.latencyMs
	}

	status, summary := aggregate(stats, waitErr)
	if err := r.store.FinishRun(ctx, run.ID, status, stats, summary); err != nil {
		return nil, err
	}
	log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("cached", stats.ChunksCached),
		zap.Int("succeeded", stats.ChunksSucceeded),
		zap.Int("failed", stats.ChunksFailed),
		zap.Int("claims", stats.ClaimsTotal),
		zap.Float64("cost_usd", stats.CostUSD))

	return r.store.GetRun(ctx, run.ID)
}

// Cancel requests cancellation of a run. In-process workers notice
// before picking up their next chunk; a terminal run is left untouched.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	return r.store.UpdateRunStatus(ctx, runID, model.RunStatusCancelled)
}

func (r *Runner) checkCancelled(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == model.RunStatusCancelled {
		return errRunCancelled
	}
	return nil
}

func (r *Runner) selectChunks(ctx context.Context, run *model.PipelineRun, opts RunOptions) ([]model.Chunk, error) {
	all, err := r.store.ListChunks(ctx, opts.DocumentID)
	if err != nil {
		return nil, err
	}

	selected := all
	if len(opts.ChunkIDs) > 0 {
		byID := make(map[string]model.Chunk, len(all))
		for _, c := range all {
			byID[c.ID] = c
		}
		selected = selected[:0:0]
		for _, id := range opts.ChunkIDs {
			c, ok := byID[id]
			if !ok {
				return nil, eris.Errorf("pipeline: chunk %s does not belong to document %s", id, opts.DocumentID)
			}
			selected = append(selected, c)
		}
	}

	if opts.PendingOnly {
		pending := make([]model.Chunk, 0, len(selected))
		for _, c := range selected {
			sig := r.signature(run.Config, c)
			ext, err := r.cache.Lookup(ctx, c.ID, sig)
			if err != nil {
				return nil, err
			}
			if ext == nil {
				pending = append(pending, c)
			}
		}
		selected = pending
	}
	return selected, nil
}

func (r *Runner) signature(cfg *model.RunConfig, chunk model.Chunk) string {
	return hashing.Signature(
		chunk.ContentHash,
		cfg.PromptVersion,
		cfg.ExtractorVersion,
		cfg.ModelID,
		hashing.ParamsFingerprint(cfg.Temperature, cfg.MaxTokens),
		cfg.ForceNonce,
	)
}

func (r *Runner) processChunk(ctx context.Context, run *model.PipelineRun, chunk model.Chunk) (*chunkOutcome, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("chunk_id", chunk.ID))
	sig := r.signature(run.Config, chunk)

	cached, err := r.cache.Lookup(ctx, chunk.ID, sig)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if err := r.store.MarkChunkCached(ctx, run.ID, chunk.ID, cached.ID); err != nil {
			return nil, err
		}
		existing, err := r.store.ClaimsForExtraction(ctx, cached.ID)
		if err != nil {
			return nil, err
		}
		return &chunkOutcome{cached: true, claims: len(existing)}, nil
	}

	req := ledger.Request{
		IdempotencyKey: fmt.Sprintf("extract:%s:%s", chunk.ID, sig),
		RunID:          run.ID,
		ChunkID:        chunk.ID,
		SignatureHash:  sig,
		Model:          run.Config.ModelID,
		System:         systemPrompt,
		Prompt:         buildUserPrompt(chunk.ID, chunk.Content),
		Temperature:    run.Config.Temperature,
		MaxTokens:      run.Config.MaxTokens,
	}

	// Transient chunk failures get up to cfg.ChunkRetries tries. Each
	// try re-enters RUNNING so the chunk run's attempts count tracks
	// tries; the ledger dedupes the provider call underneath.
	tries := r.cfg.ChunkRetries
	if tries <= 0 {
		tries = 1
	}
	var resp *ledger.Response
	for try := 1; try <= tries; try++ {
		if _, err = r.store.MarkChunkRunning(ctx, run.ID, chunk.ID); err != nil {
			return nil, err
		}
		resp, err = r.ledger.Invoke(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if resilience.IsFatal(err) || try == tries {
			break
		}
		log.Warn("chunk try failed, retrying",
			zap.Int("try", try),
			zap.Int("tries", tries),
			zap.Error(err))
	}
	if err != nil {
		errType := model.ChunkErrTransient
		if resilience.IsFatal(err) {
			errType = model.ChunkErrFatal
		}
		log.Warn("chunk extraction failed", zap.String("error_type", string(errType)), zap.Error(err))
		if mErr := r.store.MarkChunkFailed(ctx, run.ID, chunk.ID, errType, err.Error()); mErr != nil {
			return nil, mErr
		}
		return &chunkOutcome{failed: true}, nil
	}

	outcome := &chunkOutcome{}
	if !resp.Replayed {
		outcome.usage = resp.Usage
		outcome.cost = resp.CostUSD
		outcome.latencyMs = resp.LatencyMs
	}

	result, parseErr := claims.Parse(resp.Text, chunk.ID)
	if parseErr != nil {
		// Invalid output is cached as INVALID so the failure is
		// inspectable; the entry never satisfies a lookup.
		ext := r.newExtraction(run, chunk, sig, resp, model.ExtractionInvalid)
		ext.ValidationError = parseErr.Error()
		if _, _, pErr := r.cache.Put(ctx, ext); pErr != nil {
			return nil, pErr
		}
		if mErr := r.store.MarkChunkFailed(ctx, run.ID, chunk.ID, model.ChunkErrValidation, parseErr.Error()); mErr != nil {
			return nil, mErr
		}
		outcome.failed = true
		return outcome, nil
	}

	if limit := r.cfg.ClaimsHardLimit; limit > 0 && len(result.Claims) > limit {
		msg := fmt.Sprintf("claims count %d exceeds hard limit %d", len(result.Claims), limit)
		log.Warn("chunk rejected", zap.Int("claims", len(result.Claims)), zap.Int("hard_limit", limit))
		if mErr := r.store.MarkChunkFailed(ctx, run.ID, chunk.ID, model.ChunkErrTooManyClaims, msg); mErr != nil {
			return nil, mErr
		}
		outcome.failed = true
		return outcome, nil
	}
	if warn := r.cfg.ClaimsSoftWarning; warn > 0 && len(result.Claims) > warn {
		log.Warn("chunk produced unusually many claims",
			zap.Int("claims", len(result.Claims)),
			zap.Int("soft_warning", warn))
	}

	ext := r.newExtraction(run, chunk, sig, resp, model.ExtractionValid)
	ext.ParsedJSON, err = json.Marshal(result)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal extraction result")
	}
	stored, _, err := r.cache.Put(ctx, ext)
	if err != nil {
		return nil, err
	}

	claimRows, evidenceRows := claims.Decompose(stored.ID, run.ID, chunk.ID, result)
	n, err := r.store.InsertClaimsForExtraction(ctx, stored.ID, claimRows, evidenceRows)
	if err != nil {
		return nil, err
	}
	outcome.claims = n

	if err := r.store.MarkChunkSucceeded(ctx, run.ID, chunk.ID, stored.ID, resp.LatencyMs); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *Runner) newExtraction(run *model.PipelineRun, chunk model.Chunk, sig string, resp *ledger.Response, status model.ExtractionStatus) *model.ChunkExtraction {
	usageJSON, _ := json.Marshal(resp.Usage)
	return &model.ChunkExtraction{
		ChunkID:          chunk.ID,
		ProducedRunID:    run.ID,
		PromptName:       run.Config.PromptVersion,
		Model:            run.Config.ModelID,
		RawText:          resp.Text,
		UsageJSON:        usageJSON,
		SignatureHash:    sig,
		ChunkContentHash: chunk.ContentHash,
		LLMCallID:        resp.CallID,
		Status:           status,
	}
}

func aggregate(stats *model.RunStats, waitErr error) (model.RunStatus, string) {
	switch {
	case errors.Is(waitErr, errRunCancelled):
		return model.RunStatusCancelled, "run cancelled"
	case waitErr != nil:
		return model.RunStatusFailed, waitErr.Error()
	case stats.ChunksFailed == 0:
		return model.RunStatusCompleted, ""
	case stats.ChunksFailed == stats.ChunksTotal:
		return model.RunStatusFailed, fmt.Sprintf("all %d chunks failed", stats.ChunksTotal)
	default:
		return model.RunStatusPartial, fmt.Sprintf("%d of %d chunks failed", stats.ChunksFailed, stats.ChunksTotal)
	}
}
