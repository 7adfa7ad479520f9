// Package indexer embeds claim cards and upserts them into the vector
// store, driving each claim through PENDING, EMBEDDING, and INDEXED.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veridian-ai/claimpipe/internal/claims"
	"github.com/veridian-ai/claimpipe/internal/clock"
	"github.com/veridian-ai/claimpipe/internal/cost"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
	"github.com/veridian-ai/claimpipe/pkg/embedding"
	"github.com/veridian-ai/claimpipe/pkg/vector"
)

// Worker drains the embedding queue in batches.
type Worker struct {
	store     store.Store
	embedder  embedding.Embedder
	vectors   vector.Store
	calc      *cost.Calculator
	clock     clock.Clock
	batchSize int
	tick      time.Duration
}

func NewWorker(st store.Store, em embedding.Embedder, vs vector.Store, calc *cost.Calculator, clk clock.Clock, batchSize int, tick time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 32
	}
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Worker{
		store:     st,
		embedder:  em,
		vectors:   vs,
		calc:      calc,
		clock:     clk,
		batchSize: batchSize,
		tick:      tick,
	}
}

// Run processes batches until the context is cancelled. An empty queue
// idles for the tick interval; batch errors are logged and do not stop
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		n, err := w.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Warn("indexer: batch failed", zap.Error(err))
		}
		if n > 0 {
			// Drain without idling while work remains.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick processes one batch and returns how many claims it picked up.
// Claims that fail to embed or upsert are marked FAILED with the error
// recorded; they re-enter the queue only through an explicit retry.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	batch, err := w.store.AcquirePendingClaims(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	texts := make([]string, len(batch))
	for i := range batch {
		if batch[i].CardText == "" {
			card := claims.CardText(string(batch[i].Type), batch[i].ValueJSON)
			if err := w.store.SetClaimCardText(ctx, batch[i].ID, card); err != nil {
				return len(batch), err
			}
			batch[i].CardText = card
		}
		texts[i] = batch[i].CardText
	}

	result, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		w.failBatch(ctx, batch, err)
		return len(batch), err
	}

	zap.L().Debug("indexer: embedded batch",
		zap.Int("claims", len(batch)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Float64("cost_usd", w.calc.Embedding(result.PromptTokens)))

	// Group by target collection so each class is ensured and written
	// once per batch.
	groups := make(map[string][]int)
	for i, c := range batch {
		groups[CollectionName(c.WorkspaceID, c.Type)] = append(groups[CollectionName(c.WorkspaceID, c.Type)], i)
	}

	indexed := 0
	for collection, idxs := range groups {
		if err := w.vectors.EnsureCollection(ctx, collection); err != nil {
			w.failGroup(ctx, batch, idxs, err)
			continue
		}

		points := make([]vector.Point, 0, len(idxs))
		for _, i := range idxs {
			c := batch[i]
			points = append(points, vector.Point{
				ID:     c.ID,
				Vector: result.Vectors[i],
				Payload: map[string]interface{}{
					"claimId":      c.ID,
					"workspaceId":  c.WorkspaceID,
					"chunkId":      c.ChunkID,
					"claimType":    string(c.Type),
					"cardText":     c.CardText,
					"epistemicTag": string(c.EpistemicTag),
				},
			})
		}
		if err := w.vectors.UpsertPoints(ctx, collection, points); err != nil {
			w.failGroup(ctx, batch, idxs, err)
			continue
		}

		now := w.clock.Now()
		for _, i := range idxs {
			c := batch[i]
			if err := w.store.MarkClaimIndexed(ctx, c.ID, collection, c.ID, w.embedder.Model(), now); err != nil {
				zap.L().Warn("indexer: failed to mark claim indexed",
					zap.String("claim_id", c.ID), zap.Error(err))
				continue
			}
			indexed++
		}
	}

	zap.L().Info("indexer: batch done",
		zap.Int("picked", len(batch)),
		zap.Int("indexed", indexed))
	return len(batch), nil
}

func (w *Worker) failBatch(ctx context.Context, batch []model.Claim, cause error) {
	idxs := make([]int, len(batch))
	for i := range batch {
		idxs[i] = i
	}
	w.failGroup(ctx, batch, idxs, cause)
}

func (w *Worker) failGroup(ctx context.Context, batch []model.Claim, idxs []int, cause error) {
	for _, i := range idxs {
		if err := w.store.MarkClaimEmbeddingFailed(ctx, batch[i].ID, cause.Error()); err != nil {
			zap.L().Warn("indexer: failed to mark claim failed",
				zap.String("claim_id", batch[i].ID), zap.Error(err))
		}
	}
}

// CollectionName derives the vector class for a claim. One class per
// workspace and claim type keeps payload filters cheap.
func CollectionName(workspaceID string, claimType model.ClaimType) string {
	ws := strings.ReplaceAll(workspaceID, "-", "")
	return fmt.Sprintf("Claims_%s_%s", ws, claimType)
}
