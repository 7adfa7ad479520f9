// Package cache is the content-addressed extraction cache. An entry is
// keyed by (chunk, signature); identical inputs reuse the validated
// result instead of calling the provider again.
package cache

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
)

// Cache wraps the chunk_extractions table with hit/miss and
// race-resolution semantics.
type Cache struct {
	store store.Store
}

func New(st store.Store) *Cache {
	return &Cache{store: st}
}

// Lookup returns the VALID cache entry for (chunk, signature), or nil
// on a miss. INVALID entries never satisfy a lookup; the chunk is
// re-extracted under the same signature.
func (c *Cache) Lookup(ctx context.Context, chunkID, signatureHash string) (*model.ChunkExtraction, error) {
	ext, err := c.store.GetExtractionValid(ctx, chunkID, signatureHash)
	if err != nil {
		return nil, err
	}
	if ext != nil {
		zap.L().Debug("cache hit",
			zap.String("chunk_id", chunkID),
			zap.String("signature_hash", signatureHash))
	}
	return ext, nil
}

// Put inserts the extraction row, assigning its ID. When a concurrent
// writer got there first, the stored winner is returned instead and
// inserted reports false.
func (c *Cache) Put(ctx context.Context, ext *model.ChunkExtraction) (*model.ChunkExtraction, bool, error) {
	if ext.ID == "" {
		ext.ID = uuid.NewString()
	}

	err := c.store.InsertExtraction(ctx, ext)
	if err == nil {
		return ext, true, nil
	}
	if !eris.Is(err, store.ErrConflict) {
		return nil, false, err
	}

	winner, err := c.store.GetExtractionBySignature(ctx, ext.ChunkID, ext.SignatureHash)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, eris.Errorf("cache: conflict on (%s, %s) but no row found", ext.ChunkID, ext.SignatureHash)
	}
	zap.L().Debug("cache write lost race, using stored entry",
		zap.String("chunk_id", ext.ChunkID),
		zap.String("extraction_id", winner.ID))
	return winner, false, nil
}
