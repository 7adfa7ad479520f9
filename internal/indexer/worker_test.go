package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-ai/claimpipe/internal/clock"
	"github.com/veridian-ai/claimpipe/internal/cost"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
	"github.com/veridian-ai/claimpipe/pkg/embedding"
	"github.com/veridian-ai/claimpipe/pkg/vector"
)

type indexerStore struct {
	store.Store
	pending []model.Claim

	cardTexts map[string]string
	indexed   map[string]indexedMark
	failed    map[string]string
}

type indexedMark struct {
	collection string
	pointID    string
	modelID    string
	embeddedAt time.Time
}

func newIndexerStore(pending ...model.Claim) *indexerStore {
	return &indexerStore{
		pending:   pending,
		cardTexts: make(map[string]string),
		indexed:   make(map[string]indexedMark),
		failed:    make(map[string]string),
	}
}

func (s *indexerStore) AcquirePendingClaims(_ context.Context, limit int) ([]model.Claim, error) {
	if limit < len(s.pending) {
		batch := s.pending[:limit]
		s.pending = s.pending[limit:]
		return batch, nil
	}
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *indexerStore) SetClaimCardText(_ context.Context, claimID, cardText string) error {
	s.cardTexts[claimID] = cardText
	return nil
}

func (s *indexerStore) MarkClaimIndexed(_ context.Context, claimID, collection, pointID, modelID string, embeddedAt time.Time) error {
	s.indexed[claimID] = indexedMark{collection: collection, pointID: pointID, modelID: modelID, embeddedAt: embeddedAt}
	return nil
}

func (s *indexerStore) MarkClaimEmbeddingFailed(_ context.Context, claimID, errorMessage string) error {
	s.failed[claimID] = errorMessage
	return nil
}

type fakeEmbedder struct {
	err   error
	calls [][]string
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) (*embedding.Result, error) {
	e.calls = append(e.calls, texts)
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), 0.5}
	}
	return &embedding.Result{Vectors: vectors, PromptTokens: 10 * len(texts)}, nil
}

func (e *fakeEmbedder) Model() string { return "text-embedding-3-small" }

type fakeVectors struct {
	ensureErr map[string]error
	upsertErr map[string]error

	collections []string
	upserts     map[string][]vector.Point
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		ensureErr: make(map[string]error),
		upsertErr: make(map[string]error),
		upserts:   make(map[string][]vector.Point),
	}
}

func (v *fakeVectors) EnsureCollection(_ context.Context, name string) error {
	if err := v.ensureErr[name]; err != nil {
		return err
	}
	v.collections = append(v.collections, name)
	return nil
}

func (v *fakeVectors) DeleteCollection(_ context.Context, _ string) error { return nil }

func (v *fakeVectors) UpsertPoints(_ context.Context, collection string, points []vector.Point) error {
	if err := v.upsertErr[collection]; err != nil {
		return err
	}
	v.upserts[collection] = append(v.upserts[collection], points...)
	return nil
}

func pendingClaim(id, workspaceID string, claimType model.ClaimType, cardText string) model.Claim {
	return model.Claim{
		ID:              id,
		WorkspaceID:     workspaceID,
		ChunkID:         "chunk-1",
		Type:            claimType,
		EpistemicTag:    model.TagAsserted,
		ValueJSON:       []byte(`{"name":"alice"}`),
		CardText:        cardText,
		EmbeddingStatus: model.EmbeddingRunning,
	}
}

func testWorker(st store.Store, em embedding.Embedder, vs vector.Store) (*Worker, *clock.Frozen) {
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	calc := cost.NewCalculator(cost.DefaultRates())
	return NewWorker(st, em, vs, calc, clk, 32, time.Second), clk
}

func TestTick_EmptyQueue(t *testing.T) {
	t.Parallel()
	st := newIndexerStore()
	w, _ := testWorker(st, &fakeEmbedder{}, newFakeVectors())

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_IndexesBatch(t *testing.T) {
	t.Parallel()
	st := newIndexerStore(
		pendingClaim("claim-1", "ws-1", model.ClaimActor, "ACTOR | alice"),
		pendingClaim("claim-2", "ws-1", model.ClaimActor, "ACTOR | bob"),
	)
	em := &fakeEmbedder{}
	vs := newFakeVectors()
	w, clk := testWorker(st, em, vs)

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, em.calls, 1)
	assert.Equal(t, []string{"ACTOR | alice", "ACTOR | bob"}, em.calls[0])

	collection := CollectionName("ws-1", model.ClaimActor)
	assert.Contains(t, vs.collections, collection)
	require.Len(t, vs.upserts[collection], 2)
	assert.Equal(t, "claim-1", vs.upserts[collection][0].ID)
	assert.Equal(t, "ws-1", vs.upserts[collection][0].Payload["workspaceId"])

	mark, ok := st.indexed["claim-1"]
	require.True(t, ok)
	assert.Equal(t, collection, mark.collection)
	assert.Equal(t, "claim-1", mark.pointID)
	assert.Equal(t, "text-embedding-3-small", mark.modelID)
	assert.Equal(t, clk.Now(), mark.embeddedAt)
	assert.Empty(t, st.failed)
}

func TestTick_BackfillsMissingCardText(t *testing.T) {
	t.Parallel()
	st := newIndexerStore(pendingClaim("claim-1", "ws-1", model.ClaimActor, ""))
	em := &fakeEmbedder{}
	w, _ := testWorker(st, em, newFakeVectors())

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ACTOR | alice", st.cardTexts["claim-1"])
	assert.Equal(t, []string{"ACTOR | alice"}, em.calls[0])
}

func TestTick_EmbedFailureFailsWholeBatch(t *testing.T) {
	t.Parallel()
	st := newIndexerStore(
		pendingClaim("claim-1", "ws-1", model.ClaimActor, "ACTOR | alice"),
		pendingClaim("claim-2", "ws-1", model.ClaimState, "STATE | door | open"),
	)
	em := &fakeEmbedder{err: errors.New("embedding endpoint unreachable")}
	w, _ := testWorker(st, em, newFakeVectors())

	n, err := w.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "embedding endpoint unreachable", st.failed["claim-1"])
	assert.Equal(t, "embedding endpoint unreachable", st.failed["claim-2"])
	assert.Empty(t, st.indexed)
}

func TestTick_GroupFailureLeavesOtherGroupsIndexed(t *testing.T) {
	t.Parallel()
	st := newIndexerStore(
		pendingClaim("claim-1", "ws-1", model.ClaimActor, "ACTOR | alice"),
		pendingClaim("claim-2", "ws-1", model.ClaimState, "STATE | door | open"),
	)
	vs := newFakeVectors()
	vs.upsertErr[CollectionName("ws-1", model.ClaimState)] = errors.New("weaviate write failed")
	w, _ := testWorker(st, &fakeEmbedder{}, vs)

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, st.indexed, "claim-1")
	assert.Equal(t, "weaviate write failed", st.failed["claim-2"])
}

func TestTick_RespectsBatchSize(t *testing.T) {
	t.Parallel()
	st := newIndexerStore(
		pendingClaim("claim-1", "ws-1", model.ClaimActor, "ACTOR | a"),
		pendingClaim("claim-2", "ws-1", model.ClaimActor, "ACTOR | b"),
		pendingClaim("claim-3", "ws-1", model.ClaimActor, "ACTOR | c"),
	)
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := NewWorker(st, &fakeEmbedder{}, newFakeVectors(), cost.NewCalculator(cost.DefaultRates()), clk, 2, time.Second)

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectionName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Claims_ws1_ACTOR", CollectionName("ws-1", model.ClaimActor))
	assert.Equal(t, "Claims_abc123_STATE", CollectionName("abc-123", model.ClaimState))
}
