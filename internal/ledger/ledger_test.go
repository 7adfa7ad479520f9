package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-ai/claimpipe/internal/clock"
	"github.com/veridian-ai/claimpipe/internal/cost"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/resilience"
	"github.com/veridian-ai/claimpipe/internal/store"
	"github.com/veridian-ai/claimpipe/pkg/llm"
)

// ledgerStore is an in-memory llm_calls table keyed by idempotency key.
type ledgerStore struct {
	store.Store
	mu    sync.Mutex
	calls map[string]*model.LLMCall

	// onGet runs before each GetCallByKey, letting tests advance a
	// frozen clock or mutate rows mid-wait. onReserve runs before each
	// ReserveCall and may short-circuit it with an error.
	onGet     func()
	onReserve func() error
}

func newLedgerStore() *ledgerStore {
	return &ledgerStore{calls: make(map[string]*model.LLMCall)}
}

func (s *ledgerStore) GetCallByKey(_ context.Context, key string) (*model.LLMCall, error) {
	if s.onGet != nil {
		s.onGet()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok {
		return nil, nil
	}
	clone := *call
	return &clone, nil
}

func (s *ledgerStore) ReserveCall(_ context.Context, call *model.LLMCall) error {
	if s.onReserve != nil {
		if err := s.onReserve(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.IdempotencyKey]; ok {
		return store.ErrConflict
	}
	call.Status = model.CallInFlight
	call.Attempts = 1
	clone := *call
	s.calls[call.IdempotencyKey] = &clone
	return nil
}

func (s *ledgerStore) ReacquireCall(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallFailed {
		return false, nil
	}
	call.Status = model.CallInFlight
	call.Attempts++
	return true, nil
}

func (s *ledgerStore) ReacquireExpiredCall(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallSuccess || call.CacheExpiresAt == nil || call.CacheExpiresAt.After(now) {
		return false, nil
	}
	call.Status = model.CallInFlight
	call.Attempts++
	return true, nil
}

func (s *ledgerStore) ReacquireStaleCall(_ context.Context, key string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallInFlight || call.UpdatedAt.After(staleBefore) {
		return false, nil
	}
	call.Attempts++
	return true, nil
}

func (s *ledgerStore) BumpCallAttempts(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallInFlight {
		return store.ErrConflict
	}
	call.Attempts++
	return nil
}

func (s *ledgerStore) CompleteCallSuccess(ctx context.Context, key, responseText string, usage model.TokenUsage, costUSD float64, latencyMs int64, cacheExpiresAt time.Time) (string, error) {
	// A real pool rejects writes once the caller's context is done.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallInFlight {
		return "", store.ErrConflict
	}
	call.Status = model.CallSuccess
	call.ResponseText = responseText
	call.Usage = usage
	call.CostUSD = costUSD
	call.LatencyMs = latencyMs
	call.CacheExpiresAt = &cacheExpiresAt
	return call.ID, nil
}

func (s *ledgerStore) CompleteCallFailed(ctx context.Context, key, errorCode, errorMessage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[key]
	if !ok || call.Status != model.CallInFlight {
		return store.ErrConflict
	}
	call.Status = model.CallFailed
	call.ErrorCode = errorCode
	call.ErrorMessage = errorMessage
	return nil
}

func (s *ledgerStore) get(key string) *model.LLMCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *ledgerStore) put(call *model.LLMCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.IdempotencyKey] = call
}

// fakeClient scripts provider responses.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(attempt int) (*llm.CompletionResponse, error)
}

func (c *fakeClient) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.calls++
	attempt := c.calls
	c.mu.Unlock()
	return c.fn(attempt)
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func okResponse(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ID:    "msg_test",
		Model: "claude-haiku-4-5-20251001",
		Text:  text,
		Usage: llm.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func testLedger(st store.Store, client llm.Client, clk clock.Clock, opts Options) *Ledger {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	}
	calc := cost.NewCalculator(cost.DefaultRates())
	return New(st, client, calc, clk, nil, nil, opts)
}

func testRequest() Request {
	return Request{
		IdempotencyKey: "extract:chunk-1:sig-1",
		RunID:          "run-1",
		ChunkID:        "chunk-1",
		SignatureHash:  "sig-1",
		Model:          "claude-haiku-4-5-20251001",
		System:         "system prompt",
		Prompt:         "chunk text",
		MaxTokens:      4096,
	}
}

func TestInvoke_FreshExecution(t *testing.T) {
	st := newLedgerStore()
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return okResponse(`{"claims":[]}`), nil
	}}
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	led := testLedger(st, client, clk, Options{CacheTTL: 24 * time.Hour})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, `{"claims":[]}`, resp.Text)
	assert.Equal(t, 100, resp.Usage.PromptTokens)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.Equal(t, 1, client.callCount())

	call := st.get("extract:chunk-1:sig-1")
	require.NotNil(t, call)
	assert.Equal(t, model.CallSuccess, call.Status)
	assert.Equal(t, resp.CallID, call.ID)
	require.NotNil(t, call.CacheExpiresAt)
	assert.Equal(t, clk.Now().Add(24*time.Hour), *call.CacheExpiresAt)
}

func TestInvoke_ReplaysValidSuccess(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	expires := clk.Now().Add(time.Hour)
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallSuccess,
		ResponseText:   "cached response",
		Usage:          model.TokenUsage{PromptTokens: 80, CompletionTokens: 40},
		CostUSD:        0.0002,
		CacheExpiresAt: &expires,
	})
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		t.Error("provider must not be called on replay")
		return nil, errors.New("unreachable")
	}}
	led := testLedger(st, client, clk, Options{})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.Equal(t, "call-1", resp.CallID)
	assert.Equal(t, "cached response", resp.Text)
	assert.Equal(t, 0, client.callCount())
}

func TestInvoke_ExpiredSuccessReexecutes(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	expires := clk.Now().Add(-time.Minute)
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallSuccess,
		ResponseText:   "stale response",
		CacheExpiresAt: &expires,
		Attempts:       1,
	})
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return okResponse("fresh response"), nil
	}}
	led := testLedger(st, client, clk, Options{CacheTTL: 24 * time.Hour})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, "fresh response", resp.Text)
	assert.Equal(t, 1, client.callCount())

	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallSuccess, call.Status)
	assert.Equal(t, "fresh response", call.ResponseText)
	assert.Equal(t, 2, call.Attempts)
}

func TestInvoke_ReacquiresFailedCall(t *testing.T) {
	st := newLedgerStore()
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallFailed,
		ErrorCode:      "transient_exhausted",
		Attempts:       1,
	})
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return okResponse("recovered"), nil
	}}
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	led := testLedger(st, client, clk, Options{})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)

	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallSuccess, call.Status)
	assert.Equal(t, 2, call.Attempts)
}

func TestInvoke_FatalErrorRecordedWithoutRetry(t *testing.T) {
	st := newLedgerStore()
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return nil, resilience.NewFatalError("auth", errors.New("invalid api key"))
	}}
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	led := testLedger(st, client, clk, Options{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})

	_, err := led.Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, "auth", resilience.FatalCode(err))
	assert.Equal(t, 1, client.callCount())

	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Equal(t, "auth", call.ErrorCode)
}

func TestInvoke_TransientExhaustedThenRecovered(t *testing.T) {
	st := newLedgerStore()
	client := &fakeClient{fn: func(attempt int) (*llm.CompletionResponse, error) {
		if attempt <= 2 {
			return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
		}
		return okResponse("finally"), nil
	}}
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	led := testLedger(st, client, clk, Options{
		Retry: resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})

	// First invocation exhausts its retry budget and records FAILED.
	_, err := led.Invoke(context.Background(), testRequest())
	require.Error(t, err)
	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Equal(t, "transient_exhausted", call.ErrorCode)

	// A later invocation reacquires the FAILED row and succeeds.
	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Text)
	assert.Equal(t, model.CallSuccess, st.get("extract:chunk-1:sig-1").Status)
}

func TestInvoke_WaitsOutInFlightThenTimesOut(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallInFlight,
		UpdatedAt:      clk.Now(),
	})
	// Each poll advances the frozen clock so the deadline lapses after a
	// few iterations.
	st.onGet = func() { clk.Advance(30 * time.Second) }

	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		t.Error("provider must not be called while another worker holds the reservation")
		return nil, errors.New("unreachable")
	}}
	led := testLedger(st, client, clk, Options{
		WaitTimeout:      time.Minute,
		WaitPollInterval: time.Millisecond,
	})

	_, err := led.Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 0, client.callCount())
}

func TestInvoke_WaitResolvesToReplay(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallInFlight,
		UpdatedAt:      clk.Now(),
	})

	// The in-flight holder finishes after the first poll.
	polls := 0
	st.onGet = func() {
		polls++
		if polls == 2 {
			expires := clk.Now().Add(time.Hour)
			call := st.get("extract:chunk-1:sig-1")
			call.Status = model.CallSuccess
			call.ResponseText = "winner's response"
			call.CacheExpiresAt = &expires
		}
	}

	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		t.Error("provider must not be called")
		return nil, errors.New("unreachable")
	}}
	led := testLedger(st, client, clk, Options{
		WaitTimeout:      time.Minute,
		WaitPollInterval: time.Millisecond,
	})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.Equal(t, "winner's response", resp.Text)
}

func TestInvoke_LosesReserveRaceThenReplays(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// First lookup sees no row; a competitor wins the insert race, so
	// ReserveCall conflicts and the next lookup finds their result.
	st.onReserve = func() error {
		expires := clk.Now().Add(time.Hour)
		st.put(&model.LLMCall{
			ID:             "call-other",
			IdempotencyKey: "extract:chunk-1:sig-1",
			Status:         model.CallSuccess,
			ResponseText:   "competitor response",
			CacheExpiresAt: &expires,
		})
		return store.ErrConflict
	}

	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		t.Error("loser of the reserve race must not execute")
		return nil, errors.New("unreachable")
	}}
	led := testLedger(st, client, clk, Options{})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.Equal(t, "competitor response", resp.Text)
}

func TestInvoke_CancelledAttemptRecordsFailure(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// The caller's context dies mid-provider-call. The failure must
	// still land on the row; otherwise it stays IN_FLIGHT and every
	// later caller polls until the wait deadline.
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{fn: func(attempt int) (*llm.CompletionResponse, error) {
		if attempt == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return okResponse("second time around"), nil
	}}
	led := testLedger(st, client, clk, Options{})

	_, err := led.Invoke(ctx, testRequest())
	require.Error(t, err)

	call := st.get("extract:chunk-1:sig-1")
	require.NotNil(t, call)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Equal(t, "cancelled", call.ErrorCode)

	// A fresh caller reacquires the FAILED row instead of waiting out
	// a reservation nobody holds.
	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "second time around", resp.Text)
	assert.Equal(t, 2, client.callCount())
}

func TestInvoke_ReacquiresStaleInFlightCall(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// A holder that crashed ten minutes ago never recorded an outcome.
	st.put(&model.LLMCall{
		ID:             "call-1",
		IdempotencyKey: "extract:chunk-1:sig-1",
		Status:         model.CallInFlight,
		Attempts:       1,
		UpdatedAt:      clk.Now().Add(-10 * time.Minute),
	})

	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return okResponse("rescued"), nil
	}}
	led := testLedger(st, client, clk, Options{StaleAfter: 5 * time.Minute})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, "rescued", resp.Text)

	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallSuccess, call.Status)
	assert.Equal(t, 2, call.Attempts)
}

func TestInvoke_RetriedTriesCountAgainstRow(t *testing.T) {
	st := newLedgerStore()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := &fakeClient{fn: func(attempt int) (*llm.CompletionResponse, error) {
		if attempt == 1 {
			return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
		}
		return okResponse("ok on retry"), nil
	}}
	led := testLedger(st, client, clk, Options{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})

	resp, err := led.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok on retry", resp.Text)
	assert.Equal(t, 2, client.callCount())

	// attempts counts provider tries, not just acquisitions.
	call := st.get("extract:chunk-1:sig-1")
	assert.Equal(t, model.CallSuccess, call.Status)
	assert.Equal(t, 2, call.Attempts)
}

func TestInvoke_ContextCancelled(t *testing.T) {
	st := newLedgerStore()
	client := &fakeClient{fn: func(int) (*llm.CompletionResponse, error) {
		return okResponse("unused"), nil
	}}
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	led := testLedger(st, client, clk, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := led.Invoke(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
