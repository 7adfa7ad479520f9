// Package ledger guarantees at-most-one effective provider execution
// per idempotency key. Every outbound LLM call is reserved in the
// llm_calls table before the provider is touched; retries presenting
// the same key replay the stored response while its TTL holds.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veridian-ai/claimpipe/internal/clock"
	"github.com/veridian-ai/claimpipe/internal/cost"
	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/resilience"
	"github.com/veridian-ai/claimpipe/internal/store"
	"github.com/veridian-ai/claimpipe/pkg/llm"
)

// ErrWaitTimeout is returned when another worker holds the IN_FLIGHT
// reservation past the wait window. It is transient: the caller's retry
// will find either the completed row or a reacquirable FAILED one.
var ErrWaitTimeout = eris.New("ledger: timed out waiting for in-flight call")

// Request is one idempotent completion request.
type Request struct {
	IdempotencyKey string
	RunID          string
	ChunkID        string
	SignatureHash  string
	Model          string
	System         string
	Prompt         string
	Temperature    float64
	MaxTokens      int
}

// Response is the completion result, replayed or fresh.
type Response struct {
	CallID    string
	Text      string
	Usage     model.TokenUsage
	CostUSD   float64
	LatencyMs int64
	Replayed  bool
}

// Options configures ledger behavior.
type Options struct {
	Provider         string
	CacheTTL         time.Duration
	WaitPollInterval time.Duration
	WaitTimeout      time.Duration
	// StaleAfter bounds how long an IN_FLIGHT reservation is trusted.
	// A holder that crashed before recording its outcome leaves the row
	// IN_FLIGHT forever; once updated_at is older than this, waiters may
	// reacquire the row instead of polling.
	StaleAfter time.Duration
	Retry      resilience.RetryConfig
}

// Ledger serializes provider calls through the llm_calls table.
type Ledger struct {
	store   store.Store
	client  llm.Client
	calc    *cost.Calculator
	clock   clock.Clock
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	opts    Options
}

// New creates a Ledger. limiter and breaker may be shared across
// workers; both apply only to fresh provider executions, never to
// replays.
func New(st store.Store, client llm.Client, calc *cost.Calculator, clk clock.Clock, limiter *rate.Limiter, breaker *resilience.CircuitBreaker, opts Options) *Ledger {
	if opts.Provider == "" {
		opts.Provider = "anthropic"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.WaitPollInterval <= 0 {
		opts.WaitPollInterval = 250 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Ledger{
		store:   st,
		client:  client,
		calc:    calc,
		clock:   clk,
		limiter: limiter,
		breaker: breaker,
		opts:    opts,
	}
}

// Invoke resolves the request to exactly one effective execution. The
// unique idempotency key acts as the mutex: whoever inserts the
// IN_FLIGHT row executes, everyone else replays or waits.
func (l *Ledger) Invoke(ctx context.Context, req Request) (*Response, error) {
	waitDeadline := l.clock.Now().Add(l.opts.WaitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ledger: invoke")
		}

		call, err := l.store.GetCallByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}

		if call == nil {
			acquired, err := l.reserve(ctx, req)
			if err != nil {
				return nil, err
			}
			if !acquired {
				continue
			}
			return l.execute(ctx, req)
		}

		switch call.Status {
		case model.CallSuccess:
			if call.CacheValid(l.clock.Now()) {
				zap.L().Debug("ledger: replaying cached call",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.String("call_id", call.ID))
				return &Response{
					CallID:    call.ID,
					Text:      call.ResponseText,
					Usage:     call.Usage,
					CostUSD:   call.CostUSD,
					LatencyMs: call.LatencyMs,
					Replayed:  true,
				}, nil
			}
			won, err := l.store.ReacquireExpiredCall(ctx, req.IdempotencyKey, l.clock.Now())
			if err != nil {
				return nil, err
			}
			if !won {
				continue
			}
			return l.execute(ctx, req)

		case model.CallFailed:
			won, err := l.store.ReacquireCall(ctx, req.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if !won {
				continue
			}
			return l.execute(ctx, req)

		case model.CallInFlight:
			if staleBefore := l.clock.Now().Add(-l.opts.StaleAfter); !call.UpdatedAt.After(staleBefore) {
				won, err := l.store.ReacquireStaleCall(ctx, req.IdempotencyKey, staleBefore)
				if err != nil {
					return nil, err
				}
				if won {
					zap.L().Warn("ledger: reacquired stale in-flight call",
						zap.String("idempotency_key", req.IdempotencyKey),
						zap.Time("last_updated", call.UpdatedAt))
					return l.execute(ctx, req)
				}
				continue
			}
			if l.clock.Now().After(waitDeadline) {
				return nil, resilience.NewTransientError(ErrWaitTimeout, 0)
			}
			if err := l.sleep(ctx, l.opts.WaitPollInterval); err != nil {
				return nil, err
			}

		default:
			return nil, eris.Errorf("ledger: unknown call status %q", call.Status)
		}
	}
}

// reserve inserts the IN_FLIGHT row. Returns false when a concurrent
// caller won the insert race.
func (l *Ledger) reserve(ctx context.Context, req Request) (bool, error) {
	reqJSON, err := json.Marshal(map[string]interface{}{
		"model":       req.Model,
		"system":      req.System,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})
	if err != nil {
		return false, eris.Wrap(err, "ledger: marshal request")
	}

	call := &model.LLMCall{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		RunID:          req.RunID,
		ChunkID:        req.ChunkID,
		SignatureHash:  req.SignatureHash,
		Provider:       l.opts.Provider,
		Model:          req.Model,
		RequestJSON:    reqJSON,
	}
	if err := l.store.ReserveCall(ctx, call); err != nil {
		if eris.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// execute runs the provider call while holding the IN_FLIGHT
// reservation and records the terminal outcome on the ledger row.
func (l *Ledger) execute(ctx context.Context, req Request) (*Response, error) {
	start := l.clock.Now()

	// Terminal-state writes must land even when ctx was cancelled
	// mid-attempt; a skipped write leaves the row IN_FLIGHT and wedges
	// the key for every future caller.
	recordCtx := context.WithoutCancel(ctx)

	retry := l.opts.Retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		if berr := l.store.BumpCallAttempts(recordCtx, req.IdempotencyKey); berr != nil {
			zap.L().Warn("ledger: failed to bump call attempts",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(berr))
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "ledger: rate limit wait")
			}
		}
		call := func(ctx context.Context) (*llm.CompletionResponse, error) {
			temp := req.Temperature
			return l.client.Complete(ctx, llm.CompletionRequest{
				Model:       req.Model,
				MaxTokens:   int64(req.MaxTokens),
				System:      req.System,
				Prompt:      req.Prompt,
				Temperature: &temp,
			})
		}
		if l.breaker != nil {
			return resilience.ExecuteVal(ctx, l.breaker, call)
		}
		return call(ctx)
	})
	latency := l.clock.Now().Sub(start).Milliseconds()

	if err != nil {
		code := resilience.FatalCode(err)
		if code == "" {
			if eris.Is(err, context.Canceled) || eris.Is(err, context.DeadlineExceeded) {
				code = "cancelled"
			} else {
				code = "transient_exhausted"
			}
		}
		if ferr := l.store.CompleteCallFailed(recordCtx, req.IdempotencyKey, code, err.Error()); ferr != nil {
			zap.L().Warn("ledger: failed to record call failure",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(ferr))
		}
		return nil, err
	}

	usage := model.TokenUsage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	costUSD := l.calc.Completion(req.Model, usage.PromptTokens, usage.CompletionTokens)
	expiresAt := l.clock.Now().Add(l.opts.CacheTTL)

	callID, err := l.store.CompleteCallSuccess(recordCtx, req.IdempotencyKey, resp.Text, usage, costUSD, latency, expiresAt)
	if err != nil {
		return nil, err
	}

	zap.L().Info("ledger: call completed",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost_usd", costUSD),
		zap.Int64("latency_ms", latency))

	return &Response{
		CallID:    callID,
		Text:      resp.Text,
		Usage:     usage,
		CostUSD:   costUSD,
		LatencyMs: latency,
	}, nil
}

func (l *Ledger) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "ledger: wait interrupted")
	case <-timer.C:
		return nil
	}
}
