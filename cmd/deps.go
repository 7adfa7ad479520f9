package main

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/veridian-ai/claimpipe/internal/cache"
	"github.com/veridian-ai/claimpipe/internal/clock"
	"github.com/veridian-ai/claimpipe/internal/cost"
	"github.com/veridian-ai/claimpipe/internal/indexer"
	"github.com/veridian-ai/claimpipe/internal/ledger"
	"github.com/veridian-ai/claimpipe/internal/pipeline"
	"github.com/veridian-ai/claimpipe/internal/resilience"
	"github.com/veridian-ai/claimpipe/internal/store"
	"github.com/veridian-ai/claimpipe/pkg/embedding"
	"github.com/veridian-ai/claimpipe/pkg/llm"
	"github.com/veridian-ai/claimpipe/pkg/vector"
)

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initRunner(st store.Store) *pipeline.Runner {
	calc := cost.NewCalculator(cfg.Pricing)
	limiter := rate.NewLimiter(rate.Limit(cfg.Anthropic.RPS), cfg.Anthropic.Burst)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())

	led := ledger.New(
		st,
		llm.NewClient(cfg.Anthropic.Key),
		calc,
		clock.System{},
		limiter,
		breaker,
		ledger.Options{
			CacheTTL:         cfg.Ledger.CacheTTL,
			WaitPollInterval: cfg.Ledger.WaitPollInterval,
			WaitTimeout:      cfg.Ledger.WaitTimeout,
			StaleAfter:       cfg.Ledger.StaleAfter,
			Retry:            resilience.DefaultRetryConfig(),
		},
	)

	return pipeline.NewRunner(st, cache.New(st), led, cfg.Extract)
}

func initIndexerVectors() (vector.Store, error) {
	return vector.NewWeaviate(cfg.Vector.Host, cfg.Vector.Scheme, cfg.Vector.APIKey)
}

func initIndexer(st store.Store) (*indexer.Worker, error) {
	vs, err := initIndexerVectors()
	if err != nil {
		return nil, err
	}
	em := embedding.NewOpenAI(cfg.Embedding.Key, cfg.Embedding.BaseURL, cfg.Embedding.Model)
	calc := cost.NewCalculator(cfg.Pricing)
	return indexer.NewWorker(st, em, vs, calc, clock.System{}, cfg.Indexer.BatchSize, cfg.Indexer.TickInterval), nil
}
