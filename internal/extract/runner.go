package extract

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/store"
)

// Runner extracts batches of pending articles. Safe to interrupt and
// re-run: the content-hash cache guard makes repeated runs no-ops for
// articles already extracted.
type Runner struct {
	store    *store.Store
	provider Provider
	cfg      config.ExtractionConfig
	limiter  *rate.Limiter
	policy   Policy
}

// NewRunner builds a runner. The rate limiter and retry policy come from
// configuration and are shared across all workers.
func NewRunner(s *store.Store, p Provider, cfg config.ExtractionConfig) *Runner {
	return &Runner{
		store:    s,
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		policy:   Policy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.RetryDelay},
	}
}

// Result summarizes one extraction run.
type Result struct {
	Extracted int
	Skipped   int
	Deferred  int
}

// Run extracts up to one batch of pending articles in parallel. Articles
// whose extraction keeps failing are deferred to the next cycle; one bad
// input never aborts the batch.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var result Result

	if !r.provider.Available() {
		logging.Warn("extraction provider unavailable, skipping run", "provider", r.provider.Name())
		return result, nil
	}

	pending, err := r.store.ArticlesNeedingExtraction(r.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	logging.Info("extraction run starting", "pending", len(pending), "provider", r.provider.Name())

	results := make([]int, len(pending)) // 0 skipped, 1 extracted, 2 deferred
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, a := range pending {
		g.Go(func() error {
			outcome, err := r.extractOne(gctx, a)
			if err != nil {
				// Deferred, not fatal. The article stays pending.
				logging.Warn("extraction deferred", "article", a.ID, "error", err)
				results[i] = 2
				return nil
			}
			results[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for _, o := range results {
		switch o {
		case 0:
			result.Skipped++
		case 1:
			result.Extracted++
		case 2:
			result.Deferred++
		}
	}

	logging.Info("extraction run complete",
		"extracted", result.Extracted, "skipped", result.Skipped, "deferred", result.Deferred)
	return result, nil
}

// extractOne runs the cache guard, the rate-limited provider call with
// retries, and the atomic hash+extraction write for a single article.
func (r *Runner) extractOne(ctx context.Context, a *article.Article) (int, error) {
	if !article.NeedsExtraction(a) {
		return 0, nil
	}

	var extraction *article.Extraction
	err := r.policy.Do(ctx, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		e, err := r.provider.Extract(callCtx, a)
		if err != nil {
			return err
		}
		extraction = e
		return nil
	})
	if err != nil {
		return 2, err
	}

	hash := article.ContentHash(a.Title, a.Summary)
	if err := r.store.SaveExtraction(a.ID, hash, extraction, time.Now().UTC()); err != nil {
		return 2, err
	}
	return 1, nil
}
