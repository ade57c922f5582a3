package extract

import (
	"context"
	"errors"
	"time"

	"github.com/storylinehq/storyline/internal/article"
)

// Policy is a reusable retry policy: bounded attempts with a fixed delay
// between them. Only retryable error kinds are attempted again.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// retryable kinds: malformed output and upstream throttling. Everything
// else (network faults, cancellation) fails immediately.
func retryable(err error) bool {
	return errors.Is(err, article.ErrValidation) || errors.Is(err, ErrRateLimited)
}

// Do runs fn until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. The last error is returned on failure.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			return err
		}
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
