// Package extract calls the external entity-extraction service and runs
// extraction batches with bounded concurrency, rate limiting and retries.
package extract

import (
	"context"
	"errors"

	"github.com/storylinehq/storyline/internal/article"
)

// ErrRateLimited marks upstream throttling. Retryable with backoff.
var ErrRateLimited = errors.New("extraction provider rate limited")

// Provider is the interface to an entity-extraction backend.
type Provider interface {
	// Name returns the provider name (e.g., "openai")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Extract annotates one article. Implementations validate their own
	// output; a malformed response surfaces as article.ErrValidation.
	Extract(ctx context.Context, a *article.Article) (*article.Extraction, error)
}
