// Package feeds polls RSS/Atom sources and converts entries to articles
// for persistence.
package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/store"
)

// fetchTimeout is the timeout for each individual source.
const fetchTimeout = 30 * time.Second

// maxConcurrentFetches limits parallel source fetches.
const maxConcurrentFetches = 5

// maxSummaryLen caps feed-provided summaries.
const maxSummaryLen = 500

// Poller fetches all configured sources and saves new articles.
type Poller struct {
	client  *http.Client
	store   *store.Store
	sources []config.FeedConfig
}

// NewPoller creates a poller over the given sources.
func NewPoller(s *store.Store, sources []config.FeedConfig) *Poller {
	return &Poller{
		client:  &http.Client{Timeout: fetchTimeout},
		store:   s,
		sources: sources,
	}
}

// PollAll fetches every source in parallel and returns the number of new
// articles saved. Per-source failures are logged, never fatal to the poll.
func (p *Poller) PollAll(ctx context.Context) (int, error) {
	counts := make([]int, len(p.sources))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)

	for i, src := range p.sources {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			n, err := p.pollSource(ctx, src)
			if err != nil {
				logging.Warn("feed poll failed", "feed", src.Name, "error", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		logging.Info("poll complete", "new_articles", total, "sources", len(p.sources))
	}
	return total, ctx.Err()
}

// pollSource fetches one source with its own timeout and saves the result.
func (p *Poller) pollSource(ctx context.Context, src config.FeedConfig) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	articles, err := p.Fetch(fetchCtx, src)
	if err != nil {
		return 0, err
	}
	return p.store.SaveArticles(articles)
}

// Fetch retrieves one source's entries as articles. Does not store them.
func (p *Poller) Fetch(ctx context.Context, src config.FeedConfig) ([]*article.Article, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Storyline/1.0 (+https://github.com/storylinehq/storyline)")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	now := time.Now().UTC()
	articles := make([]*article.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		articles = append(articles, convertFeedItem(item, src.Name, now))
	}
	return articles, nil
}

// convertFeedItem maps a gofeed item to an article.
func convertFeedItem(item *gofeed.Item, source string, fetchTime time.Time) *article.Article {
	published := fetchTime
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}

	summary := item.Description
	if summary == "" && item.Content != "" {
		summary = item.Content
	}
	summary = truncate(summary, maxSummaryLen)

	return &article.Article{
		ID:          generateID(item),
		Source:      source,
		Title:       item.Title,
		URL:         item.Link,
		Summary:     summary,
		PublishedAt: published,
		FetchedAt:   fetchTime,
	}
}

// generateID creates a deterministic ID for a feed item: GUID if present,
// else the URL, else title plus publish time.
func generateID(item *gofeed.Item) string {
	if item.GUID != "" {
		return hashString(item.GUID)
	}
	if item.Link != "" {
		return hashString(item.Link)
	}
	key := item.Title
	if item.PublishedParsed != nil {
		key += item.PublishedParsed.String()
	}
	return hashString(key)
}

// hashString creates a short hash of a string for use as an ID.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8]) // 16 character hex string
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
