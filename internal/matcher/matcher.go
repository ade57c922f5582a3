// Package matcher decides, for each cluster produced by a detection
// cycle, whether it continues an existing narrative or starts a new one.
package matcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storylinehq/storyline/internal/cluster"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/lifecycle"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

// maxConflictRetries bounds re-read-and-retry on concurrent merges.
const maxConflictRetries = 3

// Matcher matches clusters against persisted narratives.
type Matcher struct {
	store     *store.Store
	cfg       config.MatchingConfig
	lifecycle *lifecycle.Engine

	// Serializes merges into the same narrative within one process.
	// The store's optimistic version catches what this cannot.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// New builds a matcher.
func New(s *store.Store, cfg config.MatchingConfig, le *lifecycle.Engine) *Matcher {
	return &Matcher{
		store:     s,
		cfg:       cfg,
		lifecycle: le,
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Match evaluates one cluster. minThreshold lets a caller demand a
// stricter match than the adaptive rule; zero means no extra demand.
// The returned narrative is already persisted and lifecycle-stamped.
func (m *Matcher) Match(c *cluster.Cluster, minThreshold float64) (*narrative.Narrative, bool, error) {
	fp, err := c.Fingerprint()
	if err != nil {
		return nil, false, fmt.Errorf("cluster fingerprint: %w", err)
	}

	now := m.now()
	candidates, err := m.store.FindCandidates(now.Add(-m.cfg.GraceCeiling), narrative.ActiveStates())
	if err != nil {
		return nil, false, fmt.Errorf("find candidates: %w", err)
	}

	best, bestScore := m.bestCandidate(fp, candidates, now)
	if best != nil {
		threshold := m.threshold(best, now, minThreshold)
		if bestScore >= threshold {
			logging.Debug("cluster matched narrative",
				"narrative", best.ID, "nucleus", fp.NucleusEntity,
				"similarity", bestScore, "threshold", threshold)
			merged, err := m.mergeWithRetry(best.ID, c, fp)
			if err != nil {
				return nil, false, err
			}
			return merged, false, nil
		}
		logging.Debug("best candidate below threshold",
			"narrative", best.ID, "similarity", bestScore, "threshold", threshold)
	}

	created, err := m.create(c, fp, now)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// bestCandidate scores each candidate that is still within its own grace
// period and returns the highest scorer.
func (m *Matcher) bestCandidate(fp fingerprint.Fingerprint, candidates []*narrative.Narrative, now time.Time) (*narrative.Narrative, float64) {
	var best *narrative.Narrative
	bestScore := 0.0
	for _, cand := range candidates {
		if now.Sub(cand.LastUpdated) > m.gracePeriod(cand, now) {
			continue
		}
		score := fingerprint.Similarity(fp, cand.Fingerprint)
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best, bestScore
}

// gracePeriod is how far back a candidate may have last been updated and
// still be compared. Old or slow-moving stories get a wider window; a
// fast-moving story that went quiet for a week is no longer the same
// ongoing story.
func (m *Matcher) gracePeriod(n *narrative.Narrative, now time.Time) time.Duration {
	grace := m.cfg.GraceFloor
	if n.MentionVelocity < 1 {
		grace *= 2
	}
	if n.DaysActive(now) > 30 {
		grace *= 2
	}
	if grace > m.cfg.GraceCeiling {
		grace = m.cfg.GraceCeiling
	}
	return grace
}

// threshold applies the adaptive rule: recently-updated narratives are
// easier to match than stale ones.
func (m *Matcher) threshold(best *narrative.Narrative, now time.Time, minThreshold float64) float64 {
	t := m.cfg.StaleThreshold
	if now.Sub(best.LastUpdated) <= m.cfg.RecentWindow {
		t = m.cfg.RecentThreshold
	}
	if minThreshold > t {
		t = minThreshold
	}
	return t
}

// mergeWithRetry serializes the merge per narrative and retries with
// freshly re-read state when another writer got there first.
func (m *Matcher) mergeWithRetry(narrativeID string, c *cluster.Cluster, fp fingerprint.Fingerprint) (*narrative.Narrative, error) {
	lock := m.narrativeLock(narrativeID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		n, err := m.store.GetNarrative(narrativeID)
		if err != nil {
			return nil, fmt.Errorf("reread narrative %s: %w", narrativeID, err)
		}
		if err := m.merge(n, c, fp); err != nil {
			return nil, err
		}
		if err := m.store.Upsert(n); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("merge into %s: %w", narrativeID, lastErr)
}

// merge folds the cluster into the narrative in place. FirstSeen is
// immutable: a late-discovered older article never backdates a story.
func (m *Matcher) merge(n *narrative.Narrative, c *cluster.Cluster, fp fingerprint.Fingerprint) error {
	now := m.now()

	n.AddArticles(c.ArticleIDs())
	if m.cfg.MaxArticleIDs > 0 && len(n.ArticleIDs) > m.cfg.MaxArticleIDs {
		n.ArticleIDs = n.ArticleIDs[len(n.ArticleIDs)-m.cfg.MaxArticleIDs:]
		n.ArticleCount = len(n.ArticleIDs)
	}

	for _, actor := range c.Actors {
		if cur, ok := n.Entities.Get(actor.Name); !ok || actor.Salience > cur {
			n.Entities.Set(actor.Name, actor.Salience)
		}
	}

	actions := append(append([]string{}, n.Fingerprint.KeyActions...), fp.KeyActions...)
	merged, err := fingerprint.New(n.Fingerprint.NucleusEntity, n.Entities, actions)
	if err != nil {
		return fmt.Errorf("refresh fingerprint for %s: %w", n.ID, err)
	}
	n.Fingerprint = merged

	published, err := m.store.PublishTimes(n.ArticleIDs)
	if err != nil {
		return fmt.Errorf("publish times for %s: %w", n.ID, err)
	}
	last24, last48 := lifecycle.CountWindows(published, now)
	n.MentionVelocity = lifecycle.Velocity(last24, last48)
	n.LastUpdated = now

	if n.PeakActivity == nil || n.ArticleCount > n.PeakActivity.ArticleCount {
		n.PeakActivity = &narrative.PeakActivity{
			Date:         now,
			ArticleCount: n.ArticleCount,
			Velocity:     n.MentionVelocity,
		}
	}

	m.lifecycle.Apply(n, lifecycle.Activity{Articles24h: last24, Articles48h: last48, Now: now})
	return nil
}

// create persists a brand-new narrative for the cluster. Timestamps come
// from article publish times, never from the wall clock: a narrative
// built from older articles must not claim to be newer than they are.
func (m *Matcher) create(c *cluster.Cluster, fp fingerprint.Fingerprint, now time.Time) (*narrative.Narrative, error) {
	earliest, latest := c.PublishBounds()
	if earliest.IsZero() || latest.IsZero() {
		return nil, fmt.Errorf("%w: cluster %q has no publish times", narrative.ErrInvariant, c.Nucleus)
	}

	published := make([]time.Time, 0, len(c.Articles))
	for _, a := range c.Articles {
		published = append(published, a.PublishedAt)
	}
	last24, last48 := lifecycle.CountWindows(published, now)

	n := &narrative.Narrative{
		ID:              uuid.NewString(),
		Title:           narrativeTitle(c),
		Summary:         narrativeSummary(c),
		Fingerprint:     fp,
		Entities:        c.Actors,
		FirstSeen:       earliest,
		LastUpdated:     latest,
		MentionVelocity: lifecycle.Velocity(last24, last48),
	}
	n.AddArticles(c.ArticleIDs())
	n.PeakActivity = &narrative.PeakActivity{
		Date:         now,
		ArticleCount: n.ArticleCount,
		Velocity:     n.MentionVelocity,
	}

	m.lifecycle.Apply(n, lifecycle.Activity{Articles24h: last24, Articles48h: last48, Now: now})

	if err := m.store.Upsert(n); err != nil {
		return nil, err
	}
	logging.Info("created narrative",
		"narrative", n.ID, "nucleus", fp.NucleusEntity,
		"articles", n.ArticleCount, "state", n.LifecycleState)
	return n, nil
}

func (m *Matcher) narrativeLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// narrativeTitle derives a display title from the cluster's strongest
// signal: the nucleus plus its leading tension or action.
func narrativeTitle(c *cluster.Cluster) string {
	if len(c.Tensions) > 0 {
		return fmt.Sprintf("%s: %s", c.Nucleus, c.Tensions[0])
	}
	if len(c.Actions) > 0 {
		return fmt.Sprintf("%s: %s", c.Nucleus, c.Actions[0])
	}
	return c.Nucleus
}

// narrativeSummary takes the first member's extraction summary.
func narrativeSummary(c *cluster.Cluster) string {
	for _, a := range c.Articles {
		if a.Extraction != nil && a.Extraction.NarrativeSummary != "" {
			return a.Extraction.NarrativeSummary
		}
	}
	return ""
}
