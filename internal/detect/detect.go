// Package detect runs detection cycles: recently-extracted articles are
// clustered and each cluster is matched into the persisted narrative set.
package detect

import (
	"context"
	"time"

	"github.com/storylinehq/storyline/internal/cluster"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/lifecycle"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/matcher"
	"github.com/storylinehq/storyline/internal/store"
)

// Detector runs one detection cycle at a time over a bounded window of
// extracted articles. Cycles are batch operations: read, cluster, match,
// exit. Re-running over already-processed data merges everything back
// into the same narratives and is therefore a no-op.
type Detector struct {
	store     *store.Store
	engine    *cluster.Engine
	matcher   *matcher.Matcher
	lifecycle *lifecycle.Engine
	cfg       config.DetectionConfig

	now func() time.Time
}

// NewDetector builds a detector.
func NewDetector(s *store.Store, e *cluster.Engine, m *matcher.Matcher, le *lifecycle.Engine, cfg config.DetectionConfig) *Detector {
	return &Detector{
		store:     s,
		engine:    e,
		matcher:   m,
		lifecycle: le,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CycleResult summarizes one detection cycle.
type CycleResult struct {
	Articles  int
	Clusters  int
	Created   int
	Merged    int
	Failed    int
	Refreshed int
}

// RunCycle executes one detection cycle over articles extracted within
// the configured window. A failing cluster is logged and skipped; one
// bad input never aborts the cycle.
func (d *Detector) RunCycle(ctx context.Context) (CycleResult, error) {
	return d.RunWindow(ctx, d.now().Add(-d.cfg.ArticleWindow))
}

// RunWindow executes one detection cycle over articles extracted after
// since. Backfill uses this directly with a historical window.
//
// States are refreshed before matching so that a narrative which went
// quiet is dormant by the time a faint new cluster reaches it; the
// matcher's merge then sees the dormant state and can produce echo or
// reactivated within the same cycle.
func (d *Detector) RunWindow(ctx context.Context, since time.Time) (CycleResult, error) {
	var result CycleResult

	refreshed, err := d.RefreshStates(ctx)
	if err != nil {
		return result, err
	}
	result.Refreshed = refreshed

	articles, err := d.store.ArticlesExtractedSince(since)
	if err != nil {
		return result, err
	}
	result.Articles = len(articles)
	if len(articles) == 0 {
		return result, nil
	}

	clusters := d.engine.Cluster(articles)
	result.Clusters = len(clusters)

	logging.Info("detection cycle starting",
		"articles", len(articles), "clusters", len(clusters))

	for _, c := range clusters {
		if ctx.Err() != nil {
			// A cancelled cycle leaves already-written narratives valid;
			// the next run re-derives the remaining clusters.
			return result, ctx.Err()
		}
		_, isNew, err := d.matcher.Match(c, 0)
		if err != nil {
			logging.Error("cluster match failed", "nucleus", c.Nucleus, "error", err)
			result.Failed++
			continue
		}
		if isNew {
			result.Created++
		} else {
			result.Merged++
		}
	}

	logging.Info("detection cycle complete",
		"created", result.Created, "merged", result.Merged, "failed", result.Failed)
	return result, nil
}

// RefreshStates re-evaluates every persisted narrative's lifecycle state
// from its current article flow. Merges only touch narratives that
// receive articles; a story that simply goes quiet still has to move
// into dormant, and without that the echo and reactivated re-entry
// states are unreachable. Returns the number of state changes persisted.
func (d *Detector) RefreshStates(ctx context.Context) (int, error) {
	narratives, err := d.store.AllNarratives()
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, n := range narratives {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}

		published, err := d.store.PublishTimes(n.ArticleIDs)
		if err != nil {
			logging.Error("state refresh read failed", "narrative", n.ID, "error", err)
			continue
		}
		now := d.now()
		last24, last48 := lifecycle.CountWindows(published, now)

		prev := n.LifecycleState
		n.MentionVelocity = lifecycle.Velocity(last24, last48)
		d.lifecycle.Apply(n, lifecycle.Activity{Articles24h: last24, Articles48h: last48, Now: now})
		if n.LifecycleState == prev {
			continue
		}

		if err := d.store.Upsert(n); err != nil {
			// A concurrent merge already re-evaluated this narrative.
			logging.Warn("state refresh write skipped", "narrative", n.ID, "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}
