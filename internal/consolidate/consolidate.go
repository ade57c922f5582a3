// Package consolidate merges persisted narratives whose fingerprints
// have drifted together. It reuses the matcher's similarity function and
// adaptive thresholds so consolidation and matching never disagree about
// what "the same story" means.
package consolidate

import (
	"fmt"
	"time"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/lifecycle"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

// Pass is the periodic consolidation job.
type Pass struct {
	store     *store.Store
	cfg       config.MatchingConfig
	lifecycle *lifecycle.Engine

	now func() time.Time
}

// New builds a consolidation pass.
func New(s *store.Store, cfg config.MatchingConfig, le *lifecycle.Engine) *Pass {
	return &Pass{
		store:     s,
		cfg:       cfg,
		lifecycle: le,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run scans all narratives grouped by nucleus entity and merges pairs
// above the adaptive similarity threshold. Idempotent: a second run with
// no new data performs zero merges.
func (p *Pass) Run() (int, error) {
	all, err := p.store.AllNarratives()
	if err != nil {
		return 0, fmt.Errorf("load narratives: %w", err)
	}

	groups := make(map[string][]*narrative.Narrative)
	for _, n := range all {
		key := n.Fingerprint.NucleusEntity
		groups[key] = append(groups[key], n)
	}

	merges := 0
	for nucleus, group := range groups {
		if len(group) < 2 {
			continue
		}
		n, err := p.consolidateGroup(group)
		if err != nil {
			// One bad group never aborts the whole pass.
			logging.Error("consolidation group failed", "nucleus", nucleus, "error", err)
			continue
		}
		merges += n
	}

	if merges > 0 {
		logging.Info("consolidation pass complete", "merges", merges)
	}
	return merges, nil
}

// consolidateGroup repeatedly merges the most similar pair in a nucleus
// group until no pair clears its threshold.
func (p *Pass) consolidateGroup(group []*narrative.Narrative) (int, error) {
	merges := 0
	now := p.now()

	for {
		var primary, absorbed *narrative.Narrative
		bestScore := 0.0

		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				score := fingerprint.Similarity(a.Fingerprint, b.Fingerprint)
				if score < p.pairThreshold(a, b, now) || score <= bestScore {
					continue
				}
				bestScore = score
				primary, absorbed = pickPrimary(a, b)
			}
		}

		if primary == nil {
			return merges, nil
		}

		if err := p.merge(primary, absorbed, now); err != nil {
			return merges, err
		}
		merges++

		next := group[:0]
		for _, n := range group {
			if n.ID != absorbed.ID {
				next = append(next, n)
			}
		}
		group = next
	}
}

// pairThreshold mirrors the matcher's adaptive rule, keyed on the more
// recently updated side of the pair.
func (p *Pass) pairThreshold(a, b *narrative.Narrative, now time.Time) float64 {
	latest := a.LastUpdated
	if b.LastUpdated.After(latest) {
		latest = b.LastUpdated
	}
	if now.Sub(latest) <= p.cfg.RecentWindow {
		return p.cfg.RecentThreshold
	}
	return p.cfg.StaleThreshold
}

// pickPrimary selects the survivor: more articles, then most recent
// update, then earliest first_seen.
func pickPrimary(a, b *narrative.Narrative) (primary, absorbed *narrative.Narrative) {
	switch {
	case a.ArticleCount != b.ArticleCount:
		if a.ArticleCount > b.ArticleCount {
			return a, b
		}
		return b, a
	case !a.LastUpdated.Equal(b.LastUpdated):
		if a.LastUpdated.After(b.LastUpdated) {
			return a, b
		}
		return b, a
	default:
		if a.FirstSeen.After(b.FirstSeen) {
			return b, a
		}
		return a, b
	}
}

// merge folds absorbed into primary, persists primary and deletes the
// absorbed narrative.
func (p *Pass) merge(primary, absorbed *narrative.Narrative, now time.Time) error {
	primary.AddArticles(absorbed.ArticleIDs)

	// Union entity saliences, averaging where both sides know the entity.
	for _, actor := range absorbed.Entities {
		if cur, ok := primary.Entities.Get(actor.Name); ok {
			primary.Entities.Set(actor.Name, (cur+actor.Salience+1)/2)
		} else {
			primary.Entities.Set(actor.Name, actor.Salience)
		}
	}

	actions := append(append([]string{}, primary.Fingerprint.KeyActions...), absorbed.Fingerprint.KeyActions...)
	merged, err := fingerprint.New(primary.Fingerprint.NucleusEntity, primary.Entities, actions)
	if err != nil {
		return fmt.Errorf("refresh fingerprint for %s: %w", primary.ID, err)
	}
	primary.Fingerprint = merged

	// Both first_seen values were derived from article publish times at
	// creation; the merged story began at the earlier of the two.
	if absorbed.FirstSeen.Before(primary.FirstSeen) {
		primary.FirstSeen = absorbed.FirstSeen
	}
	if absorbed.LastUpdated.After(primary.LastUpdated) {
		primary.LastUpdated = absorbed.LastUpdated
	}

	published, err := p.store.PublishTimes(primary.ArticleIDs)
	if err != nil {
		return fmt.Errorf("publish times for %s: %w", primary.ID, err)
	}
	last24, last48 := lifecycle.CountWindows(published, now)
	primary.MentionVelocity = lifecycle.Velocity(last24, last48)

	if primary.PeakActivity == nil || primary.ArticleCount > primary.PeakActivity.ArticleCount {
		primary.PeakActivity = &narrative.PeakActivity{
			Date:         now,
			ArticleCount: primary.ArticleCount,
			Velocity:     primary.MentionVelocity,
		}
	}

	p.lifecycle.Apply(primary, lifecycle.Activity{Articles24h: last24, Articles48h: last48, Now: now})

	if err := p.store.Upsert(primary); err != nil {
		return fmt.Errorf("persist merged narrative %s: %w", primary.ID, err)
	}
	// Version-guarded: if the matcher merged into the absorbed narrative
	// after our snapshot, the delete is refused and the group is retried
	// on the next pass with the surviving data intact.
	if err := p.store.DeleteNarrative(absorbed.ID, absorbed.Version); err != nil {
		return fmt.Errorf("delete absorbed narrative %s: %w", absorbed.ID, err)
	}

	logging.Info("consolidated narratives",
		"primary", primary.ID, "absorbed", absorbed.ID,
		"nucleus", primary.Fingerprint.NucleusEntity, "articles", primary.ArticleCount)
	return nil
}
