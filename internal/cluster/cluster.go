// Package cluster groups freshly-extracted articles into candidate story
// clusters using salience-weighted link strength, then folds shallow
// clusters into their nearest substantial neighbor.
package cluster

import (
	"time"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/logging"
)

// Link strength contributions between two articles.
const (
	sameNucleusStrength    = 1.0
	sharedHighActorsTwo    = 0.7
	sharedHighActorsOne    = 0.4
	sharedTensionStrength  = 0.3
	highSalienceFloor      = 4
	minActorsForDepth      = 3
	shallowUbiquitousLimit = 3
)

// Cluster is a transient group of articles built during one detection
// cycle. It is consumed by the matcher and discarded; never persisted.
type Cluster struct {
	Nucleus  string
	Actors   article.ActorList // union across members, salience = max
	Actions  []string          // distinct, member input order
	Tensions []string          // distinct, member input order
	Articles []*article.Article

	seed *article.Extraction
}

// ArticleIDs returns the member article IDs in attachment order.
func (c *Cluster) ArticleIDs() []string {
	ids := make([]string, len(c.Articles))
	for i, a := range c.Articles {
		ids[i] = a.ID
	}
	return ids
}

// PublishBounds returns the earliest and latest publish times across
// members. These, not wall-clock time, seed a new narrative's timestamps.
func (c *Cluster) PublishBounds() (earliest, latest time.Time) {
	for _, a := range c.Articles {
		if earliest.IsZero() || a.PublishedAt.Before(earliest) {
			earliest = a.PublishedAt
		}
		if a.PublishedAt.After(latest) {
			latest = a.PublishedAt
		}
	}
	return earliest, latest
}

// Fingerprint builds the cluster's fingerprint from its aggregates.
func (c *Cluster) Fingerprint() (fingerprint.Fingerprint, error) {
	return fingerprint.New(c.Nucleus, c.Actors, c.Actions)
}

func (c *Cluster) add(a *article.Article) {
	e := a.Extraction
	for _, actor := range e.Actors {
		if cur, ok := c.Actors.Get(actor.Name); !ok || actor.Salience > cur {
			c.Actors.Set(actor.Name, actor.Salience)
		}
	}
	c.Actions = appendDistinct(c.Actions, e.Actions)
	c.Tensions = appendDistinct(c.Tensions, e.Tensions)
	c.Articles = append(c.Articles, a)
}

// Engine runs the clustering pass. Ubiquitous entities arrive as
// configuration so tests and deployments can override them per run.
type Engine struct {
	cfg        config.ClusteringConfig
	ubiquitous map[string]struct{}
}

// NewEngine builds an engine from clustering configuration.
func NewEngine(cfg config.ClusteringConfig) *Engine {
	ubiq := make(map[string]struct{}, len(cfg.UbiquitousEntities))
	for _, e := range cfg.UbiquitousEntities {
		ubiq[e] = struct{}{}
	}
	return &Engine{cfg: cfg, ubiquitous: ubiq}
}

// Cluster groups the given articles. Input order matters: the pass is
// greedy and single-pass, attaching each article to the first cluster
// whose seed it links to strongly enough. Articles without a validated
// extraction are skipped.
func (e *Engine) Cluster(articles []*article.Article) []*Cluster {
	var clusters []*Cluster

	for _, a := range articles {
		if a.Extraction == nil || a.Extraction.Validate() != nil {
			logging.Warn("skipping article without usable extraction", "article", a.ID)
			continue
		}

		attached := false
		for _, c := range clusters {
			if linkStrength(c.seed, a.Extraction) >= e.cfg.LinkThreshold {
				c.add(a)
				attached = true
				break
			}
		}
		if !attached {
			c := &Cluster{Nucleus: a.Extraction.NucleusEntity, seed: a.Extraction}
			c.add(a)
			clusters = append(clusters, c)
		}
	}

	return e.foldShallow(clusters)
}

// linkStrength accumulates the pairwise evidence that two articles belong
// to the same story.
func linkStrength(a, b *article.Extraction) float64 {
	var strength float64

	sameNucleus := a.NucleusEntity == b.NucleusEntity
	if sameNucleus {
		strength += sameNucleusStrength
	}

	sharedHigh := 0
	for _, actor := range a.Actors {
		if actor.Salience < highSalienceFloor {
			continue
		}
		// A shared nucleus is already credited by the nucleus term.
		if sameNucleus && actor.Name == a.NucleusEntity {
			continue
		}
		if s, ok := b.Actors.Get(actor.Name); ok && s >= highSalienceFloor {
			sharedHigh++
		}
	}
	switch {
	case sharedHigh >= 2:
		strength += sharedHighActorsTwo
	case sharedHigh == 1:
		strength += sharedHighActorsOne
	}

	if sharesAny(a.Tensions, b.Tensions) {
		strength += sharedTensionStrength
	}
	return strength
}

// foldShallow merges weakly-evidenced clusters into their best
// substantial neighbor by actor-set overlap. Clusters below the minimum
// size that are not shallow stand alone; the matcher may still absorb
// them into persisted narratives.
func (e *Engine) foldShallow(clusters []*Cluster) []*Cluster {
	var solid, shallow, small []*Cluster
	for _, c := range clusters {
		switch {
		case len(c.Articles) >= e.cfg.MinClusterSize:
			solid = append(solid, c)
		case e.isShallow(c):
			shallow = append(shallow, c)
		default:
			small = append(small, c)
		}
	}

	var standalone []*Cluster
	for _, s := range shallow {
		var best *Cluster
		bestScore := 0.0
		for _, target := range solid {
			score := fingerprint.Jaccard(s.Actors.Names(), target.Actors.Names())
			if score > bestScore {
				best, bestScore = target, score
			}
		}
		if best != nil && bestScore >= e.cfg.ShallowFoldJaccard {
			logging.Debug("folding shallow cluster",
				"nucleus", s.Nucleus, "into", best.Nucleus, "jaccard", bestScore)
			for _, a := range s.Articles {
				best.add(a)
			}
			continue
		}
		standalone = append(standalone, s)
	}

	out := append(solid, small...)
	return append(out, standalone...)
}

// isShallow reports whether a cluster is too weakly evidenced to stand on
// its own: a lone article with few distinct actors, or a generic
// (ubiquitous) nucleus backed by too few articles.
func (e *Engine) isShallow(c *Cluster) bool {
	if len(c.Articles) == 1 && len(c.Actors) < minActorsForDepth {
		return true
	}
	if _, ubiq := e.ubiquitous[c.Nucleus]; ubiq && len(c.Articles) < shallowUbiquitousLimit {
		return true
	}
	return false
}

func sharesAny(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func appendDistinct(dst, src []string) []string {
	for _, s := range src {
		dup := false
		for _, existing := range dst {
			if existing == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
