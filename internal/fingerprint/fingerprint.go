// Package fingerprint computes compact narrative fingerprints and the
// weighted similarity between them. Everything here is pure value math;
// the matcher and the consolidation pass share it so they can never
// disagree about what "the same story" means.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storylinehq/storyline/internal/article"
)

// Fingerprint is a comparable summary of an article, cluster or narrative.
// Value type: recomputed on demand, never mutated in place.
type Fingerprint struct {
	NucleusEntity string   `json:"nucleus_entity"`
	TopActors     []string `json:"top_actors"`
	KeyActions    []string `json:"key_actions"`
}

const (
	maxTopActors  = 5
	maxKeyActions = 3
)

// Similarity component weights.
const (
	nucleusWeight  = 0.3
	actorWeight    = 0.5
	actionWeight   = 0.2
	caseDriftBonus = 0.1
)

// New builds a fingerprint from a nucleus entity, its actor saliences and
// an ordered action list. The nucleus must carry a salience entry; a
// missing entry is a validation failure, never silently defaulted.
func New(nucleus string, actors article.ActorList, actions []string) (Fingerprint, error) {
	if nucleus == "" {
		return Fingerprint{}, fmt.Errorf("%w: empty nucleus entity", article.ErrValidation)
	}
	if _, ok := actors.Get(nucleus); !ok {
		return Fingerprint{}, fmt.Errorf("%w: nucleus %q has no salience entry", article.ErrValidation, nucleus)
	}

	ranked := make(article.ActorList, len(actors))
	copy(ranked, actors)
	// Stable sort keeps insertion order as the salience tiebreaker.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Salience > ranked[j].Salience
	})

	top := make([]string, 0, maxTopActors)
	top = append(top, nucleus)
	for _, a := range ranked {
		if len(top) == maxTopActors {
			break
		}
		if a.Name == nucleus {
			continue
		}
		top = append(top, a.Name)
	}

	return Fingerprint{
		NucleusEntity: nucleus,
		TopActors:     top,
		KeyActions:    distinctHead(actions, maxKeyActions),
	}, nil
}

// FromExtraction builds a fingerprint from one article's extraction.
func FromExtraction(e *article.Extraction) (Fingerprint, error) {
	if e == nil {
		return Fingerprint{}, fmt.Errorf("%w: nil extraction", article.ErrValidation)
	}
	return New(e.NucleusEntity, e.Actors, e.Actions)
}

// Similarity scores two fingerprints in [0, 1.1]. Symmetric.
//
// The case-drift bonus applies only when the nuclei are equal ignoring
// case but not equal exactly; it can never bridge two different nuclei.
func Similarity(a, b Fingerprint) float64 {
	var nucleus float64
	if a.NucleusEntity == b.NucleusEntity {
		nucleus = 1
	}

	score := nucleusWeight*nucleus +
		actorWeight*Jaccard(a.TopActors, b.TopActors) +
		actionWeight*Jaccard(a.KeyActions, b.KeyActions)

	if nucleus == 0 && strings.EqualFold(a.NucleusEntity, b.NucleusEntity) {
		score += caseDriftBonus
	}
	return score
}

// Jaccard returns |A ∩ B| / |A ∪ B| over string sets. Two empty sets are
// identical, so their similarity is 1; one empty set shares nothing.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for s := range setA {
		union[s] = struct{}{}
	}

	intersection := 0
	for _, s := range b {
		if _, seen := union[s]; seen {
			if _, inA := setA[s]; inA {
				intersection++
				delete(setA, s) // count duplicates in b once
			}
		}
		union[s] = struct{}{}
	}
	return float64(intersection) / float64(len(union))
}

// distinctHead returns the first n distinct strings in input order.
func distinctHead(items []string, n int) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for _, s := range items {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	return out
}
