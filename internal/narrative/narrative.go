// Package narrative defines the persistent narrative document, its
// lifecycle states and the invariants every write must satisfy.
package narrative

import (
	"errors"
	"fmt"
	"time"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/fingerprint"
)

// ErrInvariant marks a write that would violate a structural invariant.
// Fatal to that write: the caller rejects and logs it, never swaps fields
// to make the numbers come out.
var ErrInvariant = errors.New("narrative invariant violated")

// State is a narrative's lifecycle phase.
type State string

const (
	StateEmerging    State = "emerging"
	StateRising      State = "rising"
	StateHot         State = "hot"
	StateCooling     State = "cooling"
	StateDormant     State = "dormant"
	StateEcho        State = "echo"
	StateReactivated State = "reactivated"
)

// ActiveStates is the full set of states a matcher candidate may be in.
// Anything outside this set (an archived narrative, if retention ever
// adds one) is invisible to matching.
func ActiveStates() []State {
	return []State{
		StateEmerging, StateRising, StateHot, StateCooling,
		StateDormant, StateEcho, StateReactivated,
	}
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateEmerging, StateRising, StateHot, StateCooling,
		StateDormant, StateEcho, StateReactivated:
		return true
	}
	return false
}

// HistoryEntry records one lifecycle state change. The history list is
// append-only and ordered by timestamp.
type HistoryEntry struct {
	State        State     `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
	ArticleCount int       `json:"article_count"`
	Velocity     float64   `json:"velocity"`
}

// PeakActivity is the all-time activity high. Updated only when a new
// high is reached.
type PeakActivity struct {
	Date         time.Time `json:"date"`
	ArticleCount int       `json:"article_count"`
	Velocity     float64   `json:"velocity"`
}

// Narrative is a persistent story-centric cluster of articles.
type Narrative struct {
	ID          string                  `json:"id"`
	Title       string                  `json:"title"`
	Summary     string                  `json:"summary"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`

	// Entities carries the top actors with salience, denormalized for
	// display and for salience averaging during consolidation.
	Entities article.ActorList `json:"entities"`

	ArticleIDs   []string `json:"article_ids"`
	ArticleCount int      `json:"article_count"`

	// FirstSeen is the earliest article publish time attributed at
	// creation. Immutable afterwards; merges never backdate it.
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`

	MentionVelocity  float64        `json:"mention_velocity"` // articles per day
	LifecycleState   State          `json:"lifecycle_state"`
	LifecycleHistory []HistoryEntry `json:"lifecycle_history"`
	PeakActivity     *PeakActivity  `json:"peak_activity,omitempty"`

	ReawakeningCount int        `json:"reawakening_count"`
	ReawakenedFrom   *time.Time `json:"reawakened_from,omitempty"`

	// Version supports optimistic concurrency in the store. Incremented
	// on every successful upsert.
	Version int64 `json:"version"`
}

// DaysActive returns how many days the narrative has existed, minimum 1.
func (n *Narrative) DaysActive(now time.Time) int {
	days := int(now.Sub(n.FirstSeen).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// HasArticle reports whether the article ID is already attributed.
func (n *Narrative) HasArticle(id string) bool {
	for _, existing := range n.ArticleIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// AddArticles unions the given IDs into the article set and keeps
// ArticleCount consistent.
func (n *Narrative) AddArticles(ids []string) {
	for _, id := range ids {
		if !n.HasArticle(id) {
			n.ArticleIDs = append(n.ArticleIDs, id)
		}
	}
	n.ArticleCount = len(n.ArticleIDs)
}

// Validate checks the structural invariants. Every create, merge and
// consolidate path runs this before persisting.
func (n *Narrative) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvariant)
	}
	if n.Fingerprint.NucleusEntity == "" {
		return fmt.Errorf("%w: narrative %s has empty nucleus_entity", ErrInvariant, n.ID)
	}
	if n.FirstSeen.After(n.LastUpdated) {
		return fmt.Errorf("%w: narrative %s first_seen %s after last_updated %s",
			ErrInvariant, n.ID, n.FirstSeen.Format(time.RFC3339), n.LastUpdated.Format(time.RFC3339))
	}
	if n.ArticleCount != len(n.ArticleIDs) {
		return fmt.Errorf("%w: narrative %s article_count %d != %d article ids",
			ErrInvariant, n.ID, n.ArticleCount, len(n.ArticleIDs))
	}
	if !n.LifecycleState.Valid() {
		return fmt.Errorf("%w: narrative %s unknown lifecycle state %q", ErrInvariant, n.ID, n.LifecycleState)
	}
	for i := 1; i < len(n.LifecycleHistory); i++ {
		if n.LifecycleHistory[i].Timestamp.Before(n.LifecycleHistory[i-1].Timestamp) {
			return fmt.Errorf("%w: narrative %s lifecycle_history out of order at %d", ErrInvariant, n.ID, i)
		}
	}
	return nil
}
