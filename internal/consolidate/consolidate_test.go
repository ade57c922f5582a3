package consolidate

import (
	"errors"
	"testing"
	"time"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/lifecycle"
	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

var testNow = time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

func testPass(t *testing.T) (*Pass, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	p := New(s, cfg.Matching, lifecycle.NewEngine(cfg.Lifecycle))
	p.now = func() time.Time { return testNow }
	return p, s
}

func seed(t *testing.T, s *store.Store, n *narrative.Narrative) {
	t.Helper()
	if err := s.Upsert(n); err != nil {
		t.Fatalf("seed %s: %v", n.ID, err)
	}
}

func secNarrative(id string, articles []string, actors []string, lastUpdated time.Time) *narrative.Narrative {
	entities := article.ActorList{}
	for i, a := range actors {
		salience := 5 - i
		if salience < 1 {
			salience = 1
		}
		entities.Set(a, salience)
	}
	return &narrative.Narrative{
		ID:    id,
		Title: "SEC story " + id,
		Fingerprint: fingerprint.Fingerprint{
			NucleusEntity: "SEC",
			TopActors:     actors,
			KeyActions:    []string{"sues"},
		},
		Entities:        entities,
		ArticleIDs:      articles,
		ArticleCount:    len(articles),
		FirstSeen:       lastUpdated.Add(-72 * time.Hour),
		LastUpdated:     lastUpdated,
		MentionVelocity: 1,
		LifecycleState:  narrative.StateEmerging,
	}
}

func TestRunMergesDriftedPair(t *testing.T) {
	p, s := testPass(t)

	big := secNarrative("big", []string{"a1", "a2", "a3"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-5*time.Hour))
	small := secNarrative("small", []string{"b1", "b2"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-10*time.Hour))
	seed(t, s, big)
	seed(t, s, small)

	merges, err := p.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if merges != 1 {
		t.Fatalf("merges = %d, want 1", merges)
	}

	survivor, err := s.GetNarrative("big")
	if err != nil {
		t.Fatalf("primary missing: %v", err)
	}
	if survivor.ArticleCount != 5 {
		t.Errorf("article_count = %d, want 5", survivor.ArticleCount)
	}
	if err := survivor.Validate(); err != nil {
		t.Errorf("merged narrative invalid: %v", err)
	}

	if _, err := s.GetNarrative("small"); err == nil {
		t.Error("absorbed narrative still present")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	p, s := testPass(t)

	seed(t, s, secNarrative("a", []string{"a1", "a2", "a3"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-5*time.Hour)))
	seed(t, s, secNarrative("b", []string{"b1", "b2"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-10*time.Hour)))
	seed(t, s, secNarrative("c", []string{"c1"},
		[]string{"SEC", "Binance"}, testNow.Add(-2*time.Hour)))

	first, err := p.Run()
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first == 0 {
		t.Fatal("expected at least one merge on first run")
	}

	second, err := p.Run()
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second != 0 {
		t.Errorf("second run merged %d, want 0", second)
	}
}

func TestRunLeavesDistinctStoriesAlone(t *testing.T) {
	p, s := testPass(t)

	// Same nucleus, but disjoint co-actors and actions: two genuinely
	// different SEC stories.
	a := secNarrative("a", []string{"a1", "a2"},
		[]string{"SEC", "Binance", "Zhao"}, testNow.Add(-5*time.Hour))
	b := secNarrative("b", []string{"b1", "b2"},
		[]string{"SEC", "Ripple", "Garlinghouse"}, testNow.Add(-6*time.Hour))
	b.Fingerprint.KeyActions = []string{"appeals"}
	seed(t, s, a)
	seed(t, s, b)

	merges, err := p.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if merges != 0 {
		t.Errorf("merges = %d, want 0 for distinct stories", merges)
	}
}

func TestMergeAveragesSharedSalience(t *testing.T) {
	p, s := testPass(t)

	big := secNarrative("big", []string{"a1", "a2", "a3"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-5*time.Hour))
	big.Entities.Set("Binance", 5)
	small := secNarrative("small", []string{"b1"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-6*time.Hour))
	small.Entities.Set("Binance", 2)
	small.Entities.Set("Kraken", 3)
	seed(t, s, big)
	seed(t, s, small)

	if _, err := p.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	survivor, err := s.GetNarrative("big")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got, _ := survivor.Entities.Get("Binance"); got != 4 {
		t.Errorf("Binance salience = %d, want rounded average 4", got)
	}
	if got, ok := survivor.Entities.Get("Kraken"); !ok || got != 3 {
		t.Errorf("Kraken not carried over: %d, %v", got, ok)
	}
}

func TestMergeRefusesStaleAbsorbed(t *testing.T) {
	p, s := testPass(t)

	big := secNarrative("big", []string{"a1", "a2", "a3"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-5*time.Hour))
	small := secNarrative("small", []string{"b1", "b2"},
		[]string{"SEC", "Binance", "Coinbase"}, testNow.Add(-10*time.Hour))
	seed(t, s, big)
	seed(t, s, small)

	// Snapshot both sides the way Run does.
	primarySnap, err := s.GetNarrative("big")
	if err != nil {
		t.Fatalf("snapshot primary: %v", err)
	}
	absorbedSnap, err := s.GetNarrative("small")
	if err != nil {
		t.Fatalf("snapshot absorbed: %v", err)
	}

	// A detection cycle merges a new article into the absorbed side after
	// the snapshot was taken.
	fresh, err := s.GetNarrative("small")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fresh.AddArticles([]string{"b9"})
	fresh.LastUpdated = testNow
	if err := s.Upsert(fresh); err != nil {
		t.Fatalf("concurrent upsert: %v", err)
	}

	err = p.merge(primarySnap, absorbedSnap, testNow)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("merge over stale absorbed: err = %v, want ErrConflict", err)
	}

	survivor, err := s.GetNarrative("small")
	if err != nil {
		t.Fatalf("newer absorbed narrative discarded: %v", err)
	}
	if !survivor.HasArticle("b9") {
		t.Error("concurrently merged article attribution lost")
	}
}

func TestPickPrimary(t *testing.T) {
	early := testNow.Add(-10 * 24 * time.Hour)
	late := testNow.Add(-1 * time.Hour)

	moreArticles := secNarrative("more", []string{"a", "b", "c"}, []string{"SEC"}, late)
	fewerArticles := secNarrative("fewer", []string{"d"}, []string{"SEC"}, late)
	primary, absorbed := pickPrimary(fewerArticles, moreArticles)
	if primary.ID != "more" || absorbed.ID != "fewer" {
		t.Errorf("article count tiebreak failed: primary %s", primary.ID)
	}

	newer := secNarrative("newer", []string{"a"}, []string{"SEC"}, late)
	older := secNarrative("older", []string{"b"}, []string{"SEC"}, testNow.Add(-48*time.Hour))
	primary, _ = pickPrimary(older, newer)
	if primary.ID != "newer" {
		t.Errorf("recency tiebreak failed: primary %s", primary.ID)
	}

	earliest := secNarrative("earliest", []string{"a"}, []string{"SEC"}, late)
	earliest.FirstSeen = early
	latest := secNarrative("latest", []string{"b"}, []string{"SEC"}, late)
	latest.FirstSeen = testNow.Add(-24 * time.Hour)
	primary, _ = pickPrimary(latest, earliest)
	if primary.ID != "earliest" {
		t.Errorf("first_seen tiebreak failed: primary %s", primary.ID)
	}
}
