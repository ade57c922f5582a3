package narrative

import (
	"errors"
	"testing"
	"time"

	"github.com/storylinehq/storyline/internal/fingerprint"
)

func validNarrative() *Narrative {
	first := time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC)
	return &Narrative{
		ID:    "n1",
		Title: "SEC vs Binance",
		Fingerprint: fingerprint.Fingerprint{
			NucleusEntity: "SEC",
			TopActors:     []string{"SEC", "Binance"},
		},
		ArticleIDs:     []string{"a1", "a2"},
		ArticleCount:   2,
		FirstSeen:      first,
		LastUpdated:    first.Add(48 * time.Hour),
		LifecycleState: StateEmerging,
		LifecycleHistory: []HistoryEntry{
			{State: StateEmerging, Timestamp: first, ArticleCount: 2},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Narrative)
		wantErr bool
	}{
		{"valid", func(n *Narrative) {}, false},
		{"empty id", func(n *Narrative) { n.ID = "" }, true},
		{"empty nucleus", func(n *Narrative) { n.Fingerprint.NucleusEntity = "" }, true},
		{"first_seen after last_updated", func(n *Narrative) {
			n.FirstSeen = n.LastUpdated.Add(time.Hour)
		}, true},
		{"count mismatch", func(n *Narrative) { n.ArticleCount = 5 }, true},
		{"unknown state", func(n *Narrative) { n.LifecycleState = "archived" }, true},
		{"history out of order", func(n *Narrative) {
			n.LifecycleHistory = append(n.LifecycleHistory, HistoryEntry{
				State:     StateRising,
				Timestamp: n.LifecycleHistory[0].Timestamp.Add(-time.Hour),
			})
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validNarrative()
			tt.mutate(n)
			err := n.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrInvariant) {
					t.Errorf("error %v does not wrap ErrInvariant", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddArticles(t *testing.T) {
	n := validNarrative()
	n.AddArticles([]string{"a2", "a3", "a3", "a4"})

	if n.ArticleCount != 4 {
		t.Errorf("ArticleCount = %d, want 4", n.ArticleCount)
	}
	if len(n.ArticleIDs) != n.ArticleCount {
		t.Errorf("count %d does not match ids %d", n.ArticleCount, len(n.ArticleIDs))
	}
	if err := n.Validate(); err != nil {
		t.Errorf("narrative invalid after AddArticles: %v", err)
	}
}

func TestDaysActive(t *testing.T) {
	n := validNarrative()
	now := n.FirstSeen.Add(6 * time.Hour)
	if got := n.DaysActive(now); got != 1 {
		t.Errorf("DaysActive same day = %d, want 1", got)
	}
	now = n.FirstSeen.Add(10 * 24 * time.Hour)
	if got := n.DaysActive(now); got != 10 {
		t.Errorf("DaysActive after 10 days = %d, want 10", got)
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range ActiveStates() {
		if !s.Valid() {
			t.Errorf("active state %s reported invalid", s)
		}
	}
	if State("archived").Valid() {
		t.Error("unknown state reported valid")
	}
}
