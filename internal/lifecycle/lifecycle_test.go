package lifecycle

import (
	"testing"
	"time"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/narrative"
)

var testNow = time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

func testEngine() *Engine {
	return NewEngine(config.Default().Lifecycle)
}

func testNarrative(state narrative.State, count int, lastUpdated time.Time) *narrative.Narrative {
	return &narrative.Narrative{
		ID:             "n1",
		Fingerprint:    fingerprint.Fingerprint{NucleusEntity: "SEC"},
		ArticleCount:   count,
		FirstSeen:      testNow.Add(-30 * 24 * time.Hour),
		LastUpdated:    lastUpdated,
		LifecycleState: state,
	}
}

func TestDetermineState(t *testing.T) {
	tests := []struct {
		name  string
		prev  narrative.State
		count int
		stale time.Duration // now - last_updated
		act   Activity
		want  narrative.State
	}{
		{
			name: "dormant with faint pulse becomes echo",
			prev: narrative.StateDormant, count: 20, stale: 10 * 24 * time.Hour,
			act:  Activity{Articles24h: 2, Articles48h: 2},
			want: narrative.StateEcho,
		},
		{
			name: "dormant with sustained return reactivates",
			prev: narrative.StateDormant, count: 20, stale: 10 * 24 * time.Hour,
			act:  Activity{Articles24h: 3, Articles48h: 5},
			want: narrative.StateReactivated,
		},
		{
			name: "echo with sustained return reactivates",
			prev: narrative.StateEcho, count: 20, stale: 2 * 24 * time.Hour,
			act:  Activity{Articles24h: 4, Articles48h: 5},
			want: narrative.StateReactivated,
		},
		{
			name: "high volume is hot",
			prev: narrative.StateRising, count: 30, stale: time.Hour,
			act:  Activity{Articles24h: 12, Articles48h: 20},
			want: narrative.StateHot,
		},
		{
			name: "growing volume is rising",
			prev: narrative.StateEmerging, count: 8, stale: time.Hour,
			act:  Activity{Articles24h: 5, Articles48h: 7},
			want: narrative.StateRising,
		},
		{
			name: "quiet story with history cools",
			prev: narrative.StateHot, count: 40, stale: 24 * time.Hour,
			act:  Activity{Articles24h: 1, Articles48h: 3},
			want: narrative.StateCooling,
		},
		{
			name: "quiet small story stays emerging",
			prev: narrative.StateEmerging, count: 3, stale: 24 * time.Hour,
			act:  Activity{Articles24h: 1, Articles48h: 2},
			want: narrative.StateEmerging,
		},
		{
			name: "long silence goes dormant",
			prev: narrative.StateCooling, count: 40, stale: 8 * 24 * time.Hour,
			act:  Activity{Articles24h: 0, Articles48h: 0},
			want: narrative.StateDormant,
		},
	}

	e := testEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNarrative(tt.prev, tt.count, testNow.Add(-tt.stale))
			tt.act.Now = testNow
			if got := e.DetermineState(n, tt.act); got != tt.want {
				t.Errorf("DetermineState = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyAppendsHistoryOnChange(t *testing.T) {
	e := testEngine()
	n := testNarrative(narrative.StateEmerging, 8, testNow.Add(-time.Hour))

	e.Apply(n, Activity{Articles24h: 5, Articles48h: 7, Now: testNow})
	if n.LifecycleState != narrative.StateRising {
		t.Fatalf("state = %s, want rising", n.LifecycleState)
	}
	if len(n.LifecycleHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(n.LifecycleHistory))
	}

	// Same activity again: no change, no new entry.
	e.Apply(n, Activity{Articles24h: 5, Articles48h: 7, Now: testNow.Add(time.Hour)})
	if len(n.LifecycleHistory) != 1 {
		t.Errorf("history grew without a state change: %d entries", len(n.LifecycleHistory))
	}
}

func TestEchoThenReactivatedCountsOneReawakening(t *testing.T) {
	e := testEngine()
	dormantAt := testNow.Add(-12 * 24 * time.Hour)
	n := testNarrative(narrative.StateDormant, 20, dormantAt)
	n.LifecycleHistory = []narrative.HistoryEntry{
		{State: narrative.StateHot, Timestamp: testNow.Add(-20 * 24 * time.Hour)},
		{State: narrative.StateDormant, Timestamp: dormantAt},
	}

	// Faint pulse: 2 articles in 24h, 2 total in 48h.
	e.Apply(n, Activity{Articles24h: 2, Articles48h: 2, Now: testNow})
	if n.LifecycleState != narrative.StateEcho {
		t.Fatalf("state = %s, want echo", n.LifecycleState)
	}
	if n.ReawakeningCount != 0 {
		t.Errorf("echo incremented reawakening_count to %d", n.ReawakeningCount)
	}

	// Sustained return: 5 articles within 48h.
	e.Apply(n, Activity{Articles24h: 3, Articles48h: 5, Now: testNow.Add(24 * time.Hour)})
	if n.LifecycleState != narrative.StateReactivated {
		t.Fatalf("state = %s, want reactivated", n.LifecycleState)
	}
	if n.ReawakeningCount != 1 {
		t.Errorf("reawakening_count = %d, want 1", n.ReawakeningCount)
	}
	if n.ReawakenedFrom == nil || !n.ReawakenedFrom.Equal(dormantAt) {
		t.Errorf("reawakened_from = %v, want %v", n.ReawakenedFrom, dormantAt)
	}
}

func TestCountWindows(t *testing.T) {
	published := []time.Time{
		testNow.Add(-1 * time.Hour),
		testNow.Add(-20 * time.Hour),
		testNow.Add(-30 * time.Hour),
		testNow.Add(-47 * time.Hour),
		testNow.Add(-72 * time.Hour),
		testNow.Add(2 * time.Hour), // future timestamps do not count
	}
	last24, last48 := CountWindows(published, testNow)
	if last24 != 2 {
		t.Errorf("last24 = %d, want 2", last24)
	}
	if last48 != 4 {
		t.Errorf("last48 = %d, want 4", last48)
	}
}

func TestVelocity(t *testing.T) {
	if v := Velocity(6, 8); v != 6 {
		t.Errorf("Velocity(6, 8) = %v, want 6", v)
	}
	if v := Velocity(1, 8); v != 4 {
		t.Errorf("Velocity(1, 8) = %v, want 4", v)
	}
	if v := Velocity(0, 0); v != 0 {
		t.Errorf("Velocity(0, 0) = %v, want 0", v)
	}
}
