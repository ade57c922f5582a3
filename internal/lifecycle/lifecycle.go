// Package lifecycle determines narrative lifecycle states from recent
// activity and maintains the transition history.
package lifecycle

import (
	"time"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/narrative"
)

// Activity is a snapshot of a narrative's recent article flow, measured
// at Now. Callers derive the window counts from article publish times.
type Activity struct {
	Articles24h int
	Articles48h int
	Now         time.Time
}

// CountWindows counts publish times falling within the trailing 24h and
// 48h windows ending at now.
func CountWindows(published []time.Time, now time.Time) (last24h, last48h int) {
	for _, t := range published {
		age := now.Sub(t)
		if age < 0 {
			continue
		}
		if age <= 24*time.Hour {
			last24h++
		}
		if age <= 48*time.Hour {
			last48h++
		}
	}
	return last24h, last48h
}

// Velocity estimates articles per day from the trailing windows, taking
// whichever window shows the stronger rate.
func Velocity(last24h, last48h int) float64 {
	day := float64(last24h)
	twoDay := float64(last48h) / 2
	if day > twoDay {
		return day
	}
	return twoDay
}

// Engine applies lifecycle rules with configured thresholds.
type Engine struct {
	cfg config.LifecycleConfig
}

// NewEngine builds an engine from lifecycle configuration.
func NewEngine(cfg config.LifecycleConfig) *Engine {
	return &Engine{cfg: cfg}
}

// DetermineState computes the state the narrative should be in given its
// recent activity. Pure; does not mutate the narrative.
//
// The echo and reactivated states are reachable only from dormant/echo:
// a faint pulse after going quiet is an echo, a sustained return is a
// reactivation.
func (e *Engine) DetermineState(n *narrative.Narrative, act Activity) narrative.State {
	prev := n.LifecycleState

	if prev == narrative.StateDormant &&
		act.Articles24h >= 1 && act.Articles24h <= e.cfg.EchoMax24h &&
		act.Articles48h < e.cfg.ReactivateMin48h {
		return narrative.StateEcho
	}
	if (prev == narrative.StateDormant || prev == narrative.StateEcho) &&
		act.Articles48h >= e.cfg.ReactivateMin48h {
		return narrative.StateReactivated
	}

	if act.Articles48h == 0 && act.Now.Sub(n.LastUpdated) >= e.cfg.DormantAfter {
		return narrative.StateDormant
	}

	switch {
	case act.Articles24h >= e.cfg.HotMin24h:
		return narrative.StateHot
	case act.Articles24h >= e.cfg.RisingMin24h:
		return narrative.StateRising
	case n.ArticleCount >= e.cfg.CoolingMinTotal:
		// A story with real history but little current flow is winding
		// down rather than still emerging.
		return narrative.StateCooling
	default:
		return narrative.StateEmerging
	}
}

// Apply stamps the narrative with its computed state, appending a history
// entry on change and doing the reawakening bookkeeping when a dormant
// story sustains a return.
//
// An echo is a pulse, not a reawakening: a story that flickers from
// dormant into echo and falls quiet again records zero reawakenings.
// Only entry into reactivated increments reawakening_count.
func (e *Engine) Apply(n *narrative.Narrative, act Activity) {
	prev := n.LifecycleState
	next := e.DetermineState(n, act)
	if next == prev {
		return
	}

	if next == narrative.StateReactivated {
		n.ReawakeningCount++
		if dormantAt := lastEnteredDormant(n); dormantAt != nil {
			n.ReawakenedFrom = dormantAt
		}
	}

	n.LifecycleState = next
	n.LifecycleHistory = append(n.LifecycleHistory, narrative.HistoryEntry{
		State:        next,
		Timestamp:    act.Now,
		ArticleCount: n.ArticleCount,
		Velocity:     n.MentionVelocity,
	})
	logging.Info("lifecycle transition",
		"narrative", n.ID, "from", prev, "to", next,
		"articles_24h", act.Articles24h, "articles_48h", act.Articles48h)
}

// lastEnteredDormant finds the timestamp of the most recent transition
// into dormant.
func lastEnteredDormant(n *narrative.Narrative) *time.Time {
	for i := len(n.LifecycleHistory) - 1; i >= 0; i-- {
		if n.LifecycleHistory[i].State == narrative.StateDormant {
			t := n.LifecycleHistory[i].Timestamp
			return &t
		}
	}
	return nil
}
