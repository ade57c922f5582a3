package dash

import (
	"time"

	"github.com/storylinehq/storyline/internal/narrative"
)

// NarrativesLoaded carries a fresh narrative list from the store.
type NarrativesLoaded struct {
	Narratives []*narrative.Narrative
	Err        error
}

// RefreshTick triggers a periodic reload.
type RefreshTick struct {
	At time.Time
}
