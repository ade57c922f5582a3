// Package article defines the article record and its extraction payload.
//
// Articles arrive from feed polling with only title/summary/publish time.
// The extraction step annotates them with entities, actions and tensions;
// ContentHash and NeedsExtraction gate whether that (expensive) step runs.
package article

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// ErrValidation marks a malformed extraction payload. Callers treat it as
// retryable: the extraction call is repeated a bounded number of times and
// the article is deferred to the next cycle on exhaustion.
var ErrValidation = errors.New("extraction validation failed")

// Article is one ingested news item.
type Article struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`

	// ContentHash is set once extraction succeeds, always together with
	// Extraction in the same write. A hash without its extraction (or the
	// reverse) would poison the cache guard.
	ContentHash string      `json:"content_hash,omitempty"`
	Extraction  *Extraction `json:"extraction,omitempty"`
}

// Extraction is the structured output of the entity-extraction service
// for a single article.
type Extraction struct {
	NucleusEntity    string    `json:"nucleus_entity"`
	Actors           ActorList `json:"actors"`
	Actions          []string  `json:"actions"`
	Tensions         []string  `json:"tensions"`
	NarrativeSummary string    `json:"narrative_summary"`
}

// minSummaryLen is the shortest narrative summary accepted from the
// extraction service.
const minSummaryLen = 10

// Validate checks an extraction payload before it is used or persisted.
// All failures wrap ErrValidation.
func (e *Extraction) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil extraction", ErrValidation)
	}
	if e.NucleusEntity == "" {
		return fmt.Errorf("%w: empty nucleus_entity", ErrValidation)
	}
	if len(e.Actors) == 0 {
		return fmt.Errorf("%w: empty actors", ErrValidation)
	}
	for _, a := range e.Actors {
		if a.Name == "" {
			return fmt.Errorf("%w: actor with empty name", ErrValidation)
		}
		if a.Salience < 1 || a.Salience > 5 {
			return fmt.Errorf("%w: actor %q salience %d outside 1..5", ErrValidation, a.Name, a.Salience)
		}
	}
	if _, ok := e.Actors.Get(e.NucleusEntity); !ok {
		return fmt.Errorf("%w: nucleus_entity %q has no salience entry", ErrValidation, e.NucleusEntity)
	}
	if utf8.RuneCountInString(e.NarrativeSummary) < minSummaryLen {
		return fmt.Errorf("%w: narrative_summary under %d characters", ErrValidation, minSummaryLen)
	}
	return nil
}

// ContentHash returns the sha256 digest of "title:summary" in hex. It is
// the cache key that decides whether an article's extraction is current.
func ContentHash(title, summary string) string {
	h := sha256.Sum256([]byte(title + ":" + summary))
	return hex.EncodeToString(h[:])
}

// NeedsExtraction reports whether extraction must (re)run for the article.
// It returns false only when the stored hash matches the current content
// and the previous extraction looks complete.
func NeedsExtraction(a *Article) bool {
	if a.ContentHash == "" || a.ContentHash != ContentHash(a.Title, a.Summary) {
		return true
	}
	if a.Extraction == nil {
		return true
	}
	if a.Extraction.NarrativeSummary == "" || len(a.Extraction.Actors) == 0 {
		return true
	}
	return false
}

// Actor is one named entity with its salience for the article (1..5,
// 5 reserved for true protagonists).
type Actor struct {
	Name     string
	Salience int
}

// ActorList is an ordered entity → salience mapping. Order is insertion
// order from the extraction payload; fingerprinting relies on it to break
// salience ties deterministically. It marshals as a JSON object.
type ActorList []Actor

// Get returns the salience for name.
func (al ActorList) Get(name string) (int, bool) {
	for _, a := range al {
		if a.Name == name {
			return a.Salience, true
		}
	}
	return 0, false
}

// Set overwrites the salience for name, appending if absent.
func (al *ActorList) Set(name string, salience int) {
	for i, a := range *al {
		if a.Name == name {
			(*al)[i].Salience = salience
			return
		}
	}
	*al = append(*al, Actor{Name: name, Salience: salience})
}

// Names returns the actor names in list order.
func (al ActorList) Names() []string {
	names := make([]string, len(al))
	for i, a := range al {
		names[i] = a.Name
	}
	return names
}

// MarshalJSON encodes the list as a JSON object, preserving order.
func (al ActorList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range al {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(a.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(a.Salience))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the list, preserving the key
// order of the document. encoding/json map decoding would lose it.
func (al *ActorList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("actors: expected JSON object, got %v", tok)
	}
	var out ActorList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("actors: non-string key %v", keyTok)
		}
		var salience int
		if err := dec.Decode(&salience); err != nil {
			return fmt.Errorf("actors[%s]: %w", name, err)
		}
		out = append(out, Actor{Name: name, Salience: salience})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*al = out
	return nil
}
