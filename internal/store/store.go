// Package store provides SQLite persistence for Storyline: polled
// articles with their extraction output, and narrative documents.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/narrative"
)

// ErrConflict signals a concurrent write to the same narrative. The
// caller re-reads and retries the merge.
var ErrConflict = errors.New("narrative version conflict")

// ErrNotFound signals a missing row.
var ErrNotFound = errors.New("not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a Store at the given database path, creating tables as
// needed. WAL mode is enabled for file-based databases.
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT UNIQUE,
		summary TEXT,
		published_at DATETIME NOT NULL,
		fetched_at DATETIME NOT NULL,
		content_hash TEXT DEFAULT '',
		extraction TEXT,
		extracted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_articles_extracted ON articles(extracted_at);

	CREATE TABLE IF NOT EXISTS narratives (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		summary TEXT,
		nucleus TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		entities TEXT NOT NULL,
		article_ids TEXT NOT NULL,
		article_count INTEGER NOT NULL,
		first_seen DATETIME NOT NULL,
		last_updated DATETIME NOT NULL,
		mention_velocity REAL NOT NULL DEFAULT 0,
		lifecycle_state TEXT NOT NULL,
		lifecycle_history TEXT NOT NULL,
		peak_activity TEXT,
		reawakening_count INTEGER NOT NULL DEFAULT 0,
		reawakened_from DATETIME,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_narratives_updated ON narratives(last_updated DESC);
	CREATE INDEX IF NOT EXISTS idx_narratives_nucleus ON narratives(nucleus);
	CREATE INDEX IF NOT EXISTS idx_narratives_state ON narratives(lifecycle_state);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveArticles stores articles, returning the count of new rows.
// Duplicates (by URL) are silently ignored via INSERT OR IGNORE.
func (s *Store) SaveArticles(articles []*article.Article) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(articles) == 0 {
		return 0, nil
	}

	stmt, err := s.db.Prepare(`
		INSERT OR IGNORE INTO articles (
			id, source, title, url, summary, published_at, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	newCount := 0
	for _, a := range articles {
		result, err := stmt.Exec(a.ID, a.Source, a.Title, a.URL, a.Summary, a.PublishedAt, a.FetchedAt)
		if err != nil {
			return newCount, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return newCount, err
		}
		if affected > 0 {
			newCount++
		}
	}

	return newCount, nil
}

// SaveExtraction persists an article's extraction output together with
// its content hash in a single statement. The hash is never written
// without the extraction it describes.
func (s *Store) SaveExtraction(articleID, contentHash string, e *article.Extraction, extractedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal extraction: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE articles SET content_hash = ?, extraction = ?, extracted_at = ?
		WHERE id = ?
	`, contentHash, string(payload), extractedAt, articleID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	return nil
}

// ArticlesNeedingExtraction returns the newest articles that have never
// been extracted, up to limit. The caller re-checks with the cache guard;
// content drift on an already-extracted article is also caught there.
func (s *Store) ArticlesNeedingExtraction(limit int) ([]*article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryArticles(`
		SELECT id, source, title, url, summary, published_at, fetched_at, content_hash, extraction
		FROM articles
		WHERE extraction IS NULL OR content_hash = ''
		ORDER BY published_at DESC
		LIMIT ?
	`, limit)
}

// ArticlesExtractedSince returns articles whose extraction completed
// after the given time, oldest first. This is the detection cycle input.
func (s *Store) ArticlesExtractedSince(since time.Time) ([]*article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryArticles(`
		SELECT id, source, title, url, summary, published_at, fetched_at, content_hash, extraction
		FROM articles
		WHERE extracted_at IS NOT NULL AND extracted_at > ?
		ORDER BY published_at ASC
	`, since)
}

// GetArticle fetches one article by ID.
func (s *Store) GetArticle(id string) (*article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	articles, err := s.queryArticles(`
		SELECT id, source, title, url, summary, published_at, fetched_at, content_hash, extraction
		FROM articles WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	return articles[0], nil
}

// PublishTimes returns the publish timestamps for the given article IDs.
// Missing IDs are skipped.
func (s *Store) PublishTimes(ids []string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(
		"SELECT published_at FROM articles WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (s *Store) queryArticles(query string, args ...any) ([]*article.Article, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []*article.Article
	for rows.Next() {
		var a article.Article
		var extraction sql.NullString
		err := rows.Scan(
			&a.ID, &a.Source, &a.Title, &a.URL, &a.Summary,
			&a.PublishedAt, &a.FetchedAt, &a.ContentHash, &extraction,
		)
		if err != nil {
			return nil, err
		}
		if extraction.Valid && extraction.String != "" {
			var e article.Extraction
			if err := json.Unmarshal([]byte(extraction.String), &e); err != nil {
				return nil, fmt.Errorf("decode extraction for %s: %w", a.ID, err)
			}
			a.Extraction = &e
		}
		articles = append(articles, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return articles, nil
}

// FindCandidates returns narratives updated at or after since whose
// lifecycle state is in the given set, newest first.
func (s *Store) FindCandidates(since time.Time, states []narrative.State) ([]*narrative.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := []any{since}
	for _, st := range states {
		args = append(args, string(st))
	}

	return s.queryNarratives(`
		SELECT `+narrativeColumns+`
		FROM narratives
		WHERE last_updated >= ? AND lifecycle_state IN (`+placeholders+`)
		ORDER BY last_updated DESC
	`, args...)
}

// FindByNucleus returns all narratives sharing a nucleus entity.
func (s *Store) FindByNucleus(nucleus string) ([]*narrative.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryNarratives(`
		SELECT `+narrativeColumns+`
		FROM narratives WHERE nucleus = ?
		ORDER BY article_count DESC
	`, nucleus)
}

// ListNarratives returns narratives ordered by last update, newest first.
func (s *Store) ListNarratives(limit int) ([]*narrative.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryNarratives(`
		SELECT `+narrativeColumns+`
		FROM narratives
		ORDER BY last_updated DESC
		LIMIT ?
	`, limit)
}

// AllNarratives returns every persisted narrative. Consolidation input.
func (s *Store) AllNarratives() ([]*narrative.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryNarratives(`
		SELECT ` + narrativeColumns + `
		FROM narratives
		ORDER BY last_updated DESC
	`)
}

// GetNarrative fetches one narrative by ID.
func (s *Store) GetNarrative(id string) (*narrative.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	narratives, err := s.queryNarratives(`
		SELECT `+narrativeColumns+`
		FROM narratives WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(narratives) == 0 {
		return nil, fmt.Errorf("narrative %s: %w", id, ErrNotFound)
	}
	return narratives[0], nil
}

// Upsert writes a narrative as one atomic full-document row. The write
// is invariant-checked first and optimistically versioned: a Version of
// zero inserts, anything else must match the stored version or the call
// fails with ErrConflict. On success the narrative's Version is bumped.
func (s *Store) Upsert(n *narrative.Narrative) error {
	if err := n.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprintJSON, err := json.Marshal(n.Fingerprint)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	entitiesJSON, err := json.Marshal(n.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	idsJSON, err := json.Marshal(n.ArticleIDs)
	if err != nil {
		return fmt.Errorf("marshal article_ids: %w", err)
	}
	historyJSON, err := json.Marshal(n.LifecycleHistory)
	if err != nil {
		return fmt.Errorf("marshal lifecycle_history: %w", err)
	}
	var peakJSON sql.NullString
	if n.PeakActivity != nil {
		b, err := json.Marshal(n.PeakActivity)
		if err != nil {
			return fmt.Errorf("marshal peak_activity: %w", err)
		}
		peakJSON = sql.NullString{String: string(b), Valid: true}
	}
	var reawakenedFrom sql.NullTime
	if n.ReawakenedFrom != nil {
		reawakenedFrom = sql.NullTime{Time: *n.ReawakenedFrom, Valid: true}
	}

	if n.Version == 0 {
		_, err := s.db.Exec(`
			INSERT INTO narratives (
				id, title, summary, nucleus, fingerprint, entities, article_ids,
				article_count, first_seen, last_updated, mention_velocity,
				lifecycle_state, lifecycle_history, peak_activity,
				reawakening_count, reawakened_from, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`,
			n.ID, n.Title, n.Summary, n.Fingerprint.NucleusEntity,
			string(fingerprintJSON), string(entitiesJSON), string(idsJSON),
			n.ArticleCount, n.FirstSeen, n.LastUpdated, n.MentionVelocity,
			string(n.LifecycleState), string(historyJSON), peakJSON,
			n.ReawakeningCount, reawakenedFrom,
		)
		if err != nil {
			return fmt.Errorf("insert narrative %s: %w", n.ID, err)
		}
		n.Version = 1
		return nil
	}

	result, err := s.db.Exec(`
		UPDATE narratives SET
			title = ?, summary = ?, nucleus = ?, fingerprint = ?, entities = ?,
			article_ids = ?, article_count = ?, first_seen = ?, last_updated = ?,
			mention_velocity = ?, lifecycle_state = ?, lifecycle_history = ?,
			peak_activity = ?, reawakening_count = ?, reawakened_from = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		n.Title, n.Summary, n.Fingerprint.NucleusEntity,
		string(fingerprintJSON), string(entitiesJSON), string(idsJSON),
		n.ArticleCount, n.FirstSeen, n.LastUpdated, n.MentionVelocity,
		string(n.LifecycleState), string(historyJSON), peakJSON,
		n.ReawakeningCount, reawakenedFrom,
		n.ID, n.Version,
	)
	if err != nil {
		return fmt.Errorf("update narrative %s: %w", n.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("narrative %s at version %d: %w", n.ID, n.Version, ErrConflict)
	}
	n.Version++
	return nil
}

// DeleteNarrative removes a narrative at the given version. Used by
// consolidation after a merge absorbs it. A version mismatch means a
// concurrent writer touched the narrative after it was read; the delete
// is refused with ErrConflict so the caller retries from fresh state
// instead of discarding the newer write.
func (s *Store) DeleteNarrative(id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM narratives WHERE id = ? AND version = ?", id, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: narrative %s moved past version %d", ErrConflict, id, version)
	}
	return nil
}

// Stats summarizes store contents for the CLI and the API.
type Stats struct {
	Articles           int            `json:"articles"`
	ArticlesExtracted  int            `json:"articles_extracted"`
	Narratives         int            `json:"narratives"`
	NarrativesByState  map[string]int `json:"narratives_by_state"`
	LastNarrativeWrite time.Time      `json:"last_narrative_write"`
}

// GetStats counts articles and narratives.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{NarrativesByState: make(map[string]int)}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM articles").Scan(&stats.Articles); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM articles WHERE extraction IS NOT NULL").Scan(&stats.ArticlesExtracted); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM narratives").Scan(&stats.Narratives); err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT lifecycle_state, COUNT(*) FROM narratives GROUP BY lifecycle_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.NarrativesByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullTime
	if err := s.db.QueryRow("SELECT MAX(last_updated) FROM narratives").Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		stats.LastNarrativeWrite = last.Time
	}
	return stats, nil
}

const narrativeColumns = `id, title, summary, fingerprint, entities, article_ids,
	article_count, first_seen, last_updated, mention_velocity,
	lifecycle_state, lifecycle_history, peak_activity,
	reawakening_count, reawakened_from, version`

func (s *Store) queryNarratives(query string, args ...any) ([]*narrative.Narrative, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var narratives []*narrative.Narrative
	for rows.Next() {
		var n narrative.Narrative
		var fingerprintJSON, entitiesJSON, idsJSON, historyJSON string
		var peakJSON sql.NullString
		var reawakenedFrom sql.NullTime
		var state string

		err := rows.Scan(
			&n.ID, &n.Title, &n.Summary, &fingerprintJSON, &entitiesJSON, &idsJSON,
			&n.ArticleCount, &n.FirstSeen, &n.LastUpdated, &n.MentionVelocity,
			&state, &historyJSON, &peakJSON,
			&n.ReawakeningCount, &reawakenedFrom, &n.Version,
		)
		if err != nil {
			return nil, err
		}

		n.LifecycleState = narrative.State(state)
		if err := json.Unmarshal([]byte(fingerprintJSON), &n.Fingerprint); err != nil {
			return nil, fmt.Errorf("decode fingerprint for %s: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(entitiesJSON), &n.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &n.ArticleIDs); err != nil {
			return nil, fmt.Errorf("decode article_ids for %s: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(historyJSON), &n.LifecycleHistory); err != nil {
			return nil, fmt.Errorf("decode lifecycle_history for %s: %w", n.ID, err)
		}
		if peakJSON.Valid && peakJSON.String != "" {
			var peak narrative.PeakActivity
			if err := json.Unmarshal([]byte(peakJSON.String), &peak); err != nil {
				return nil, fmt.Errorf("decode peak_activity for %s: %w", n.ID, err)
			}
			n.PeakActivity = &peak
		}
		if reawakenedFrom.Valid {
			t := reawakenedFrom.Time
			n.ReawakenedFrom = &t
		}

		narratives = append(narratives, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return narratives, nil
}
