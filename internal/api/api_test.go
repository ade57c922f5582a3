package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storylinehq/storyline/internal/article"
	"github.com/storylinehq/storyline/internal/fingerprint"
	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

var testNow = time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

func testServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := httptest.NewServer(Handler(s))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv, s
}

func seedNarrative(t *testing.T, s *store.Store, id, nucleus string, state narrative.State, updated time.Time) *narrative.Narrative {
	t.Helper()
	n := &narrative.Narrative{
		ID:      id,
		Title:   nucleus + ": test",
		Summary: "test narrative about " + nucleus,
		Fingerprint: fingerprint.Fingerprint{
			NucleusEntity: nucleus,
			TopActors:     []string{nucleus},
		},
		Entities:       article.ActorList{{Name: nucleus, Salience: 5}},
		ArticleIDs:     []string{id + "-a1"},
		ArticleCount:   1,
		FirstSeen:      updated.Add(-24 * time.Hour),
		LastUpdated:    updated,
		LifecycleState: state,
		LifecycleHistory: []narrative.HistoryEntry{
			{State: state, Timestamp: updated, ArticleCount: 1},
		},
	}
	if err := s.Upsert(n); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	return n
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestListNarratives(t *testing.T) {
	srv, s := testServer(t)
	seedNarrative(t, s, "n1", "SEC", narrative.StateHot, testNow)
	seedNarrative(t, s, "n2", "Fed", narrative.StateEmerging, testNow.Add(-72*time.Hour))

	var got []*narrative.Narrative
	resp := getJSON(t, srv.URL+"/api/narratives", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got) != 2 {
		t.Fatalf("narratives = %d, want 2", len(got))
	}
}

func TestListFilters(t *testing.T) {
	srv, s := testServer(t)
	seedNarrative(t, s, "n1", "SEC", narrative.StateHot, testNow)
	seedNarrative(t, s, "n2", "Fed", narrative.StateEmerging, testNow.Add(-72*time.Hour))

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"by state", "?state=hot", 1},
		{"by nucleus", "?nucleus=Fed", 1},
		{"by since", "?since=" + testNow.Add(-time.Hour).Format(time.RFC3339), 1},
		{"state misses", "?state=dormant", 0},
		{"limit", "?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []*narrative.Narrative
			getJSON(t, srv.URL+"/api/narratives"+tt.query, &got)
			if len(got) != tt.want {
				t.Errorf("narratives = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestListBadSince(t *testing.T) {
	srv, _ := testServer(t)
	resp := getJSON(t, srv.URL+"/api/narratives?since=yesterday", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetNarrative(t *testing.T) {
	srv, s := testServer(t)
	seedNarrative(t, s, "n1", "SEC", narrative.StateHot, testNow)

	var got narrative.Narrative
	resp := getJSON(t, srv.URL+"/api/narratives/n1", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.ID != "n1" || got.Fingerprint.NucleusEntity != "SEC" {
		t.Errorf("got %+v", got)
	}

	resp = getJSON(t, srv.URL+"/api/narratives/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing narrative status = %d, want 404", resp.StatusCode)
	}
}

func TestGetHistory(t *testing.T) {
	srv, s := testServer(t)
	seedNarrative(t, s, "n1", "SEC", narrative.StateHot, testNow)

	var got []narrative.HistoryEntry
	resp := getJSON(t, srv.URL+"/api/narratives/n1/history", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got) != 1 || got[0].State != narrative.StateHot {
		t.Errorf("history = %+v", got)
	}
}

func TestStats(t *testing.T) {
	srv, s := testServer(t)
	seedNarrative(t, s, "n1", "SEC", narrative.StateHot, testNow)

	var got store.Stats
	resp := getJSON(t, srv.URL+"/api/stats", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.Narratives != 1 {
		t.Errorf("narratives = %d, want 1", got.Narratives)
	}
	if got.NarrativesByState["hot"] != 1 {
		t.Errorf("by state = %+v", got.NarrativesByState)
	}
}

func TestEmptyListIsArray(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/api/narratives")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("empty list encoded as %s, want []", raw)
	}
}
