// Package api exposes the read-side HTTP API over persisted narratives.
// All routes are read-only; no handler mutates lifecycle history or
// first_seen.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

const defaultListLimit = 50

// Handler builds the chi router for the narrative API.
func Handler(s *store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/narratives", handleList(s))
		r.Get("/narratives/{id}", handleGet(s))
		r.Get("/narratives/{id}/history", handleHistory(s))
		r.Get("/stats", handleStats(s))
	})
	return r
}

// Serve runs the API server until the context is cancelled.
func Serve(ctx context.Context, addr string, s *store.Store) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func handleList(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		var narratives []*narrative.Narrative
		var err error
		if nucleus := r.URL.Query().Get("nucleus"); nucleus != "" {
			narratives, err = s.FindByNucleus(nucleus)
		} else {
			narratives, err = s.ListNarratives(limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if state := r.URL.Query().Get("state"); state != "" {
			narratives = filterByState(narratives, narrative.State(state))
		}
		if v := r.URL.Query().Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			narratives = filterSince(narratives, since)
		}
		if len(narratives) > limit {
			narratives = narratives[:limit]
		}
		if narratives == nil {
			narratives = []*narrative.Narrative{}
		}

		writeJSON(w, narratives)
	}
}

func handleGet(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.GetNarrative(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, n)
	}
}

func handleHistory(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.GetNarrative(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		history := n.LifecycleHistory
		if history == nil {
			history = []narrative.HistoryEntry{}
		}
		writeJSON(w, history)
	}
}

func handleStats(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.GetStats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats)
	}
}

func filterByState(narratives []*narrative.Narrative, state narrative.State) []*narrative.Narrative {
	out := narratives[:0]
	for _, n := range narratives {
		if n.LifecycleState == state {
			out = append(out, n)
		}
	}
	return out
}

func filterSince(narratives []*narrative.Narrative, since time.Time) []*narrative.Narrative {
	out := narratives[:0]
	for _, n := range narratives {
		if !n.LastUpdated.Before(since) {
			out = append(out, n)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
