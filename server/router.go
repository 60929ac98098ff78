package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"duel-ladder/server/metrics"
	"duel-ladder/server/rater"
	"duel-ladder/server/store"
)

func Router(db *store.DB, rt *rater.Rater, cfg rater.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		games, err := db.CountGames(ctx)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		players, err := db.CountPlayers(ctx)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		last, err := db.LastUpdate(ctx)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		var nextIn int64
		if last > 0 {
			elapsed := time.Now().Unix() - last
			if rem := cfg.RatingPeriodSeconds - elapsed%cfg.RatingPeriodSeconds; rem < cfg.RatingPeriodSeconds {
				nextIn = rem
			}
		}
		writeJSON(w, map[string]any{
			"game_count":     games,
			"player_count":   players,
			"last_update":    last,
			"next_update_in": nextIn,
		})
	})

	// Manual trigger. A tick that finds no completed period is a no-op.
	r.Post("/api/update", func(w http.ResponseWriter, req *http.Request) {
		ran, err := rt.Tick(req.Context(), time.Now().Unix())
		if err == rater.ErrRunning {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, map[string]any{"ran": ran})
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
