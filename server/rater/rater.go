// Package rater runs the periodic rating updates and rebuilds every derived
// statistics table from the match history.
package rater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"duel-ladder/server/metrics"
	"duel-ladder/server/store"
)

// ErrRunning is returned by Tick when a run is already in flight.
var ErrRunning = errors.New("rating run already in progress")

// nextWindow advances last by every whole period that fits before now.
// The remainder of the current period stays unprocessed until it completes;
// ok is false when no full period has elapsed.
func nextWindow(last, now, period int64) (newLast int64, ok bool) {
	periods := (now - last) / period
	if periods <= 0 {
		return last, false
	}
	return last + periods*period, true
}

type Rater struct {
	db  *store.DB
	cfg Config
	log *slog.Logger

	running atomic.Bool
}

func New(db *store.DB, cfg Config, log *slog.Logger) *Rater {
	return &Rater{db: db, cfg: cfg, log: log}
}

// Tick runs one rating pass if at least one whole period has elapsed since
// last_update. It reports whether a run committed. Every write of the run
// happens in a single transaction, so a failure leaves the previous state
// untouched and the next tick retries the same window.
func (r *Rater) Tick(ctx context.Context, now int64) (bool, error) {
	if !r.running.CompareAndSwap(false, true) {
		return false, ErrRunning
	}
	defer r.running.Store(false)

	last, err := r.db.LastUpdate(ctx)
	if err != nil {
		return false, err
	}
	newLast, ok := nextWindow(last, now, r.cfg.RatingPeriodSeconds)
	if !ok {
		return false, nil
	}

	start := time.Now()
	metrics.RunsStarted.Inc()
	r.log.Info("rating run starting", "window_start", last, "window_end", newLast,
		"periods", (newLast-last)/r.cfg.RatingPeriodSeconds)

	if err := r.db.RunInTx(ctx, func(tx pgx.Tx) error {
		return r.runOnce(ctx, tx, last, newLast)
	}); err != nil {
		metrics.RunsFailed.Inc()
		return false, fmt.Errorf("rating run: %w", err)
	}

	metrics.RunsCompleted.Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	metrics.LastRunUnix.Set(float64(time.Now().Unix()))
	r.log.Info("rating run committed", "window_end", newLast, "took", time.Since(start))
	return true, nil
}

func (r *Rater) runOnce(ctx context.Context, tx pgx.Tx, last, newLast int64) error {
	games, err := r.db.GamesBetween(ctx, tx, last, newLast)
	if err != nil {
		return err
	}
	existing, err := r.db.AllRatings(ctx, tx)
	if err != nil {
		return err
	}

	plan, err := buildPlan(games, existing, r.cfg, newLast)
	if err != nil {
		return err
	}
	for _, merr := range plan.skipped {
		r.log.Warn("skipping corrupt match", "game_id", merr.GameID, "reason", merr.Reason)
	}
	metrics.GamesProcessed.Add(float64(len(plan.processed)))
	metrics.GamesSkipped.Add(float64(len(plan.skipped)))

	if err := r.writePlayers(ctx, tx, plan); err != nil {
		return err
	}
	for _, s := range plan.snapshots {
		if err := r.db.InsertGameRating(ctx, tx, s.GameID, s.A, s.B); err != nil {
			return err
		}
	}

	changed := plan.apply(r.cfg, newLast)
	var decayed int
	for _, key := range changed {
		if _, touched := plan.outcomes[key]; !touched {
			decayed++
		}
		if err := r.db.SaveRating(ctx, tx, *plan.ratings[key]); err != nil {
			return err
		}
	}
	metrics.PairsDecayed.Add(float64(decayed))
	r.log.Info("ratings updated",
		"games", len(plan.processed), "pairs_played", len(plan.outcomes),
		"pairs_decayed", decayed, "rows_written", len(changed))

	if err := r.rebuildAggregates(ctx, tx, plan); err != nil {
		return err
	}

	return r.db.SetLastUpdate(ctx, tx, newLast)
}

func (r *Rater) writePlayers(ctx context.Context, tx pgx.Tx, plan *runPlan) error {
	ids := make([]int64, 0, len(plan.players))
	for id := range plan.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		seen := plan.players[id]
		if err := r.db.UpsertPlayer(ctx, tx, id, seen.Name, seen.Floor); err != nil {
			return err
		}
	}
	return nil
}

// rebuildAggregates replays the full snapshot history and swaps every
// derived table in place, inside the run transaction.
func (r *Rater) rebuildAggregates(ctx context.Context, tx pgx.Tx, plan *runPlan) error {
	ratings, skipped := validRatings(plan.ratings, r.cfg)
	if len(skipped) > 0 && r.cfg.Strict {
		k := skipped[0]
		return fmt.Errorf("rating row (%d, %d) outside the character roster", k.ID, k.CharID)
	}
	for _, k := range skipped {
		r.log.Warn("skipping out-of-roster rating row", "id", k.ID, "char_id", k.CharID)
	}

	agg := newAggregator(r.cfg)
	if err := r.db.AllSnapshots(ctx, tx, func(s store.SnapshotGame) error {
		agg.add(s)
		return nil
	}); err != nil {
		return err
	}
	floors, err := r.db.PlayerFloors(ctx, tx)
	if err != nil {
		return err
	}

	t := agg.finish(ratings, floors)

	if err := r.db.ReplaceRankingGlobal(ctx, tx, t.RankingGlobal); err != nil {
		return err
	}
	if err := r.db.ReplaceRankingCharacter(ctx, tx, t.RankingCharacter); err != nil {
		return err
	}
	if err := r.db.ReplacePlayerMatchups(ctx, tx, t.PlayerMatchups); err != nil {
		return err
	}
	if err := r.db.ReplaceGlobalMatchups(ctx, tx, t.GlobalMatchups); err != nil {
		return err
	}
	if err := r.db.ReplaceHighRatedMatchups(ctx, tx, t.HighRatedMatchups); err != nil {
		return err
	}
	if err := r.db.ReplaceVersusMatchups(ctx, tx, t.Versus); err != nil {
		return err
	}
	if err := r.db.ReplaceFloorDistribution(ctx, tx, t.FloorDist); err != nil {
		return err
	}
	if err := r.db.ReplaceRatingDistribution(ctx, tx, t.RatingDist); err != nil {
		return err
	}
	if err := r.db.ReplacePopularityGlobal(ctx, tx, t.PopularityGlobal); err != nil {
		return err
	}
	if err := r.db.ReplacePopularityRating(ctx, tx, t.PopularityRating); err != nil {
		return err
	}
	for variant, rows := range t.Fraud {
		if err := r.db.ReplaceFraudIndex(ctx, tx, variant, rows); err != nil {
			return err
		}
	}
	return nil
}
