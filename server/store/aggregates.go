package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Derived tables have no identity between runs: each rebuild deletes the old
// rows and inserts the new set inside the run transaction, so readers only
// ever see a complete version.

// RankingRow is one leaderboard position.
type RankingRow struct {
	Rank   int
	ID     int64
	CharID int
}

func (db *DB) ReplaceRankingGlobal(ctx context.Context, tx pgx.Tx, rows []RankingRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM ranking_global`); err != nil {
		return fmt.Errorf("clear ranking_global: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ranking_global(global_rank, id, char_id) VALUES ($1,$2,$3)
		`, r.Rank, r.ID, r.CharID); err != nil {
			return fmt.Errorf("write ranking_global: %w", err)
		}
	}
	return nil
}

func (db *DB) ReplaceRankingCharacter(ctx context.Context, tx pgx.Tx, rows []RankingRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM ranking_character`); err != nil {
		return fmt.Errorf("clear ranking_character: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ranking_character(char_id, character_rank, id) VALUES ($1,$2,$3)
		`, r.CharID, r.Rank, r.ID); err != nil {
			return fmt.Errorf("write ranking_character: %w", err)
		}
	}
	return nil
}

// MatchupCell carries raw and confidence-weighted win/loss sums.
type MatchupCell struct {
	WinsReal       float64
	WinsAdjusted   float64
	LossesReal     float64
	LossesAdjusted float64
}

// PlayerMatchupRow is one (player-character, opponent-character) cell.
type PlayerMatchupRow struct {
	ID        int64
	CharID    int
	OppCharID int
	MatchupCell
}

func (db *DB) ReplacePlayerMatchups(ctx context.Context, tx pgx.Tx, rows []PlayerMatchupRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM player_matchups`); err != nil {
		return fmt.Errorf("clear player_matchups: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_matchups(
				id, char_id, opp_char_id,
				wins_real, wins_adjusted, losses_real, losses_adjusted
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, r.ID, r.CharID, r.OppCharID,
			r.WinsReal, r.WinsAdjusted, r.LossesReal, r.LossesAdjusted); err != nil {
			return fmt.Errorf("write player_matchups: %w", err)
		}
	}
	return nil
}

// CharMatchupRow is one character-vs-character cell, for the global and
// high-rated rollups.
type CharMatchupRow struct {
	CharID    int
	OppCharID int
	MatchupCell
}

func (db *DB) replaceCharMatchups(ctx context.Context, tx pgx.Tx, table string, rows []CharMatchupRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+table+`(
				char_id, opp_char_id,
				wins_real, wins_adjusted, losses_real, losses_adjusted
			) VALUES ($1,$2,$3,$4,$5,$6)
		`, r.CharID, r.OppCharID,
			r.WinsReal, r.WinsAdjusted, r.LossesReal, r.LossesAdjusted); err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
	}
	return nil
}

func (db *DB) ReplaceGlobalMatchups(ctx context.Context, tx pgx.Tx, rows []CharMatchupRow) error {
	return db.replaceCharMatchups(ctx, tx, "global_matchups", rows)
}

func (db *DB) ReplaceHighRatedMatchups(ctx context.Context, tx pgx.Tx, rows []CharMatchupRow) error {
	return db.replaceCharMatchups(ctx, tx, "high_rated_matchups", rows)
}

// VersusRow is the population-level character-pair table. Suspicious marks
// cells below the configured pair/game significance floors.
type VersusRow struct {
	CharA      int
	CharB      int
	WinRate    float64
	GameCount  int
	PairCount  int
	Suspicious bool
}

func (db *DB) ReplaceVersusMatchups(ctx context.Context, tx pgx.Tx, rows []VersusRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM versus_matchups`); err != nil {
		return fmt.Errorf("clear versus_matchups: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO versus_matchups(char_a, char_b, win_rate, game_count, pair_count, suspicious)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, r.CharA, r.CharB, r.WinRate, r.GameCount, r.PairCount, r.Suspicious); err != nil {
			return fmt.Errorf("write versus_matchups: %w", err)
		}
	}
	return nil
}

// FloorDistRow is the per-floor population histogram.
type FloorDistRow struct {
	Floor       int
	PlayerCount int64
	GameCount   int64
}

func (db *DB) ReplaceFloorDistribution(ctx context.Context, tx pgx.Tx, rows []FloorDistRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM player_floor_distribution`); err != nil {
		return fmt.Errorf("clear player_floor_distribution: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_floor_distribution(floor, player_count, game_count)
			VALUES ($1,$2,$3)
		`, r.Floor, r.PlayerCount, r.GameCount); err != nil {
			return fmt.Errorf("write player_floor_distribution: %w", err)
		}
	}
	return nil
}

// RatingDistRow is one display-scale rating histogram bucket, with the
// cumulative count up to and including it.
type RatingDistRow struct {
	MinRating      int64
	MaxRating      int64
	PlayerCount    int64
	PlayerCountCum int64
}

func (db *DB) ReplaceRatingDistribution(ctx context.Context, tx pgx.Tx, rows []RatingDistRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM player_rating_distribution`); err != nil {
		return fmt.Errorf("clear player_rating_distribution: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_rating_distribution(min_rating, max_rating, player_count, player_count_cum)
			VALUES ($1,$2,$3,$4)
		`, r.MinRating, r.MaxRating, r.PlayerCount, r.PlayerCountCum); err != nil {
			return fmt.Errorf("write player_rating_distribution: %w", err)
		}
	}
	return nil
}

// PopularityRow is a character's overall share of recorded games.
type PopularityRow struct {
	CharID     int
	Popularity float64
}

func (db *DB) ReplacePopularityGlobal(ctx context.Context, tx pgx.Tx, rows []PopularityRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM character_popularity_global`); err != nil {
		return fmt.Errorf("clear character_popularity_global: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO character_popularity_global(char_id, popularity) VALUES ($1,$2)
		`, r.CharID, r.Popularity); err != nil {
			return fmt.Errorf("write character_popularity_global: %w", err)
		}
	}
	return nil
}

// BracketPopularityRow is a character's share within one rating bracket and
// its signed overrepresentation against the global baseline.
type BracketPopularityRow struct {
	Bracket    int
	CharID     int
	Popularity float64
	Delta      float64
}

func (db *DB) ReplacePopularityRating(ctx context.Context, tx pgx.Tx, rows []BracketPopularityRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM character_popularity_rating`); err != nil {
		return fmt.Errorf("clear character_popularity_rating: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO character_popularity_rating(rating_bracket, char_id, popularity, delta)
			VALUES ($1,$2,$3,$4)
		`, r.Bracket, r.CharID, r.Popularity, r.Delta); err != nil {
			return fmt.Errorf("write character_popularity_rating: %w", err)
		}
	}
	return nil
}

// FraudRow is one character's anomaly-index entry.
type FraudRow struct {
	CharID      int
	PlayerCount int64
	AvgDelta    float64
}

// FraudVariant selects which of the three anomaly tables to write.
type FraudVariant string

const (
	FraudAll     FraudVariant = "fraud_index"
	FraudHigher  FraudVariant = "fraud_index_higher_rated"
	FraudHighest FraudVariant = "fraud_index_highest_rated"
)

func (db *DB) ReplaceFraudIndex(ctx context.Context, tx pgx.Tx, variant FraudVariant, rows []FraudRow) error {
	switch variant {
	case FraudAll, FraudHigher, FraudHighest:
	default:
		return fmt.Errorf("unknown fraud variant %q", variant)
	}
	table := string(variant)
	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+table+`(char_id, player_count, avg_delta) VALUES ($1,$2,$3)
		`, r.CharID, r.PlayerCount, r.AvgDelta); err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
	}
	return nil
}
