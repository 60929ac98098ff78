package rater

import "duel-ladder/server/glicko"

// Config carries every tunable of the engine. Thresholds that readers of
// the derived tables care about live here, not in the math.
type Config struct {
	// RatingPeriodSeconds is the length of one rating period. Matches are
	// batched per whole period; last_update only ever advances by whole
	// multiples of it.
	RatingPeriodSeconds int64

	// CharCount is the size of the character roster; char ids outside
	// [0, CharCount) are corrupt input.
	CharCount int

	// Strict aborts a run on the first corrupt match instead of skipping
	// and reporting it.
	Strict bool

	// LowDeviationDisplay is the low-confidence cutoff, in display points
	// (undoubled). Pairs above it are kept off the ranking boards, and
	// adjusted matchup stats weight each game by how far both sides'
	// deviations sit below it.
	LowDeviationDisplay float64

	// VersusMinPairs / VersusMinGames are the significance floors for the
	// population-level versus tables.
	VersusMinPairs int
	VersusMinGames int

	// HighRatedDisplay is the display rating a snapshot side needs for its
	// game to count in the high-rated matchup rollup.
	HighRatedDisplay float64

	// HigherRatedDisplay / HighestRatedDisplay split the anomaly index
	// into its three minimum-rating variants.
	HigherRatedDisplay  float64
	HighestRatedDisplay float64

	// Rating histogram bucket width, display points.
	RatingDistBucket int64

	// Popularity brackets: [0, Base+Width) then Width-sized steps, the
	// last bracket open-ended.
	PopBracketBase  int64
	PopBracketWidth int64
	PopBracketCount int

	// FraudMinGames is how many games a player-character needs before it
	// participates in the anomaly index.
	FraudMinGames int
}

// DefaultConfig mirrors the values the production tables were built with.
func DefaultConfig() Config {
	return Config{
		RatingPeriodSeconds: 3600,
		CharCount:           24,
		Strict:              false,
		LowDeviationDisplay: 75.0,
		VersusMinPairs:      50,
		VersusMinGames:      250,
		HighRatedDisplay:    1800,
		HigherRatedDisplay:  1800,
		HighestRatedDisplay: 2000,
		RatingDistBucket:    50,
		PopBracketBase:      1000,
		PopBracketWidth:     100,
		PopBracketCount:     20,
		FraudMinGames:       50,
	}
}

// lowDeviation is the cutoff on the internal scale.
func (c Config) lowDeviation() float64 {
	return c.LowDeviationDisplay / glicko.Scale
}
