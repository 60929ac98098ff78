// Package glicko implements the Glicko-2 rating math used by the batch
// rater. Ratings are kept on the internal (mu/phi) scale everywhere; the
// display scale exists only at the edges.
package glicko

import "math"

const (
	// Scale converts between the internal scale and the familiar
	// 1500-centered display scale.
	Scale = 173.7178

	// Volatility is held constant instead of being re-solved per update.
	// The stored state exposes only value and deviation, and a fixed sigma
	// keeps the period update a closed-form, order-independent sum.
	Volatility = 0.06

	// MaxDeviation is "fully uncertain": a fresh entrant's deviation
	// (350 on the display scale). Decay never inflates past it.
	MaxDeviation = 350.0 / Scale

	// MinDeviation keeps the system from ever claiming certainty
	// (30 display points).
	MinDeviation = 30.0 / Scale

	pi2 = math.Pi * math.Pi
)

// Rating is a player-character skill estimate on the internal scale.
type Rating struct {
	Value     float64
	Deviation float64
}

// Outcome is one game against an opponent, with the opponent's rating as it
// stood at the start of the rating period. Score is 1 for a win, 0 for a
// loss, 0.5 for a draw.
type Outcome struct {
	Opponent Rating
	Score    float64
}

// Initial returns the new-entrant prior.
func Initial() Rating {
	return Rating{Value: 0, Deviation: MaxDeviation}
}

func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/pi2)
}

func e(mu, muj, phij float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phij)*(mu-muj)))
}

// Expected returns the probability that a beats b, weighting by the
// combined deviation of both ratings.
func Expected(a, b Rating) float64 {
	phi := math.Sqrt(a.Deviation*a.Deviation + b.Deviation*b.Deviation)
	return 1.0 / (1.0 + math.Exp(-g(phi)*(a.Value-b.Value)))
}

// RatingChange returns the value delta a single game contributes to a's
// rating, on the internal scale. Useful for showing what one result was
// worth without diffing two stored snapshots.
func RatingChange(a, b Rating, score float64) float64 {
	updated := a.Update([]Outcome{{Opponent: b, Score: score}})
	return updated.Value - a.Value
}

// Update applies one rating period's games as simultaneous evidence and
// returns the new rating. With no games it is equivalent to Decay(1).
// Permuting outcomes does not change the result.
func (r Rating) Update(outcomes []Outcome) Rating {
	if len(outcomes) == 0 {
		return r.Decay(1)
	}

	mu, phi := r.Value, r.Deviation

	var sumG2E float64 // Σ g² E (1-E)
	var sumGSE float64 // Σ g (S-E)
	for _, o := range outcomes {
		gj := g(o.Opponent.Deviation)
		ej := e(mu, o.Opponent.Value, o.Opponent.Deviation)
		sumG2E += gj * gj * ej * (1.0 - ej)
		sumGSE += gj * (o.Score - ej)
	}
	v := 1.0 / sumG2E

	phiStar := math.Sqrt(phi*phi + Volatility*Volatility)
	phiNew := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	muNew := mu + phiNew*phiNew*sumGSE

	return Rating{Value: muNew, Deviation: clampDeviation(phiNew)}
}

// Decay inflates deviation for n rating periods without games. The value
// never moves; the deviation never passes the ceiling.
func (r Rating) Decay(periods int) Rating {
	phi := r.Deviation
	for i := 0; i < periods; i++ {
		phi = math.Sqrt(phi*phi + Volatility*Volatility)
		if phi >= MaxDeviation {
			phi = MaxDeviation
			break
		}
	}
	return Rating{Value: r.Value, Deviation: clampDeviation(phi)}
}

func clampDeviation(phi float64) float64 {
	if phi > MaxDeviation {
		return MaxDeviation
	}
	if phi < MinDeviation {
		return MinDeviation
	}
	return phi
}

// DisplayValue converts an internal value to the 1500-centered scale.
func DisplayValue(value float64) float64 { return value*Scale + 1500.0 }

// DisplayDeviation converts an internal deviation to the display interval
// (doubled for a ~95% band).
func DisplayDeviation(deviation float64) float64 { return deviation * Scale * 2.0 }

// FromDisplay converts a display-scale value back to the internal scale.
func FromDisplay(display float64) float64 { return (display - 1500.0) / Scale }

// ConservativeValue is a lower-bound skill estimate used to pick a player's
// primary character: a high value with an unestablished deviation cannot
// outrank a well-established one.
func ConservativeValue(r Rating) float64 { return r.Value - 3.0*r.Deviation }
