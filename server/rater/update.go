package rater

import (
	"fmt"
	"sort"

	"duel-ladder/server/glicko"
	"duel-ladder/server/store"
)

type pairKey struct {
	ID     int64
	CharID int
}

// MatchError marks one corrupt match-log row. Depending on Config.Strict it
// either fails the run or is skipped and reported.
type MatchError struct {
	GameID int64
	Reason string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("game %d: %s", e.GameID, e.Reason)
}

func validateGame(g store.Game, charCount int) *MatchError {
	if g.Winner != 1 && g.Winner != 2 {
		return &MatchError{GameID: g.ID, Reason: fmt.Sprintf("unknown winner code %d", g.Winner)}
	}
	if g.CharA < 0 || g.CharA >= charCount {
		return &MatchError{GameID: g.ID, Reason: fmt.Sprintf("character %d out of range", g.CharA)}
	}
	if g.CharB < 0 || g.CharB >= charCount {
		return &MatchError{GameID: g.ID, Reason: fmt.Sprintf("character %d out of range", g.CharB)}
	}
	if !validFloor(g.Floor) {
		return &MatchError{GameID: g.ID, Reason: fmt.Sprintf("unknown floor %d", g.Floor)}
	}
	return nil
}

// topFloor is the open tier above the numbered floors.
const topFloor = 99

func validFloor(f int) bool { return (f >= 1 && f <= 10) || f == topFloor }

type playerSeen struct {
	Name  string
	Floor int
	TS    int64
}

type snapshotWrite struct {
	GameID int64
	A, B   glicko.Rating
}

// runPlan is everything one run computed before touching the store: the
// working rating set, the per-pair outcome batches, the pre-update
// snapshots, and the corrupt rows that were skipped.
type runPlan struct {
	ratings map[pairKey]*store.PlayerRating

	// pre holds each touched pair's rating as of the start of the window.
	// Every game of the window is evaluated against these, so within-period
	// order cannot be observed in the result.
	pre map[pairKey]glicko.Rating

	outcomes  map[pairKey][]glicko.Outcome
	lastTS    map[pairKey]int64
	snapshots []snapshotWrite
	players   map[int64]playerSeen
	processed []store.Game
	skipped   []MatchError
}

// buildPlan groups the window's matches per player-character pair. Corrupt
// rows abort in strict mode; otherwise they are collected and skipped.
// newLast seeds last_decay for pairs created by this window.
func buildPlan(games []store.Game, existing []store.PlayerRating, cfg Config, newLast int64) (*runPlan, error) {
	p := &runPlan{
		ratings:  make(map[pairKey]*store.PlayerRating, len(existing)),
		pre:      make(map[pairKey]glicko.Rating),
		outcomes: make(map[pairKey][]glicko.Outcome),
		lastTS:   make(map[pairKey]int64),
		players:  make(map[int64]playerSeen),
	}
	for i := range existing {
		r := existing[i]
		p.ratings[pairKey{r.ID, r.CharID}] = &r
	}

	for _, g := range games {
		if merr := validateGame(g, cfg.CharCount); merr != nil {
			if cfg.Strict {
				return nil, merr
			}
			p.skipped = append(p.skipped, *merr)
			continue
		}

		keyA := pairKey{g.IDA, g.CharA}
		keyB := pairKey{g.IDB, g.CharB}
		p.ensurePair(keyA, newLast)
		p.ensurePair(keyB, newLast)

		preA := p.pre[keyA]
		preB := p.pre[keyB]

		scoreA := 0.0
		if g.Winner == 1 {
			scoreA = 1.0
		}

		p.outcomes[keyA] = append(p.outcomes[keyA], glicko.Outcome{Opponent: preB, Score: scoreA})
		p.outcomes[keyB] = append(p.outcomes[keyB], glicko.Outcome{Opponent: preA, Score: 1.0 - scoreA})
		p.snapshots = append(p.snapshots, snapshotWrite{GameID: g.ID, A: preA, B: preB})

		if g.TS > p.lastTS[keyA] {
			p.lastTS[keyA] = g.TS
		}
		if g.TS > p.lastTS[keyB] {
			p.lastTS[keyB] = g.TS
		}

		p.notePlayer(g.IDA, g.NameA, g.Floor, g.TS)
		p.notePlayer(g.IDB, g.NameB, g.Floor, g.TS)

		p.processed = append(p.processed, g)
	}

	return p, nil
}

func (p *runPlan) ensurePair(key pairKey, newLast int64) {
	if r, ok := p.ratings[key]; ok {
		if _, seen := p.pre[key]; !seen {
			p.pre[key] = r.Rating
		}
		return
	}
	r := &store.PlayerRating{
		ID:        key.ID,
		CharID:    key.CharID,
		Rating:    glicko.Initial(),
		LastDecay: newLast,
	}
	p.ratings[key] = r
	p.pre[key] = r.Rating
}

func (p *runPlan) notePlayer(id int64, name string, floor int, ts int64) {
	if seen, ok := p.players[id]; !ok || ts >= seen.TS {
		p.players[id] = playerSeen{Name: name, Floor: floor, TS: ts}
	}
}

// apply runs the batch update for every touched pair, decays the rest, and
// advances the watermarks. It returns the keys whose rows changed, in a
// deterministic order.
func (p *runPlan) apply(cfg Config, newLast int64) []pairKey {
	changed := make(map[pairKey]bool)

	// Batch updates: all of a pair's window games as simultaneous evidence.
	for key, outs := range p.outcomes {
		r := p.ratings[key]
		r.Rating = p.pre[key].Update(outs)
		for _, o := range outs {
			if o.Score > 0.5 {
				r.Wins++
			} else {
				r.Losses++
			}
		}
		r.LastDecay = newLast
		changed[key] = true
	}

	// Pure decay for pairs with history but no games this window, once per
	// whole elapsed period.
	for key, r := range p.ratings {
		if changed[key] {
			continue
		}
		periods := int((newLast - r.LastDecay) / cfg.RatingPeriodSeconds)
		if periods <= 0 {
			continue
		}
		decayed := r.Rating.Decay(periods)
		r.LastDecay += int64(periods) * cfg.RatingPeriodSeconds
		if decayed.Deviation != r.Rating.Deviation {
			r.Rating = decayed
			changed[key] = true
		}
	}

	p.applyWatermarks(changed)

	keys := make([]pairKey, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ID != keys[j].ID {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CharID < keys[j].CharID
	})
	return keys
}

// applyWatermarks carries the two running maxima forward. Both comparisons
// are strictly greater-than, so a tie never replaces a watermark or its
// timestamp.
func (p *runPlan) applyWatermarks(changed map[pairKey]bool) {
	// Best win: the opponent's pre-match rating on a won game.
	for _, g := range p.processed {
		winKey, winSide := pairKey{g.IDA, g.CharA}, 1
		if g.Winner == 2 {
			winKey, winSide = pairKey{g.IDB, g.CharB}, 2
		}
		var oppKey pairKey
		if winSide == 1 {
			oppKey = pairKey{g.IDB, g.CharB}
		} else {
			oppKey = pairKey{g.IDA, g.CharA}
		}

		opp := p.pre[oppKey]
		r := p.ratings[winKey]
		if r.TopDefeated == nil || opp.Value > r.TopDefeated.Value {
			name := p.players[oppKey.ID].Name
			r.TopDefeated = &store.TopDefeated{
				ID:        oppKey.ID,
				CharID:    oppKey.CharID,
				Name:      name,
				Value:     opp.Value,
				Deviation: opp.Deviation,
				Floor:     g.Floor,
				Timestamp: g.TS,
			}
			changed[winKey] = true
		}
	}

	// Peak rating: the post-update value, attributed to the pair's last
	// processed match of the window.
	for key := range p.outcomes {
		r := p.ratings[key]
		if r.TopRating == nil || r.Rating.Value > r.TopRating.Value {
			r.TopRating = &store.TopRating{
				Value:     r.Rating.Value,
				Deviation: r.Rating.Deviation,
				Timestamp: p.lastTS[key],
			}
			changed[key] = true
		}
	}
}
