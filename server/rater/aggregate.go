package rater

import (
	"math"
	"sort"

	"duel-ladder/server/glicko"
	"duel-ladder/server/store"
)

// aggregator rebuilds every derived table from the snapshot history plus
// the current rating set. It is fed one snapshot game at a time so the
// history never has to sit in memory whole.
type aggregator struct {
	cfg Config

	playerCells map[playerMatchupKey]*store.MatchupCell
	globalCells map[charPairKey]*store.MatchupCell
	highCells   map[charPairKey]*store.MatchupCell

	versus map[charPairKey]map[playerPairKey]*versusCount

	floorGames map[int]int64
	charSlots  []int64
	totalSlots int64
}

type playerMatchupKey struct {
	ID        int64
	CharID    int
	OppCharID int
}

type charPairKey struct {
	CharA int
	CharB int
}

type playerPairKey struct {
	IDA int64
	IDB int64
}

type versusCount struct {
	WinsA int64
	Games int64
}

func newAggregator(cfg Config) *aggregator {
	return &aggregator{
		cfg:         cfg,
		playerCells: make(map[playerMatchupKey]*store.MatchupCell),
		globalCells: make(map[charPairKey]*store.MatchupCell),
		highCells:   make(map[charPairKey]*store.MatchupCell),
		versus:      make(map[charPairKey]map[playerPairKey]*versusCount),
		floorGames:  make(map[int]int64),
		charSlots:   make([]int64, cfg.CharCount),
	}
}

// weight discounts a result by how settled the rating behind it was. A
// deviation at the cutoff counts half; a fully settled one counts near 1.
func (a *aggregator) weight(deviation float64) float64 {
	cut := a.cfg.lowDeviation()
	return cut * cut / (cut*cut + deviation*deviation)
}

func (a *aggregator) add(s store.SnapshotGame) {
	if merr := validateGame(s.Game, a.cfg.CharCount); merr != nil {
		return
	}

	w := a.weight(s.RatingA.Deviation) * a.weight(s.RatingB.Deviation)
	aWon := s.Winner == 1

	a.addCell(a.playerCells, playerMatchupKey{s.IDA, s.CharA, s.CharB}, aWon, w)
	a.addCell(a.playerCells, playerMatchupKey{s.IDB, s.CharB, s.CharA}, !aWon, w)
	a.addPair(a.globalCells, s, aWon, w)

	high := a.cfg.HighRatedDisplay
	if glicko.DisplayValue(s.RatingA.Value) >= high && glicko.DisplayValue(s.RatingB.Value) >= high {
		a.addPair(a.highCells, s, aWon, w)
	}

	a.addVersus(s, aWon)

	a.floorGames[s.Floor]++
	a.charSlots[s.CharA]++
	a.charSlots[s.CharB]++
	a.totalSlots += 2
}

func (a *aggregator) addCell(cells map[playerMatchupKey]*store.MatchupCell, key playerMatchupKey, won bool, w float64) {
	c := cells[key]
	if c == nil {
		c = &store.MatchupCell{}
		cells[key] = c
	}
	if won {
		c.WinsReal++
		c.WinsAdjusted += w
	} else {
		c.LossesReal++
		c.LossesAdjusted += w
	}
}

func (a *aggregator) addPair(cells map[charPairKey]*store.MatchupCell, s store.SnapshotGame, aWon bool, w float64) {
	for _, side := range [2]struct {
		key charPairKey
		won bool
	}{
		{charPairKey{s.CharA, s.CharB}, aWon},
		{charPairKey{s.CharB, s.CharA}, !aWon},
	} {
		c := cells[side.key]
		if c == nil {
			c = &store.MatchupCell{}
			cells[side.key] = c
		}
		if side.won {
			c.WinsReal++
			c.WinsAdjusted += w
		} else {
			c.LossesReal++
			c.LossesAdjusted += w
		}
	}
}

// addVersus counts the game under a canonical character ordering so one
// player pair playing the same matchup many times stays one pair.
func (a *aggregator) addVersus(s store.SnapshotGame, aWon bool) {
	if s.CharA == s.CharB {
		return
	}
	key := charPairKey{s.CharA, s.CharB}
	idA, idB, wonA := s.IDA, s.IDB, aWon
	if s.CharB < s.CharA {
		key = charPairKey{s.CharB, s.CharA}
		idA, idB, wonA = s.IDB, s.IDA, !aWon
	}
	pairs := a.versus[key]
	if pairs == nil {
		pairs = make(map[playerPairKey]*versusCount)
		a.versus[key] = pairs
	}
	pk := playerPairKey{idA, idB}
	c := pairs[pk]
	if c == nil {
		c = &versusCount{}
		pairs[pk] = c
	}
	c.Games++
	if wonA {
		c.WinsA++
	}
}

// validRatings drops rating rows whose character sits outside the roster.
// Such rows can survive a roster shrink or out-of-band edits; the
// reductions index fixed-size per-character slices, so they must never
// reach finish.
func validRatings(ratings map[pairKey]*store.PlayerRating, cfg Config) (map[pairKey]*store.PlayerRating, []pairKey) {
	var skipped []pairKey
	for key := range ratings {
		if key.CharID < 0 || key.CharID >= cfg.CharCount {
			skipped = append(skipped, key)
		}
	}
	if len(skipped) == 0 {
		return ratings, nil
	}
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].ID != skipped[j].ID {
			return skipped[i].ID < skipped[j].ID
		}
		return skipped[i].CharID < skipped[j].CharID
	})
	ok := make(map[pairKey]*store.PlayerRating, len(ratings)-len(skipped))
	for key, r := range ratings {
		if key.CharID >= 0 && key.CharID < cfg.CharCount {
			ok[key] = r
		}
	}
	return ok, skipped
}

// tables is every derived row set one run writes.
type tables struct {
	RankingGlobal     []store.RankingRow
	RankingCharacter  []store.RankingRow
	PlayerMatchups    []store.PlayerMatchupRow
	GlobalMatchups    []store.CharMatchupRow
	HighRatedMatchups []store.CharMatchupRow
	Versus            []store.VersusRow
	FloorDist         []store.FloorDistRow
	RatingDist        []store.RatingDistRow
	PopularityGlobal  []store.PopularityRow
	PopularityRating  []store.BracketPopularityRow
	Fraud             map[store.FraudVariant][]store.FraudRow
}

// finish reduces the accumulated history against the current ratings into
// every derived row set.
func (a *aggregator) finish(ratings map[pairKey]*store.PlayerRating, playerFloors map[int64]int) *tables {
	t := &tables{Fraud: make(map[store.FraudVariant][]store.FraudRow)}

	t.RankingGlobal, t.RankingCharacter = a.rankings(ratings)
	t.PlayerMatchups = a.playerMatchupRows()
	t.GlobalMatchups = a.charMatchupRows(a.globalCells)
	t.HighRatedMatchups = a.charMatchupRows(a.highCells)
	t.Versus = a.versusRows()
	t.FloorDist = a.floorRows(playerFloors)
	t.RatingDist = a.ratingDistRows(ratings)
	t.PopularityGlobal, t.PopularityRating = a.popularityRows(ratings)

	t.Fraud[store.FraudAll] = a.fraudRows(ratings, 0)
	t.Fraud[store.FraudHigher] = a.fraudRows(ratings, a.cfg.HigherRatedDisplay)
	t.Fraud[store.FraudHighest] = a.fraudRows(ratings, a.cfg.HighestRatedDisplay)

	return t
}

// rankings orders established pairs by rating value, best first, and
// assigns both a global rank and a per-character rank. Pairs whose
// deviation still sits above the low-confidence cutoff stay off the board
// until it settles.
func (a *aggregator) rankings(ratings map[pairKey]*store.PlayerRating) ([]store.RankingRow, []store.RankingRow) {
	type ranked struct {
		key   pairKey
		value float64
	}
	cut := a.cfg.lowDeviation()
	all := make([]ranked, 0, len(ratings))
	for key, r := range ratings {
		if r.Rating.Deviation > cut {
			continue
		}
		all = append(all, ranked{key, r.Rating.Value})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].value != all[j].value {
			return all[i].value > all[j].value
		}
		if all[i].key.ID != all[j].key.ID {
			return all[i].key.ID < all[j].key.ID
		}
		return all[i].key.CharID < all[j].key.CharID
	})

	global := make([]store.RankingRow, 0, len(all))
	perChar := make([]store.RankingRow, 0, len(all))
	charRank := make([]int, a.cfg.CharCount)
	for i, r := range all {
		global = append(global, store.RankingRow{Rank: i + 1, ID: r.key.ID, CharID: r.key.CharID})
		charRank[r.key.CharID]++
		perChar = append(perChar, store.RankingRow{Rank: charRank[r.key.CharID], ID: r.key.ID, CharID: r.key.CharID})
	}
	return global, perChar
}

func (a *aggregator) playerMatchupRows() []store.PlayerMatchupRow {
	rows := make([]store.PlayerMatchupRow, 0, len(a.playerCells))
	for key, c := range a.playerCells {
		rows = append(rows, store.PlayerMatchupRow{
			ID: key.ID, CharID: key.CharID, OppCharID: key.OppCharID, MatchupCell: *c,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ID != rows[j].ID {
			return rows[i].ID < rows[j].ID
		}
		if rows[i].CharID != rows[j].CharID {
			return rows[i].CharID < rows[j].CharID
		}
		return rows[i].OppCharID < rows[j].OppCharID
	})
	return rows
}

func (a *aggregator) charMatchupRows(cells map[charPairKey]*store.MatchupCell) []store.CharMatchupRow {
	rows := make([]store.CharMatchupRow, 0, len(cells))
	for key, c := range cells {
		rows = append(rows, store.CharMatchupRow{CharID: key.CharA, OppCharID: key.CharB, MatchupCell: *c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CharID != rows[j].CharID {
			return rows[i].CharID < rows[j].CharID
		}
		return rows[i].OppCharID < rows[j].OppCharID
	})
	return rows
}

// versusRows averages each player pair's win rate so a single grinding duo
// cannot dominate a matchup's number. Matchups with too few pairs or games
// are kept but flagged.
func (a *aggregator) versusRows() []store.VersusRow {
	rows := make([]store.VersusRow, 0, 2*len(a.versus))
	for key, pairs := range a.versus {
		var rateSum float64
		var games int64
		for _, c := range pairs {
			rateSum += float64(c.WinsA) / float64(c.Games)
			games += c.Games
		}
		rate := rateSum / float64(len(pairs))
		suspicious := len(pairs) < a.cfg.VersusMinPairs || games < int64(a.cfg.VersusMinGames)

		rows = append(rows,
			store.VersusRow{CharA: key.CharA, CharB: key.CharB, WinRate: rate,
				GameCount: int(games), PairCount: len(pairs), Suspicious: suspicious},
			store.VersusRow{CharA: key.CharB, CharB: key.CharA, WinRate: 1 - rate,
				GameCount: int(games), PairCount: len(pairs), Suspicious: suspicious},
		)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CharA != rows[j].CharA {
			return rows[i].CharA < rows[j].CharA
		}
		return rows[i].CharB < rows[j].CharB
	})
	return rows
}

func (a *aggregator) floorRows(playerFloors map[int64]int) []store.FloorDistRow {
	players := make(map[int]int64)
	for _, f := range playerFloors {
		players[f]++
	}

	order := make([]int, 0, len(a.floorGames))
	seen := make(map[int]bool)
	for f := range a.floorGames {
		order = append(order, f)
		seen[f] = true
	}
	for f := range players {
		if !seen[f] {
			order = append(order, f)
		}
	}
	sort.Ints(order)

	rows := make([]store.FloorDistRow, 0, len(order))
	for _, f := range order {
		rows = append(rows, store.FloorDistRow{
			Floor:       f,
			PlayerCount: players[f],
			GameCount:   a.floorGames[f],
		})
	}
	return rows
}

// ratingDistRows buckets players by their primary character's display
// rating. The primary character is the conservative-value maximum, so a
// barely played high rating cannot stand in for the player.
func (a *aggregator) ratingDistRows(ratings map[pairKey]*store.PlayerRating) []store.RatingDistRow {
	type primary struct {
		cons    float64
		display float64
	}
	best := make(map[int64]primary)
	for key, r := range ratings {
		c := glicko.ConservativeValue(r.Rating)
		if cur, ok := best[key.ID]; !ok || c > cur.cons {
			best[key.ID] = primary{cons: c, display: glicko.DisplayValue(r.Rating.Value)}
		}
	}

	bucket := a.cfg.RatingDistBucket
	counts := make(map[int64]int64)
	for _, p := range best {
		counts[int64(math.Floor(p.display/float64(bucket)))*bucket]++
	}

	mins := make([]int64, 0, len(counts))
	for m := range counts {
		mins = append(mins, m)
	}
	sort.Slice(mins, func(i, j int) bool { return mins[i] < mins[j] })

	rows := make([]store.RatingDistRow, 0, len(mins))
	var cum int64
	for _, m := range mins {
		cum += counts[m]
		rows = append(rows, store.RatingDistRow{
			MinRating:      m,
			MaxRating:      m + bucket,
			PlayerCount:    counts[m],
			PlayerCountCum: cum,
		})
	}
	return rows
}

// popularityRows computes each character's share of game slots overall and
// its share of rated pairs within each rating bracket. The bracket delta is
// against the character's overall pair share so both sides of the
// comparison count the same thing.
func (a *aggregator) popularityRows(ratings map[pairKey]*store.PlayerRating) ([]store.PopularityRow, []store.BracketPopularityRow) {
	global := make([]store.PopularityRow, 0, a.cfg.CharCount)
	for c := 0; c < a.cfg.CharCount; c++ {
		var pop float64
		if a.totalSlots > 0 {
			pop = float64(a.charSlots[c]) / float64(a.totalSlots)
		}
		global = append(global, store.PopularityRow{CharID: c, Popularity: pop})
	}

	pairTotal := len(ratings)
	pairsByChar := make([]int64, a.cfg.CharCount)
	bracketChar := make([][]int64, a.cfg.PopBracketCount)
	bracketTotal := make([]int64, a.cfg.PopBracketCount)
	for b := range bracketChar {
		bracketChar[b] = make([]int64, a.cfg.CharCount)
	}
	for key, r := range ratings {
		pairsByChar[key.CharID]++
		b := a.bracket(glicko.DisplayValue(r.Rating.Value))
		bracketChar[b][key.CharID]++
		bracketTotal[b]++
	}

	rows := make([]store.BracketPopularityRow, 0, a.cfg.PopBracketCount*a.cfg.CharCount)
	for b := 0; b < a.cfg.PopBracketCount; b++ {
		for c := 0; c < a.cfg.CharCount; c++ {
			var pop, base float64
			if bracketTotal[b] > 0 {
				pop = float64(bracketChar[b][c]) / float64(bracketTotal[b])
			}
			if pairTotal > 0 {
				base = float64(pairsByChar[c]) / float64(pairTotal)
			}
			rows = append(rows, store.BracketPopularityRow{
				Bracket: b, CharID: c, Popularity: pop, Delta: pop - base,
			})
		}
	}
	return global, rows
}

// bracket maps a display rating to its popularity bracket. The lowest
// bracket also catches everything below the base, the highest is open-ended.
func (a *aggregator) bracket(display float64) int {
	b := int(math.Floor((display - float64(a.cfg.PopBracketBase)) / float64(a.cfg.PopBracketWidth)))
	if b < 0 {
		return 0
	}
	if b >= a.cfg.PopBracketCount {
		return a.cfg.PopBracketCount - 1
	}
	return b
}

// fraudRows measures, per character, how far its players' ratings sit from
// the same players' best other character. A large positive average on a
// character nobody else reaches those heights with is the anomaly signal.
// minDisplay restricts which character ratings are considered at all.
func (a *aggregator) fraudRows(ratings map[pairKey]*store.PlayerRating, minDisplay float64) []store.FraudRow {
	type charRating struct {
		charID  int
		display float64
	}
	byPlayer := make(map[int64][]charRating)
	for key, r := range ratings {
		if r.Wins+r.Losses < a.cfg.FraudMinGames {
			continue
		}
		byPlayer[key.ID] = append(byPlayer[key.ID], charRating{key.CharID, glicko.DisplayValue(r.Rating.Value)})
	}

	sums := make([]float64, a.cfg.CharCount)
	counts := make([]int64, a.cfg.CharCount)
	for _, chars := range byPlayer {
		if len(chars) < 2 {
			continue
		}
		for _, cr := range chars {
			if cr.display < minDisplay {
				continue
			}
			bestOther := math.Inf(-1)
			for _, other := range chars {
				if other.charID != cr.charID && other.display > bestOther {
					bestOther = other.display
				}
			}
			sums[cr.charID] += cr.display - bestOther
			counts[cr.charID]++
		}
	}

	rows := make([]store.FraudRow, 0, a.cfg.CharCount)
	for c := 0; c < a.cfg.CharCount; c++ {
		if counts[c] == 0 {
			continue
		}
		rows = append(rows, store.FraudRow{
			CharID:      c,
			PlayerCount: counts[c],
			AvgDelta:    sums[c] / float64(counts[c]),
		})
	}
	return rows
}
