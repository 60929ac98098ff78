package rater

import (
	"math"
	"math/rand"
	"testing"

	"duel-ladder/server/glicko"
	"duel-ladder/server/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CharCount = 4
	return cfg
}

func game(id, ts int64, idA int64, charA int, idB int64, charB, winner int) store.Game {
	return store.Game{
		ID: id, TS: ts,
		IDA: idA, NameA: "a", CharA: charA,
		IDB: idB, NameB: "b", CharB: charB,
		Winner: winner, Floor: 7,
	}
}

func TestValidateGame(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		name string
		g    store.Game
		ok   bool
	}{
		{"valid", game(1, 10, 1, 0, 2, 1, 1), true},
		{"celestial floor", store.Game{ID: 2, Winner: 2, CharA: 0, CharB: 1, Floor: 99}, true},
		{"bad winner", game(3, 10, 1, 0, 2, 1, 3), false},
		{"char out of range", game(4, 10, 1, 4, 2, 1, 1), false},
		{"negative char", game(5, 10, 1, 0, 2, -1, 1), false},
		{"bad floor", store.Game{ID: 6, Winner: 1, CharA: 0, CharB: 1, Floor: 11}, false},
	}
	for _, c := range cases {
		err := validateGame(c.g, cfg.CharCount)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestBuildPlanStrictAborts(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 20, 1, 0, 2, 1, 9),
	}
	if _, err := buildPlan(games, nil, cfg, 3600); err == nil {
		t.Fatal("strict mode should abort on a corrupt match")
	}
}

func TestBuildPlanLenientSkips(t *testing.T) {
	cfg := testConfig()
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 20, 1, 0, 2, 1, 9),
		game(3, 30, 1, 0, 2, 1, 2),
	}
	plan, err := buildPlan(games, nil, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.processed) != 2 {
		t.Fatalf("processed = %d, want 2", len(plan.processed))
	}
	if len(plan.skipped) != 1 || plan.skipped[0].GameID != 2 {
		t.Fatalf("skipped = %+v, want game 2", plan.skipped)
	}
	if len(plan.snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(plan.snapshots))
	}
}

func TestBuildPlanSeedsNewEntrants(t *testing.T) {
	cfg := testConfig()
	plan, err := buildPlan([]store.Game{game(1, 10, 1, 0, 2, 1, 1)}, nil, cfg, 7200)
	if err != nil {
		t.Fatal(err)
	}
	r := plan.ratings[pairKey{1, 0}]
	if r == nil {
		t.Fatal("missing entrant rating")
	}
	if r.LastDecay != 7200 {
		t.Fatalf("LastDecay = %d, want 7200", r.LastDecay)
	}
	init := glicko.Initial()
	if r.Rating != init {
		t.Fatalf("entrant rating = %+v, want initial", r.Rating)
	}
}

func TestSnapshotsUsePreWindowRatings(t *testing.T) {
	cfg := testConfig()
	existing := []store.PlayerRating{
		{ID: 1, CharID: 0, Rating: glicko.Rating{Value: 1.0, Deviation: 0.5}},
	}
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 20, 1, 0, 2, 1, 1),
	}
	plan, err := buildPlan(games, existing, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	// Both snapshots carry the same pre-window rating for player 1 even
	// though two games happened.
	for _, s := range plan.snapshots {
		if s.A.Value != 1.0 || s.A.Deviation != 0.5 {
			t.Fatalf("snapshot A = %+v, want pre-window rating", s.A)
		}
	}
}

func TestApplyOrderIndependent(t *testing.T) {
	cfg := testConfig()
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 20, 1, 0, 3, 2, 2),
		game(3, 30, 2, 1, 3, 2, 1),
		game(4, 40, 1, 0, 2, 1, 1),
		game(5, 50, 3, 2, 1, 0, 2),
	}

	run := func(gs []store.Game) map[pairKey]glicko.Rating {
		plan, err := buildPlan(gs, nil, cfg, 3600)
		if err != nil {
			t.Fatal(err)
		}
		plan.apply(cfg, 3600)
		out := make(map[pairKey]glicko.Rating)
		for key, r := range plan.ratings {
			out[key] = r.Rating
		}
		return out
	}

	want := run(games)
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]store.Game(nil), games...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := run(shuffled)
		for key, w := range want {
			g := got[key]
			if math.Abs(g.Value-w.Value) > 1e-9 || math.Abs(g.Deviation-w.Deviation) > 1e-9 {
				t.Fatalf("trial %d: %+v rating differs: got %+v want %+v", trial, key, g, w)
			}
		}
	}
}

func TestApplyCountsWinsAndLosses(t *testing.T) {
	cfg := testConfig()
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 20, 1, 0, 2, 1, 1),
		game(3, 30, 1, 0, 2, 1, 2),
	}
	plan, err := buildPlan(games, nil, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	plan.apply(cfg, 3600)

	p1 := plan.ratings[pairKey{1, 0}]
	if p1.Wins != 2 || p1.Losses != 1 {
		t.Fatalf("player 1: wins=%d losses=%d, want 2/1", p1.Wins, p1.Losses)
	}
	p2 := plan.ratings[pairKey{2, 1}]
	if p2.Wins != 1 || p2.Losses != 2 {
		t.Fatalf("player 2: wins=%d losses=%d, want 1/2", p2.Wins, p2.Losses)
	}
	if p1.LastDecay != 3600 {
		t.Fatalf("LastDecay = %d, want 3600", p1.LastDecay)
	}
}

func TestApplyDecaysInactivePairs(t *testing.T) {
	cfg := testConfig()
	idle := store.PlayerRating{
		ID: 9, CharID: 3,
		Rating:    glicko.Rating{Value: 2.0, Deviation: 0.5},
		LastDecay: 0,
	}
	plan, err := buildPlan(nil, []store.PlayerRating{idle}, cfg, 3*cfg.RatingPeriodSeconds)
	if err != nil {
		t.Fatal(err)
	}
	changed := plan.apply(cfg, 3*cfg.RatingPeriodSeconds)

	r := plan.ratings[pairKey{9, 3}]
	if r.Rating.Value != 2.0 {
		t.Fatalf("decay moved value: %v", r.Rating.Value)
	}
	if r.Rating.Deviation <= 0.5 {
		t.Fatalf("deviation did not inflate: %v", r.Rating.Deviation)
	}
	want := idle.Rating.Decay(3)
	if math.Abs(r.Rating.Deviation-want.Deviation) > 1e-12 {
		t.Fatalf("deviation = %v, want %v", r.Rating.Deviation, want.Deviation)
	}
	if r.LastDecay != 3*cfg.RatingPeriodSeconds {
		t.Fatalf("LastDecay = %d, want %d", r.LastDecay, 3*cfg.RatingPeriodSeconds)
	}
	if len(changed) != 1 {
		t.Fatalf("changed = %v, want the idle pair only", changed)
	}
}

func TestApplySkipsPartialPeriodDecay(t *testing.T) {
	cfg := testConfig()
	idle := store.PlayerRating{
		ID: 9, CharID: 3,
		Rating:    glicko.Rating{Value: 2.0, Deviation: 0.5},
		LastDecay: 3000,
	}
	// 3000 + one period has not elapsed by newLast=3600.
	plan, err := buildPlan(nil, []store.PlayerRating{idle}, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	changed := plan.apply(cfg, 3600)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	r := plan.ratings[pairKey{9, 3}]
	if r.Rating.Deviation != 0.5 || r.LastDecay != 3000 {
		t.Fatalf("partial period modified the row: %+v", r)
	}
}

func TestTopDefeatedWatermark(t *testing.T) {
	cfg := testConfig()
	strong := store.PlayerRating{ID: 2, CharID: 1, Rating: glicko.Rating{Value: 2.5, Deviation: 0.3}}
	weak := store.PlayerRating{ID: 3, CharID: 2, Rating: glicko.Rating{Value: -1.0, Deviation: 0.3}}

	games := []store.Game{
		game(1, 10, 1, 0, 3, 2, 1), // beat the weak opponent first
		game(2, 20, 1, 0, 2, 1, 1), // then the strong one
	}
	plan, err := buildPlan(games, []store.PlayerRating{strong, weak}, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	plan.apply(cfg, 3600)

	r := plan.ratings[pairKey{1, 0}]
	if r.TopDefeated == nil {
		t.Fatal("no best-win watermark")
	}
	if r.TopDefeated.ID != 2 || r.TopDefeated.Value != 2.5 {
		t.Fatalf("watermark = %+v, want the strong opponent's pre-match rating", r.TopDefeated)
	}
	if r.TopDefeated.Timestamp != 20 {
		t.Fatalf("watermark ts = %d, want 20", r.TopDefeated.Timestamp)
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	cfg := testConfig()
	prior := store.PlayerRating{
		ID: 1, CharID: 0,
		Rating:      glicko.Rating{Value: 1.0, Deviation: 0.3},
		TopDefeated: &store.TopDefeated{ID: 42, Value: 5.0, Timestamp: 1},
		TopRating:   &store.TopRating{Value: 9.0, Timestamp: 1},
	}
	opp := store.PlayerRating{ID: 2, CharID: 1, Rating: glicko.Rating{Value: 0.0, Deviation: 0.3}}

	plan, err := buildPlan(
		[]store.Game{game(1, 100, 1, 0, 2, 1, 1)},
		[]store.PlayerRating{prior, opp}, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	plan.apply(cfg, 3600)

	r := plan.ratings[pairKey{1, 0}]
	if r.TopDefeated.ID != 42 || r.TopDefeated.Timestamp != 1 {
		t.Fatalf("best-win watermark regressed: %+v", r.TopDefeated)
	}
	if r.TopRating.Value != 9.0 || r.TopRating.Timestamp != 1 {
		t.Fatalf("peak watermark regressed: %+v", r.TopRating)
	}
}

func TestTopRatingUsesLastWindowMatch(t *testing.T) {
	cfg := testConfig()
	games := []store.Game{
		game(1, 10, 1, 0, 2, 1, 1),
		game(2, 77, 1, 0, 2, 1, 1),
	}
	plan, err := buildPlan(games, nil, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	plan.apply(cfg, 3600)

	r := plan.ratings[pairKey{1, 0}]
	if r.TopRating == nil {
		t.Fatal("no peak watermark after wins")
	}
	if r.TopRating.Timestamp != 77 {
		t.Fatalf("peak ts = %d, want the pair's last window match", r.TopRating.Timestamp)
	}
	if r.TopRating.Value != r.Rating.Value {
		t.Fatalf("peak value = %v, want post-update value %v", r.TopRating.Value, r.Rating.Value)
	}
}

func TestLatestNameAndFloorWins(t *testing.T) {
	cfg := testConfig()
	games := []store.Game{
		{ID: 1, TS: 10, IDA: 1, NameA: "old", CharA: 0, IDB: 2, NameB: "x", CharB: 1, Winner: 1, Floor: 3},
		{ID: 2, TS: 20, IDA: 1, NameA: "new", CharA: 0, IDB: 2, NameB: "x", CharB: 1, Winner: 1, Floor: 8},
	}
	plan, err := buildPlan(games, nil, cfg, 3600)
	if err != nil {
		t.Fatal(err)
	}
	seen := plan.players[1]
	if seen.Name != "new" || seen.Floor != 8 {
		t.Fatalf("player 1 seen = %+v, want latest name and floor", seen)
	}
}
