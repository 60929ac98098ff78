package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duel-ladder/server/glicko"
)

//go:embed schema.sql
var schema embed.FS

type DB struct{ *pgxpool.Pool }

func Open(dsn string) (*DB, error) {
	p, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &DB{p}, nil
}

func (db *DB) Close() { db.Pool.Close() }

func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func Migrate(ctx context.Context, db *DB) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, string(sqlBytes))
	return err
}

// RunInTx runs fn inside a transaction. The rater's entire write surface for
// one run goes through a single call, so an aborted run leaves nothing
// behind.
func (db *DB) RunInTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin run tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe if already committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

/* -----------------------------
   Process state
------------------------------*/

func (db *DB) LastUpdate(ctx context.Context) (int64, error) {
	var ts int64
	err := db.QueryRow(ctx, `SELECT last_update FROM config`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("read last_update: %w", err)
	}
	return ts, nil
}

// SetLastUpdate is only called as the final write of a successful run.
func (db *DB) SetLastUpdate(ctx context.Context, tx pgx.Tx, ts int64) error {
	_, err := tx.Exec(ctx, `UPDATE config SET last_update = $1`, ts)
	return err
}

/* -----------------------------
   Match log (read only)
------------------------------*/

// Game is one immutable match-log row.
type Game struct {
	ID     int64
	TS     int64
	IDA    int64
	NameA  string
	CharA  int
	IDB    int64
	NameB  string
	CharB  int
	Winner int // 1 = A, 2 = B
	Floor  int
}

// GamesBetween returns every match with after < ts <= until, oldest first.
// The upper bound is the whole-period boundary the run will commit as
// last_update, so a match is never processed twice.
func (db *DB) GamesBetween(ctx context.Context, tx pgx.Tx, after, until int64) ([]Game, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, ts, id_a, name_a, char_a, id_b, name_b, char_b, winner, game_floor
		  FROM games
		 WHERE ts > $1 AND ts <= $2
		 ORDER BY ts, id
	`, after, until)
	if err != nil {
		return nil, fmt.Errorf("read match window: %w", err)
	}
	defer rows.Close()

	var out []Game
	for rows.Next() {
		var g Game
		if err := rows.Scan(&g.ID, &g.TS, &g.IDA, &g.NameA, &g.CharA,
			&g.IDB, &g.NameB, &g.CharB, &g.Winner, &g.Floor); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

/* -----------------------------
   Ratings & watermarks
------------------------------*/

// TopRating is the peak-rating watermark.
type TopRating struct {
	Value     float64
	Deviation float64
	Timestamp int64
}

// TopDefeated is the best-win watermark: the strongest opponent (by
// pre-match rating) this pair has ever beaten.
type TopDefeated struct {
	ID        int64
	CharID    int
	Name      string
	Value     float64
	Deviation float64
	Floor     int
	Timestamp int64
}

// PlayerRating is the mutable unit the engine owns.
type PlayerRating struct {
	ID        int64
	CharID    int
	Rating    glicko.Rating
	Wins      int
	Losses    int
	LastDecay int64

	TopRating   *TopRating
	TopDefeated *TopDefeated
}

// AllRatings loads the full rating table. The updater needs every row: the
// touched pairs for their batch update, the rest for pure decay.
func (db *DB) AllRatings(ctx context.Context, tx pgx.Tx) ([]PlayerRating, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, char_id, value, deviation, wins, losses, last_decay,
		       top_rating_value, top_rating_deviation, top_rating_timestamp,
		       top_defeated_id, top_defeated_char_id, top_defeated_name,
		       top_defeated_value, top_defeated_deviation, top_defeated_floor,
		       top_defeated_timestamp
		  FROM player_ratings
	`)
	if err != nil {
		return nil, fmt.Errorf("read ratings: %w", err)
	}
	defer rows.Close()

	var out []PlayerRating
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRating(row pgx.Row) (PlayerRating, error) {
	var r PlayerRating
	var trValue, trDev *float64
	var trTS *int64
	var tdID *int64
	var tdChar, tdFloor *int
	var tdName *string
	var tdValue, tdDev *float64
	var tdTS *int64

	if err := row.Scan(&r.ID, &r.CharID, &r.Rating.Value, &r.Rating.Deviation,
		&r.Wins, &r.Losses, &r.LastDecay,
		&trValue, &trDev, &trTS,
		&tdID, &tdChar, &tdName, &tdValue, &tdDev, &tdFloor, &tdTS); err != nil {
		return PlayerRating{}, err
	}

	if trValue != nil {
		r.TopRating = &TopRating{Value: *trValue, Deviation: *trDev, Timestamp: *trTS}
	}
	if tdID != nil {
		r.TopDefeated = &TopDefeated{
			ID: *tdID, CharID: *tdChar, Name: *tdName,
			Value: *tdValue, Deviation: *tdDev, Floor: *tdFloor, Timestamp: *tdTS,
		}
	}
	return r, nil
}

// SaveRating upserts one rating row, watermarks included.
func (db *DB) SaveRating(ctx context.Context, tx pgx.Tx, r PlayerRating) error {
	var trValue, trDev, trTS any
	if r.TopRating != nil {
		trValue, trDev, trTS = r.TopRating.Value, r.TopRating.Deviation, r.TopRating.Timestamp
	}
	var tdID, tdChar, tdName, tdValue, tdDev, tdFloor, tdTS any
	if r.TopDefeated != nil {
		tdID, tdChar, tdName = r.TopDefeated.ID, r.TopDefeated.CharID, r.TopDefeated.Name
		tdValue, tdDev = r.TopDefeated.Value, r.TopDefeated.Deviation
		tdFloor, tdTS = r.TopDefeated.Floor, r.TopDefeated.Timestamp
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO player_ratings(
			id, char_id, value, deviation, wins, losses, last_decay,
			top_rating_value, top_rating_deviation, top_rating_timestamp,
			top_defeated_id, top_defeated_char_id, top_defeated_name,
			top_defeated_value, top_defeated_deviation, top_defeated_floor,
			top_defeated_timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id, char_id) DO UPDATE SET
			value = EXCLUDED.value,
			deviation = EXCLUDED.deviation,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			last_decay = EXCLUDED.last_decay,
			top_rating_value = EXCLUDED.top_rating_value,
			top_rating_deviation = EXCLUDED.top_rating_deviation,
			top_rating_timestamp = EXCLUDED.top_rating_timestamp,
			top_defeated_id = EXCLUDED.top_defeated_id,
			top_defeated_char_id = EXCLUDED.top_defeated_char_id,
			top_defeated_name = EXCLUDED.top_defeated_name,
			top_defeated_value = EXCLUDED.top_defeated_value,
			top_defeated_deviation = EXCLUDED.top_defeated_deviation,
			top_defeated_floor = EXCLUDED.top_defeated_floor,
			top_defeated_timestamp = EXCLUDED.top_defeated_timestamp
	`, r.ID, r.CharID, r.Rating.Value, r.Rating.Deviation, r.Wins, r.Losses, r.LastDecay,
		trValue, trDev, trTS,
		tdID, tdChar, tdName, tdValue, tdDev, tdFloor, tdTS)
	return err
}

// UpsertPlayer keeps the player row current and the name history append-only.
func (db *DB) UpsertPlayer(ctx context.Context, tx pgx.Tx, id int64, name string, floor int) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO players(id, name, floor) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, floor = EXCLUDED.floor
	`, id, name, floor); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO player_names(id, name) VALUES ($1,$2)
		ON CONFLICT (id, name) DO NOTHING
	`, id, name)
	return err
}

/* -----------------------------
   Snapshots
------------------------------*/

// InsertGameRating appends the immutable pre-update snapshot for one game.
func (db *DB) InsertGameRating(ctx context.Context, tx pgx.Tx, gameID int64, a, b glicko.Rating) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO game_ratings(game_id, value_a, deviation_a, value_b, deviation_b)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (game_id) DO NOTHING
	`, gameID, a.Value, a.Deviation, b.Value, b.Deviation)
	return err
}

// SnapshotGame is one match joined with the ratings both sides carried into
// it. The aggregation rebuild replays these.
type SnapshotGame struct {
	Game
	RatingA glicko.Rating
	RatingB glicko.Rating
}

// AllSnapshots streams the full snapshot history to fn, oldest first. It
// runs inside the run transaction so the rebuild sees the snapshots the
// current run just appended.
func (db *DB) AllSnapshots(ctx context.Context, tx pgx.Tx, fn func(SnapshotGame) error) error {
	rows, err := tx.Query(ctx, `
		SELECT g.id, g.ts, g.id_a, g.name_a, g.char_a, g.id_b, g.name_b, g.char_b,
		       g.winner, g.game_floor,
		       r.value_a, r.deviation_a, r.value_b, r.deviation_b
		  FROM games g
		  JOIN game_ratings r ON r.game_id = g.id
		 ORDER BY g.ts, g.id
	`)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s SnapshotGame
		if err := rows.Scan(&s.ID, &s.TS, &s.IDA, &s.NameA, &s.CharA,
			&s.IDB, &s.NameB, &s.CharB, &s.Winner, &s.Floor,
			&s.RatingA.Value, &s.RatingA.Deviation,
			&s.RatingB.Value, &s.RatingB.Deviation); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PlayerFloors returns each known player's current floor tag.
func (db *DB) PlayerFloors(ctx context.Context, tx pgx.Tx) (map[int64]int, error) {
	rows, err := tx.Query(ctx, `SELECT id, floor FROM players`)
	if err != nil {
		return nil, fmt.Errorf("read player floors: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var floor int
		if err := rows.Scan(&id, &floor); err != nil {
			return nil, err
		}
		out[id] = floor
	}
	return out, rows.Err()
}

/* -----------------------------
   Operational counts
------------------------------*/

func (db *DB) CountGames(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM games`).Scan(&n)
	return n, err
}

func (db *DB) CountPlayers(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM players`).Scan(&n)
	return n, err
}
