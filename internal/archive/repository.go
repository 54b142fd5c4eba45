package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository persists finished games to postgres. Optional; the server runs
// fine without DATABASE_URL and simply skips the insert.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveGame upserts one finished game.
func (r *Repository) SaveGame(ctx context.Context, rec Record) error {
	if r == nil || r.db == nil {
		return nil
	}

	movesRaw, _ := json.Marshal(rec.Moves)
	movesUCIRaw, _ := json.Marshal(rec.MovesUCI)
	movesSANRaw, _ := json.Marshal(rec.MovesSAN)
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO games (
	    session_id, mode, white_name, black_name,
	    white_rating, black_rating,
	    result, result_reason, winner,
	    moves, moves_uci, moves_san, pgn,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	  ) ON CONFLICT (session_id) DO UPDATE SET
	    result=EXCLUDED.result,
	    result_reason=EXCLUDED.result_reason,
	    winner=EXCLUDED.winner,
	    moves=EXCLUDED.moves,
	    moves_uci=EXCLUDED.moves_uci,
	    moves_san=EXCLUDED.moves_san,
	    pgn=EXCLUDED.pgn,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID, rec.Mode, rec.WhiteName, rec.BlackName,
		rec.WhiteRating, rec.BlackRating,
		rec.Result, rec.Reason, rec.Winner,
		string(movesRaw), string(movesUCIRaw), string(movesSANRaw), rec.PGN,
		rec.StartedAt, rec.EndedAt, duration,
	)
	return err
}
