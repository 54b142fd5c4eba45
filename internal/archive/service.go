// Package archive persists what outlives a session: player rating profiles
// in redis and finished games in postgres. Both stores are optional and the
// session layer never blocks or fails on them.
package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
)

const persistTimeout = 10 * time.Second

// MoveEntry is one applied move with its producing side and wall-clock time.
type MoveEntry struct {
	UCI  string    `json:"uci"`
	SAN  string    `json:"san"`
	Side string    `json:"side"`
	At   time.Time `json:"at"`
}

// Record is everything worth keeping about one finished game.
type Record struct {
	SessionID   string
	Mode        string
	WhiteName   string
	BlackName   string
	WhiteRating int
	BlackRating int
	Result      string
	Reason      string
	Winner      string
	WhiteScore  float64
	Rated       bool
	Moves       []MoveEntry
	MovesUCI    []string
	MovesSAN    []string
	PGN         string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Service fans a finished game out to whichever stores are configured.
type Service struct {
	ratings *RatingStore
	repo    *Repository
}

// New builds the service from the configured URLs. An empty URL disables
// that store; a reachable-but-broken one is a startup error.
func New(redisURL, databaseURL string) (*Service, error) {
	s := &Service{}
	if redisURL != "" {
		ratings, err := NewRatingStore(redisURL)
		if err != nil {
			return nil, err
		}
		s.ratings = ratings
	}
	if databaseURL != "" {
		repo, err := NewRepository(databaseURL)
		if err != nil {
			return nil, err
		}
		s.repo = repo
	}
	return s, nil
}

// NewWithStores wires the service from prebuilt stores. Used by tests.
func NewWithStores(ratings *RatingStore, repo *Repository) *Service {
	return &Service{ratings: ratings, repo: repo}
}

// LookupRating fetches a returning player's stored rating by name.
func (s *Service) LookupRating(ctx context.Context, name string) (int, bool) {
	if s == nil || s.ratings == nil || name == "" {
		return 0, false
	}
	p, err := s.ratings.Load(ctx, name)
	if err != nil {
		obslog.L().Warn("rating lookup failed", zap.String("player", name), zap.Error(err))
		return 0, false
	}
	if p == nil {
		return 0, false
	}
	return p.Rating, true
}

// RecordGame persists one finished game. Failures are logged and swallowed;
// a dead archive must never take down a live game server.
func (s *Service) RecordGame(ctx context.Context, rec Record) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if s.ratings != nil && rec.Rated {
		err := s.ratings.ApplyResult(ctx, rec.WhiteName, rec.BlackName, rec.WhiteRating, rec.BlackRating, rec.WhiteScore)
		if err != nil {
			obslog.L().Error("rating persist failed",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
		}
	}

	if s.repo != nil {
		if err := s.repo.SaveGame(ctx, rec); err != nil {
			obslog.L().Error("game persist failed",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
		} else {
			obslog.L().Info("game archived",
				zap.String("session_id", rec.SessionID),
				zap.String("result", rec.Result))
		}
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.ratings != nil {
		_ = s.ratings.Close()
	}
	if s.repo != nil {
		_ = s.repo.Close()
	}
}
