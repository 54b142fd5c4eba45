package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileTTL = 90 * 24 * time.Hour

// Profile is a player's persisted rating record, keyed by display name so a
// returning player picks up where the last session left off.
type Profile struct {
	Name      string    `json:"name"`
	Rating    int       `json:"elo"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Draws     int       `json:"draws"`
	Games     int       `json:"games"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RatingStore persists player profiles in redis.
type RatingStore struct {
	rdb *redis.Client
}

func NewRatingStore(redisURL string) (*RatingStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RatingStore{rdb: rdb}, nil
}

// NewRatingStoreWithClient wraps an existing client. Used by tests.
func NewRatingStoreWithClient(rdb *redis.Client) *RatingStore {
	return &RatingStore{rdb: rdb}
}

func profileKey(name string) string {
	return "player:profile:" + strings.ToLower(strings.TrimSpace(name))
}

// Load returns the stored profile, or nil when the player is unknown.
func (s *RatingStore) Load(ctx context.Context, name string) (*Profile, error) {
	raw, err := s.rdb.Get(ctx, profileKey(name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RatingStore) Save(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, profileKey(p.Name), raw, profileTTL).Err()
}

// ApplyResult folds one finished game into both profiles, creating them at
// the fallback rating when absent. whiteScore follows EloPair conventions.
func (s *RatingStore) ApplyResult(ctx context.Context, whiteName, blackName string, newWhite, newBlack int, whiteScore float64) error {
	update := func(name string, rating int, score float64) error {
		p, err := s.Load(ctx, name)
		if err != nil {
			return err
		}
		if p == nil {
			p = &Profile{Name: strings.TrimSpace(name)}
		}
		p.Rating = rating
		p.Games++
		switch {
		case score > 0.5:
			p.Wins++
		case score < 0.5:
			p.Losses++
		default:
			p.Draws++
		}
		return s.Save(ctx, p)
	}

	if err := update(whiteName, newWhite, whiteScore); err != nil {
		return err
	}
	return update(blackName, newBlack, 1-whiteScore)
}

func (s *RatingStore) Close() error {
	return s.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
