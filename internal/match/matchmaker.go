// Package match pairs waiting players. The queue is FIFO with a rating
// window, so the longest-waiting compatible opponent wins the pairing.
package match

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
)

var (
	ErrAlreadyQueued = errors.New("player already in queue")
	ErrUnknownMode   = errors.New("unknown game mode")
)

// Candidate is one queued player.
type Candidate struct {
	PlayerID   string
	Name       string
	Rating     int
	EnqueuedAt time.Time
}

type waiting struct {
	Candidate
	timer *time.Timer
}

// Callbacks fire outside the queue lock. OnMatch receives the dequeued
// opponent first and the requesting player second.
type Callbacks struct {
	OnMatch   func(opponent, requester Candidate)
	OnTimeout func(playerID string)
	OnEngine  func(requester Candidate, color string)
}

type Config struct {
	RatingWindow int
	WaitTimeout  time.Duration
}

type Matchmaker struct {
	cfg       Config
	callbacks Callbacks

	mu    sync.Mutex
	queue []*waiting
}

func New(cfg Config, cb Callbacks) *Matchmaker {
	if cfg.RatingWindow <= 0 {
		cfg.RatingWindow = 300
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Matchmaker{cfg: cfg, callbacks: cb}
}

// RequestMatch routes an engine request straight to session creation and a
// peer request through the queue; anything else is rejected. The returned
// bool reports whether the player was left waiting in the queue.
func (m *Matchmaker) RequestMatch(c Candidate, mode, color string) (queued bool, err error) {
	switch mode {
	case "ai", "engine", "":
		if m.callbacks.OnEngine != nil {
			m.callbacks.OnEngine(c, color)
		}
		return false, nil
	case "peer", "multiplayer":
	default:
		return false, ErrUnknownMode
	}

	m.mu.Lock()
	for _, w := range m.queue {
		if w.PlayerID == c.PlayerID {
			m.mu.Unlock()
			return false, ErrAlreadyQueued
		}
	}

	idx := -1
	for i, w := range m.queue {
		if abs(w.Rating-c.Rating) <= m.cfg.RatingWindow {
			idx = i
			break
		}
	}

	if idx >= 0 {
		opponent := m.queue[idx]
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		opponent.timer.Stop()
		m.mu.Unlock()

		obslog.L().Info("players matched",
			zap.String("player_a", opponent.PlayerID),
			zap.String("player_b", c.PlayerID),
			zap.Int("rating_gap", abs(opponent.Rating-c.Rating)))
		if m.callbacks.OnMatch != nil {
			m.callbacks.OnMatch(opponent.Candidate, c)
		}
		return false, nil
	}

	w := &waiting{Candidate: c}
	w.EnqueuedAt = time.Now()
	w.timer = time.AfterFunc(m.cfg.WaitTimeout, func() {
		m.expire(c.PlayerID)
	})
	m.queue = append(m.queue, w)
	depth := len(m.queue)
	m.mu.Unlock()

	obslog.L().Info("player queued",
		zap.String("player_id", c.PlayerID),
		zap.Int("queue_depth", depth))
	return true, nil
}

// Cancel removes a player from the queue, reporting whether it was present.
func (m *Matchmaker) Cancel(playerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(playerID)
}

// Depth reports the number of waiting players.
func (m *Matchmaker) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// SweepStale drops entries older than maxAge. Timers normally expire entries
// first; this is the backstop the periodic sweeper runs.
func (m *Matchmaker) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for _, w := range m.queue {
		if w.EnqueuedAt.Before(cutoff) {
			stale = append(stale, w.PlayerID)
		}
	}
	for _, id := range stale {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	for _, id := range stale {
		if m.callbacks.OnTimeout != nil {
			m.callbacks.OnTimeout(id)
		}
	}
	return len(stale)
}

func (m *Matchmaker) expire(playerID string) {
	m.mu.Lock()
	removed := m.removeLocked(playerID)
	m.mu.Unlock()

	if removed && m.callbacks.OnTimeout != nil {
		obslog.L().Info("match wait timed out", zap.String("player_id", playerID))
		m.callbacks.OnTimeout(playerID)
	}
}

func (m *Matchmaker) removeLocked(playerID string) bool {
	for i, w := range m.queue {
		if w.PlayerID == playerID {
			w.timer.Stop()
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
