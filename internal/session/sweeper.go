package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
)

// SweepOnce drops finished sessions past the retention window. Active
// sessions are never touched, whatever their age.
func (m *Manager) SweepOnce() int {
	cutoff := time.Now().Add(-m.cfg.FinishedRetention)

	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	var stale []string
	for _, s := range candidates {
		s.mu.Lock()
		if s.state == StateFinished && s.finishedAt.Before(cutoff) {
			stale = append(stale, s.ID)
		}
		s.mu.Unlock()
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(stale) > 0 {
		obslog.L().Info("swept finished sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps on the given interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}
