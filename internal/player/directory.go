// Package player keeps the in-memory directory of joined players. Player ids
// are the connection ids, so one socket is one player for its lifetime.
package player

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateConnection = errors.New("connection already joined")
	ErrPlayerNotFound      = errors.New("player not found")
)

// Player is the directory's record of one joined client.
type Player struct {
	ID        string
	Name      string
	Rating    int
	InSession bool
	SessionID string
	JoinedAt  time.Time
}

type Directory struct {
	mu      sync.Mutex
	players map[string]*Player
}

func NewDirectory() *Directory {
	return &Directory{players: make(map[string]*Player)}
}

// Join registers a player under its connection id. A second join on the same
// connection is rejected rather than overwriting the first.
func (d *Directory) Join(connID, name string, rating int) (Player, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.players[connID]; exists {
		return Player{}, ErrDuplicateConnection
	}
	p := &Player{
		ID:       connID,
		Name:     name,
		Rating:   rating,
		JoinedAt: time.Now(),
	}
	d.players[connID] = p
	return *p, nil
}

// Get returns a copy of the player record.
func (d *Directory) Get(connID string) (Player, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[connID]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// MarkInSession binds a player to a running game session.
func (d *Directory) MarkInSession(connID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[connID]
	if !ok {
		return ErrPlayerNotFound
	}
	p.InSession = true
	p.SessionID = sessionID
	return nil
}

// ClearSession releases a player from a session. Clearing a player whose
// session id no longer matches is a no-op, so a stale finish cannot clobber
// a newer game's binding.
func (d *Directory) ClearSession(connID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[connID]
	if !ok {
		return
	}
	if p.SessionID != sessionID {
		return
	}
	p.InSession = false
	p.SessionID = ""
}

// SetRating stores a recomputed rating for the player.
func (d *Directory) SetRating(connID string, rating int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.players[connID]; ok {
		p.Rating = rating
	}
}

// Remove deletes the player and reports whether it was mid-session, along
// with the session id so the caller can trigger abandonment handling.
func (d *Directory) Remove(connID string) (wasInSession bool, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[connID]
	if !ok {
		return false, ""
	}
	delete(d.players, connID)
	return p.InSession, p.SessionID
}

func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.players)
}
