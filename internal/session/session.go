// Package session owns live games: creation, the move pipeline, termination,
// and cleanup of finished sessions. Each session is guarded by its own mutex
// so at most one writer mutates a given board at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kapu/chessmentor-go/internal/archive"
	"github.com/kapu/chessmentor-go/internal/protocol"
	"github.com/kapu/chessmentor-go/internal/rules"
)

// EngineID is the reserved player id occupying one side of an engine game.
const EngineID = "engine"

type State string

const (
	StateActive   State = "active"
	StateFinished State = "finished"
)

type Mode string

const (
	ModeEngine Mode = "engine"
	ModePeer   Mode = "peer"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrTooManySessions  = errors.New("too many concurrent sessions")
)

// IllegalMoveError carries the legal move set alongside the rejection so the
// client can recover without a second round trip.
type IllegalMoveError struct {
	Move       string
	LegalMoves []string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move: %s", e.Move)
}

func (e *IllegalMoveError) Unwrap() error {
	return rules.ErrIllegalMove
}

// Broadcaster delivers server events to connections. Implemented by the
// websocket transport over the connection registry.
type Broadcaster interface {
	Send(ctx context.Context, connID string, event protocol.ServerEvent) error
	Broadcast(ctx context.Context, connIDs []string, event protocol.ServerEvent)
}

// Suggester answers best-move queries for engine-backed sessions.
type Suggester interface {
	Suggest(ctx context.Context, fen string, moves []string, preset string) (string, error)
}

type side struct {
	ID     string
	Name   string
	Rating int
}

// Session is one live or recently finished game.
type Session struct {
	ID        string
	Mode      Mode
	Preset    string
	CreatedAt time.Time

	mu         sync.Mutex
	game       *rules.Game
	state      State
	white      side
	black      side
	moveLog    []archive.MoveEntry
	result     rules.Result
	finishedAt time.Time
	graceTimer *time.Timer
}

// recordMove appends one applied move to the session's move log. Caller must
// hold s.mu.
func (s *Session) recordMove(uci, san string, by rules.Color) {
	s.moveLog = append(s.moveLog, archive.MoveEntry{
		UCI:  uci,
		SAN:  san,
		Side: string(by),
		At:   time.Now(),
	})
}

func (s *Session) sideOf(playerID string) (rules.Color, bool) {
	switch playerID {
	case s.white.ID:
		return rules.White, true
	case s.black.ID:
		return rules.Black, true
	}
	return "", false
}

func (s *Session) playerOf(color rules.Color) side {
	if color == rules.White {
		return s.white
	}
	return s.black
}

// humanIDs lists the connection ids of the human participants.
func (s *Session) humanIDs() []string {
	ids := make([]string, 0, 2)
	if s.white.ID != EngineID {
		ids = append(ids, s.white.ID)
	}
	if s.black.ID != EngineID {
		ids = append(ids, s.black.ID)
	}
	return ids
}

// positionInfo snapshots the board for the wire. Caller must hold s.mu.
func (s *Session) positionInfo() protocol.PositionInfo {
	result, over := s.game.Terminal()
	return protocol.PositionInfo{
		FEN:        s.game.FEN(),
		Turn:       string(s.game.Turn()),
		LegalMoves: s.game.LegalMoves(),
		MoveCount:  s.game.MoveCount(),
		InCheck:    s.game.InCheck(),
		Checkmate:  over && result.Classification == rules.ClassCheckmate,
		Stalemate:  over && result.Classification == rules.ClassStalemate,
		GameOver:   over,
	}
}

// Summary is the read-only view exported to the ops listener.
type Summary struct {
	ID        string    `json:"session_id"`
	Mode      string    `json:"mode"`
	White     string    `json:"white"`
	Black     string    `json:"black"`
	MoveCount int       `json:"move_count"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
