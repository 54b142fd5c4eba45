// Package ws is the websocket edge: it accepts connections, decodes frames,
// routes actions into the game core, and encodes events back out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/archive"
	"github.com/kapu/chessmentor-go/internal/match"
	"github.com/kapu/chessmentor-go/internal/obslog"
	"github.com/kapu/chessmentor-go/internal/player"
	"github.com/kapu/chessmentor-go/internal/protocol"
	"github.com/kapu/chessmentor-go/internal/registry"
	"github.com/kapu/chessmentor-go/internal/session"
)

const defaultPlayerName = "Anonymous"

// Hub glues the registry, directory, matchmaker, and session manager
// together. It also implements session.Broadcaster by marshalling events
// into registry payloads.
type Hub struct {
	reg           *registry.Registry
	dir           *player.Directory
	arch          *archive.Service
	defaultRating int

	mm       *match.Matchmaker
	sessions *session.Manager
}

func NewHub(reg *registry.Registry, dir *player.Directory, arch *archive.Service, defaultRating int) *Hub {
	return &Hub{
		reg:           reg,
		dir:           dir,
		arch:          arch,
		defaultRating: defaultRating,
	}
}

// Bind attaches the matchmaker and session manager after construction; both
// need the hub as their broadcaster, so wiring is two-phase.
func (h *Hub) Bind(mm *match.Matchmaker, sessions *session.Manager) {
	h.mm = mm
	h.sessions = sessions
}

// Send implements session.Broadcaster.
func (h *Hub) Send(ctx context.Context, connID string, event protocol.ServerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.reg.Send(ctx, connID, payload)
}

// Broadcast implements session.Broadcaster.
func (h *Hub) Broadcast(ctx context.Context, connIDs []string, event protocol.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		obslog.L().Error("event marshal failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	h.reg.Broadcast(ctx, connIDs, payload)
}

func (h *Hub) sendError(ctx context.Context, connID, message string) {
	_ = h.Send(ctx, connID, protocol.ServerEvent{
		Type: protocol.EventError,
		Data: protocol.ErrorData{Message: message},
	})
}

// HandleMessage processes one inbound frame from an established connection.
func (h *Hub) HandleMessage(ctx context.Context, connID string, raw []byte) {
	msg, err := protocol.ParseClient(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) {
			h.sendError(ctx, connID, err.Error())
		} else {
			h.sendError(ctx, connID, "invalid message format")
		}
		return
	}

	switch msg.Action {
	case protocol.ActionJoin:
		h.handleJoin(ctx, connID, msg)
	case protocol.ActionFindGame:
		h.handleFindGame(ctx, connID, msg)
	case protocol.ActionMakeMove:
		h.handleMakeMove(ctx, connID, msg)
	case protocol.ActionResign:
		h.handleResign(ctx, connID)
	case protocol.ActionGetPosition:
		h.handleGetPosition(ctx, connID)
	}
}

func (h *Hub) handleJoin(ctx context.Context, connID string, msg *protocol.ClientMessage) {
	data, err := msg.DecodeJoin()
	if err != nil {
		h.sendError(ctx, connID, "invalid join data")
		return
	}

	name := strings.TrimSpace(data.Name)
	if name == "" {
		name = defaultPlayerName
	}
	rating := data.Rating
	if rating <= 0 {
		if stored, ok := h.arch.LookupRating(ctx, name); ok {
			rating = stored
		} else {
			rating = h.defaultRating
		}
	}

	p, err := h.dir.Join(connID, name, rating)
	if err != nil {
		h.sendError(ctx, connID, "already joined")
		return
	}

	obslog.L().Info("player joined",
		zap.String("player_id", p.ID),
		zap.String("name", p.Name),
		zap.Int("rating", p.Rating))

	_ = h.Send(ctx, connID, protocol.ServerEvent{
		Type: protocol.EventConnected,
		Data: protocol.ConnectedData{
			PlayerID: p.ID,
			Name:     p.Name,
			Rating:   p.Rating,
			Message:  "Welcome, " + p.Name,
		},
	})
}

func (h *Hub) handleFindGame(ctx context.Context, connID string, msg *protocol.ClientMessage) {
	data, err := msg.DecodeFindGame()
	if err != nil {
		h.sendError(ctx, connID, "invalid find_game data")
		return
	}

	p, ok := h.dir.Get(connID)
	if !ok {
		h.sendError(ctx, connID, "join before searching for a game")
		return
	}
	if p.InSession {
		h.sendError(ctx, connID, "already in a game")
		return
	}

	queued, err := h.mm.RequestMatch(match.Candidate{
		PlayerID: p.ID,
		Name:     p.Name,
		Rating:   p.Rating,
	}, data.Mode, data.Color)
	if err != nil {
		switch {
		case errors.Is(err, match.ErrAlreadyQueued):
			h.sendError(ctx, connID, "already searching for a game")
		case errors.Is(err, match.ErrUnknownMode):
			h.sendError(ctx, connID, "unknown game mode: "+data.Mode)
		default:
			h.sendError(ctx, connID, "matchmaking failed")
		}
		return
	}
	if queued {
		_ = h.Send(ctx, connID, protocol.ServerEvent{
			Type: protocol.EventSearching,
			Data: protocol.SearchingData{Message: "Looking for an opponent..."},
		})
	}
}

func (h *Hub) handleMakeMove(ctx context.Context, connID string, msg *protocol.ClientMessage) {
	data, err := msg.DecodeMakeMove()
	if err != nil {
		h.sendError(ctx, connID, "move required")
		return
	}

	err = h.sessions.SubmitMove(ctx, connID, data.Move)
	if err == nil {
		return
	}

	var illegal *session.IllegalMoveError
	switch {
	case errors.As(err, &illegal):
		_ = h.Send(ctx, connID, protocol.ServerEvent{
			Type: protocol.EventMoveRejected,
			Data: protocol.MoveRejectedData{
				Reason:     "illegal move: " + illegal.Move,
				LegalMoves: illegal.LegalMoves,
			},
		})
	case errors.Is(err, session.ErrNotYourTurn):
		_ = h.Send(ctx, connID, protocol.ServerEvent{
			Type: protocol.EventMoveRejected,
			Data: protocol.MoveRejectedData{Reason: "not your turn"},
		})
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionNotActive):
		h.sendError(ctx, connID, "no active game")
	default:
		h.sendError(ctx, connID, "move failed")
	}
}

func (h *Hub) handleResign(ctx context.Context, connID string) {
	if err := h.sessions.Resign(ctx, connID); err != nil {
		h.sendError(ctx, connID, "no active game")
	}
}

func (h *Hub) handleGetPosition(ctx context.Context, connID string) {
	pos, err := h.sessions.GetPosition(connID)
	if err != nil {
		h.sendError(ctx, connID, "no active game")
		return
	}
	_ = h.Send(ctx, connID, protocol.ServerEvent{
		Type: protocol.EventPositionUpdate,
		Data: struct {
			Position protocol.PositionInfo `json:"position"`
		}{Position: pos},
	})
}

// Matchmaker callbacks.

// OnMatch starts a peer session for two dequeued players.
func (h *Hub) OnMatch(opponent, requester match.Candidate) {
	ctx := context.Background()

	a, okA := h.dir.Get(opponent.PlayerID)
	b, okB := h.dir.Get(requester.PlayerID)
	if !okA || !okB {
		for _, c := range []match.Candidate{opponent, requester} {
			if _, ok := h.dir.Get(c.PlayerID); ok {
				h.sendError(ctx, c.PlayerID, "opponent left before the game started")
			}
		}
		return
	}

	if _, err := h.sessions.CreatePeerSession(ctx, a, b); err != nil {
		obslog.L().Error("peer session creation failed", zap.Error(err))
		h.sendError(ctx, a.ID, "could not start game")
		h.sendError(ctx, b.ID, "could not start game")
	}
}

// OnTimeout tells a queued player the search expired.
func (h *Hub) OnTimeout(playerID string) {
	_ = h.Send(context.Background(), playerID, protocol.ServerEvent{
		Type: protocol.EventSearchTimeout,
		Data: protocol.SearchTimeoutData{Message: "No opponent found. Try an engine game?"},
	})
}

// OnEngine starts an engine session for the requester.
func (h *Hub) OnEngine(requester match.Candidate, color string) {
	ctx := context.Background()
	p, ok := h.dir.Get(requester.PlayerID)
	if !ok {
		return
	}
	if _, err := h.sessions.CreateEngineSession(ctx, p, color); err != nil {
		obslog.L().Error("engine session creation failed",
			zap.String("player_id", p.ID),
			zap.Error(err))
		if errors.Is(err, session.ErrTooManySessions) {
			h.sendError(ctx, p.ID, "server is full, try again later")
			return
		}
		h.sendError(ctx, p.ID, "could not start engine game")
	}
}

// OnDisconnect is the registry's teardown handler.
func (h *Hub) OnDisconnect(connID string) {
	h.mm.Cancel(connID)
	h.dir.Remove(connID)
	h.sessions.HandleDisconnect(connID)
}
