// Package protocol defines the client-facing message envelope: every frame is
// {action|type, data} with a fixed set of tags. Unknown tags are rejected at
// parse time instead of being silently dropped.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client -> server actions.
const (
	ActionJoin        = "join"
	ActionFindGame    = "find_game"
	ActionMakeMove    = "make_move"
	ActionResign      = "resign"
	ActionGetPosition = "get_position"
)

// Server -> client event types.
const (
	EventConnected            = "connected"
	EventSearching            = "searching"
	EventSearchTimeout        = "search_timeout"
	EventGameStart            = "game_start"
	EventMoveMade             = "move_made"
	EventMoveRejected         = "move_rejected"
	EventGameEnd              = "game_end"
	EventOpponentDisconnected = "opponent_disconnected"
	EventPositionUpdate       = "position_update"
	EventError                = "error"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownAction    = errors.New("unknown action")
)

var knownActions = map[string]struct{}{
	ActionJoin:        {},
	ActionFindGame:    {},
	ActionMakeMove:    {},
	ActionResign:      {},
	ActionGetPosition: {},
}

// ClientMessage is the raw inbound envelope. Data stays undecoded until the
// handler for the action picks its payload type.
type ClientMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the outbound envelope.
type ServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ParseClient decodes one inbound frame and validates its action tag.
func ParseClient(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	action := strings.TrimSpace(msg.Action)
	if action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedMessage)
	}
	if _, ok := knownActions[action]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	msg.Action = action
	return &msg, nil
}

// Action payloads.

type JoinData struct {
	Name   string `json:"name,omitempty"`
	Rating int    `json:"elo,omitempty"`
}

type FindGameData struct {
	Mode   string `json:"mode"`
	Color  string `json:"color,omitempty"`
	Rating int    `json:"rating,omitempty"`
}

type MakeMoveData struct {
	Move string `json:"move"`
}

func (m *ClientMessage) DecodeJoin() (JoinData, error) {
	var d JoinData
	return d, m.decodeData(&d)
}

func (m *ClientMessage) DecodeFindGame() (FindGameData, error) {
	var d FindGameData
	if err := m.decodeData(&d); err != nil {
		return d, err
	}
	d.Mode = strings.ToLower(strings.TrimSpace(d.Mode))
	d.Color = strings.ToLower(strings.TrimSpace(d.Color))
	return d, nil
}

func (m *ClientMessage) DecodeMakeMove() (MakeMoveData, error) {
	var d MakeMoveData
	if err := m.decodeData(&d); err != nil {
		return d, err
	}
	d.Move = strings.TrimSpace(d.Move)
	if d.Move == "" {
		return d, fmt.Errorf("%w: move required", ErrMalformedMessage)
	}
	return d, nil
}

func (m *ClientMessage) decodeData(dst any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Event payloads.

// PositionInfo mirrors the position snapshot the client renders from.
type PositionInfo struct {
	FEN        string   `json:"fen"`
	Turn       string   `json:"turn"`
	LegalMoves []string `json:"legal_moves"`
	MoveCount  int      `json:"move_count"`
	InCheck    bool     `json:"is_check"`
	Checkmate  bool     `json:"is_checkmate"`
	Stalemate  bool     `json:"is_stalemate"`
	GameOver   bool     `json:"is_game_over"`
}

type ConnectedData struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Rating   int    `json:"elo"`
	Message  string `json:"message,omitempty"`
}

type SearchingData struct {
	Message string `json:"message,omitempty"`
}

type SearchTimeoutData struct {
	Message string `json:"message,omitempty"`
}

type OpponentInfo struct {
	Name   string `json:"name"`
	Rating int    `json:"elo"`
}

type GameStartData struct {
	SessionID string       `json:"session_id"`
	Color     string       `json:"color"`
	Opponent  OpponentInfo `json:"opponent"`
	Position  PositionInfo `json:"position"`
}

type MoveMadeData struct {
	Move     string       `json:"move"`
	By       string       `json:"by"`
	Position PositionInfo `json:"position"`
}

type MoveRejectedData struct {
	Reason     string   `json:"reason"`
	LegalMoves []string `json:"legal_moves,omitempty"`
}

type GameEndData struct {
	Result        string       `json:"result"`
	Reason        string       `json:"reason"`
	Winner        string       `json:"winner,omitempty"`
	PGN           string       `json:"pgn,omitempty"`
	FinalPosition PositionInfo `json:"final_position"`
}

type OpponentDisconnectedData struct {
	Message string `json:"message,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}
