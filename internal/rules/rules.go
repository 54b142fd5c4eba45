// Package rules wraps the chess rules library behind the narrow contract the
// session layer needs: legal moves, move application, and terminal-state
// classification. Everything here is deterministic and side-effect free.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Classification names why a game ended. When a position satisfies several
// draw conditions at once the first matching rule below wins.
type Classification string

const (
	ClassNone                 Classification = ""
	ClassCheckmate            Classification = "checkmate"
	ClassStalemate            Classification = "stalemate"
	ClassInsufficientMaterial Classification = "insufficient_material"
	ClassMoveLimit            Classification = "move_limit"
	ClassRepetition           Classification = "repetition"
	ClassResignation          Classification = "resignation"
	ClassAbandonment          Classification = "abandonment"
)

// Result describes a terminal game. Winner is empty for draws.
type Result struct {
	Classification Classification
	Winner         Color
}

var ErrIllegalMove = errors.New("illegal move")

// Game holds one live board plus the applied move history in both notations.
type Game struct {
	inner    *nchess.Game
	movesUCI []string
	movesSAN []string
}

func NewGame() *Game {
	return &Game{inner: nchess.NewGame()}
}

// Replay rebuilds a game from the start position by applying UCI moves in
// order. Used both for archived games and for the round-trip invariant.
func Replay(movesUCI []string) (*Game, error) {
	g := NewGame()
	for i, mv := range movesUCI {
		if _, _, err := g.ApplyMove(mv); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, mv, err)
		}
	}
	return g, nil
}

// ApplyMove validates and applies one move. Input is UCI preferred with SAN
// fallback. On success it returns the canonical UCI and SAN encodings; on
// failure the game state is unchanged and ErrIllegalMove is returned.
func (g *Game) ApplyMove(moveText string) (uci, san string, err error) {
	raw := strings.TrimSpace(moveText)
	if raw == "" {
		return "", "", ErrIllegalMove
	}

	pos := g.inner.Position()
	notationUCI := nchess.UCINotation{}
	notationSAN := nchess.AlgebraicNotation{}

	if mv, derr := notationUCI.Decode(pos, strings.ToLower(raw)); derr == nil {
		if merr := g.inner.Move(mv, nil); merr != nil {
			return "", "", ErrIllegalMove
		}
		uci = strings.ToLower(raw)
		san = notationSAN.Encode(pos, mv)
	} else {
		if merr := g.inner.PushNotationMove(raw, notationSAN, nil); merr != nil {
			return "", "", ErrIllegalMove
		}
		moves := g.inner.Moves()
		last := moves[len(moves)-1]
		uci = strings.ToLower(last.String())
		san = notationSAN.Encode(pos, last)
	}

	g.movesUCI = append(g.movesUCI, uci)
	g.movesSAN = append(g.movesSAN, san)
	return uci, san, nil
}

// LegalMoves returns the current legal move set in UCI, sorted for stable
// client display and test output.
func (g *Game) LegalMoves() []string {
	valid := g.inner.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, strings.ToLower(mv.String()))
	}
	sort.Strings(out)
	return out
}

func (g *Game) FEN() string {
	return g.inner.FEN()
}

func (g *Game) Turn() Color {
	if g.inner.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

func (g *Game) MoveCount() int {
	return len(g.movesUCI)
}

func (g *Game) MovesUCI() []string {
	return append([]string(nil), g.movesUCI...)
}

func (g *Game) MovesSAN() []string {
	return append([]string(nil), g.movesSAN...)
}

// InCheck reports whether the side to move is in check, read off the SAN
// suffix of the last applied move.
func (g *Game) InCheck() bool {
	if len(g.movesSAN) == 0 {
		return false
	}
	last := g.movesSAN[len(g.movesSAN)-1]
	return strings.HasSuffix(last, "+") || strings.HasSuffix(last, "#")
}

// Terminal reports whether the game has ended by rule, and how. Resignation
// and abandonment are session-level outcomes and never produced here.
func (g *Game) Terminal() (Result, bool) {
	outcome := g.inner.Outcome()
	if outcome == nchess.NoOutcome {
		return Result{}, false
	}

	var winner Color
	switch outcome {
	case nchess.WhiteWon:
		winner = White
	case nchess.BlackWon:
		winner = Black
	}

	var class Classification
	switch g.inner.Method() {
	case nchess.Checkmate:
		class = ClassCheckmate
	case nchess.Stalemate:
		class = ClassStalemate
	case nchess.InsufficientMaterial:
		class = ClassInsufficientMaterial
	case nchess.SeventyFiveMoveRule, nchess.FiftyMoveRule:
		class = ClassMoveLimit
	case nchess.FivefoldRepetition, nchess.ThreefoldRepetition:
		class = ClassRepetition
	default:
		if winner != "" {
			class = ClassCheckmate
		} else {
			class = ClassMoveLimit
		}
	}

	return Result{Classification: class, Winner: winner}, true
}
