package session

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/archive"
	"github.com/kapu/chessmentor-go/internal/obslog"
	"github.com/kapu/chessmentor-go/internal/player"
	"github.com/kapu/chessmentor-go/internal/protocol"
	"github.com/kapu/chessmentor-go/internal/rules"
)

// EngineName is the display name engine opponents appear under.
const EngineName = "ChessMentor AI"

// Recorder receives finished games for persistence. Implementations must not
// block the caller on store failures.
type Recorder interface {
	RecordGame(ctx context.Context, rec archive.Record)
}

type Config struct {
	DisconnectGrace   time.Duration
	FinishedRetention time.Duration
	MaxConcurrent     int
	DefaultPreset     string
}

type Manager struct {
	cfg       Config
	broadcast Broadcaster
	suggest   Suggester
	dir       *player.Directory
	recorder  Recorder

	// mu guards the tables below. Never acquire a session's own mutex while
	// holding mu; the finish path locks them in the opposite order.
	mu       sync.Mutex
	sessions map[string]*Session
	byPlayer map[string]string
	active   int
}

func NewManager(cfg Config, b Broadcaster, s Suggester, dir *player.Directory, rec Recorder) *Manager {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = 60 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 200
	}
	return &Manager{
		cfg:       cfg,
		broadcast: b,
		suggest:   s,
		dir:       dir,
		recorder:  rec,
		sessions:  make(map[string]*Session),
		byPlayer:  make(map[string]string),
	}
}

// CreateEngineSession starts a game against the engine. When the player takes
// black the engine's first move is made before this returns, so the client
// sees game_start followed immediately by move_made.
func (m *Manager) CreateEngineSession(ctx context.Context, p player.Player, colorPref string) (*Session, error) {
	playerColor := pickColor(colorPref)

	s := &Session{
		ID:        uuid.NewString(),
		Mode:      ModeEngine,
		Preset:    m.cfg.DefaultPreset,
		CreatedAt: time.Now(),
		game:      rules.NewGame(),
		state:     StateActive,
	}
	human := side{ID: p.ID, Name: p.Name, Rating: p.Rating}
	engine := side{ID: EngineID, Name: EngineName}
	if playerColor == rules.White {
		s.white, s.black = human, engine
	} else {
		s.white, s.black = engine, human
	}

	if err := m.admit(s, p.ID); err != nil {
		return nil, err
	}

	obslog.L().Info("engine session created",
		zap.String("session_id", s.ID),
		zap.String("player_id", p.ID),
		zap.String("player_color", string(playerColor)),
		zap.String("preset", s.Preset))

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = m.broadcast.Send(ctx, p.ID, protocol.ServerEvent{
		Type: protocol.EventGameStart,
		Data: protocol.GameStartData{
			SessionID: s.ID,
			Color:     string(playerColor),
			Opponent:  protocol.OpponentInfo{Name: EngineName},
			Position:  s.positionInfo(),
		},
	})

	if playerColor == rules.Black {
		m.engineMoveLocked(ctx, s)
	}
	return s, nil
}

// CreatePeerSession starts a game between two matched players. Colors are
// assigned at random.
func (m *Manager) CreatePeerSession(ctx context.Context, a, b player.Player) (*Session, error) {
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err == nil && buf[0]&1 == 1 {
		a, b = b, a
	}

	s := &Session{
		ID:        uuid.NewString(),
		Mode:      ModePeer,
		CreatedAt: time.Now(),
		game:      rules.NewGame(),
		state:     StateActive,
		white:     side{ID: a.ID, Name: a.Name, Rating: a.Rating},
		black:     side{ID: b.ID, Name: b.Name, Rating: b.Rating},
	}

	if err := m.admit(s, a.ID, b.ID); err != nil {
		return nil, err
	}

	obslog.L().Info("peer session created",
		zap.String("session_id", s.ID),
		zap.String("white_id", a.ID),
		zap.String("black_id", b.ID))

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positionInfo()
	_ = m.broadcast.Send(ctx, s.white.ID, protocol.ServerEvent{
		Type: protocol.EventGameStart,
		Data: protocol.GameStartData{
			SessionID: s.ID,
			Color:     string(rules.White),
			Opponent:  protocol.OpponentInfo{Name: s.black.Name, Rating: s.black.Rating},
			Position:  pos,
		},
	})
	_ = m.broadcast.Send(ctx, s.black.ID, protocol.ServerEvent{
		Type: protocol.EventGameStart,
		Data: protocol.GameStartData{
			SessionID: s.ID,
			Color:     string(rules.Black),
			Opponent:  protocol.OpponentInfo{Name: s.white.Name, Rating: s.white.Rating},
			Position:  pos,
		},
	})
	return s, nil
}

// admit registers the session if capacity allows and binds the players to it.
func (m *Manager) admit(s *Session, playerIDs ...string) error {
	m.mu.Lock()
	if m.active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return ErrTooManySessions
	}
	m.active++
	m.sessions[s.ID] = s
	for _, id := range playerIDs {
		m.byPlayer[id] = s.ID
	}
	m.mu.Unlock()

	for _, id := range playerIDs {
		_ = m.dir.MarkInSession(id, s.ID)
	}
	return nil
}

// SubmitMove runs the whole move pipeline: turn check, legality, broadcast,
// terminal detection, and the engine reply when one is due.
func (m *Manager) SubmitMove(ctx context.Context, playerID, moveText string) error {
	s, err := m.sessionFor(playerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrSessionNotActive
	}
	color, ok := s.sideOf(playerID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.game.Turn() != color {
		// In an engine session a pending engine reply may have failed; a
		// re-submission doubles as the retry trigger for it.
		if s.Mode != ModeEngine || s.playerOf(s.game.Turn()).ID != EngineID {
			return ErrNotYourTurn
		}
		m.engineMoveLocked(ctx, s)
		if s.state != StateActive {
			return ErrSessionNotActive
		}
		if s.game.Turn() != color {
			return ErrNotYourTurn
		}
	}

	uci, san, err := s.game.ApplyMove(moveText)
	if err != nil {
		return &IllegalMoveError{Move: moveText, LegalMoves: s.game.LegalMoves()}
	}
	s.recordMove(uci, san, color)

	m.broadcast.Broadcast(ctx, s.humanIDs(), protocol.ServerEvent{
		Type: protocol.EventMoveMade,
		Data: protocol.MoveMadeData{
			Move:     uci,
			By:       s.playerOf(color).Name,
			Position: s.positionInfo(),
		},
	})

	if result, over := s.game.Terminal(); over {
		m.finishLocked(ctx, s, result)
		return nil
	}

	if s.Mode == ModeEngine && s.playerOf(s.game.Turn()).ID == EngineID {
		m.engineMoveLocked(ctx, s)
	}
	return nil
}

// engineMoveLocked asks the oracle for the engine side's move and applies it.
// An oracle failure is reported to the human side and the session stays
// active; the player can wait for the next attempt or resign. Caller must
// hold s.mu.
func (m *Manager) engineMoveLocked(ctx context.Context, s *Session) {
	engineColor := s.game.Turn()
	move, err := m.suggest.Suggest(ctx, s.game.FEN(), nil, s.Preset)
	if err != nil {
		obslog.L().Error("oracle move failed",
			zap.String("session_id", s.ID),
			zap.Error(err))
		m.broadcast.Broadcast(ctx, s.humanIDs(), protocol.ServerEvent{
			Type: protocol.EventError,
			Data: protocol.ErrorData{Message: "engine opponent unavailable, resign or wait and retry"},
		})
		return
	}

	uci, san, err := s.game.ApplyMove(move)
	if err != nil {
		obslog.L().Error("oracle returned illegal move",
			zap.String("session_id", s.ID),
			zap.String("move", move))
		m.broadcast.Broadcast(ctx, s.humanIDs(), protocol.ServerEvent{
			Type: protocol.EventError,
			Data: protocol.ErrorData{Message: "engine opponent unavailable, resign or wait and retry"},
		})
		return
	}
	s.recordMove(uci, san, engineColor)

	m.broadcast.Broadcast(ctx, s.humanIDs(), protocol.ServerEvent{
		Type: protocol.EventMoveMade,
		Data: protocol.MoveMadeData{
			Move:     uci,
			By:       EngineName,
			Position: s.positionInfo(),
		},
	})

	if result, over := s.game.Terminal(); over {
		m.finishLocked(ctx, s, result)
	}
}

// Resign ends the caller's game in the opponent's favor.
func (m *Manager) Resign(ctx context.Context, playerID string) error {
	s, err := m.sessionFor(playerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrSessionNotActive
	}
	color, ok := s.sideOf(playerID)
	if !ok {
		return ErrSessionNotFound
	}

	m.finishLocked(ctx, s, rules.Result{
		Classification: rules.ClassResignation,
		Winner:         color.Opponent(),
	})
	return nil
}

// HandleDisconnect reacts to a player's connection going away. Engine games
// end immediately; peer games notify the opponent and start the grace timer,
// after which the stayer wins by abandonment.
func (m *Manager) HandleDisconnect(playerID string) {
	s, err := m.sessionFor(playerID)
	if err != nil {
		return
	}
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}
	color, ok := s.sideOf(playerID)
	if !ok {
		return
	}

	if s.Mode == ModeEngine {
		m.finishLocked(ctx, s, rules.Result{
			Classification: rules.ClassAbandonment,
			Winner:         color.Opponent(),
		})
		return
	}

	opponent := s.playerOf(color.Opponent())
	_ = m.broadcast.Send(ctx, opponent.ID, protocol.ServerEvent{
		Type: protocol.EventOpponentDisconnected,
		Data: protocol.OpponentDisconnectedData{
			Message: s.playerOf(color).Name + " disconnected",
		},
	})

	obslog.L().Info("disconnect grace started",
		zap.String("session_id", s.ID),
		zap.String("player_id", playerID),
		zap.Duration("grace", m.cfg.DisconnectGrace))

	winner := color.Opponent()
	s.graceTimer = time.AfterFunc(m.cfg.DisconnectGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateActive {
			return
		}
		m.finishLocked(context.Background(), s, rules.Result{
			Classification: rules.ClassAbandonment,
			Winner:         winner,
		})
	})
}

// GetPosition returns the caller's current board snapshot.
func (m *Manager) GetPosition(playerID string) (protocol.PositionInfo, error) {
	s, err := m.sessionFor(playerID)
	if err != nil {
		return protocol.PositionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionInfo(), nil
}

// finishLocked seals the session: result, ratings, notifications, archive.
// Caller must hold s.mu.
func (m *Manager) finishLocked(ctx context.Context, s *Session, result rules.Result) {
	if s.state != StateActive {
		return
	}
	s.state = StateFinished
	s.result = result
	s.finishedAt = time.Now()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	whiteScore := 0.5
	switch result.Winner {
	case rules.White:
		whiteScore = 1
	case rules.Black:
		whiteScore = 0
	}

	rated := s.Mode == ModePeer
	if rated {
		newWhite, newBlack := archive.EloPair(s.white.Rating, s.black.Rating, whiteScore)
		m.dir.SetRating(s.white.ID, newWhite)
		m.dir.SetRating(s.black.ID, newBlack)
		s.white.Rating, s.black.Rating = newWhite, newBlack
	}

	pgn := rules.PGN(rules.PGNHeader{
		White:       s.white.Name,
		Black:       s.black.Name,
		Date:        s.CreatedAt,
		Termination: result.Classification,
		Winner:      result.Winner,
	}, s.game.MovesSAN())

	m.broadcast.Broadcast(ctx, s.humanIDs(), protocol.ServerEvent{
		Type: protocol.EventGameEnd,
		Data: protocol.GameEndData{
			Result:        resultToken(result),
			Reason:        string(result.Classification),
			Winner:        string(result.Winner),
			PGN:           pgn,
			FinalPosition: s.positionInfo(),
		},
	})

	obslog.L().Info("session finished",
		zap.String("session_id", s.ID),
		zap.String("result", resultToken(result)),
		zap.String("reason", string(result.Classification)),
		zap.Int("moves", s.game.MoveCount()))

	for _, id := range s.humanIDs() {
		m.dir.ClearSession(id, s.ID)
	}
	m.mu.Lock()
	for _, id := range s.humanIDs() {
		if m.byPlayer[id] == s.ID {
			delete(m.byPlayer, id)
		}
	}
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()

	if m.recorder != nil {
		rec := archive.Record{
			SessionID:   s.ID,
			Mode:        string(s.Mode),
			WhiteName:   s.white.Name,
			BlackName:   s.black.Name,
			WhiteRating: s.white.Rating,
			BlackRating: s.black.Rating,
			Result:      resultToken(result),
			Reason:      string(result.Classification),
			Winner:      string(result.Winner),
			WhiteScore:  whiteScore,
			Rated:       rated,
			Moves:       append([]archive.MoveEntry(nil), s.moveLog...),
			MovesUCI:    s.game.MovesUCI(),
			MovesSAN:    s.game.MovesSAN(),
			PGN:         pgn,
			StartedAt:   s.CreatedAt,
			EndedAt:     s.finishedAt,
		}
		go m.recorder.RecordGame(context.Background(), rec)
	}
}

func resultToken(r rules.Result) string {
	switch r.Winner {
	case rules.White:
		return "white_won"
	case rules.Black:
		return "black_won"
	}
	return "draw"
}

func (m *Manager) sessionFor(playerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPlayer[playerID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// ActiveCount reports the number of sessions still in play.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot lists all tracked sessions for the ops surface.
func (m *Manager) Snapshot() []Summary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, Summary{
			ID:        s.ID,
			Mode:      string(s.Mode),
			White:     s.white.Name,
			Black:     s.black.Name,
			MoveCount: s.game.MoveCount(),
			State:     string(s.state),
			CreatedAt: s.CreatedAt,
		})
		s.mu.Unlock()
	}
	return out
}

func pickColor(pref string) rules.Color {
	switch pref {
	case "white":
		return rules.White
	case "black":
		return rules.Black
	}
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err == nil && buf[0]&1 == 1 {
		return rules.Black
	}
	return rules.White
}
