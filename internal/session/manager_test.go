package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kapu/chessmentor-go/internal/archive"
	"github.com/kapu/chessmentor-go/internal/player"
	"github.com/kapu/chessmentor-go/internal/protocol"
)

type sentEvent struct {
	to    string
	event protocol.ServerEvent
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeBroadcaster) Send(ctx context.Context, connID string, event protocol.ServerEvent) error {
	f.mu.Lock()
	f.events = append(f.events, sentEvent{to: connID, event: event})
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, connIDs []string, event protocol.ServerEvent) {
	for _, id := range connIDs {
		_ = f.Send(ctx, id, event)
	}
}

func (f *fakeBroadcaster) ofType(eventType string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBroadcaster) lastOfType(t *testing.T, eventType string) sentEvent {
	t.Helper()
	evs := f.ofType(eventType)
	if len(evs) == 0 {
		t.Fatalf("no %s event recorded", eventType)
	}
	return evs[len(evs)-1]
}

type fakeSuggester struct {
	mu    sync.Mutex
	moves []string
	err   error
}

func (f *fakeSuggester) Suggest(ctx context.Context, fen string, moves []string, preset string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(f.moves) == 0 {
		return "", errors.New("script exhausted")
	}
	mv := f.moves[0]
	f.moves = f.moves[1:]
	return mv, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []archive.Record
}

func (f *fakeRecorder) RecordGame(ctx context.Context, rec archive.Record) {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
}

// wait blocks for the first archived record; finish hands records to the
// recorder on a separate goroutine.
func (f *fakeRecorder) wait(t *testing.T) archive.Record {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.recs) > 0 {
			rec := f.recs[0]
			f.mu.Unlock()
			return rec
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no game record received")
	return archive.Record{}
}

type testEnv struct {
	mgr *Manager
	bc  *fakeBroadcaster
	sg  *fakeSuggester
	dir *player.Directory
	rec *fakeRecorder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	bc := &fakeBroadcaster{}
	sg := &fakeSuggester{}
	dir := player.NewDirectory()
	rec := &fakeRecorder{}
	return &testEnv{
		mgr: NewManager(cfg, bc, sg, dir, rec),
		bc:  bc,
		sg:  sg,
		dir: dir,
		rec: rec,
	}
}

func (e *testEnv) joinPair(t *testing.T) (player.Player, player.Player) {
	t.Helper()
	a, err := e.dir.Join("conn-a", "alice", 1200)
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	b, err := e.dir.Join("conn-b", "bob", 1200)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	return a, b
}

// startPeerGame creates a session and returns the white and black conn ids.
func (e *testEnv) startPeerGame(t *testing.T) (white, black string) {
	t.Helper()
	a, b := e.joinPair(t)
	if _, err := e.mgr.CreatePeerSession(context.Background(), a, b); err != nil {
		t.Fatalf("CreatePeerSession: %v", err)
	}
	for _, ev := range e.bc.ofType(protocol.EventGameStart) {
		data := ev.event.Data.(protocol.GameStartData)
		if data.Color == "white" {
			white = ev.to
		} else {
			black = ev.to
		}
	}
	if white == "" || black == "" {
		t.Fatalf("game_start events missing colors")
	}
	return white, black
}

func TestPeerSession_StartEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, black := env.startPeerGame(t)

	starts := env.bc.ofType(protocol.EventGameStart)
	if len(starts) != 2 {
		t.Fatalf("game_start events = %d, want 2", len(starts))
	}
	if white == black {
		t.Fatalf("both players assigned the same connection")
	}

	for _, ev := range starts {
		data := ev.event.Data.(protocol.GameStartData)
		if data.Position.FEN == "" || len(data.Position.LegalMoves) != 20 {
			t.Fatalf("bad initial position: %+v", data.Position)
		}
		if data.Opponent.Name == "" {
			t.Fatalf("opponent info missing")
		}
	}

	p, _ := env.dir.Get(white)
	if !p.InSession {
		t.Fatalf("white not marked in session")
	}
	if env.mgr.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", env.mgr.ActiveCount())
	}
}

func TestSubmitMove_TurnOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, black := env.startPeerGame(t)
	ctx := context.Background()

	if err := env.mgr.SubmitMove(ctx, black, "e7e5"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("black moving first: err = %v, want ErrNotYourTurn", err)
	}

	if err := env.mgr.SubmitMove(ctx, white, "e2e4"); err != nil {
		t.Fatalf("white e2e4: %v", err)
	}

	moves := env.bc.ofType(protocol.EventMoveMade)
	if len(moves) != 2 {
		t.Fatalf("move_made delivered to %d recipients, want 2", len(moves))
	}
	data := moves[0].event.Data.(protocol.MoveMadeData)
	if data.Move != "e2e4" || data.Position.Turn != "black" {
		t.Fatalf("unexpected move_made: %+v", data)
	}

	if err := env.mgr.SubmitMove(ctx, white, "d2d4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("white moving twice: err = %v, want ErrNotYourTurn", err)
	}
	if err := env.mgr.SubmitMove(ctx, black, "e7e5"); err != nil {
		t.Fatalf("black e7e5: %v", err)
	}
}

func TestSubmitMove_IllegalReturnsLegalSet(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, _ := env.startPeerGame(t)

	err := env.mgr.SubmitMove(context.Background(), white, "e2e5")
	var illegal *IllegalMoveError
	if !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want IllegalMoveError", err)
	}
	if len(illegal.LegalMoves) != 20 {
		t.Fatalf("legal set = %d moves, want 20", len(illegal.LegalMoves))
	}

	// Board unchanged: the same legal move still works.
	if err := env.mgr.SubmitMove(context.Background(), white, "e2e4"); err != nil {
		t.Fatalf("legal move after rejection: %v", err)
	}
}

func TestSubmitMove_UnknownPlayer(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.mgr.SubmitMove(context.Background(), "ghost", "e2e4"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCheckmateEndsGame(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, black := env.startPeerGame(t)
	ctx := context.Background()

	script := []struct {
		player string
		move   string
	}{
		{white, "f2f3"}, {black, "e7e5"}, {white, "g2g4"}, {black, "d8h4"},
	}
	for _, s := range script {
		if err := env.mgr.SubmitMove(ctx, s.player, s.move); err != nil {
			t.Fatalf("SubmitMove(%s): %v", s.move, err)
		}
	}

	end := env.bc.lastOfType(t, protocol.EventGameEnd)
	data := end.event.Data.(protocol.GameEndData)
	if data.Result != "black_won" || data.Reason != "checkmate" || data.Winner != "black" {
		t.Fatalf("unexpected game_end: %+v", data)
	}
	if !strings.Contains(data.PGN, "Qh4#") {
		t.Fatalf("PGN missing mating move:\n%s", data.PGN)
	}
	if !data.FinalPosition.Checkmate || !data.FinalPosition.GameOver {
		t.Fatalf("final position flags wrong: %+v", data.FinalPosition)
	}

	// Winner gained rating, loser lost.
	pb, _ := env.dir.Get(black)
	pw, _ := env.dir.Get(white)
	if pb.Rating <= 1200 || pw.Rating >= 1200 {
		t.Fatalf("ratings not updated: white=%d black=%d", pw.Rating, pb.Rating)
	}
	if pb.InSession || pw.InSession {
		t.Fatalf("players still bound to finished session")
	}

	if err := env.mgr.SubmitMove(ctx, white, "a2a3"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("move after game end: err = %v, want ErrSessionNotFound", err)
	}
	if env.mgr.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d after finish", env.mgr.ActiveCount())
	}
}

func TestFinishedGameRecordsMoveLog(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, black := env.startPeerGame(t)
	ctx := context.Background()

	script := []struct {
		player string
		move   string
	}{
		{white, "f2f3"}, {black, "e7e5"}, {white, "g2g4"}, {black, "d8h4"},
	}
	for _, s := range script {
		if err := env.mgr.SubmitMove(ctx, s.player, s.move); err != nil {
			t.Fatalf("SubmitMove(%s): %v", s.move, err)
		}
	}

	rec := env.rec.wait(t)
	if len(rec.Moves) != 4 {
		t.Fatalf("move log length = %d, want 4", len(rec.Moves))
	}
	wantSides := []string{"white", "black", "white", "black"}
	for i, mv := range rec.Moves {
		if mv.Side != wantSides[i] {
			t.Fatalf("move %d side = %q, want %q", i, mv.Side, wantSides[i])
		}
		if mv.At.IsZero() {
			t.Fatalf("move %d missing timestamp", i)
		}
		if mv.UCI != rec.MovesUCI[i] {
			t.Fatalf("move %d uci = %q, diverges from %q", i, mv.UCI, rec.MovesUCI[i])
		}
	}
	if rec.Moves[3].SAN != "Qh4#" {
		t.Fatalf("mating move SAN = %q, want Qh4#", rec.Moves[3].SAN)
	}
	if rec.Moves[3].At.Before(rec.Moves[0].At) {
		t.Fatalf("move timestamps not ordered")
	}
}

func TestEngineMovesCarrySideInLog(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.sg.moves = []string{"e7e5"}

	p, _ := env.dir.Join("conn-a", "alice", 1200)
	if _, err := env.mgr.CreateEngineSession(context.Background(), p, "white"); err != nil {
		t.Fatalf("CreateEngineSession: %v", err)
	}
	if err := env.mgr.SubmitMove(context.Background(), "conn-a", "e2e4"); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if err := env.mgr.Resign(context.Background(), "conn-a"); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	rec := env.rec.wait(t)
	if len(rec.Moves) != 2 {
		t.Fatalf("move log length = %d, want 2", len(rec.Moves))
	}
	if rec.Moves[0].Side != "white" || rec.Moves[1].Side != "black" {
		t.Fatalf("sides = %q/%q, want white/black", rec.Moves[0].Side, rec.Moves[1].Side)
	}
}

func TestResign(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, _ := env.startPeerGame(t)

	if err := env.mgr.Resign(context.Background(), white); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	data := env.bc.lastOfType(t, protocol.EventGameEnd).event.Data.(protocol.GameEndData)
	if data.Result != "black_won" || data.Reason != "resignation" {
		t.Fatalf("unexpected game_end after resign: %+v", data)
	}

	if err := env.mgr.Resign(context.Background(), white); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second resign err = %v, want ErrSessionNotFound", err)
	}
}

func TestDisconnectGrace_Abandonment(t *testing.T) {
	env := newTestEnv(t, Config{DisconnectGrace: 30 * time.Millisecond})
	white, black := env.startPeerGame(t)

	env.mgr.HandleDisconnect(white)

	notice := env.bc.lastOfType(t, protocol.EventOpponentDisconnected)
	if notice.to != black {
		t.Fatalf("opponent_disconnected went to %q, want %q", notice.to, black)
	}
	if len(env.bc.ofType(protocol.EventGameEnd)) != 0 {
		t.Fatalf("game ended before grace expired")
	}

	time.Sleep(100 * time.Millisecond)

	data := env.bc.lastOfType(t, protocol.EventGameEnd).event.Data.(protocol.GameEndData)
	if data.Result != "black_won" || data.Reason != "abandonment" {
		t.Fatalf("unexpected game_end after abandonment: %+v", data)
	}

	// The stayer's rating reflects the win.
	pb, _ := env.dir.Get(black)
	if pb.Rating <= 1200 {
		t.Fatalf("stayer rating = %d, want > 1200", pb.Rating)
	}
}

func TestDisconnectGrace_FinishBeforeExpiry(t *testing.T) {
	env := newTestEnv(t, Config{DisconnectGrace: 50 * time.Millisecond})
	white, black := env.startPeerGame(t)

	env.mgr.HandleDisconnect(white)
	if err := env.mgr.Resign(context.Background(), black); err != nil {
		t.Fatalf("Resign during grace: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	ends := env.bc.ofType(protocol.EventGameEnd)
	if len(ends) != 2 {
		// One game_end broadcast, two recipients.
		t.Fatalf("game_end recipients = %d, want 2 (single finish)", len(ends))
	}
	data := ends[0].event.Data.(protocol.GameEndData)
	if data.Reason != "resignation" {
		t.Fatalf("reason = %q, want resignation (grace timer must not refinish)", data.Reason)
	}
}

func TestEngineSession_PlayerBlackGetsFirstMove(t *testing.T) {
	env := newTestEnv(t, Config{DefaultPreset: "level3"})
	env.sg.moves = []string{"e2e4"}

	p, _ := env.dir.Join("conn-a", "alice", 1200)
	if _, err := env.mgr.CreateEngineSession(context.Background(), p, "black"); err != nil {
		t.Fatalf("CreateEngineSession: %v", err)
	}

	start := env.bc.lastOfType(t, protocol.EventGameStart).event.Data.(protocol.GameStartData)
	if start.Color != "black" || start.Opponent.Name != EngineName {
		t.Fatalf("unexpected game_start: %+v", start)
	}

	move := env.bc.lastOfType(t, protocol.EventMoveMade).event.Data.(protocol.MoveMadeData)
	if move.Move != "e2e4" || move.By != EngineName {
		t.Fatalf("unexpected engine move: %+v", move)
	}
	if move.Position.Turn != "black" {
		t.Fatalf("turn after engine move = %q, want black", move.Position.Turn)
	}
}

func TestEngineSession_RepliesToPlayerMove(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.sg.moves = []string{"e7e5"}

	p, _ := env.dir.Join("conn-a", "alice", 1200)
	if _, err := env.mgr.CreateEngineSession(context.Background(), p, "white"); err != nil {
		t.Fatalf("CreateEngineSession: %v", err)
	}

	if err := env.mgr.SubmitMove(context.Background(), "conn-a", "e2e4"); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}

	moves := env.bc.ofType(protocol.EventMoveMade)
	if len(moves) != 2 {
		t.Fatalf("move_made events = %d, want 2 (player + engine)", len(moves))
	}
	engineMove := moves[1].event.Data.(protocol.MoveMadeData)
	if engineMove.Move != "e7e5" || engineMove.By != EngineName {
		t.Fatalf("unexpected engine reply: %+v", engineMove)
	}
}

func TestEngineSession_OracleFailureKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.sg.err = errors.New("engine crashed")

	p, _ := env.dir.Join("conn-a", "alice", 1200)
	if _, err := env.mgr.CreateEngineSession(context.Background(), p, "white"); err != nil {
		t.Fatalf("CreateEngineSession: %v", err)
	}
	if err := env.mgr.SubmitMove(context.Background(), "conn-a", "e2e4"); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}

	if len(env.bc.ofType(protocol.EventError)) == 0 {
		t.Fatalf("no error event on oracle failure")
	}
	if len(env.bc.ofType(protocol.EventGameEnd)) != 0 {
		t.Fatalf("oracle failure ended the session")
	}
	if env.mgr.ActiveCount() != 1 {
		t.Fatalf("session not active after oracle failure")
	}

	// Once the oracle recovers, re-submitting triggers the pending engine
	// reply and then applies the player's move.
	env.sg.mu.Lock()
	env.sg.err = nil
	env.sg.moves = []string{"e7e5", "b8c6"}
	env.sg.mu.Unlock()

	if err := env.mgr.SubmitMove(context.Background(), "conn-a", "g1f3"); err != nil {
		t.Fatalf("retry SubmitMove: %v", err)
	}
	pos, _ := env.mgr.GetPosition("conn-a")
	if pos.MoveCount != 4 {
		t.Fatalf("MoveCount = %d after retry, want 4", pos.MoveCount)
	}

	// Resignation stays available throughout.
	if err := env.mgr.Resign(context.Background(), "conn-a"); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	// Engine games are unrated.
	pa, _ := env.dir.Get("conn-a")
	if pa.Rating != 1200 {
		t.Fatalf("engine game changed rating: %d", pa.Rating)
	}
}

func TestEngineSession_DisconnectEndsImmediately(t *testing.T) {
	env := newTestEnv(t, Config{DisconnectGrace: time.Hour})
	env.sg.moves = []string{"e7e5"}

	p, _ := env.dir.Join("conn-a", "alice", 1200)
	if _, err := env.mgr.CreateEngineSession(context.Background(), p, "white"); err != nil {
		t.Fatalf("CreateEngineSession: %v", err)
	}

	env.mgr.HandleDisconnect("conn-a")
	if env.mgr.ActiveCount() != 0 {
		t.Fatalf("engine session survived disconnect")
	}
}

func TestConcurrentSubmits_ExactlyOneWins(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, _ := env.startPeerGame(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, mv := range []string{"e2e4", "d2d4"} {
		wg.Add(1)
		go func(slot int, move string) {
			defer wg.Done()
			errs[slot] = env.mgr.SubmitMove(ctx, white, move)
		}(i, mv)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrNotYourTurn) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful submits = %d, want exactly 1", ok)
	}

	pos, err := env.mgr.GetPosition(white)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.MoveCount != 1 {
		t.Fatalf("MoveCount = %d, want 1", pos.MoveCount)
	}
}

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t, Config{})
	white, _ := env.startPeerGame(t)

	pos, err := env.mgr.GetPosition(white)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Turn != "white" || pos.MoveCount != 0 || pos.GameOver {
		t.Fatalf("unexpected position: %+v", pos)
	}

	if _, err := env.mgr.GetPosition("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMaxConcurrentSessions(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 1})
	env.sg.moves = []string{"e2e4", "e2e4"}

	a, _ := env.dir.Join("conn-a", "alice", 1200)
	b, _ := env.dir.Join("conn-b", "bob", 1200)

	if _, err := env.mgr.CreateEngineSession(context.Background(), a, "white"); err != nil {
		t.Fatalf("first session: %v", err)
	}
	if _, err := env.mgr.CreateEngineSession(context.Background(), b, "white"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

func TestSweeper_RemovesOnlyExpiredFinished(t *testing.T) {
	env := newTestEnv(t, Config{FinishedRetention: 20 * time.Millisecond})
	white, _ := env.startPeerGame(t)

	// Second, still-active session.
	c, _ := env.dir.Join("conn-c", "carol", 1200)
	d, _ := env.dir.Join("conn-d", "dave", 1200)
	if _, err := env.mgr.CreatePeerSession(context.Background(), c, d); err != nil {
		t.Fatalf("CreatePeerSession: %v", err)
	}

	if err := env.mgr.Resign(context.Background(), white); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	if n := env.mgr.SweepOnce(); n != 0 {
		t.Fatalf("swept %d sessions before retention expired", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := env.mgr.SweepOnce(); n != 1 {
		t.Fatalf("SweepOnce = %d, want 1", n)
	}
	if env.mgr.ActiveCount() != 1 {
		t.Fatalf("active session swept: ActiveCount = %d", env.mgr.ActiveCount())
	}
	if got := len(env.mgr.Snapshot()); got != 1 {
		t.Fatalf("Snapshot length = %d, want 1", got)
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startPeerGame(t)

	snaps := env.mgr.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("Snapshot length = %d, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Mode != "peer" || s.State != "active" || s.White == "" || s.Black == "" {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
