// Package ops exposes the operational HTTP surface: health and a live game
// listing. It runs on its own port, separate from the websocket listener.
package ops

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
	"github.com/kapu/chessmentor-go/internal/session"
)

// Stats is the read-only view of server state the endpoints report.
type Stats interface {
	ActiveSessions() int
	ConnectedPlayers() int
	PlayersInQueue() int
	Games() []session.Summary
}

type Server struct {
	stats Stats
}

func NewServer(stats Stats) *Server {
	return &Server{stats: stats}
}

// ListenAndServe blocks serving the ops endpoints on addr.
func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("ops listener starting", zap.String("addr", addr))
	return fasthttp.ListenAndServe(addr, s.handle)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/games":
		s.handleGames(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":            "ok",
		"active_sessions":   s.stats.ActiveSessions(),
		"connected_players": s.stats.ConnectedPlayers(),
		"players_in_queue":  s.stats.PlayersInQueue(),
	})
}

func (s *Server) handleGames(ctx *fasthttp.RequestCtx) {
	games := s.stats.Games()
	if games == nil {
		games = []session.Summary{}
	}
	writeJSON(ctx, map[string]any{"games": games})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(raw)
}
