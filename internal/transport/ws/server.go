package ws

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/kapu/chessmentor-go/internal/obslog"
	"github.com/kapu/chessmentor-go/internal/registry"
)

// maxFrameBytes bounds one inbound frame; game messages are tiny.
const maxFrameBytes = 16 * 1024

// Server upgrades HTTP requests to websocket connections and pumps frames
// into the hub until the peer goes away.
type Server struct {
	reg *registry.Registry
	hub *Hub
}

func NewServer(reg *registry.Registry, hub *Hub) *Server {
	return &Server{reg: reg, hub: hub}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients connect from arbitrary origins (local apps, dev servers).
		InsecureSkipVerify: true,
	})
	if err != nil {
		obslog.L().Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	transport := &connTransport{conn: conn}
	connID := s.reg.Register(transport)

	s.readLoop(r.Context(), connID, conn)
}

func (s *Server) readLoop(ctx context.Context, connID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			obslog.L().Debug("websocket closed",
				zap.String("conn_id", connID),
				zap.Error(err))
			s.reg.Deregister(connID)
			return
		}
		s.reg.Touch(connID)
		s.hub.HandleMessage(ctx, connID, data)
	}
}
