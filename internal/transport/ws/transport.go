package ws

import (
	"context"

	"nhooyr.io/websocket"
)

// connTransport adapts one accepted websocket connection to the registry's
// Transport contract.
type connTransport struct {
	conn *websocket.Conn
}

func (t *connTransport) Send(ctx context.Context, payload []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *connTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
