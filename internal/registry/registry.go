// Package registry tracks live client connections and owns all outbound
// delivery. A connection that cannot be written to is removed here, and the
// rest of the server learns about it through the disconnect handler.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
)

// Transport is the write side of one client connection.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close(reason string) error
}

var ErrConnNotFound = errors.New("connection not found")

const sendTimeout = 5 * time.Second

// DisconnectHandler runs once per deregistered connection, on its own
// goroutine so callers holding locks during a failed send cannot deadlock.
type DisconnectHandler func(connID string)

type entry struct {
	transport Transport
	lastSeen  time.Time
}

type Registry struct {
	mu           sync.Mutex
	conns        map[string]*entry
	onDisconnect DisconnectHandler
}

func New() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// OnDisconnect installs the teardown handler. Must be called before serving.
func (r *Registry) OnDisconnect(h DisconnectHandler) {
	r.mu.Lock()
	r.onDisconnect = h
	r.mu.Unlock()
}

// Register admits a connection and returns its generated id.
func (r *Registry) Register(t Transport) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &entry{transport: t, lastSeen: time.Now()}
	count := len(r.conns)
	r.mu.Unlock()

	obslog.L().Info("connection registered",
		zap.String("conn_id", id),
		zap.Int("total", count))
	return id
}

// Send delivers one payload to one connection. On write failure the
// connection is deregistered and the error returned.
func (r *Registry) Send(ctx context.Context, connID string, payload []byte) error {
	r.mu.Lock()
	e, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return ErrConnNotFound
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := e.transport.Send(sendCtx, payload); err != nil {
		obslog.L().Warn("send failed, dropping connection",
			zap.String("conn_id", connID),
			zap.Error(err))
		r.Deregister(connID)
		return err
	}
	return nil
}

// Broadcast delivers the payload to every listed connection. A failed
// recipient is dropped without affecting delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, connIDs []string, payload []byte) {
	for _, id := range connIDs {
		_ = r.Send(ctx, id, payload)
	}
}

// Deregister removes a connection, closes its transport, and fires the
// disconnect handler. Safe to call more than once per id; only the first
// call has any effect.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	handler := r.onDisconnect
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}

	_ = e.transport.Close("deregistered")
	obslog.L().Info("connection deregistered",
		zap.String("conn_id", connID),
		zap.Int("total", count))

	if handler != nil {
		go handler(connID)
	}
}

// Touch refreshes the liveness timestamp for a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// LastSeen reports the liveness timestamp, or false if the connection is gone.
func (r *Registry) LastSeen(connID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
