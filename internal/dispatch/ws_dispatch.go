package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/tow-matching/internal/observability"
)

var ErrNoSession = errors.New("dispatch: no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected user.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(n)
}

// WSRegistry holds the live socket of each user. A new connection replaces
// the previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, replaced := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if replaced {
		_ = old.conn.Close()
	} else {
		observability.ConnectedSockets.Inc()
	}
	return s
}

// Remove drops s if it is still the user's current session.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		observability.ConnectedSockets.Dec()
	}
}

func (r *WSRegistry) Notify(ctx context.Context, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[n.UserID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, n)
}
