package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected courier app socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry tracks live courier sessions by courier ID. A reconnecting
// courier replaces their previous session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	Logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), Logger: logger}
}

func (r *WSRegistry) Add(courierID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[courierID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(courierID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, courierID)
}

func (r *WSRegistry) Connected(courierID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[courierID]
	return ok
}

// Push sends a payload to the courier's live socket.
func (r *WSRegistry) Push(courierID string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[courierID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(payload); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("ws push failed", "courier_id", courierID, "error", err)
		}
		r.Remove(courierID)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
