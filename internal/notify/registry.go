package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when the teacher has no live connection.
var ErrNotConnected = errors.New("teacher not connected")

const writeTimeout = 5 * time.Second

// Registry tracks live teacher websocket connections. A teacher has at most
// one registered connection; a new registration replaces and closes the old
// one.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*websocket.Conn)}
}

// Register associates a connection with a teacher id.
func (r *Registry) Register(teacherID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.conns[teacherID]
	r.conns[teacherID] = conn
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Unregister removes the connection if it is still the registered one.
func (r *Registry) Unregister(teacherID string, conn *websocket.Conn) {
	r.mu.Lock()
	if r.conns[teacherID] == conn {
		delete(r.conns, teacherID)
	}
	r.mu.Unlock()
}

// Connected reports whether the teacher has a live connection.
func (r *Registry) Connected(teacherID string) bool {
	r.mu.RLock()
	_, ok := r.conns[teacherID]
	r.mu.RUnlock()
	return ok
}

// Send pushes v as JSON to the teacher's connection. A write failure drops
// the broken connection and returns the error so callers can fall back to
// the durable queue.
func (r *Registry) Send(teacherID string, v any) error {
	r.mu.RLock()
	conn, ok := r.conns[teacherID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		r.Unregister(teacherID, conn)
		_ = conn.Close()
		return err
	}
	return nil
}
