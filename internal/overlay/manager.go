// Package overlay streams face overlays to the browser over WebSocket.
package overlay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// closer is the part of *websocket.Conn the manager needs.
type closer interface {
	Close(code websocket.StatusCode, reason string) error
}

// SessionManager keeps one active overlay socket per user and tab session.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]closer
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]closer),
	}
}

// lookup returns the active connection for a user and session.
func (m *SessionManager) lookup(userID, sessionID string) closer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection for a user/session, closing the one it replaces.
func (m *SessionManager) Register(userID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]closer)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[userID][sessionID] = conn
	slog.Info("Overlay session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a connection unless it was already replaced.
func (m *SessionManager) Unregister(userID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Overlay session unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CloseAll terminates every active session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sessions := range m.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			slog.Info("Overlay session closed", "user_id", userID, "session_id", sid)
		}
	}
	m.active = make(map[string]map[string]closer)
}
