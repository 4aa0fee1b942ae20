package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// MemoryStore implements Repository in process memory. State is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]domain.ConversationState
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string]domain.ConversationState)}
}

// GetConversationState retrieves a copy of the state stored under key.
func (m *MemoryStore) GetConversationState(_ context.Context, key string) (*domain.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// SaveConversationState stores a copy of state.
func (m *MemoryStore) SaveConversationState(_ context.Context, state *domain.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *state
	if existing, ok := m.states[state.Key]; ok {
		saved.CreatedAt = existing.CreatedAt
		saved.Welcome.DidBotWelcomeUser = existing.Welcome.DidBotWelcomeUser || state.Welcome.DidBotWelcomeUser
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	saved.UpdatedAt = time.Now()
	m.states[state.Key] = saved
	return nil
}

// DeleteConversationState removes state by key.
func (m *MemoryStore) DeleteConversationState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// CleanupExpiredState removes state not updated within ttl.
func (m *MemoryStore) CleanupExpiredState(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var deleted int64
	for key, state := range m.states {
		if state.UpdatedAt.Before(cutoff) {
			delete(m.states, key)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Repository = (*MemoryStore)(nil)
