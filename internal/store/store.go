// Package store provides persistence for per-conversation bot state.
package store

import (
	"context"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// Repository defines the interface for persisting conversation state.
type Repository interface {
	// GetConversationState retrieves state by key. Returns nil, nil when absent.
	GetConversationState(ctx context.Context, key string) (*domain.ConversationState, error)

	// SaveConversationState creates or updates state. A stored greeted flag
	// is never cleared by a later save.
	SaveConversationState(ctx context.Context, state *domain.ConversationState) error

	// DeleteConversationState removes state by key.
	DeleteConversationState(ctx context.Context, key string) error

	// CleanupExpiredState removes state not updated within ttl.
	CleanupExpiredState(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
