package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/store"
)

const userStateTurnKey = "bot.UserState"

// ErrMissingIdentity is returned when an activity lacks the conversation or sender id
// needed to address its state.
var ErrMissingIdentity = errors.New("activity has no conversation or sender id")

// cachedState is the copy of the state held on the turn.
type cachedState struct {
	state    *domain.ConversationState
	original domain.ConversationState
}

func (c *cachedState) changed() bool {
	return c.state.Welcome != c.original.Welcome || c.state.Profile != c.original.Profile
}

// UserState reads conversation state once per turn and writes it back when it changed.
type UserState struct {
	repo store.Repository
}

// NewUserState creates a UserState over repo.
func NewUserState(repo store.Repository) *UserState {
	return &UserState{repo: repo}
}

// Load returns the state of the turn's sender in the turn's conversation.
// Missing state is created with defaults; repeated calls within a turn return the same value.
func (u *UserState) Load(ctx context.Context, turn TurnContext) (*domain.ConversationState, error) {
	if cached, ok := turn.TurnState()[userStateTurnKey].(*cachedState); ok {
		return cached.state, nil
	}

	activity := turn.Activity()
	if activity.Conversation.ID == "" || activity.From.ID == "" {
		return nil, ErrMissingIdentity
	}
	key := activity.StateKey()

	state, err := u.repo.GetConversationState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	if state == nil {
		state = domain.NewConversationState(key)
	}

	turn.TurnState()[userStateTurnKey] = &cachedState{state: state, original: *state}
	return state, nil
}

// SaveChanges persists the turn's state if it changed, or unconditionally when force is set.
// It does nothing if the state was never loaded during the turn.
func (u *UserState) SaveChanges(ctx context.Context, turn TurnContext, force bool) error {
	cached, ok := turn.TurnState()[userStateTurnKey].(*cachedState)
	if !ok {
		return nil
	}
	if !force && !cached.changed() {
		return nil
	}

	if err := u.repo.SaveConversationState(ctx, cached.state); err != nil {
		return fmt.Errorf("save state %s: %w", cached.state.Key, err)
	}
	cached.original = *cached.state
	return nil
}
