package connector

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/bot"
	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/google/uuid"
)

// deliverFunc hands an addressed outgoing activity to the channel.
type deliverFunc func(ctx context.Context, activity *domain.Activity) error

// turnContext implements bot.TurnContext for one POST /api/messages request.
type turnContext struct {
	activity *domain.Activity
	deliver  deliverFunc
	state    map[string]any

	mu      sync.Mutex
	replies []*domain.Activity
}

func newTurnContext(activity *domain.Activity, deliver deliverFunc) *turnContext {
	return &turnContext{
		activity: activity,
		deliver:  deliver,
		state:    make(map[string]any),
	}
}

func (t *turnContext) Activity() *domain.Activity { return t.activity }

func (t *turnContext) TurnState() map[string]any { return t.state }

// SendActivity addresses the activity as a reply to the incoming one and delivers it.
func (t *turnContext) SendActivity(ctx context.Context, activity *domain.Activity) error {
	activity.ApplyConversationReference(t.activity)
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp == nil {
		now := time.Now().UTC()
		activity.Timestamp = &now
	}

	if err := t.deliver(ctx, activity); err != nil {
		return err
	}

	t.mu.Lock()
	t.replies = append(t.replies, activity)
	t.mu.Unlock()
	return nil
}

// Replies returns the activities sent so far, in order.
func (t *turnContext) Replies() []*domain.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.Activity(nil), t.replies...)
}

var _ bot.TurnContext = (*turnContext)(nil)
