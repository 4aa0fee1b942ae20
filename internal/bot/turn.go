// Package bot implements the welcome-user conversational bot.
package bot

import (
	"context"

	"github.com/ashureev/replyhelper/internal/domain"
)

// TurnContext is one request/response cycle of a conversation.
// The connector supplies the implementation.
type TurnContext interface {
	// Activity returns the incoming activity.
	Activity() *domain.Activity

	// SendActivity delivers an outgoing activity addressed to the sender.
	SendActivity(ctx context.Context, activity *domain.Activity) error

	// TurnState is scratch storage that lives for this turn only.
	TurnState() map[string]any
}

// Handler processes turns.
type Handler interface {
	OnTurn(ctx context.Context, turn TurnContext) error
}

// sendText sends a plain text message.
func sendText(ctx context.Context, turn TurnContext, text string) error {
	return turn.SendActivity(ctx, domain.NewMessageActivity(text))
}
