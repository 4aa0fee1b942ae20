package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// Messages sent to the user.
const (
	WelcomeMessage = "I am ReplyHelper Bot. My job is to assist you to help prepare the best possible reply for Customer queries based on the Priority, High Value Customers, Customer preferences and History."

	helpMeKnowYouMessage = "Help me know you better."
	askNameMessage       = "What is your name?"
)

// Config tunes the welcome bot.
type Config struct {
	// GreetingDelay is the pause before each delayed greeting line.
	GreetingDelay time.Duration
	// Now returns the current time; the card title depends on the weekday.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// WelcomeUserBot greets new members, learns the user's name on the first
// message and answers a tiny fixed vocabulary afterwards.
type WelcomeUserBot struct {
	state  *UserState
	card   *CardTemplate
	delay  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewWelcomeUserBot creates the bot.
func NewWelcomeUserBot(state *UserState, card *CardTemplate, cfg Config) *WelcomeUserBot {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WelcomeUserBot{
		state:  state,
		card:   card,
		delay:  cfg.GreetingDelay,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// OnTurn dispatches the activity and saves state changes made during the turn.
func (b *WelcomeUserBot) OnTurn(ctx context.Context, turn TurnContext) error {
	activity := turn.Activity()

	var err error
	switch activity.Type {
	case domain.ActivityTypeMessage:
		err = b.OnMessage(ctx, turn)
	case domain.ActivityTypeConversationUpdate:
		if len(activity.MembersAdded) > 0 {
			err = b.OnMembersAdded(ctx, turn, activity.MembersAdded)
		}
	default:
		b.logger.Debug("Ignoring activity", "type", activity.Type, "conversation_id", activity.Conversation.ID)
	}
	if err != nil {
		return err
	}

	return b.state.SaveChanges(ctx, turn, false)
}

// OnMembersAdded greets every added member other than the bot itself.
// Not every channel sends conversation updates.
func (b *WelcomeUserBot) OnMembersAdded(ctx context.Context, turn TurnContext, members []domain.ChannelAccount) error {
	recipientID := turn.Activity().Recipient.ID
	for _, member := range members {
		if member.ID == recipientID {
			continue
		}

		if err := sendText(ctx, turn, "Hi - "+member.Name); err != nil {
			return fmt.Errorf("send greeting: %w", err)
		}
		for _, line := range []string{WelcomeMessage, helpMeKnowYouMessage, askNameMessage} {
			if err := b.sendWithDelay(ctx, turn, line); err != nil {
				return fmt.Errorf("send greeting: %w", err)
			}
		}
	}
	return nil
}

// OnMessage handles a message from the user.
func (b *WelcomeUserBot) OnMessage(ctx context.Context, turn TurnContext) error {
	state, err := b.state.Load(ctx, turn)
	if err != nil {
		return err
	}
	activity := turn.Activity()

	if !state.Greeted() {
		state.Welcome.DidBotWelcomeUser = true
		state.Profile.Name = normalizeName(activity.Text)

		b.logger.Info("Captured user name",
			"conversation_id", activity.Conversation.ID,
			"user_id", activity.From.ID,
		)

		msg := fmt.Sprintf("Thanks %s. Let me see how you day looks like...", state.Profile.Name)
		if err := sendText(ctx, turn, msg); err != nil {
			return fmt.Errorf("send thanks: %w", err)
		}
		if err := b.sendIntroCard(ctx, turn); err != nil {
			return err
		}
	} else {
		text := normalizeCommand(activity.Text)
		switch text {
		case "info":
			err = sendText(ctx, turn, "You said "+text+".")
		case "support":
			err = b.sendIntroCard(ctx, turn)
		default:
			err = sendText(ctx, turn, WelcomeMessage)
		}
		if err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}

	return b.state.SaveChanges(ctx, turn, false)
}

func (b *WelcomeUserBot) sendIntroCard(ctx context.Context, turn TurnContext) error {
	card, err := b.card.Render(b.now())
	if err != nil {
		return fmt.Errorf("render intro card: %w", err)
	}
	if err := turn.SendActivity(ctx, domain.NewAttachmentActivity(card.ToAttachment())); err != nil {
		return fmt.Errorf("send intro card: %w", err)
	}
	return nil
}

func (b *WelcomeUserBot) sendWithDelay(ctx context.Context, turn TurnContext, text string) error {
	if b.delay > 0 {
		timer := time.NewTimer(b.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return sendText(ctx, turn, text)
}

var _ Handler = (*WelcomeUserBot)(nil)
