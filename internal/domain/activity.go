// Package domain contains core domain types for the replyhelper service.
package domain

import (
	"time"
)

// Activity types handled by the bot.
const (
	ActivityTypeMessage            = "message"
	ActivityTypeConversationUpdate = "conversationUpdate"
	ActivityTypeTyping             = "typing"
)

// DeliveryModeExpectReplies asks the connector to return replies inline.
const DeliveryModeExpectReplies = "expectReplies"

// ChannelAccount identifies a participant of a conversation.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies a conversation.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Activity is a single message exchanged over a channel.
// Field names follow the Bot Framework activity schema.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	MembersAdded []ChannelAccount    `json:"membersAdded,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	DeliveryMode string              `json:"deliveryMode,omitempty"`
}

// NewMessageActivity returns an outgoing text message.
func NewMessageActivity(text string) *Activity {
	return &Activity{Type: ActivityTypeMessage, Text: text}
}

// NewAttachmentActivity returns an outgoing message carrying a single attachment.
func NewAttachmentActivity(att Attachment) *Activity {
	return &Activity{Type: ActivityTypeMessage, Attachments: []Attachment{att}}
}

// CreateReply returns a text message addressed as a reply to a.
func (a *Activity) CreateReply(text string) *Activity {
	reply := NewMessageActivity(text)
	reply.ApplyConversationReference(a)
	return reply
}

// ApplyConversationReference addresses an outgoing activity as a reply to in.
// Sender and recipient are swapped; fields already set on a are kept.
func (a *Activity) ApplyConversationReference(in *Activity) {
	if a.Type == "" {
		a.Type = ActivityTypeMessage
	}
	if a.ChannelID == "" {
		a.ChannelID = in.ChannelID
	}
	if a.ServiceURL == "" {
		a.ServiceURL = in.ServiceURL
	}
	if a.Conversation.ID == "" {
		a.Conversation = in.Conversation
	}
	if a.From.ID == "" {
		a.From = in.Recipient
	}
	if a.Recipient.ID == "" {
		a.Recipient = in.From
	}
	if a.ReplyToID == "" {
		a.ReplyToID = in.ID
	}
}

// StateKey returns the storage key of the conversation state for this activity.
func (a *Activity) StateKey() string {
	return StateKey(a.ChannelID, a.Conversation.ID, a.From.ID)
}

// ExpectsReplies reports whether the sender asked for inline replies.
func (a *Activity) ExpectsReplies() bool {
	return a.DeliveryMode == DeliveryModeExpectReplies
}
