package domain

import (
	"time"
)

// WelcomeUserState records whether the bot already welcomed the user.
type WelcomeUserState struct {
	DidBotWelcomeUser bool `json:"did_bot_welcome_user"`
}

// UserProfile holds what the bot learned about the user.
type UserProfile struct {
	Name string `json:"name"`
}

// ConversationState is the persisted bot state of one user in one conversation.
type ConversationState struct {
	Key       string
	Welcome   WelcomeUserState
	Profile   UserProfile
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConversationState returns the default state for key.
func NewConversationState(key string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Greeted reports whether the greeting branch already ran.
func (s *ConversationState) Greeted() bool {
	return s.Welcome.DidBotWelcomeUser
}

// StateKey builds the storage key for a user in a conversation.
func StateKey(channelID, conversationID, userID string) string {
	if channelID == "" {
		channelID = "default"
	}
	return channelID + "/conversations/" + conversationID + "/users/" + userID
}
