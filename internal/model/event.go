package model

import (
	"time"
)

// EventType represents the type of published conversation event.
type EventType string

const (
	EventNewConversation          EventType = "new_conversation"
	EventNewMessageInConversation EventType = "new_message"
	EventStateChanged             EventType = "state_changed"
)

// ConversationEvent is published to downstream consumers such as notifiers.
type ConversationEvent struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	OrganizationID string            `json:"organization_id"`
	ConversationID string            `json:"conversation_id"`
	Conversation   *Conversation     `json:"conversation"`
	Message        *ChatMessage      `json:"message,omitempty"`
	OldState       ConversationState `json:"old_state,omitempty"`
	NewState       ConversationState `json:"new_state,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	Imported       bool              `json:"imported,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Sequence       uint64            `json:"sequence,omitempty"`
}

// StateChange describes a committed transition, handed to listeners.
type StateChange struct {
	Conversation *Conversation
	OldState     ConversationState
	NewState     ConversationState
	Actor        *Member
	Implicit     bool
	At           time.Time
}
