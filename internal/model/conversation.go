// Package model defines data structures for the conversation sync service.
package model

import (
	"time"
)

// ConversationState is the lifecycle state of a tracked conversation.
type ConversationState string

const (
	StateUnknown       ConversationState = "Unknown"
	StateNew           ConversationState = "New"
	StateNeedsResponse ConversationState = "NeedsResponse"
	StateWaiting       ConversationState = "Waiting"
	StateOverdue       ConversationState = "Overdue"
	StateClosed        ConversationState = "Closed"

	// Side states, outside the urgency ordering.
	StateSnoozed  ConversationState = "Snoozed"
	StateArchived ConversationState = "Archived"
	StateHidden   ConversationState = "Hidden"
)

var stateRanks = map[ConversationState]int{
	StateUnknown:       0,
	StateNew:           1,
	StateNeedsResponse: 2,
	StateWaiting:       3,
	StateOverdue:       4,
	StateClosed:        5,
}

// Rank returns the position of the state in the urgency ordering
// Unknown < New < NeedsResponse < Waiting < Overdue < Closed.
// Side states return -1.
func (s ConversationState) Rank() int {
	if r, ok := stateRanks[s]; ok {
		return r
	}
	return -1
}

// IsValid reports whether s is a known state.
func (s ConversationState) IsValid() bool {
	switch s {
	case StateUnknown, StateNew, StateNeedsResponse, StateWaiting, StateOverdue, StateClosed,
		StateSnoozed, StateArchived, StateHidden:
		return true
	}
	return false
}

// IsOpen reports whether the conversation still expects activity.
func (s ConversationState) IsOpen() bool {
	switch s {
	case StateNew, StateNeedsResponse, StateWaiting, StateOverdue, StateSnoozed:
		return true
	}
	return false
}

// Conversation is a chat thread tracked as a support interaction.
type Conversation struct {
	ID                string            `json:"id" db:"id"`
	OrganizationID    string            `json:"organization_id" db:"organization_id"`
	RoomID            string            `json:"room_id" db:"room_id"`
	FirstMessageID    string            `json:"first_message_id" db:"first_message_id"`
	Title             string            `json:"title" db:"title"`
	State             ConversationState `json:"state" db:"state"`
	StartedByID       string            `json:"started_by_id" db:"started_by_id"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	LastMessageAt     time.Time         `json:"last_message_at" db:"last_message_at"`
	LastStateChangeAt time.Time         `json:"last_state_change_at" db:"last_state_change_at"`
	Members           []Participant     `json:"members,omitempty" db:"-"`
}

// Participant records a member's involvement in a conversation.
type Participant struct {
	MemberID     string    `json:"member_id" db:"member_id"`
	JoinedAt     time.Time `json:"joined_at" db:"joined_at"`
	LastPostedAt time.Time `json:"last_posted_at" db:"last_posted_at"`
}

// Touch records that member posted at ts.
func (c *Conversation) Touch(memberID string, ts time.Time) {
	if ts.After(c.LastMessageAt) {
		c.LastMessageAt = ts
	}
	for i := range c.Members {
		if c.Members[i].MemberID == memberID {
			if ts.After(c.Members[i].LastPostedAt) {
				c.Members[i].LastPostedAt = ts
			}
			return
		}
	}
	c.Members = append(c.Members, Participant{MemberID: memberID, JoinedAt: ts, LastPostedAt: ts})
}

// LinkType identifies the external system a conversation is linked to.
type LinkType string

const (
	LinkTypeZendeskTicket LinkType = "ZendeskTicket"
)

// ConversationLink ties a conversation to an external object such as a ticket.
type ConversationLink struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	LinkType       LinkType  `json:"link_type" db:"link_type"`
	ExternalID     string    `json:"external_id" db:"external_id"`
	CreatedByID    string    `json:"created_by_id" db:"created_by_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// ChangeStateRequest is the body of an explicit state change.
type ChangeStateRequest struct {
	State ConversationState `json:"state"`
}
