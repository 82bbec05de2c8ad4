package model

import (
	"errors"
	"fmt"
	"time"
)

// TimelineEventKind discriminates the TimelineEvent variants.
type TimelineEventKind string

const (
	KindMessagePosted  TimelineEventKind = "MessagePosted"
	KindStateChanged   TimelineEventKind = "StateChanged"
	KindExternalLinked TimelineEventKind = "ExternalLinked"
)

// TimelineEvent is an append-only record in a conversation's timeline.
// Exactly one payload matching Kind is set.
type TimelineEvent struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Kind           TimelineEventKind `json:"kind"`
	MemberID       string            `json:"member_id"`
	Created        time.Time         `json:"created"`

	MessagePosted  *MessagePostedEvent  `json:"message_posted,omitempty"`
	StateChanged   *StateChangedEvent   `json:"state_changed,omitempty"`
	ExternalLinked *ExternalLinkedEvent `json:"external_linked,omitempty"`
}

// MessagePostedEvent records a message in the thread. External fields are
// set when the message was imported from a ticketing system.
type MessagePostedEvent struct {
	MessageID         string `json:"message_id"`
	ExternalSource    string `json:"external_source,omitempty"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	ExternalAuthorID  string `json:"external_author_id,omitempty"`
	ExternalAuthor    string `json:"external_author,omitempty"`
}

// StateChangedEvent records a state transition.
type StateChangedEvent struct {
	OldState ConversationState `json:"old_state"`
	NewState ConversationState `json:"new_state"`
	Implicit bool              `json:"implicit"`
}

// ExternalLinkedEvent records that the conversation was linked to an external object.
type ExternalLinkedEvent struct {
	LinkType   LinkType `json:"link_type"`
	ExternalID string   `json:"external_id"`
}

var errPayloadMismatch = errors.New("timeline event payload does not match kind")

// Validate checks that exactly the payload named by Kind is present.
func (e *TimelineEvent) Validate() error {
	set := 0
	for _, p := range []bool{e.MessagePosted != nil, e.StateChanged != nil, e.ExternalLinked != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return errPayloadMismatch
	}

	switch e.Kind {
	case KindMessagePosted:
		if e.MessagePosted == nil {
			return errPayloadMismatch
		}
	case KindStateChanged:
		if e.StateChanged == nil {
			return errPayloadMismatch
		}
	case KindExternalLinked:
		if e.ExternalLinked == nil {
			return errPayloadMismatch
		}
	default:
		return fmt.Errorf("unknown timeline event kind %q", e.Kind)
	}
	return nil
}

// Describe renders a one-line summary of the event.
func (e *TimelineEvent) Describe() string {
	switch e.Kind {
	case KindMessagePosted:
		if e.MessagePosted.ExternalSource != "" {
			return fmt.Sprintf("message %s imported from %s", e.MessagePosted.MessageID, e.MessagePosted.ExternalSource)
		}
		return fmt.Sprintf("message %s posted", e.MessagePosted.MessageID)
	case KindStateChanged:
		how := "explicitly"
		if e.StateChanged.Implicit {
			how = "implicitly"
		}
		return fmt.Sprintf("state changed %s from %s to %s", how, e.StateChanged.OldState, e.StateChanged.NewState)
	case KindExternalLinked:
		return fmt.Sprintf("linked to %s %s", e.ExternalLinked.LinkType, e.ExternalLinked.ExternalID)
	default:
		return string(e.Kind)
	}
}

// NewMessagePosted builds a MessagePosted timeline event.
func NewMessagePosted(conversationID, memberID string, at time.Time, payload MessagePostedEvent) *TimelineEvent {
	return &TimelineEvent{
		ConversationID: conversationID,
		Kind:           KindMessagePosted,
		MemberID:       memberID,
		Created:        at,
		MessagePosted:  &payload,
	}
}

// NewStateChanged builds a StateChanged timeline event.
func NewStateChanged(conversationID, memberID string, at time.Time, from, to ConversationState, implicit bool) *TimelineEvent {
	return &TimelineEvent{
		ConversationID: conversationID,
		Kind:           KindStateChanged,
		MemberID:       memberID,
		Created:        at,
		StateChanged:   &StateChangedEvent{OldState: from, NewState: to, Implicit: implicit},
	}
}

// NewExternalLinked builds an ExternalLinked timeline event.
func NewExternalLinked(conversationID, memberID string, at time.Time, linkType LinkType, externalID string) *TimelineEvent {
	return &TimelineEvent{
		ConversationID: conversationID,
		Kind:           KindExternalLinked,
		MemberID:       memberID,
		Created:        at,
		ExternalLinked: &ExternalLinkedEvent{LinkType: linkType, ExternalID: externalID},
	}
}
