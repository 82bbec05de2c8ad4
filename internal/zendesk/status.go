package zendesk

import (
	"strings"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

// StateOfStatus returns the conversation state a ticket status implies.
func StateOfStatus(status string) (model.ConversationState, bool) {
	switch strings.ToLower(status) {
	case StatusNew, StatusOpen:
		return model.StateNeedsResponse, true
	case StatusPending, StatusHold:
		return model.StateWaiting, true
	case StatusSolved, StatusClosed:
		return model.StateClosed, true
	}
	return model.StateUnknown, false
}

// StateForStatus maps a ticket status onto the conversation. It returns false
// when the conversation should not change: unknown statuses, re-confirmation
// of the current state, and new/open on a conversation already past
// NeedsResponse.
func StateForStatus(current model.ConversationState, status string) (model.ConversationState, bool) {
	next, ok := StateOfStatus(status)
	if !ok {
		return current, false
	}
	if next == model.StateNeedsResponse && (current == model.StateWaiting || current == model.StateOverdue) {
		return current, false
	}
	if next == current {
		return current, false
	}
	return next, true
}

// StatusForState maps a conversation state to the ticket status to push.
// Archived and Hidden conversations go to pending unless the customer side
// archived them.
func StatusForState(state model.ConversationState, actor model.Provenance) string {
	switch state {
	case model.StateWaiting:
		return StatusPending
	case model.StateClosed:
		return StatusSolved
	case model.StateArchived, model.StateHidden:
		if actor == model.ProvenanceForeign || actor == model.ProvenanceGuest {
			return StatusOpen
		}
		return StatusPending
	default:
		return StatusOpen
	}
}

// IsTerminalStatus reports whether the ticket no longer accepts comments.
func IsTerminalStatus(status string) bool {
	return strings.EqualFold(status, StatusClosed)
}
