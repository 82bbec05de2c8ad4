package service

import (
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

// ClassifyActor determines where an actor sits relative to the organization.
// A nil member is Unknown.
func ClassifyActor(org *model.Organization, member *model.Member) model.Provenance {
	switch {
	case member == nil:
		return model.ProvenanceUnknown
	case member.IsBot || (org.BotMemberID != "" && member.ID == org.BotMemberID):
		return model.ProvenanceBot
	case !member.IsHome(org):
		return model.ProvenanceForeign
	case member.IsGuest:
		return model.ProvenanceGuest
	default:
		return model.ProvenanceHome
	}
}

// NextStateForMessage computes the state after a thread reply. It returns
// false when the conversation should stay as it is.
//
// Customer-side replies (and every non-bot reply in a community room) need a
// response. Home member replies mean the organization is waiting on the
// customer. Overdue conversations stay Overdue until someone at home replies,
// and a home reply does not reopen a Closed, Archived or Hidden conversation.
func NextStateForMessage(current model.ConversationState, actor model.Provenance, room *model.Room) (model.ConversationState, bool) {
	if actor == model.ProvenanceBot {
		return current, false
	}

	var next model.ConversationState
	switch {
	case room != nil && room.IsCommunity, actor.IsExternal():
		if current == model.StateOverdue {
			return current, false
		}
		next = model.StateNeedsResponse
	default:
		switch current {
		case model.StateClosed, model.StateArchived, model.StateHidden:
			return current, false
		}
		next = model.StateWaiting
	}

	if next == current {
		return current, false
	}
	return next, true
}

// StartsConversation reports whether a top-level message should be tracked.
func StartsConversation(actor model.Provenance, room *model.Room) bool {
	if room == nil || !room.ConversationTracking || actor == model.ProvenanceBot {
		return false
	}
	return room.IsCommunity || actor.IsExternal()
}
