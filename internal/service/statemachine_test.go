package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

func TestClassifyActor(t *testing.T) {
	org := &model.Organization{PlatformID: "T1", BotMemberID: "bot"}

	assert.Equal(t, model.ProvenanceUnknown, ClassifyActor(org, nil))
	assert.Equal(t, model.ProvenanceBot, ClassifyActor(org, &model.Member{ID: "bot", PlatformTeamID: "T1"}))
	assert.Equal(t, model.ProvenanceBot, ClassifyActor(org, &model.Member{ID: "x", IsBot: true}))
	assert.Equal(t, model.ProvenanceForeign, ClassifyActor(org, &model.Member{ID: "c", PlatformTeamID: "T2"}))
	assert.Equal(t, model.ProvenanceGuest, ClassifyActor(org, &model.Member{ID: "g", PlatformTeamID: "T1", IsGuest: true}))
	assert.Equal(t, model.ProvenanceHome, ClassifyActor(org, &model.Member{ID: "h", PlatformTeamID: "T1"}))
}

func TestNextStateForMessage(t *testing.T) {
	room := &model.Room{ConversationTracking: true}
	community := &model.Room{ConversationTracking: true, IsCommunity: true}

	tests := []struct {
		name    string
		current model.ConversationState
		actor   model.Provenance
		room    *model.Room
		want    model.ConversationState
		changed bool
	}{
		{"bot never changes state", model.StateNeedsResponse, model.ProvenanceBot, room, model.StateNeedsResponse, false},
		{"foreign reply needs response", model.StateNew, model.ProvenanceForeign, room, model.StateNeedsResponse, true},
		{"foreign reply after waiting", model.StateWaiting, model.ProvenanceForeign, room, model.StateNeedsResponse, true},
		{"unknown actor needs response", model.StateWaiting, model.ProvenanceUnknown, room, model.StateNeedsResponse, true},
		{"guest is treated as external", model.StateWaiting, model.ProvenanceGuest, room, model.StateNeedsResponse, true},
		{"home reply waits", model.StateNeedsResponse, model.ProvenanceHome, room, model.StateWaiting, true},
		{"home reply clears overdue", model.StateOverdue, model.ProvenanceHome, room, model.StateWaiting, true},
		{"foreign reply keeps overdue", model.StateOverdue, model.ProvenanceForeign, room, model.StateOverdue, false},
		{"foreign reply reopens closed", model.StateClosed, model.ProvenanceForeign, room, model.StateNeedsResponse, true},
		{"home reply leaves closed", model.StateClosed, model.ProvenanceHome, room, model.StateClosed, false},
		{"home reply leaves archived", model.StateArchived, model.ProvenanceHome, room, model.StateArchived, false},
		{"repeat is a no-op", model.StateWaiting, model.ProvenanceHome, room, model.StateWaiting, false},
		{"community home reply needs response", model.StateWaiting, model.ProvenanceHome, community, model.StateNeedsResponse, true},
		{"community bot reply", model.StateWaiting, model.ProvenanceBot, community, model.StateWaiting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := NextStateForMessage(tt.current, tt.actor, tt.room)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestStartsConversation(t *testing.T) {
	tracked := &model.Room{ConversationTracking: true}
	community := &model.Room{ConversationTracking: true, IsCommunity: true}

	assert.True(t, StartsConversation(model.ProvenanceForeign, tracked))
	assert.True(t, StartsConversation(model.ProvenanceGuest, tracked))
	assert.False(t, StartsConversation(model.ProvenanceHome, tracked))
	assert.True(t, StartsConversation(model.ProvenanceHome, community))
	assert.False(t, StartsConversation(model.ProvenanceBot, community))
	assert.False(t, StartsConversation(model.ProvenanceForeign, &model.Room{}))
	assert.False(t, StartsConversation(model.ProvenanceForeign, nil))
}
