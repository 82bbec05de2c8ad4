// Package store persists conversations, links, identities and settings.
package store

import (
	"context"
	"errors"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence boundary of the sync service.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	GetOrganizationByPlatformID(ctx context.Context, platformID string) (*model.Organization, error)

	GetMember(ctx context.Context, id string) (*model.Member, error)
	GetMemberByPlatformUserID(ctx context.Context, organizationID, platformUserID string) (*model.Member, error)
	FindMemberByEmail(ctx context.Context, organizationID, email string) (*model.Member, error)
	SaveMember(ctx context.Context, member *model.Member) error

	GetRoom(ctx context.Context, id string) (*model.Room, error)
	GetRoomByPlatformID(ctx context.Context, organizationID, platformRoomID string) (*model.Room, error)
	SaveRoom(ctx context.Context, room *model.Room) error

	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationByThread(ctx context.Context, roomID, firstMessageID string) (*model.Conversation, error)
	GetConversationByLink(ctx context.Context, organizationID string, linkType model.LinkType, externalID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, organizationID string, limit, offset int) ([]model.Conversation, int, error)
	ListConversationsInState(ctx context.Context, state model.ConversationState) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	UpdateConversation(ctx context.Context, conv *model.Conversation) error

	AppendTimelineEvent(ctx context.Context, evt *model.TimelineEvent) error
	// ListTimeline returns events in the order they were appended.
	ListTimeline(ctx context.Context, conversationID string) ([]model.TimelineEvent, error)

	CreateLink(ctx context.Context, link *model.ConversationLink) error
	GetLink(ctx context.Context, conversationID string, linkType model.LinkType) (*model.ConversationLink, error)

	GetSetting(ctx context.Context, scope, name string) (*model.Setting, error)
	SetSetting(ctx context.Context, setting *model.Setting) error
	RemoveSetting(ctx context.Context, scope, name string) error

	GetLinkedIdentity(ctx context.Context, organizationID, memberID string, identityType model.IdentityType) (*model.LinkedIdentity, error)
	GetLinkedIdentityByExternalID(ctx context.Context, organizationID string, identityType model.IdentityType, externalID string) (*model.LinkedIdentity, error)
	SaveLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error
	RemoveLinkedIdentity(ctx context.Context, id string) error

	GetIntegration(ctx context.Context, organizationID string, integrationType model.IntegrationType) (*model.Integration, error)
	SaveIntegration(ctx context.Context, integration *model.Integration) error

	// WithTx runs fn against a transactional view of the store. Any error
	// returned by fn rolls the transaction back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// GetSettingValue returns the setting value, or "" when it is not set.
func GetSettingValue(ctx context.Context, s Store, scope, name string) (string, error) {
	setting, err := s.GetSetting(ctx, scope, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}
