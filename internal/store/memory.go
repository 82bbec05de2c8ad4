package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

// Memory is an in-process Store used for tests and single-node development.
// Transactions are serialized. A failed transaction restores only the keys
// it wrote.
type Memory struct {
	*memoryState
	// undo is set on the view handed to a transaction.
	undo *undoLog
}

type memoryState struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *memoryData
}

type undoLog struct {
	steps []func()
}

// remember records the current value of table[key] so a rollback can put it
// back. It is a no-op outside a transaction.
func remember[K comparable, V any](u *undoLog, table map[K]V, key K) {
	if u == nil {
		return
	}
	old, existed := table[key]
	u.steps = append(u.steps, func() {
		if existed {
			table[key] = old
		} else {
			delete(table, key)
		}
	})
}

func (u *undoLog) rollback() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
	u.steps = nil
}

type memoryData struct {
	organizations map[string]model.Organization
	members       map[string]model.Member
	rooms         map[string]model.Room
	conversations map[string]model.Conversation
	timeline      map[string][]model.TimelineEvent
	links         map[string]model.ConversationLink
	settings      map[string]model.Setting
	identities    map[string]model.LinkedIdentity
	integrations  map[string]model.Integration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{memoryState: &memoryState{data: newMemoryData()}}
}

func newMemoryData() *memoryData {
	return &memoryData{
		organizations: make(map[string]model.Organization),
		members:       make(map[string]model.Member),
		rooms:         make(map[string]model.Room),
		conversations: make(map[string]model.Conversation),
		timeline:      make(map[string][]model.TimelineEvent),
		links:         make(map[string]model.ConversationLink),
		settings:      make(map[string]model.Setting),
		identities:    make(map[string]model.LinkedIdentity),
		integrations:  make(map[string]model.Integration),
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func copyConversation(c model.Conversation) model.Conversation {
	c.Members = append([]model.Participant(nil), c.Members...)
	return c
}

func settingKey(scope, name string) string {
	return scope + "\x00" + name
}

// SaveOrganization inserts or replaces an organization. Organizations are
// owned by the wider platform; this exists for seeding.
func (m *Memory) SaveOrganization(_ context.Context, org *model.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if org.ID == "" {
		org.ID = newID()
	}
	remember(m.undo, m.data.organizations, org.ID)
	m.data.organizations[org.ID] = *org
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.data.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

func (m *Memory) GetOrganizationByPlatformID(_ context.Context, platformID string) (*model.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, org := range m.data.organizations {
		if org.PlatformID == platformID {
			return &org, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetMember(_ context.Context, id string) (*model.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.data.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &member, nil
}

func (m *Memory) GetMemberByPlatformUserID(_ context.Context, organizationID, platformUserID string) (*model.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, member := range m.data.members {
		if member.OrganizationID == organizationID && member.PlatformUserID == platformUserID {
			return &member, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindMemberByEmail(_ context.Context, organizationID, email string) (*model.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if email == "" {
		return nil, ErrNotFound
	}
	for _, member := range m.data.members {
		if member.OrganizationID == organizationID && strings.EqualFold(member.Email, email) {
			return &member, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveMember(_ context.Context, member *model.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if member.ID == "" {
		for _, existing := range m.data.members {
			if existing.OrganizationID == member.OrganizationID && existing.PlatformUserID == member.PlatformUserID {
				member.ID = existing.ID
				break
			}
		}
	}
	if member.ID == "" {
		member.ID = newID()
	}
	remember(m.undo, m.data.members, member.ID)
	m.data.members[member.ID] = *member
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id string) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.data.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (m *Memory) GetRoomByPlatformID(_ context.Context, organizationID, platformRoomID string) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, room := range m.data.rooms {
		if room.OrganizationID == organizationID && room.PlatformRoomID == platformRoomID {
			return &room, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveRoom(_ context.Context, room *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room.ID == "" {
		room.ID = newID()
	}
	remember(m.undo, m.data.rooms, room.ID)
	m.data.rooms[room.ID] = *room
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.data.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv = copyConversation(conv)
	return &conv, nil
}

func (m *Memory) GetConversationByThread(_ context.Context, roomID, firstMessageID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conv := range m.data.conversations {
		if conv.RoomID == roomID && conv.FirstMessageID == firstMessageID {
			conv = copyConversation(conv)
			return &conv, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetConversationByLink(_ context.Context, organizationID string, linkType model.LinkType, externalID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, link := range m.data.links {
		if link.OrganizationID == organizationID && link.LinkType == linkType && link.ExternalID == externalID {
			conv, ok := m.data.conversations[link.ConversationID]
			if !ok {
				return nil, ErrNotFound
			}
			conv = copyConversation(conv)
			return &conv, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListConversations(_ context.Context, organizationID string, limit, offset int) ([]model.Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range m.data.conversations {
		if conv.OrganizationID == organizationID {
			convs = append(convs, copyConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return convs[start:end], total, nil
}

func (m *Memory) ListConversationsInState(_ context.Context, state model.ConversationState) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range m.data.conversations {
		if conv.State == state {
			convs = append(convs, copyConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.Before(convs[j].LastMessageAt)
	})
	return convs, nil
}

func (m *Memory) CreateConversation(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.data.conversations {
		if existing.RoomID == conv.RoomID && existing.FirstMessageID == conv.FirstMessageID {
			return ErrConflict
		}
	}
	if conv.ID == "" {
		conv.ID = newID()
	}
	remember(m.undo, m.data.conversations, conv.ID)
	m.data.conversations[conv.ID] = copyConversation(*conv)
	return nil
}

func (m *Memory) UpdateConversation(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	remember(m.undo, m.data.conversations, conv.ID)
	m.data.conversations[conv.ID] = copyConversation(*conv)
	return nil
}

func (m *Memory) AppendTimelineEvent(_ context.Context, evt *model.TimelineEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if evt.ID == "" {
		evt.ID = newID()
	}
	remember(m.undo, m.data.timeline, evt.ConversationID)
	m.data.timeline[evt.ConversationID] = append(m.data.timeline[evt.ConversationID], *evt)
	return nil
}

func (m *Memory) ListTimeline(_ context.Context, conversationID string) ([]model.TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]model.TimelineEvent(nil), m.data.timeline[conversationID]...), nil
}

func (m *Memory) CreateLink(_ context.Context, link *model.ConversationLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.data.links {
		if existing.ConversationID == link.ConversationID && existing.LinkType == link.LinkType {
			return ErrConflict
		}
	}
	if link.ID == "" {
		link.ID = newID()
	}
	remember(m.undo, m.data.links, link.ID)
	m.data.links[link.ID] = *link
	return nil
}

func (m *Memory) GetLink(_ context.Context, conversationID string, linkType model.LinkType) (*model.ConversationLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, link := range m.data.links {
		if link.ConversationID == conversationID && link.LinkType == linkType {
			return &link, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetSetting(_ context.Context, scope, name string) (*model.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	setting, ok := m.data.settings[settingKey(scope, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return &setting, nil
}

func (m *Memory) SetSetting(_ context.Context, setting *model.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	key := settingKey(setting.Scope, setting.Name)
	remember(m.undo, m.data.settings, key)
	m.data.settings[key] = *setting
	return nil
}

func (m *Memory) RemoveSetting(_ context.Context, scope, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settingKey(scope, name)
	remember(m.undo, m.data.settings, key)
	delete(m.data.settings, key)
	return nil
}

func (m *Memory) GetLinkedIdentity(_ context.Context, organizationID, memberID string, identityType model.IdentityType) (*model.LinkedIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, identity := range m.data.identities {
		if identity.OrganizationID == organizationID && identity.MemberID == memberID && identity.Type == identityType {
			return &identity, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetLinkedIdentityByExternalID(_ context.Context, organizationID string, identityType model.IdentityType, externalID string) (*model.LinkedIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, identity := range m.data.identities {
		if identity.OrganizationID == organizationID && identity.Type == identityType && identity.ExternalID == externalID {
			return &identity, nil
		}
	}
	return nil, ErrNotFound
}

// SaveLinkedIdentity upserts on (organization, member, type).
func (m *Memory) SaveLinkedIdentity(_ context.Context, identity *model.LinkedIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.data.identities {
		if existing.OrganizationID == identity.OrganizationID && existing.MemberID == identity.MemberID && existing.Type == identity.Type {
			identity.ID = id
			break
		}
	}
	if identity.ID == "" {
		identity.ID = newID()
	}
	remember(m.undo, m.data.identities, identity.ID)
	m.data.identities[identity.ID] = *identity
	return nil
}

func (m *Memory) RemoveLinkedIdentity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	remember(m.undo, m.data.identities, id)
	delete(m.data.identities, id)
	return nil
}

func (m *Memory) GetIntegration(_ context.Context, organizationID string, integrationType model.IntegrationType) (*model.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, integration := range m.data.integrations {
		if integration.OrganizationID == organizationID && integration.Type == integrationType {
			return &integration, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveIntegration(_ context.Context, integration *model.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if integration.ID == "" {
		integration.ID = newID()
	}
	remember(m.undo, m.data.integrations, integration.ID)
	m.data.integrations[integration.ID] = *integration
	return nil
}

// WithTx runs fn with rollback on error. Rollback restores the keys fn
// wrote; writes made outside the transaction are kept. Nested calls join
// the outer transaction.
func (m *Memory) WithTx(_ context.Context, fn func(tx Store) error) error {
	if m.undo != nil {
		return fn(m)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &Memory{memoryState: m.memoryState, undo: &undoLog{}}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		tx.undo.rollback()
		m.mu.Unlock()
		return err
	}
	return nil
}
