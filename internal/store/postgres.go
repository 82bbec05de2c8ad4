package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

type dbtx interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
	q  dbtx
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, q: db}
}

// OpenPostgres connects using the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgres(db), nil
}

// DB returns the underlying handle.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const organizationColumns = `id, name, slug, platform_id, platform_type, bot_member_id, bot_name, overdue_after`

func (p *Postgres) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	err := p.q.GetContext(ctx, &org, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

func (p *Postgres) GetOrganizationByPlatformID(ctx context.Context, platformID string) (*model.Organization, error) {
	var org model.Organization
	err := p.q.GetContext(ctx, &org, `SELECT `+organizationColumns+` FROM organizations WHERE platform_id = $1`, platformID)
	if err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

const memberColumns = `id, organization_id, platform_user_id, platform_team_id, display_name, email, avatar_url, is_guest, is_bot`

func (p *Postgres) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var member model.Member
	err := p.q.GetContext(ctx, &member, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &member, nil
}

func (p *Postgres) GetMemberByPlatformUserID(ctx context.Context, organizationID, platformUserID string) (*model.Member, error) {
	var member model.Member
	err := p.q.GetContext(ctx, &member,
		`SELECT `+memberColumns+` FROM members WHERE organization_id = $1 AND platform_user_id = $2`,
		organizationID, platformUserID)
	if err != nil {
		return nil, notFound(err)
	}
	return &member, nil
}

func (p *Postgres) FindMemberByEmail(ctx context.Context, organizationID, email string) (*model.Member, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	var member model.Member
	err := p.q.GetContext(ctx, &member,
		`SELECT `+memberColumns+` FROM members WHERE organization_id = $1 AND lower(email) = lower($2) LIMIT 1`,
		organizationID, email)
	if err != nil {
		return nil, notFound(err)
	}
	return &member, nil
}

// SaveMember upserts on (organization, platform user).
func (p *Postgres) SaveMember(ctx context.Context, member *model.Member) error {
	if member.ID == "" {
		member.ID = newID()
	}
	err := p.q.GetContext(ctx, &member.ID, `
		INSERT INTO members (`+memberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, platform_user_id) DO UPDATE SET
			platform_team_id = EXCLUDED.platform_team_id,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			is_guest = EXCLUDED.is_guest,
			is_bot = EXCLUDED.is_bot
		RETURNING id`,
		member.ID, member.OrganizationID, member.PlatformUserID, member.PlatformTeamID,
		member.DisplayName, member.Email, member.AvatarURL, member.IsGuest, member.IsBot)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

const roomColumns = `id, organization_id, platform_room_id, name, is_community, conversation_tracking`

func (p *Postgres) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := p.q.GetContext(ctx, &room, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (p *Postgres) GetRoomByPlatformID(ctx context.Context, organizationID, platformRoomID string) (*model.Room, error) {
	var room model.Room
	err := p.q.GetContext(ctx, &room,
		`SELECT `+roomColumns+` FROM rooms WHERE organization_id = $1 AND platform_room_id = $2`,
		organizationID, platformRoomID)
	if err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (p *Postgres) SaveRoom(ctx context.Context, room *model.Room) error {
	if room.ID == "" {
		room.ID = newID()
	}
	err := p.q.GetContext(ctx, &room.ID, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organization_id, platform_room_id) DO UPDATE SET
			name = EXCLUDED.name,
			is_community = EXCLUDED.is_community,
			conversation_tracking = EXCLUDED.conversation_tracking
		RETURNING id`,
		room.ID, room.OrganizationID, room.PlatformRoomID, room.Name, room.IsCommunity, room.ConversationTracking)
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

const conversationColumns = `id, organization_id, room_id, first_message_id, title, state, started_by_id, created_at, last_message_at, last_state_change_at`

func (p *Postgres) getConversation(ctx context.Context, query string, args ...interface{}) (*model.Conversation, error) {
	var conv model.Conversation
	if err := p.q.GetContext(ctx, &conv, query, args...); err != nil {
		return nil, notFound(err)
	}
	if err := p.q.SelectContext(ctx, &conv.Members, `
		SELECT member_id, joined_at, last_posted_at FROM conversation_members
		WHERE conversation_id = $1 ORDER BY joined_at`, conv.ID); err != nil {
		return nil, fmt.Errorf("failed to load conversation members: %w", err)
	}
	return &conv, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return p.getConversation(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
}

func (p *Postgres) GetConversationByThread(ctx context.Context, roomID, firstMessageID string) (*model.Conversation, error) {
	return p.getConversation(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE room_id = $1 AND first_message_id = $2`,
		roomID, firstMessageID)
}

func (p *Postgres) GetConversationByLink(ctx context.Context, organizationID string, linkType model.LinkType, externalID string) (*model.Conversation, error) {
	return p.getConversation(ctx, `
		SELECT c.id, c.organization_id, c.room_id, c.first_message_id, c.title, c.state, c.started_by_id,
			c.created_at, c.last_message_at, c.last_state_change_at
		FROM conversations c
		JOIN conversation_links l ON l.conversation_id = c.id
		WHERE l.organization_id = $1 AND l.link_type = $2 AND l.external_id = $3`,
		organizationID, linkType, externalID)
}

func (p *Postgres) ListConversations(ctx context.Context, organizationID string, limit, offset int) ([]model.Conversation, int, error) {
	var total int
	if err := p.q.GetContext(ctx, &total, `SELECT count(*) FROM conversations WHERE organization_id = $1`, organizationID); err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	var convs []model.Conversation
	err := p.q.SelectContext(ctx, &convs, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE organization_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2 OFFSET $3`, organizationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, total, nil
}

func (p *Postgres) ListConversationsInState(ctx context.Context, state model.ConversationState) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := p.q.SelectContext(ctx, &convs,
		`SELECT `+conversationColumns+` FROM conversations WHERE state = $1 ORDER BY last_message_at`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = newID()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, conv.OrganizationID, conv.RoomID, conv.FirstMessageID, conv.Title, conv.State,
		conv.StartedByID, conv.CreatedAt, conv.LastMessageAt, conv.LastStateChangeAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return p.saveParticipants(ctx, conv)
}

func (p *Postgres) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE conversations SET title = $2, state = $3, last_message_at = $4, last_state_change_at = $5
		WHERE id = $1`,
		conv.ID, conv.Title, conv.State, conv.LastMessageAt, conv.LastStateChangeAt)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return p.saveParticipants(ctx, conv)
}

func (p *Postgres) saveParticipants(ctx context.Context, conv *model.Conversation) error {
	for _, participant := range conv.Members {
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, member_id, joined_at, last_posted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, member_id) DO UPDATE SET last_posted_at = EXCLUDED.last_posted_at`,
			conv.ID, participant.MemberID, participant.JoinedAt, participant.LastPostedAt)
		if err != nil {
			return fmt.Errorf("failed to save conversation member: %w", err)
		}
	}
	return nil
}

type timelineRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Kind           string    `db:"kind"`
	MemberID       string    `db:"member_id"`
	Created        time.Time `db:"created"`
	Payload        []byte    `db:"payload"`
}

func (p *Postgres) AppendTimelineEvent(ctx context.Context, evt *model.TimelineEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	var payload interface{}
	switch evt.Kind {
	case model.KindMessagePosted:
		payload = evt.MessagePosted
	case model.KindStateChanged:
		payload = evt.StateChanged
	case model.KindExternalLinked:
		payload = evt.ExternalLinked
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode timeline payload: %w", err)
	}

	if evt.ID == "" {
		evt.ID = newID()
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO timeline_events (id, conversation_id, kind, member_id, created, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.ConversationID, evt.Kind, evt.MemberID, evt.Created, string(data))
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

func (p *Postgres) ListTimeline(ctx context.Context, conversationID string) ([]model.TimelineEvent, error) {
	var rows []timelineRow
	err := p.q.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, kind, member_id, created, payload FROM timeline_events
		WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline: %w", err)
	}

	events := make([]model.TimelineEvent, 0, len(rows))
	for _, row := range rows {
		evt := model.TimelineEvent{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			Kind:           model.TimelineEventKind(row.Kind),
			MemberID:       row.MemberID,
			Created:        row.Created,
		}
		var target interface{}
		switch evt.Kind {
		case model.KindMessagePosted:
			evt.MessagePosted = &model.MessagePostedEvent{}
			target = evt.MessagePosted
		case model.KindStateChanged:
			evt.StateChanged = &model.StateChangedEvent{}
			target = evt.StateChanged
		case model.KindExternalLinked:
			evt.ExternalLinked = &model.ExternalLinkedEvent{}
			target = evt.ExternalLinked
		default:
			return nil, fmt.Errorf("unknown timeline event kind %q", row.Kind)
		}
		if err := json.Unmarshal(row.Payload, target); err != nil {
			return nil, fmt.Errorf("failed to decode timeline payload: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

const linkColumns = `id, organization_id, conversation_id, link_type, external_id, created_by_id, created_at`

func (p *Postgres) CreateLink(ctx context.Context, link *model.ConversationLink) error {
	if link.ID == "" {
		link.ID = newID()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO conversation_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		link.ID, link.OrganizationID, link.ConversationID, link.LinkType, link.ExternalID, link.CreatedByID, link.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

func (p *Postgres) GetLink(ctx context.Context, conversationID string, linkType model.LinkType) (*model.ConversationLink, error) {
	var link model.ConversationLink
	err := p.q.GetContext(ctx, &link,
		`SELECT `+linkColumns+` FROM conversation_links WHERE conversation_id = $1 AND link_type = $2`,
		conversationID, linkType)
	if err != nil {
		return nil, notFound(err)
	}
	return &link, nil
}

func (p *Postgres) GetSetting(ctx context.Context, scope, name string) (*model.Setting, error) {
	var setting model.Setting
	err := p.q.GetContext(ctx, &setting,
		`SELECT scope, name, value, updated_by_id, updated_at FROM settings WHERE scope = $1 AND name = $2`,
		scope, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &setting, nil
}

func (p *Postgres) SetSetting(ctx context.Context, setting *model.Setting) error {
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO settings (scope, name, value, updated_by_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, name) DO UPDATE SET
			value = EXCLUDED.value,
			updated_by_id = EXCLUDED.updated_by_id,
			updated_at = EXCLUDED.updated_at`,
		setting.Scope, setting.Name, setting.Value, setting.UpdatedByID, setting.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", setting.Name, err)
	}
	return nil
}

func (p *Postgres) RemoveSetting(ctx context.Context, scope, name string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM settings WHERE scope = $1 AND name = $2`, scope, name)
	if err != nil {
		return fmt.Errorf("failed to remove setting %s: %w", name, err)
	}
	return nil
}

const identityColumns = `id, organization_id, member_id, type, external_id, external_name, external_metadata`

func (p *Postgres) GetLinkedIdentity(ctx context.Context, organizationID, memberID string, identityType model.IdentityType) (*model.LinkedIdentity, error) {
	var identity model.LinkedIdentity
	err := p.q.GetContext(ctx, &identity,
		`SELECT `+identityColumns+` FROM linked_identities WHERE organization_id = $1 AND member_id = $2 AND type = $3`,
		organizationID, memberID, identityType)
	if err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

func (p *Postgres) GetLinkedIdentityByExternalID(ctx context.Context, organizationID string, identityType model.IdentityType, externalID string) (*model.LinkedIdentity, error) {
	var identity model.LinkedIdentity
	err := p.q.GetContext(ctx, &identity,
		`SELECT `+identityColumns+` FROM linked_identities WHERE organization_id = $1 AND type = $2 AND external_id = $3 LIMIT 1`,
		organizationID, identityType, externalID)
	if err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

// SaveLinkedIdentity upserts on (organization, member, type).
func (p *Postgres) SaveLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	if identity.ID == "" {
		identity.ID = newID()
	}
	err := p.q.GetContext(ctx, &identity.ID, `
		INSERT INTO linked_identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (organization_id, member_id, type) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			external_name = EXCLUDED.external_name,
			external_metadata = EXCLUDED.external_metadata
		RETURNING id`,
		identity.ID, identity.OrganizationID, identity.MemberID, identity.Type,
		identity.ExternalID, identity.ExternalName, identity.ExternalMetadata)
	if err != nil {
		return fmt.Errorf("failed to save linked identity: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveLinkedIdentity(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM linked_identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove linked identity: %w", err)
	}
	return nil
}

const integrationColumns = `id, organization_id, type, enabled, settings`

func (p *Postgres) GetIntegration(ctx context.Context, organizationID string, integrationType model.IntegrationType) (*model.Integration, error) {
	var integration model.Integration
	err := p.q.GetContext(ctx, &integration,
		`SELECT `+integrationColumns+` FROM integrations WHERE organization_id = $1 AND type = $2`,
		organizationID, integrationType)
	if err != nil {
		return nil, notFound(err)
	}
	return &integration, nil
}

func (p *Postgres) SaveIntegration(ctx context.Context, integration *model.Integration) error {
	if integration.ID == "" {
		integration.ID = newID()
	}
	err := p.q.GetContext(ctx, &integration.ID, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			settings = EXCLUDED.settings
		RETURNING id`,
		integration.ID, integration.OrganizationID, integration.Type, integration.Enabled, integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if p.db == nil {
		return fn(p)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Postgres{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
