package zendesk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// RoleEndUser is the Zendesk role given to facade users.
const RoleEndUser = "end-user"

// CommentAuthor is who a ticket comment is displayed as in chat.
type CommentAuthor struct {
	ExternalID int64
	Name       string
	Email      string
	AvatarURL  string
	// Member is set when the Zendesk user is linked to a chat member.
	Member *model.Member
}

// DisplayName prefers the linked member's chat name.
func (a *CommentAuthor) DisplayName() string {
	if a.Member != nil && a.Member.DisplayName != "" {
		return a.Member.DisplayName
	}
	return a.Name
}

// Avatar prefers the linked member's chat avatar.
func (a *CommentAuthor) Avatar() string {
	if a.Member != nil && a.Member.AvatarURL != "" {
		return a.Member.AvatarURL
	}
	return a.AvatarURL
}

// Resolver maps chat members to Zendesk users and back.
type Resolver struct {
	store       store.Store
	chat        chat.Client
	emailDomain string
	logger      *logger.Logger
}

// NewResolver creates a resolver. chatClient may be nil, in which case
// members without a stored email go straight to a facade user.
func NewResolver(st store.Store, chatClient chat.Client, facadeEmailDomain string, log *logger.Logger) *Resolver {
	return &Resolver{
		store:       st,
		chat:        chatClient,
		emailDomain: facadeEmailDomain,
		logger:      log.Named("zendesk.resolver"),
	}
}

// ResolveIdentity returns the Zendesk user for member, linking or creating
// one as needed. Only the mapping is stored; the profile is always fetched
// live. API errors are returned unchanged.
func (r *Resolver) ResolveIdentity(ctx context.Context, client Client, org *model.Organization, member *model.Member, externalOrgID *int64) (*User, error) {
	if member == nil {
		return nil, errors.New("no member to resolve")
	}
	log := r.logger.WithContext("", org.ID, member.ID)

	identity, err := r.store.GetLinkedIdentity(ctx, org.ID, member.ID, model.IdentityZendesk)
	switch {
	case err == nil:
		user, err := r.refresh(ctx, client, identity)
		if err == nil {
			return user, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		log.Info("linked zendesk user no longer exists, relinking", zap.String("external_id", identity.ExternalID))
		if err := r.store.RemoveLinkedIdentity(ctx, identity.ID); err != nil {
			return nil, fmt.Errorf("failed to remove stale identity: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to load linked identity: %w", err)
	}

	user, facade, err := r.findOrCreate(ctx, client, org, member, externalOrgID)
	if err != nil {
		return nil, err
	}

	identity = &model.LinkedIdentity{
		OrganizationID: org.ID,
		MemberID:       member.ID,
		Type:           model.IdentityZendesk,
	}
	if err := r.link(ctx, identity, user, facade); err != nil {
		return nil, err
	}
	log.Info("linked zendesk user",
		zap.Int64("zendesk_user_id", user.ID),
		zap.Bool("facade", facade),
	)
	return user, nil
}

// refresh fetches the linked user and completes missing metadata.
func (r *Resolver) refresh(ctx context.Context, client Client, identity *model.LinkedIdentity) (*User, error) {
	id, err := strconv.ParseInt(identity.ExternalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid linked zendesk user id %q: %w", identity.ExternalID, err)
	}
	user, err := client.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	md, err := identity.ZendeskMetadata()
	if err != nil {
		r.logger.Warn("discarding unreadable identity metadata", zap.String("identity_id", identity.ID), zap.Error(err))
		md = nil
	}
	if md.IsComplete() {
		return user, nil
	}

	facade := md != nil && md.IsFacade
	if err := r.link(ctx, identity, user, facade || r.isFacadeEmail(user.Email)); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Resolver) link(ctx context.Context, identity *model.LinkedIdentity, user *User, facade bool) error {
	identity.ExternalID = strconv.FormatInt(user.ID, 10)
	identity.ExternalName = user.Name
	if err := identity.SetZendeskMetadata(&model.ZendeskUserMetadata{
		Subdomain: subdomainOf(user.URL),
		Role:      user.Role,
		IsFacade:  facade,
	}); err != nil {
		return err
	}
	if err := r.store.SaveLinkedIdentity(ctx, identity); err != nil {
		return fmt.Errorf("failed to save linked identity: %w", err)
	}
	return nil
}

func (r *Resolver) findOrCreate(ctx context.Context, client Client, org *model.Organization, member *model.Member, externalOrgID *int64) (*User, bool, error) {
	email, err := r.emailOf(ctx, member)
	if err != nil {
		return nil, false, err
	}

	if email != "" {
		candidates, err := client.SearchUsers(ctx, email)
		if err != nil {
			return nil, false, err
		}
		for i := range candidates {
			if strings.EqualFold(candidates[i].Email, email) {
				return &candidates[i], false, nil
			}
		}
	}

	user, err := client.CreateOrUpdateUser(ctx, &User{
		Name:           FacadeName(org, member),
		Email:          FacadeEmail(org, member, r.emailDomain),
		Role:           RoleEndUser,
		Verified:       true,
		ExternalID:     member.ID,
		OrganizationID: externalOrgID,
	})
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// emailOf returns the member's stored email, else the chat platform's.
func (r *Resolver) emailOf(ctx context.Context, member *model.Member) (string, error) {
	if member.Email != "" || r.chat == nil || member.PlatformUserID == "" {
		return member.Email, nil
	}
	info, err := r.chat.GetUserInfo(ctx, member.PlatformUserID)
	if errors.Is(err, chat.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up chat user %s: %w", member.PlatformUserID, err)
	}
	return info.Email, nil
}

func (r *Resolver) isFacadeEmail(email string) bool {
	return r.emailDomain != "" && strings.HasSuffix(strings.ToLower(email), "."+strings.ToLower(r.emailDomain))
}

// ResolveCommentAuthor describes a comment author for display in chat. A
// missing Zendesk user yields a placeholder name rather than an error.
func (r *Resolver) ResolveCommentAuthor(ctx context.Context, client Client, org *model.Organization, authorID int64) (*CommentAuthor, error) {
	author := &CommentAuthor{ExternalID: authorID}

	identity, err := r.store.GetLinkedIdentityByExternalID(ctx, org.ID, model.IdentityZendesk, strconv.FormatInt(authorID, 10))
	switch {
	case err == nil:
		member, err := r.store.GetMember(ctx, identity.MemberID)
		if err == nil {
			author.Member = member
			author.Name = identity.ExternalName
			return author, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load linked member: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to load linked identity: %w", err)
	}

	user, err := client.GetUser(ctx, authorID)
	if IsNotFound(err) {
		author.Name = fmt.Sprintf("Zendesk user %d", authorID)
		return author, nil
	}
	if err != nil {
		return nil, err
	}
	author.Name = user.Name
	author.Email = user.Email
	author.AvatarURL = user.PhotoURL()
	return author, nil
}

// ResolveActor returns the member a ticket change should be attributed to:
// the linked member, else the member with the same email, else the
// organization's bot.
func (r *Resolver) ResolveActor(ctx context.Context, client Client, org *model.Organization, externalUserID string) *model.Member {
	if id, err := strconv.ParseInt(externalUserID, 10, 64); err == nil && id > 0 {
		if member := r.memberForUser(ctx, client, org, id); member != nil {
			return member
		}
	}
	return r.botMember(ctx, org)
}

func (r *Resolver) memberForUser(ctx context.Context, client Client, org *model.Organization, id int64) *model.Member {
	log := r.logger.With(zap.String("organization_id", org.ID), zap.Int64("zendesk_user_id", id))

	if identity, err := r.store.GetLinkedIdentityByExternalID(ctx, org.ID, model.IdentityZendesk, strconv.FormatInt(id, 10)); err == nil {
		if member, err := r.store.GetMember(ctx, identity.MemberID); err == nil {
			return member
		}
	}

	user, err := client.GetUser(ctx, id)
	if err != nil {
		log.Warn("could not fetch ticket actor", zap.Error(err))
		return nil
	}
	if user.Email == "" {
		return nil
	}
	member, err := r.store.FindMemberByEmail(ctx, org.ID, user.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("could not match ticket actor by email", zap.Error(err))
		}
		return nil
	}
	return member
}

func (r *Resolver) botMember(ctx context.Context, org *model.Organization) *model.Member {
	if org.BotMemberID == "" {
		return nil
	}
	bot, err := r.store.GetMember(ctx, org.BotMemberID)
	if err != nil {
		return &model.Member{ID: org.BotMemberID, OrganizationID: org.ID, DisplayName: org.BotName, IsBot: true}
	}
	return bot
}

// FacadeEmail synthesizes the address of a facade user:
// {platformUserId}@{slug}.{platformId}.{platformType}.{domain}.
func FacadeEmail(org *model.Organization, member *model.Member, domain string) string {
	return fmt.Sprintf("%s@%s.%s.%s.%s",
		member.PlatformUserID,
		org.Slug,
		org.PlatformID,
		strings.ToLower(string(org.PlatformType)),
		domain,
	)
}

// FacadeName is "{display name} (via {bot name})".
func FacadeName(org *model.Organization, member *model.Member) string {
	name := member.DisplayName
	if name == "" {
		name = member.PlatformUserID
	}
	if org.BotName == "" {
		return name
	}
	return fmt.Sprintf("%s (via %s)", name, org.BotName)
}

// subdomainOf extracts "acme" from https://acme.zendesk.com/api/v2/users/1.json.
func subdomainOf(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	sub, ok := strings.CutSuffix(strings.ToLower(u.Hostname()), ".zendesk.com")
	if !ok {
		return ""
	}
	return sub
}
