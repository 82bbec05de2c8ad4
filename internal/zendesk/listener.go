package zendesk

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/richtext"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
)

// Listener forwards chat activity on linked conversations to Zendesk.
type Listener struct {
	store     store.Store
	clients   ClientFactory
	resolver  *Resolver
	converter *richtext.Converter
	logger    *logger.Logger
}

var _ service.Listener = (*Listener)(nil)

// NewListener creates a Listener.
func NewListener(st store.Store, clients ClientFactory, resolver *Resolver, converter *richtext.Converter, log *logger.Logger) *Listener {
	return &Listener{
		store:     st,
		clients:   clients,
		resolver:  resolver,
		converter: converter,
		logger:    log.Named("zendesk.listener"),
	}
}

// target is a linked ticket with a usable client.
type target struct {
	org      *model.Organization
	ticket   *TicketLink
	settings *model.ZendeskSettings
	client   Client
	status   string
}

// target returns nil when conv is not linked or the integration cannot be
// used.
func (l *Listener) target(ctx context.Context, conv *model.Conversation, log *logger.Logger) (*target, error) {
	link, err := l.store.GetLink(ctx, conv.ID, model.LinkTypeZendeskTicket)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("conversation is not linked to a ticket")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket link: %w", err)
	}

	integration, err := l.store.GetIntegration(ctx, conv.OrganizationID, model.IntegrationZendesk)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !integration.Enabled) {
		log.Info("zendesk integration is disabled, not syncing")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	settings, err := integration.ZendeskSettings()
	if err != nil {
		return nil, err
	}
	client, err := l.clients.NewClient(settings)
	if err != nil {
		log.Info("zendesk integration is not configured, not syncing", zap.Error(err))
		return nil, nil
	}

	ticket, err := ParseTicketURL(link.ExternalID)
	if err != nil {
		return nil, err
	}
	org, err := l.store.GetOrganization(ctx, conv.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	status, err := store.GetSettingValue(ctx, l.store, model.ConversationScope(conv.ID), model.SettingZendeskTicketStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket status: %w", err)
	}

	return &target{org: org, ticket: ticket, settings: settings, client: client, status: status}, nil
}

// OnNewMessage posts a live chat message as a public comment on the linked
// ticket, authored by the message author's Zendesk user.
func (l *Listener) OnNewMessage(ctx context.Context, conv *model.Conversation, msg *model.ChatMessage) (err error) {
	log := l.logger.WithConversation(conv.OrganizationID, conv.ID).With(zap.String("message_id", msg.ID))

	if !msg.Live {
		log.Debug("not forwarding replayed message")
		return nil
	}
	if msg.Author == nil {
		log.Info("message author is unknown, not forwarding")
		return nil
	}

	t, err := l.target(ctx, conv, log)
	if err != nil || t == nil {
		return err
	}
	if IsTerminalStatus(t.status) {
		log.Info("ticket is closed, not forwarding message")
		return nil
	}
	if service.ClassifyActor(t.org, msg.Author) == model.ProvenanceBot {
		log.Debug("not forwarding bot message")
		return nil
	}

	defer func() { metrics.RecordOutbound("comment", err) }()

	user, err := l.resolver.ResolveIdentity(ctx, t.client, t.org, msg.Author, t.settings.ExternalOrganizationID)
	if err != nil {
		return fmt.Errorf("failed to resolve zendesk user for %s: %w", msg.Author.ID, err)
	}
	if user == nil {
		log.Info("message author has no zendesk user, not forwarding")
		return nil
	}

	body := l.converter.MarkupToHTML(msg.Text, memberNames(ctx, l.store, conv.OrganizationID)) + fileLinks(msg.Files)
	if body == "" {
		return nil
	}

	public := true
	if _, err := t.client.UpdateTicket(ctx, t.ticket.TicketID, &Ticket{
		Comment: &Comment{HTMLBody: body, AuthorID: user.ID, Public: &public},
	}); err != nil {
		log.Error("failed to post comment to zendesk", zap.Error(err))
		return fmt.Errorf("failed to post comment to ticket %d: %w", t.ticket.TicketID, err)
	}
	log.Info("forwarded message to zendesk", zap.Int64("ticket_id", t.ticket.TicketID))
	return nil
}

// OnStateChanged pushes the ticket status for the conversation's new state.
// Changes made by the bot, and changes the stored ticket status already
// reflects, are not pushed back.
func (l *Listener) OnStateChanged(ctx context.Context, change *model.StateChange) (err error) {
	conv := change.Conversation
	log := l.logger.WithConversation(conv.OrganizationID, conv.ID).With(
		zap.String("from", string(change.OldState)),
		zap.String("to", string(change.NewState)),
	)

	if change.Actor == nil {
		log.Info("state change has no actor, not syncing status")
		return nil
	}

	t, err := l.target(ctx, conv, log)
	if err != nil || t == nil {
		return err
	}

	actor := service.ClassifyActor(t.org, change.Actor)
	if actor == model.ProvenanceBot {
		log.Info("state changed by the bot, not syncing status")
		return nil
	}

	status := StatusForState(change.NewState, actor)
	if strings.EqualFold(status, t.status) {
		log.Info("ticket already has status", zap.String("status", status))
		return nil
	}
	if implied, ok := StateOfStatus(t.status); ok && implied == change.NewState {
		log.Info("ticket status already implies state", zap.String("status", t.status))
		return nil
	}
	if IsTerminalStatus(t.status) {
		log.Info("ticket is closed, not syncing status")
		return nil
	}

	defer func() { metrics.RecordOutbound("status", err) }()

	if _, err := t.client.UpdateTicket(ctx, t.ticket.TicketID, &Ticket{Status: status}); err != nil {
		log.Error("failed to update zendesk ticket status", zap.String("status", status), zap.Error(err))
		return fmt.Errorf("failed to update ticket %d status: %w", t.ticket.TicketID, err)
	}

	if err := l.store.SetSetting(ctx, &model.Setting{
		Scope:       model.ConversationScope(conv.ID),
		Name:        model.SettingZendeskTicketStatus,
		Value:       status,
		UpdatedByID: change.Actor.ID,
		UpdatedAt:   change.At,
	}); err != nil {
		return fmt.Errorf("failed to save ticket status: %w", err)
	}
	log.Info("updated zendesk ticket status", zap.String("status", status))
	return nil
}

// fileLinks renders chat attachments as an HTML list of links.
func fileLinks(files []model.File) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<ul>")
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = f.URL
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, html.EscapeString(f.URL), html.EscapeString(name))
	}
	b.WriteString("</ul>")
	return b.String()
}
