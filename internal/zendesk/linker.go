package zendesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/richtext"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/ticketing"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/tracing"
)

const customFieldPrefix = "custom_field:"

// Summarizer writes a short ticket subject for a conversation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ThreadImportRequest is the payload of a KindImportThreadHistory job.
type ThreadImportRequest struct {
	OrganizationID string `json:"organization_id"`
	ConversationID string `json:"conversation_id"`
}

// Linker creates Zendesk tickets for conversations.
type Linker struct {
	store      store.Store
	clients    ClientFactory
	resolver   *Resolver
	chat       chat.Client
	converter  *richtext.Converter
	jobs       jobs.Enqueuer
	summarizer Summarizer
	webBaseURL string
	logger     *logger.Logger
	now        func() time.Time
}

// NewLinker creates a Linker. webBaseURL is the root of the conversation
// pages linked from ticket bodies.
func NewLinker(st store.Store, clients ClientFactory, resolver *Resolver, chatClient chat.Client, converter *richtext.Converter, enqueuer jobs.Enqueuer, webBaseURL string, log *logger.Logger) *Linker {
	return &Linker{
		store:      st,
		clients:    clients,
		resolver:   resolver,
		chat:       chatClient,
		converter:  converter,
		jobs:       enqueuer,
		webBaseURL: strings.TrimRight(webBaseURL, "/"),
		logger:     log.Named("zendesk.linker"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetSummarizer enables generated subjects for tickets created without one.
func (l *Linker) SetSummarizer(s Summarizer) {
	l.summarizer = s
}

// CreateTicketLink creates a ticket from fieldValues, links conv to it and
// schedules the import of the thread's history into the ticket. Failures
// are *ticketing.TicketError, except ticketing.ErrAlreadyLinked.
func (l *Linker) CreateTicketLink(ctx context.Context, integration *model.Integration, settings *model.ZendeskSettings, fieldValues map[string]any, conv *model.Conversation, actor *model.Member) (link *model.ConversationLink, err error) {
	ctx, span := tracing.StartSpan(ctx, "zendesk.CreateTicketLink",
		attribute.String("organization_id", conv.OrganizationID),
		attribute.String("conversation_id", conv.ID),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.TicketLinksTotal.WithLabelValues(result).Inc()
	}()

	log := l.logger.WithConversation(conv.OrganizationID, conv.ID)

	if _, err := l.store.GetLink(ctx, conv.ID, model.LinkTypeZendeskTicket); err == nil {
		return nil, ticketing.ErrAlreadyLinked
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, ParseError(fmt.Errorf("failed to check existing link: %w", err))
	}

	if integration == nil || !integration.Enabled {
		return nil, &ticketing.TicketError{Reason: ticketing.ReasonUserConfiguration, Message: "The Zendesk integration is not enabled."}
	}
	if settings == nil {
		if settings, err = integration.ZendeskSettings(); err != nil {
			return nil, ParseError(err)
		}
	}
	client, err := l.clients.NewClient(settings)
	if err != nil {
		return nil, &ticketing.TicketError{Reason: ticketing.ReasonUserConfiguration, Message: "The Zendesk integration is not configured.", Err: err}
	}

	org, err := l.store.GetOrganization(ctx, conv.OrganizationID)
	if err != nil {
		return nil, ParseError(fmt.Errorf("failed to load organization: %w", err))
	}
	room, err := l.store.GetRoom(ctx, conv.RoomID)
	if err != nil {
		return nil, ParseError(fmt.Errorf("failed to load room: %w", err))
	}

	ticket, body, err := BuildTicket(fieldValues)
	if err != nil {
		return nil, &ticketing.TicketError{Reason: ticketing.ReasonUserConfiguration, Message: err.Error(), Err: err}
	}

	requester, err := l.requester(ctx, client, org, conv, actor, settings.ExternalOrganizationID)
	if err != nil {
		return nil, err
	}
	ticket.RequesterID = requester.ID
	ticket.OrganizationID = settings.ExternalOrganizationID

	if ticket.Subject == "" {
		ticket.Subject = l.subject(ctx, conv, body)
	}
	if body == "" {
		body = conv.Title
	}
	ticket.Comment = &Comment{
		HTMLBody: l.converter.MarkupToHTML(body, l.mentions(ctx, org.ID)) + l.footer(ctx, conv, room, actor),
		AuthorID: requester.ID,
	}

	created, err := client.CreateTicket(ctx, ticket)
	if err != nil {
		te := ParseError(err)
		log.Error("failed to create zendesk ticket",
			zap.String("reason", string(te.Reason)),
			zap.Int("status_code", te.StatusCode),
			zap.String("body", te.Body),
			zap.Error(err),
		)
		return nil, te
	}

	ticketURL := (&TicketLink{Subdomain: settings.Subdomain, TicketID: created.ID}).APIURL()
	if parsed, err := ParseTicketURL(created.URL); err == nil {
		ticketURL = parsed.APIURL()
	}
	status := created.Status
	if status == "" {
		status = StatusNew
	}

	now := l.now()
	link = &model.ConversationLink{
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		LinkType:       model.LinkTypeZendeskTicket,
		ExternalID:     ticketURL,
		CreatedByID:    memberID(actor),
		CreatedAt:      now,
	}
	err = l.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateLink(ctx, link); err != nil {
			return err
		}
		if err := tx.AppendTimelineEvent(ctx, model.NewExternalLinked(conv.ID, memberID(actor), now, model.LinkTypeZendeskTicket, ticketURL)); err != nil {
			return err
		}
		return tx.SetSetting(ctx, &model.Setting{
			Scope:       model.ConversationScope(conv.ID),
			Name:        model.SettingZendeskTicketStatus,
			Value:       status,
			UpdatedByID: memberID(actor),
			UpdatedAt:   now,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		log.Warn("conversation was linked concurrently, ticket left unlinked", zap.String("ticket_url", ticketURL))
		return nil, ticketing.ErrAlreadyLinked
	}
	if err != nil {
		return nil, ParseError(fmt.Errorf("failed to save ticket link: %w", err))
	}

	log.Info("linked conversation to zendesk ticket", zap.String("ticket_url", ticketURL))

	if err := l.exportThread(ctx, conv, room, actor); err != nil {
		log.Error("failed to export thread history", zap.Error(err))
	}
	return link, nil
}

// requester resolves the ticket requester: the member who started the
// conversation, else the actor.
func (l *Linker) requester(ctx context.Context, client Client, org *model.Organization, conv *model.Conversation, actor *model.Member, externalOrgID *int64) (*User, error) {
	member := actor
	if conv.StartedByID != "" {
		if starter, err := l.store.GetMember(ctx, conv.StartedByID); err == nil {
			member = starter
		}
	}
	if member == nil {
		return nil, &ticketing.TicketError{Reason: ticketing.ReasonUserConfiguration, Message: "There is no one to file the ticket for."}
	}

	user, err := l.resolver.ResolveIdentity(ctx, client, org, member, externalOrgID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, ParseError(err)
		}
		return nil, &ticketing.TicketError{
			Reason:  ticketing.ReasonUserConfiguration,
			Message: fmt.Sprintf("Could not find a Zendesk user for %s.", member.DisplayName),
			Err:     err,
		}
	}
	if user == nil {
		return nil, &ticketing.TicketError{
			Reason:  ticketing.ReasonUserConfiguration,
			Message: fmt.Sprintf("Could not find a Zendesk user for %s.", member.DisplayName),
		}
	}
	return user, nil
}

func (l *Linker) subject(ctx context.Context, conv *model.Conversation, body string) string {
	if l.summarizer != nil {
		text := body
		if text == "" {
			text = conv.Title
		}
		summary, err := l.summarizer.Summarize(ctx, text)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		if err != nil {
			l.logger.Warn("falling back to conversation title for subject", zap.Error(err))
		}
	}
	if conv.Title != "" {
		return conv.Title
	}
	return "Conversation " + conv.ID
}

func (l *Linker) footer(ctx context.Context, conv *model.Conversation, room *model.Room, actor *model.Member) string {
	name := "someone"
	if actor != nil && actor.DisplayName != "" {
		name = actor.DisplayName
	}

	var b strings.Builder
	b.WriteString("<p><em>Created by ")
	b.WriteString(html.EscapeString(name))
	if l.chat != nil {
		permalink, err := l.chat.GetPermalink(ctx, room.PlatformRoomID, conv.FirstMessageID)
		if err != nil {
			l.logger.Warn("could not get thread permalink", zap.String("conversation_id", conv.ID), zap.Error(err))
		} else if permalink != "" {
			fmt.Fprintf(&b, ` from <a href="%s">this Slack thread</a>`, html.EscapeString(permalink))
		}
	}
	b.WriteString(".")
	if l.webBaseURL != "" {
		fmt.Fprintf(&b, ` <a href="%s/conversations/%s">View the conversation</a>.`, html.EscapeString(l.webBaseURL), html.EscapeString(conv.ID))
	}
	b.WriteString("</em></p>")
	return b.String()
}

// exportThread snapshots the thread into the ThreadExport setting and
// schedules its import into the ticket.
func (l *Linker) exportThread(ctx context.Context, conv *model.Conversation, room *model.Room, actor *model.Member) error {
	if l.chat == nil || l.jobs == nil {
		return nil
	}
	messages, err := l.chat.GetThread(ctx, room.PlatformRoomID, conv.FirstMessageID)
	if err != nil {
		return fmt.Errorf("failed to read thread: %w", err)
	}
	data, err := json.Marshal(&model.ThreadExport{
		ConversationID: conv.ID,
		RoomID:         room.PlatformRoomID,
		Messages:       messages,
	})
	if err != nil {
		return fmt.Errorf("failed to encode thread export: %w", err)
	}
	if err := l.store.SetSetting(ctx, &model.Setting{
		Scope:       model.ConversationScope(conv.ID),
		Name:        model.SettingThreadExport,
		Value:       string(data),
		UpdatedByID: memberID(actor),
		UpdatedAt:   l.now(),
	}); err != nil {
		return fmt.Errorf("failed to save thread export: %w", err)
	}

	job, err := jobs.New(jobs.KindImportThreadHistory, ThreadImportRequest{
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
	})
	if err != nil {
		return err
	}
	return l.jobs.Enqueue(ctx, job)
}

func (l *Linker) mentions(ctx context.Context, organizationID string) richtext.MentionResolver {
	return memberNames(ctx, l.store, organizationID)
}

// BuildTicket reads ticket form values: subject, body (or comment), tags
// (comma separated or a list), type, priority and custom_field:{id}. It
// returns the ticket without a comment and the body in chat markup.
func BuildTicket(values map[string]any) (*Ticket, string, error) {
	ticket := &Ticket{}
	var body string

	for key, value := range values {
		switch {
		case key == "subject":
			ticket.Subject = strings.TrimSpace(stringValue(value))
		case key == "body" || key == "comment":
			if s := stringValue(value); s != "" {
				body = s
			}
		case key == "tags":
			ticket.Tags = tagsValue(value)
		case key == "type":
			ticket.Type = stringValue(value)
		case key == "priority":
			ticket.Priority = stringValue(value)
		case strings.HasPrefix(key, customFieldPrefix):
			id, err := strconv.ParseInt(strings.TrimPrefix(key, customFieldPrefix), 10, 64)
			if err != nil {
				return nil, "", fmt.Errorf("invalid custom field %q", key)
			}
			ticket.CustomFields = append(ticket.CustomFields, CustomField{ID: id, Value: value})
		}
	}

	sort.Slice(ticket.CustomFields, func(i, j int) bool {
		return ticket.CustomFields[i].ID < ticket.CustomFields[j].ID
	})
	return ticket, body, nil
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func tagsValue(v any) []string {
	var raw []string
	switch v := v.(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, stringValue(item))
		}
	}

	var tags []string
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ParseError classifies err into the ticketing taxonomy.
func ParseError(err error) *ticketing.TicketError {
	if err == nil {
		return nil
	}

	var te *ticketing.TicketError
	if errors.As(err, &te) {
		return te
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		reason := ticketing.ReasonAPIError
		if apiErr.StatusCode == http.StatusUnauthorized {
			reason = ticketing.ReasonUnauthorized
		}
		return &ticketing.TicketError{
			Reason:     reason,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message(),
			Body:       apiErr.Body,
			Err:        err,
		}
	}

	return &ticketing.TicketError{
		Reason:  ticketing.ReasonUnknown,
		Message: err.Error(),
		Err:     err,
	}
}

func memberNames(ctx context.Context, st store.Store, organizationID string) richtext.MentionResolver {
	return func(platformUserID string) string {
		member, err := st.GetMemberByPlatformUserID(ctx, organizationID, platformUserID)
		if err != nil {
			return ""
		}
		return member.DisplayName
	}
}

func memberID(m *model.Member) string {
	if m == nil {
		return ""
	}
	return m.ID
}
