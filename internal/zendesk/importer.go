package zendesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/lock"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/richtext"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/tracing"
)

const (
	lockComponent = "zendesk-importer"

	// ExternalSource tags timeline events for imported comments.
	ExternalSource = "Zendesk"

	maxInlineImageSize = 2 << 20
	maxURLLength       = 3000
)

// ImportRequest is the payload of a KindImportTicketComments job.
type ImportRequest struct {
	OrganizationID string `json:"organization_id"`
	TicketURL      string `json:"ticket_url"`
	// Status is the ticket status reported by the webhook. Empty means
	// fetch it.
	Status string `json:"status,omitempty"`
	// ActorID is the Zendesk user who changed the ticket.
	ActorID string `json:"actor_id,omitempty"`
}

// ImportResult summarizes one import run.
type ImportResult struct {
	ConversationID string
	// Processed counts comments past the saved marker.
	Processed int
	Posted    int
	Skipped   int
	// Marker is the index of the last processed comment, -1 if none.
	Marker      int
	StateChange *model.StateChange
}

// ImporterConfig tunes an Importer.
type ImporterConfig struct {
	PageSize    int
	LockTimeout time.Duration
	// UserAgent identifies comments this service posted itself.
	UserAgent string
}

// Importer copies new ticket comments into the linked chat thread and
// applies the ticket status to the conversation.
type Importer struct {
	store         store.Store
	clients       ClientFactory
	resolver      *Resolver
	chat          chat.Client
	conversations *service.ConversationService
	locker        lock.Locker
	converter     *richtext.Converter
	cfg           ImporterConfig
	logger        *logger.Logger
	now           func() time.Time
}

// NewImporter creates an Importer.
func NewImporter(st store.Store, clients ClientFactory, resolver *Resolver, chatClient chat.Client, conversations *service.ConversationService, locker lock.Locker, converter *richtext.Converter, cfg ImporterConfig, log *logger.Logger) *Importer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	return &Importer{
		store:         st,
		clients:       clients,
		resolver:      resolver,
		chat:          chatClient,
		conversations: conversations,
		locker:        locker,
		converter:     converter,
		cfg:           cfg,
		logger:        log.Named("zendesk.importer"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the importer's job handlers.
func (i *Importer) Register(d *jobs.Dispatcher) {
	d.Register(jobs.KindImportTicketComments, i.handleImportTicketComments)
	d.Register(jobs.KindImportThreadHistory, i.handleImportThreadHistory)
}

func (i *Importer) handleImportTicketComments(ctx context.Context, job *jobs.Job) error {
	var req ImportRequest
	if err := job.Decode(&req); err != nil {
		return err
	}
	_, err := i.Import(ctx, req)
	return err
}

func (i *Importer) handleImportThreadHistory(ctx context.Context, job *jobs.Job) error {
	var req ThreadImportRequest
	if err := job.Decode(&req); err != nil {
		return err
	}
	return i.ImportThreadHistory(ctx, req)
}

// LockKey is the key serializing imports of one ticket.
func LockKey(organizationID, ticketAPIURL string) string {
	return lockComponent + ":" + organizationID + ":" + ticketAPIURL
}

// importRun carries the state of one Import call.
type importRun struct {
	org     *model.Organization
	conv    *model.Conversation
	room    *model.Room
	client  Client
	authors map[int64]*CommentAuthor
	log     *logger.Logger
}

type importedComment struct {
	comment *Comment
	author  *CommentAuthor
	message *model.ChatMessage
}

// Import posts the ticket's comments that follow the saved marker into the
// conversation thread, then applies the ticket status. Runs for the same
// ticket are serialized; lock.ErrTimeout means try again later.
func (i *Importer) Import(ctx context.Context, req ImportRequest) (result *ImportResult, err error) {
	ticket, err := ParseTicketURL(req.TicketURL)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	ticketURL := ticket.APIURL()

	ctx, span := tracing.StartSpan(ctx, "zendesk.Import",
		attribute.String("organization_id", req.OrganizationID),
		attribute.String("ticket_url", ticketURL),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	log := i.logger.With(
		zap.String("organization_id", req.OrganizationID),
		zap.String("ticket_url", ticketURL),
	)

	waitStart := time.Now()
	release, err := i.locker.Acquire(ctx, LockKey(req.OrganizationID, ticketURL), i.cfg.LockTimeout)
	metrics.SyncLockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("lock_timeout").Inc()
		return nil, fmt.Errorf("failed to acquire import lock: %w", err)
	}
	defer func() {
		switch err := release(context.WithoutCancel(ctx)); {
		case errors.Is(err, lock.ErrLost):
			log.Error("import lock lease was lost during the run", zap.Error(err))
		case err != nil:
			log.Warn("failed to release import lock", zap.Error(err))
		}
	}()

	result, err = i.importLocked(ctx, req, ticket, log)
	switch {
	case err != nil:
		metrics.SyncRunsTotal.WithLabelValues("error").Inc()
	case result.ConversationID == "":
		metrics.SyncRunsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.SyncRunsTotal.WithLabelValues("success").Inc()
	}
	return result, err
}

func (i *Importer) importLocked(ctx context.Context, req ImportRequest, ticket *TicketLink, log *logger.Logger) (*ImportResult, error) {
	result := &ImportResult{Marker: -1}

	conv, err := i.store.GetConversationByLink(ctx, req.OrganizationID, model.LinkTypeZendeskTicket, ticket.APIURL())
	if errors.Is(err, store.ErrNotFound) {
		log.Info("ticket is not linked to a conversation, nothing to import")
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up linked conversation: %w", err)
	}

	run, err := i.prepare(ctx, conv, log)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return result, nil
	}
	result.ConversationID = conv.ID

	marker, err := i.loadMarker(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	result.Marker = marker

	if err := i.importComments(ctx, run, ticket, result); err != nil {
		return result, err
	}

	change, err := i.applyStatus(ctx, run, ticket, req)
	if err != nil {
		return result, err
	}
	result.StateChange = change

	run.log.Info("ticket import complete",
		zap.Int("processed", result.Processed),
		zap.Int("posted", result.Posted),
		zap.Int("skipped", result.Skipped),
		zap.Int("marker", result.Marker),
	)
	return result, nil
}

// prepare loads what a run needs. It returns nil when the integration is
// disabled.
func (i *Importer) prepare(ctx context.Context, conv *model.Conversation, log *logger.Logger) (*importRun, error) {
	log = log.With(zap.String("conversation_id", conv.ID))

	integration, err := i.store.GetIntegration(ctx, conv.OrganizationID, model.IntegrationZendesk)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !integration.Enabled) {
		log.Info("zendesk integration is disabled, nothing to import")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	settings, err := integration.ZendeskSettings()
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	client, err := i.clients.NewClient(settings)
	if err != nil {
		log.Info("zendesk integration is not configured, nothing to import", zap.Error(err))
		return nil, nil
	}

	org, err := i.store.GetOrganization(ctx, conv.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	room, err := i.store.GetRoom(ctx, conv.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	return &importRun{
		org:     org,
		conv:    conv,
		room:    room,
		client:  client,
		authors: make(map[int64]*CommentAuthor),
		log:     log,
	}, nil
}

func (i *Importer) loadMarker(ctx context.Context, conversationID string) (int, error) {
	value, err := store.GetSettingValue(ctx, i.store, model.ConversationScope(conversationID), model.SettingCommentMarker)
	if err != nil {
		return -1, fmt.Errorf("failed to load comment marker: %w", err)
	}
	if value == "" {
		return -1, nil
	}
	marker, err := strconv.Atoi(value)
	if err != nil || marker < -1 {
		i.logger.Warn("ignoring invalid comment marker", zap.String("conversation_id", conversationID), zap.String("value", value))
		return -1, nil
	}
	return marker, nil
}

// importComments pages through every comment from the start, posting those
// past the marker. The marker and timeline are saved after each page, so a
// failure leaves the marker at the last completed page.
func (i *Importer) importComments(ctx context.Context, run *importRun, ticket *TicketLink, result *ImportResult) error {
	index := 0
	cursor := ""
	for {
		page, err := run.client.ListTicketComments(ctx, ticket.TicketID, i.cfg.PageSize, cursor)
		if err != nil {
			return fmt.Errorf("failed to list ticket comments: %w", err)
		}

		pageMarker := result.Marker
		var imported []importedComment
		for c := range page.Comments {
			comment := &page.Comments[c]
			current := index
			index++
			if current <= result.Marker {
				continue
			}
			pageMarker = current
			result.Processed++

			if reason := i.skipReason(comment); reason != "" {
				result.Skipped++
				metrics.SyncCommentsTotal.WithLabelValues(reason).Inc()
				run.log.Debug("skipping comment", zap.Int64("comment_id", comment.ID), zap.String("reason", reason))
				continue
			}

			item, err := i.postComment(ctx, run, comment)
			if err != nil {
				metrics.SyncCommentsTotal.WithLabelValues("error").Inc()
				return err
			}
			imported = append(imported, *item)
			result.Posted++
			metrics.SyncCommentsTotal.WithLabelValues("posted").Inc()
		}

		if pageMarker > result.Marker {
			if err := i.savePage(ctx, run, pageMarker, imported); err != nil {
				return err
			}
			result.Marker = pageMarker
			for _, item := range imported {
				if err := i.conversations.PublishMessage(ctx, run.conv, item.message, true); err != nil {
					run.log.Warn("failed to publish imported message",
						zap.String("conversation_id", run.conv.ID),
						zap.String("message_id", item.message.ID),
						zap.Error(err))
				}
			}
		}

		if !page.HasMore || page.AfterCursor == "" {
			return nil
		}
		cursor = page.AfterCursor
	}
}

func (i *Importer) skipReason(c *Comment) string {
	if !c.IsPublic() {
		return "private"
	}
	if i.isSelfAuthored(c) {
		return "self"
	}
	return ""
}

// isSelfAuthored reports whether the comment was posted through this
// service's own API client.
func (i *Importer) isSelfAuthored(c *Comment) bool {
	if c.Metadata == nil || i.cfg.UserAgent == "" {
		return false
	}
	return strings.Contains(strings.ToLower(c.Metadata.System.Client), strings.ToLower(i.cfg.UserAgent))
}

func (i *Importer) postComment(ctx context.Context, run *importRun, c *Comment) (*importedComment, error) {
	author, err := i.author(ctx, run, c.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve comment author %d: %w", c.AuthorID, err)
	}

	text, images := i.render(c)
	out := &chat.OutgoingMessage{
		RoomID:   run.room.PlatformRoomID,
		ThreadID: run.conv.FirstMessageID,
		Text:     text,
		Username: author.DisplayName(),
		IconURL:  author.Avatar(),
		Images:   images,
	}
	ts, err := i.chat.PostMessage(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("failed to post comment %d: %w", c.ID, err)
	}

	timestamp := i.now()
	if c.CreatedAt != nil {
		timestamp = c.CreatedAt.UTC()
	}
	return &importedComment{
		comment: c,
		author:  author,
		message: &model.ChatMessage{
			ID:        ts,
			ThreadID:  run.conv.FirstMessageID,
			RoomID:    run.conv.RoomID,
			Author:    author.Member,
			Text:      text,
			Live:      false,
			Timestamp: timestamp,
		},
	}, nil
}

func (i *Importer) author(ctx context.Context, run *importRun, authorID int64) (*CommentAuthor, error) {
	if a, ok := run.authors[authorID]; ok {
		return a, nil
	}
	a, err := i.resolver.ResolveCommentAuthor(ctx, run.client, run.org, authorID)
	if err != nil {
		return nil, err
	}
	run.authors[authorID] = a
	return a, nil
}

// render converts the comment body and splits attachments into inline
// images and a list of links. Attachments whose URL is too long to post are
// dropped.
func (i *Importer) render(c *Comment) (string, []chat.Image) {
	text := c.Body
	if c.HTMLBody != "" {
		text = i.converter.HTMLToMarkup(c.HTMLBody)
	} else {
		text = richtext.EscapeMarkup(text)
	}

	var images []chat.Image
	var links []string
	for _, a := range c.Attachments {
		if len(a.ContentURL) > maxURLLength {
			i.logger.Debug("dropping attachment with oversized url", zap.Int64("attachment_id", a.ID))
			continue
		}
		if a.IsImage() && a.Size <= maxInlineImageSize {
			images = append(images, chat.Image{URL: a.ContentURL, AltText: a.FileName, Title: a.FileName})
			continue
		}
		links = append(links, fmt.Sprintf("• <%s|%s>", a.ContentURL, a.FileName))
	}
	if len(links) > 0 {
		if text != "" {
			text += "\n\n"
		}
		text += "*Attachments*\n" + strings.Join(links, "\n")
	}
	return text, images
}

func (i *Importer) savePage(ctx context.Context, run *importRun, marker int, imported []importedComment) error {
	now := i.now()
	err := i.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.SetSetting(ctx, &model.Setting{
			Scope:     model.ConversationScope(run.conv.ID),
			Name:      model.SettingCommentMarker,
			Value:     strconv.Itoa(marker),
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		if len(imported) == 0 {
			return nil
		}
		conv, err := tx.GetConversation(ctx, run.conv.ID)
		if err != nil {
			return err
		}
		for _, item := range imported {
			if item.message.Timestamp.After(conv.LastMessageAt) {
				conv.LastMessageAt = item.message.Timestamp
			}
			author := ""
			if item.author.Member != nil {
				author = item.author.Member.ID
				conv.Touch(author, item.message.Timestamp)
			}
			if err := tx.AppendTimelineEvent(ctx, model.NewMessagePosted(conv.ID, author, item.message.Timestamp, model.MessagePostedEvent{
				MessageID:         item.message.ID,
				ExternalSource:    ExternalSource,
				ExternalMessageID: strconv.FormatInt(item.comment.ID, 10),
				ExternalAuthorID:  strconv.FormatInt(item.comment.AuthorID, 10),
				ExternalAuthor:    item.author.Name,
			})); err != nil {
				return err
			}
		}
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		run.conv = conv
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save import progress: %w", err)
	}
	return nil
}

// applyStatus applies the final ticket status once, together with the
// stored status setting.
func (i *Importer) applyStatus(ctx context.Context, run *importRun, ticket *TicketLink, req ImportRequest) (*model.StateChange, error) {
	status := req.Status
	if status == "" {
		t, err := run.client.GetTicket(ctx, ticket.TicketID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ticket status: %w", err)
		}
		status = t.Status
	}
	status = strings.ToLower(status)
	if status == "" {
		return nil, nil
	}

	var actor *model.Member
	if _, ok := StateForStatus(run.conv.State, status); ok {
		actor = i.resolver.ResolveActor(ctx, run.client, run.org, req.ActorID)
	}

	var change *model.StateChange
	err := i.store.WithTx(ctx, func(tx store.Store) error {
		conv, err := tx.GetConversation(ctx, run.conv.ID)
		if err != nil {
			return err
		}
		run.conv = conv

		if next, ok := StateForStatus(conv.State, status); ok {
			if actor == nil {
				actor = i.resolver.botMember(ctx, run.org)
			}
			change, err = i.conversations.ApplyStateChange(ctx, tx, conv, next, actor, true)
			if err != nil {
				return err
			}
		}
		return tx.SetSetting(ctx, &model.Setting{
			Scope:       model.ConversationScope(conv.ID),
			Name:        model.SettingZendeskTicketStatus,
			Value:       status,
			UpdatedByID: memberID(actor),
			UpdatedAt:   i.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply ticket status: %w", err)
	}

	if change != nil {
		if err := i.conversations.NotifyStateChanged(ctx, change); err != nil {
			run.log.Warn("state change listeners failed", zap.Error(err))
		}
	}
	return change, nil
}

// ImportThreadHistory posts the exported thread of a newly linked
// conversation into its ticket, then discards the export. Messages are
// removed from the export as they are posted so a retry resumes.
func (i *Importer) ImportThreadHistory(ctx context.Context, req ThreadImportRequest) (err error) {
	ctx, span := tracing.StartSpan(ctx, "zendesk.ImportThreadHistory",
		attribute.String("organization_id", req.OrganizationID),
		attribute.String("conversation_id", req.ConversationID),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	log := i.logger.WithConversation(req.OrganizationID, req.ConversationID)
	scope := model.ConversationScope(req.ConversationID)

	value, err := store.GetSettingValue(ctx, i.store, scope, model.SettingThreadExport)
	if err != nil {
		return fmt.Errorf("failed to load thread export: %w", err)
	}
	if value == "" {
		log.Info("no thread export to import")
		return nil
	}
	var export model.ThreadExport
	if err := json.Unmarshal([]byte(value), &export); err != nil {
		log.Error("discarding unreadable thread export", zap.Error(err))
		if rmErr := i.store.RemoveSetting(ctx, scope, model.SettingThreadExport); rmErr != nil {
			return rmErr
		}
		return jobs.Permanent(fmt.Errorf("invalid thread export: %w", err))
	}

	conv, err := i.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	link, err := i.store.GetLink(ctx, conv.ID, model.LinkTypeZendeskTicket)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("conversation has no ticket link: %w", err))
	}
	ticket, err := ParseTicketURL(link.ExternalID)
	if err != nil {
		return jobs.Permanent(err)
	}

	run, err := i.prepare(ctx, conv, log)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	release, err := i.locker.Acquire(ctx, LockKey(conv.OrganizationID, ticket.APIURL()), i.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire import lock: %w", err)
	}
	defer func() {
		switch err := release(context.WithoutCancel(ctx)); {
		case errors.Is(err, lock.ErrLost):
			log.Error("import lock lease was lost during the run", zap.Error(err))
		case err != nil:
			log.Warn("failed to release import lock", zap.Error(err))
		}
	}()

	mentions := memberNames(ctx, i.store, conv.OrganizationID)
	for len(export.Messages) > 0 {
		msg := export.Messages[0]
		if err := i.postHistory(ctx, run, ticket, &msg, mentions); err != nil {
			return err
		}

		export.Messages = export.Messages[1:]
		data, err := json.Marshal(&export)
		if err != nil {
			return err
		}
		if err := i.store.SetSetting(ctx, &model.Setting{
			Scope:     scope,
			Name:      model.SettingThreadExport,
			Value:     string(data),
			UpdatedAt: i.now(),
		}); err != nil {
			return fmt.Errorf("failed to save thread export progress: %w", err)
		}
	}

	if err := i.store.RemoveSetting(ctx, scope, model.SettingThreadExport); err != nil {
		return fmt.Errorf("failed to remove thread export: %w", err)
	}
	log.Info("imported thread history into ticket", zap.String("ticket_url", ticket.APIURL()))
	return nil
}

func (i *Importer) postHistory(ctx context.Context, run *importRun, ticket *TicketLink, msg *model.ExportMessage, mentions richtext.MentionResolver) error {
	var authorID int64
	member, err := i.store.GetMemberByPlatformUserID(ctx, run.org.ID, msg.PlatformUserID)
	switch {
	case err == nil && !member.IsBot:
		user, err := i.resolver.ResolveIdentity(ctx, run.client, run.org, member, nil)
		if err != nil {
			return fmt.Errorf("failed to resolve author of message %s: %w", msg.ID, err)
		}
		authorID = user.ID
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load author of message %s: %w", msg.ID, err)
	}

	body := i.converter.MarkupToHTML(msg.Text, mentions)
	if links := fileLinks(msg.Files); links != "" {
		body += links
	}
	if body == "" {
		return nil
	}

	public := true
	if _, err := run.client.UpdateTicket(ctx, ticket.TicketID, &Ticket{
		Comment: &Comment{HTMLBody: body, AuthorID: authorID, Public: &public},
	}); err != nil {
		return fmt.Errorf("failed to post message %s to ticket: %w", msg.ID, err)
	}
	return nil
}
