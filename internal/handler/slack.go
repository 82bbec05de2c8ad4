package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// MessageHandler records chat messages against conversations.
type MessageHandler interface {
	HandleMessage(ctx context.Context, org *model.Organization, room *model.Room, member *model.Member, msg *model.ChatMessage) (*model.Conversation, error)
}

// SlackEventsHandler receives Slack Events API deliveries.
type SlackEventsHandler struct {
	signingSecret string
	store         store.Store
	messages      MessageHandler
	chat          chat.Client
	logger        *logger.Logger
}

// NewSlackEventsHandler creates a new Slack events handler.
func NewSlackEventsHandler(signingSecret string, st store.Store, messages MessageHandler, chatClient chat.Client, log *logger.Logger) *SlackEventsHandler {
	return &SlackEventsHandler{
		signingSecret: signingSecret,
		store:         st,
		messages:      messages,
		chat:          chatClient,
		logger:        log.Named("handler.slack"),
	}
}

// tracked message subtypes; edits, deletes, joins and bot posts are ignored.
var messageSubtypes = map[string]bool{
	"":                 true,
	"file_share":       true,
	"thread_broadcast": true,
}

// Receive handles POST /webhooks/slack/events
func (h *SlackEventsHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if _, err := verifier.Write(body); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to verify signature")
		return
	}
	if err := verifier.Ensure(); err != nil {
		h.logger.Warn("rejected slack event with invalid signature", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			writeError(w, http.StatusBadRequest, "invalid challenge")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slack retries deliveries we were slow to acknowledge. The first
	// delivery was processed, so retries are dropped.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		if err := h.handleMessage(r.Context(), event.TeamID, ev); err != nil {
			h.logger.Error("failed to handle slack message",
				zap.String("team_id", event.TeamID),
				zap.String("channel", ev.Channel),
				zap.String("ts", ev.TimeStamp),
				zap.Error(err),
			)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *SlackEventsHandler) handleMessage(ctx context.Context, teamID string, ev *slackevents.MessageEvent) error {
	if !messageSubtypes[ev.SubType] || ev.BotID != "" || ev.User == "" {
		return nil
	}

	org, err := h.store.GetOrganizationByPlatformID(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load organization: %w", err)
	}
	room, err := h.store.GetRoomByPlatformID(ctx, org.ID, ev.Channel)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	member, err := h.member(ctx, org, ev.User)
	if err != nil {
		return err
	}

	msg := &model.ChatMessage{
		ID:        ev.TimeStamp,
		ThreadID:  ev.ThreadTimeStamp,
		RoomID:    room.ID,
		Author:    member,
		Text:      ev.Text,
		Live:      true,
		Timestamp: chat.ParseTimestamp(ev.TimeStamp),
	}
	for _, f := range ev.Files {
		msg.Files = append(msg.Files, model.File{
			Name:     f.Name,
			URL:      f.URLPrivate,
			MimeType: f.Mimetype,
			Size:     int64(f.Size),
		})
	}

	_, err = h.messages.HandleMessage(ctx, org, room, member, msg)
	return err
}

// member finds the member for a Slack user, creating it on first sight.
func (h *SlackEventsHandler) member(ctx context.Context, org *model.Organization, platformUserID string) (*model.Member, error) {
	member, err := h.store.GetMemberByPlatformUserID(ctx, org.ID, platformUserID)
	if err == nil {
		return member, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	info, err := h.chat.GetUserInfo(ctx, platformUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", platformUserID, err)
	}
	name := info.DisplayName
	if name == "" {
		name = info.Name
	}
	member = &model.Member{
		OrganizationID: org.ID,
		PlatformUserID: platformUserID,
		PlatformTeamID: info.PlatformTeamID,
		DisplayName:    name,
		Email:          info.Email,
		AvatarURL:      info.AvatarURL,
		IsGuest:        info.IsRestricted,
		IsBot:          info.IsBot,
	}
	if err := h.store.SaveMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to save member: %w", err)
	}
	return member, nil
}
