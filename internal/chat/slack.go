package chat

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

const threadPageSize = 200

// Slack is the Client for a Slack workspace.
type Slack struct {
	api    *slack.Client
	users  *lru.Cache
	logger *logger.Logger
}

// NewSlack creates a Slack client. User lookups are cached.
func NewSlack(botToken string, userCacheSize int, log *logger.Logger, options ...slack.Option) (*Slack, error) {
	cache, err := lru.New(userCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}
	return &Slack{
		api:    slack.New(botToken, options...),
		users:  cache,
		logger: log.Named("slack"),
	}, nil
}

// PostMessage implements Client.
func (s *Slack) PostMessage(ctx context.Context, msg *OutgoingMessage) (string, error) {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Text, false, false), nil, nil),
	}
	for _, img := range msg.Images {
		var title *slack.TextBlockObject
		if img.Title != "" {
			title = slack.NewTextBlockObject(slack.PlainTextType, img.Title, false, false)
		}
		blocks = append(blocks, slack.NewImageBlock(img.URL, img.AltText, "", title))
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionBlocks(blocks...),
	}
	if msg.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(msg.ThreadID))
	}
	if msg.Username != "" {
		options = append(options, slack.MsgOptionUsername(msg.Username))
	}
	if msg.IconURL != "" {
		options = append(options, slack.MsgOptionIconURL(msg.IconURL))
	}

	_, ts, err := s.api.PostMessageContext(ctx, msg.RoomID, options...)
	if err != nil {
		return "", fmt.Errorf("failed to post message to %s: %w", msg.RoomID, err)
	}
	return ts, nil
}

// GetUserInfo implements Client.
func (s *Slack) GetUserInfo(ctx context.Context, platformUserID string) (*UserInfo, error) {
	if cached, ok := s.users.Get(platformUserID); ok {
		info := cached.(UserInfo)
		return &info, nil
	}

	user, err := s.api.GetUserInfoContext(ctx, platformUserID)
	if err != nil {
		if err.Error() == "user_not_found" {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get slack user %s: %w", platformUserID, err)
	}

	info := UserInfo{
		PlatformUserID: user.ID,
		PlatformTeamID: user.TeamID,
		Name:           user.RealName,
		DisplayName:    user.Profile.DisplayName,
		Email:          user.Profile.Email,
		AvatarURL:      user.Profile.Image72,
		IsBot:          user.IsBot,
		IsRestricted:   user.IsRestricted || user.IsUltraRestricted,
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Name
	}
	s.users.Add(platformUserID, info)
	return &info, nil
}

// GetThread implements Client.
func (s *Slack) GetThread(ctx context.Context, platformRoomID, threadID string) ([]model.ExportMessage, error) {
	var out []model.ExportMessage
	cursor := ""
	for {
		msgs, hasMore, next, err := s.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: platformRoomID,
			Timestamp: threadID,
			Cursor:    cursor,
			Limit:     threadPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read thread %s in %s: %w", threadID, platformRoomID, err)
		}

		for _, m := range msgs {
			export := model.ExportMessage{
				ID:             m.Timestamp,
				PlatformUserID: m.User,
				Text:           m.Text,
				Timestamp:      ParseTimestamp(m.Timestamp),
			}
			for _, f := range m.Files {
				export.Files = append(export.Files, model.File{
					Name:     f.Name,
					URL:      f.Permalink,
					MimeType: f.Mimetype,
					Size:     int64(f.Size),
				})
			}
			out = append(out, export)
		}

		if !hasMore || next == "" {
			break
		}
		cursor = next
	}

	s.logger.Debug("exported thread",
		zap.String("room", platformRoomID),
		zap.String("thread", threadID),
		zap.Int("messages", len(out)))
	return out, nil
}

// GetPermalink implements Client.
func (s *Slack) GetPermalink(ctx context.Context, platformRoomID, messageID string) (string, error) {
	link, err := s.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: platformRoomID, Ts: messageID})
	if err != nil {
		return "", fmt.Errorf("failed to get permalink: %w", err)
	}
	return link, nil
}

var _ Client = (*Slack)(nil)
