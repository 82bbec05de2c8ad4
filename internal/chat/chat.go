// Package chat is the boundary to the chat platform.
package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

// ErrUserNotFound is returned when the platform does not know a user.
var ErrUserNotFound = errors.New("chat user not found")

// Client posts into and reads from the chat platform.
type Client interface {
	// PostMessage posts msg and returns the platform message id.
	PostMessage(ctx context.Context, msg *OutgoingMessage) (string, error)
	GetUserInfo(ctx context.Context, platformUserID string) (*UserInfo, error)
	// GetThread returns every message in a thread, oldest first.
	GetThread(ctx context.Context, platformRoomID, threadID string) ([]model.ExportMessage, error)
	GetPermalink(ctx context.Context, platformRoomID, messageID string) (string, error)
}

// OutgoingMessage is a message to post. Username and IconURL override the
// bot's identity so imported comments appear under their author.
type OutgoingMessage struct {
	RoomID   string
	ThreadID string
	Text     string
	Username string
	IconURL  string
	Images   []Image
}

// Image is rendered inline below the message text.
type Image struct {
	URL     string
	AltText string
	Title   string
}

// UserInfo is what the platform knows about a user.
type UserInfo struct {
	PlatformUserID string
	PlatformTeamID string
	Name           string
	DisplayName    string
	Email          string
	AvatarURL      string
	IsBot          bool
	IsRestricted   bool
}

// ParseTimestamp converts a Slack message ts such as "1712345678.000100".
func ParseTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		micros, _ = strconv.ParseInt(frac[:6], 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}
