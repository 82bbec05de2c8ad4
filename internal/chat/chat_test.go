package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, time.Unix(1712345678, 100*int64(time.Microsecond)).UTC(), ParseTimestamp("1712345678.000100"))
	assert.Equal(t, time.Unix(1712345678, 0).UTC(), ParseTimestamp("1712345678"))
	assert.True(t, ParseTimestamp("garbage").IsZero())
}

func TestSlackGetUserInfoIsCached(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","team_id":"T1","real_name":"Alice Smith","is_restricted":true,
			"profile":{"display_name":"","email":"alice@example.com","image_72":"https://img/a.png"}}}`))
	}))
	defer server.Close()

	client, err := NewSlack("xoxb-test", 8, logger.NewNop(), slack.OptionAPIURL(server.URL+"/"))
	require.NoError(t, err)

	info, err := client.GetUserInfo(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", info.Email)
	assert.Equal(t, "Alice Smith", info.DisplayName)
	assert.Equal(t, "T1", info.PlatformTeamID)
	assert.True(t, info.IsRestricted)

	again, err := client.GetUserInfo(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSlackPostMessage(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1712345678.000200"}`))
	}))
	defer server.Close()

	client, err := NewSlack("xoxb-test", 8, logger.NewNop(), slack.OptionAPIURL(server.URL+"/"))
	require.NoError(t, err)

	ts, err := client.PostMessage(context.Background(), &OutgoingMessage{
		RoomID:   "C1",
		ThreadID: "1712345678.000100",
		Text:     "hello",
		Username: "Jane (Zendesk)",
		Images:   []Image{{URL: "https://example.com/a.png", AltText: "a.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1712345678.000200", ts)
	assert.Equal(t, "1712345678.000100", form["thread_ts"][0])
	assert.Equal(t, "Jane (Zendesk)", form["username"][0])
	assert.Contains(t, form["blocks"][0], "https://example.com/a.png")
}
