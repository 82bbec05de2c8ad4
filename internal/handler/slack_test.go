package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

const testSlackSecret = "slack-signing-secret"

func (f *fixture) slackEvent(t *testing.T, body, secret string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack/events", bytes.NewBufferString(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec
}

func messageCallback(user, channel, ts, threadTS, text string) string {
	thread := ""
	if threadTS != "" {
		thread = `,"thread_ts":"` + threadTS + `"`
	}
	return `{"token":"x","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1709294400,` +
		`"event":{"type":"message","user":"` + user + `","channel":"` + channel + `","ts":"` + ts + `","text":"` + text + `"` + thread + `}}`
}

func TestSlackURLVerification(t *testing.T) {
	f := newFixture(t)

	rec := f.slackEvent(t, `{"token":"x","challenge":"abc123","type":"url_verification"}`, testSlackSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
}

func TestSlackRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	rec := f.slackEvent(t, `{"token":"x","challenge":"abc123","type":"url_verification"}`, "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlackMessageStartsConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.slackEvent(t, messageCallback("U2", "C1", "1709294400.000100", "", "the export is broken"), testSlackSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err := f.store.GetConversationByThread(ctx, f.room.ID, "1709294400.000100")
	require.NoError(t, err)
	assert.Equal(t, model.StateNew, conv.State)
	assert.Equal(t, f.customer.ID, conv.StartedByID)

	rec = f.slackEvent(t, messageCallback("U1", "C1", "1709294460.000200", "1709294400.000100", "looking into it"), testSlackSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err = f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateWaiting, conv.State)
}

func TestSlackMessageCreatesUnknownMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chat.users["U7"] = &chat.UserInfo{PlatformUserID: "U7", PlatformTeamID: "T7", Name: "drew", DisplayName: "Drew", Email: "drew@example.com"}

	rec := f.slackEvent(t, messageCallback("U7", "C1", "1709294400.000100", "", "hello?"), testSlackSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	member, err := f.store.GetMemberByPlatformUserID(ctx, f.org.ID, "U7")
	require.NoError(t, err)
	assert.Equal(t, "Drew", member.DisplayName)
	assert.Equal(t, "T7", member.PlatformTeamID)

	_, err = f.store.GetConversationByThread(ctx, f.room.ID, "1709294400.000100")
	assert.NoError(t, err)
}

func TestSlackIgnoresUntrackedAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.slackEvent(t, messageCallback("U2", "C404", "1709294400.000100", "", "elsewhere"), testSlackSecret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.slackEvent(t, messageCallback("U2", "C1", "1709294400.000300", "", "retried"), testSlackSecret, map[string]string{
		"X-Slack-Retry-Num": "1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, err := f.conversations.List(ctx, f.org.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Conversations)
}

func TestSlackUnknownUserIsLoggedNotFailed(t *testing.T) {
	f := newFixture(t)

	rec := f.slackEvent(t, messageCallback("U404", "C1", "1709294400.000100", "", "who am I"), testSlackSecret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetConversationByThread(context.Background(), f.room.ID, "1709294400.000100")
	assert.Error(t, err)
}
