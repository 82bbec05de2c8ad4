package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

const testJWTSecret = "test-secret"

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []*jobs.Job
	err  error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, job *jobs.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

type fakeChat struct {
	users map[string]*chat.UserInfo
}

func (c *fakeChat) PostMessage(context.Context, *chat.OutgoingMessage) (string, error) {
	return "", nil
}

func (c *fakeChat) GetUserInfo(_ context.Context, platformUserID string) (*chat.UserInfo, error) {
	if u, ok := c.users[platformUserID]; ok {
		return u, nil
	}
	return nil, chat.ErrUserNotFound
}

func (c *fakeChat) GetThread(context.Context, string, string) ([]model.ExportMessage, error) {
	return nil, nil
}

func (c *fakeChat) GetPermalink(context.Context, string, string) (string, error) {
	return "", nil
}

type fixture struct {
	store         *store.Memory
	conversations *service.ConversationService
	enqueuer      *recordingEnqueuer
	chat          *fakeChat
	org           *model.Organization
	room          *model.Room
	customer      *model.Member
	agent         *model.Member
	handlers      Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	log := logger.NewNop()

	f := &fixture{
		store:    st,
		enqueuer: &recordingEnqueuer{},
		chat:     &fakeChat{users: map[string]*chat.UserInfo{}},
		org:      &model.Organization{ID: "org1", Slug: "acme", PlatformID: "T1", PlatformType: model.PlatformSlack, BotMemberID: "bot", BotName: "Abbot"},
		room:     &model.Room{ID: "room1", OrganizationID: "org1", PlatformRoomID: "C1", ConversationTracking: true},
		customer: &model.Member{ID: "cust", OrganizationID: "org1", PlatformUserID: "U2", PlatformTeamID: "T2", DisplayName: "Casey"},
		agent:    &model.Member{ID: "agent", OrganizationID: "org1", PlatformUserID: "U1", PlatformTeamID: "T1", DisplayName: "Avery"},
	}
	require.NoError(t, st.SaveOrganization(ctx, f.org))
	require.NoError(t, st.SaveRoom(ctx, f.room))
	require.NoError(t, st.SaveMember(ctx, f.customer))
	require.NoError(t, st.SaveMember(ctx, f.agent))

	f.conversations = service.NewConversationService(st, nil, log)
	f.handlers = Handlers{
		Health:        NewHealthHandler(nil),
		Conversations: NewConversationHandler(f.conversations, st, log),
		ZendeskHooks:  NewZendeskWebhookHandler(st, f.enqueuer, log),
		SlackEvents:   NewSlackEventsHandler(testSlackSecret, st, f.conversations, f.chat, log),
	}
	return f
}

func (f *fixture) router() http.Handler {
	return NewRouter(f.handlers, RouterConfig{
		JWTSecret:         testJWTSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}, logger.NewNop())
}

// start opens a conversation with a customer message.
func (f *fixture) start(t *testing.T) *model.Conversation {
	t.Helper()
	conv, err := f.conversations.HandleMessage(context.Background(), f.org, f.room, f.customer, &model.ChatMessage{
		ID:        "100.1",
		RoomID:    f.room.ID,
		Author:    f.customer,
		Text:      "the export is broken",
		Live:      true,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv
}

func (f *fixture) token(t *testing.T, member *model.Member) string {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, member.OrganizationID, member.ID, nil, time.Minute)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path string, body any, member *model.Member) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if member != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, member))
	}
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}
