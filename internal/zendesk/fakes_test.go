package zendesk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
)

type ticketUpdate struct {
	id     int64
	ticket *Ticket
}

type fakeClient struct {
	mu sync.Mutex

	comments    []Comment
	listCalls   int
	failOnCall  int
	listErr     error
	tickets     map[int64]*Ticket
	users       map[int64]*User
	search      []User
	searches    []string
	upserts     []*User
	created     []*Ticket
	updates     []ticketUpdate
	createErr   error
	updateErr   error
	nextUserID  int64
	webhooks    []*Webhook
	triggers    []*Trigger
	getUserErrs map[int64]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		tickets:     make(map[int64]*Ticket),
		users:       make(map[int64]*User),
		getUserErrs: make(map[int64]error),
		nextUserID:  9000,
	}
}

func (c *fakeClient) GetTicket(_ context.Context, id int64) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Body: `{"error":"RecordNotFound"}`}
	}
	return t, nil
}

func (c *fakeClient) CreateTicket(_ context.Context, ticket *Ticket) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, ticket)
	out := *ticket
	out.ID = 42
	out.URL = "https://acme.zendesk.com/api/v2/tickets/42.json"
	out.Status = StatusNew
	c.tickets[42] = &out
	return &out, nil
}

func (c *fakeClient) UpdateTicket(_ context.Context, id int64, ticket *Ticket) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	c.updates = append(c.updates, ticketUpdate{id: id, ticket: ticket})
	return ticket, nil
}

func (c *fakeClient) ListTicketComments(_ context.Context, _ int64, pageSize int, afterCursor string) (*CommentPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.failOnCall > 0 && c.listCalls == c.failOnCall {
		return nil, c.listErr
	}

	start := 0
	if afterCursor != "" {
		start, _ = strconv.Atoi(afterCursor)
	}
	end := start + pageSize
	if end > len(c.comments) {
		end = len(c.comments)
	}
	page := &CommentPage{Comments: append([]Comment(nil), c.comments[start:end]...)}
	if end < len(c.comments) {
		page.HasMore = true
		page.AfterCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (c *fakeClient) GetUser(_ context.Context, id int64) (*User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.getUserErrs[id]; err != nil {
		return nil, err
	}
	u, ok := c.users[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Body: `{"error":"RecordNotFound"}`}
	}
	return u, nil
}

func (c *fakeClient) SearchUsers(_ context.Context, query string) ([]User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, query)
	return c.search, nil
}

func (c *fakeClient) CreateOrUpdateUser(_ context.Context, user *User) (*User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts = append(c.upserts, user)
	out := *user
	c.nextUserID++
	out.ID = c.nextUserID
	out.URL = fmt.Sprintf("https://acme.zendesk.com/api/v2/users/%d.json", out.ID)
	c.users[out.ID] = &out
	return &out, nil
}

func (c *fakeClient) CreateWebhook(_ context.Context, webhook *Webhook) (*Webhook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := *webhook
	out.ID = "wh1"
	c.webhooks = append(c.webhooks, &out)
	return &out, nil
}

func (c *fakeClient) CreateTrigger(_ context.Context, trigger *Trigger) (*Trigger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, trigger)
	return trigger, nil
}

func (c *fakeClient) GetWebhookSigningSecret(_ context.Context, webhookID string) (string, error) {
	return "secret-" + webhookID, nil
}

func (c *fakeClient) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

type fakeFactory struct {
	client *fakeClient
}

func (f *fakeFactory) NewClient(settings *model.ZendeskSettings) (Client, error) {
	if !settings.HasAPICredentials() {
		return nil, fmt.Errorf("no credentials")
	}
	return f.client, nil
}

type fakeChat struct {
	mu        sync.Mutex
	posted    []*chat.OutgoingMessage
	users     map[string]*chat.UserInfo
	thread    []model.ExportMessage
	permalink string
	postErr   error
}

func (c *fakeChat) PostMessage(_ context.Context, msg *chat.OutgoingMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return "", c.postErr
	}
	c.posted = append(c.posted, msg)
	return fmt.Sprintf("1700000100.%06d", len(c.posted)), nil
}

func (c *fakeChat) GetUserInfo(_ context.Context, platformUserID string) (*chat.UserInfo, error) {
	info, ok := c.users[platformUserID]
	if !ok {
		return nil, chat.ErrUserNotFound
	}
	return info, nil
}

func (c *fakeChat) GetThread(context.Context, string, string) ([]model.ExportMessage, error) {
	return c.thread, nil
}

func (c *fakeChat) GetPermalink(context.Context, string, string) (string, error) {
	return c.permalink, nil
}

func (c *fakeChat) postCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posted)
}

type recordingEnqueuer struct {
	jobs []*jobs.Job
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, job *jobs.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

const ticketURL = "https://acme.zendesk.com/api/v2/tickets/42.json"

type fixture struct {
	store       *store.Memory
	client      *fakeClient
	factory     *fakeFactory
	chat        *fakeChat
	org         *model.Organization
	room        *model.Room
	customer    *model.Member
	agent       *model.Member
	bot         *model.Member
	conv        *model.Conversation
	integration *model.Integration
	t0          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	client := newFakeClient()

	f := &fixture{
		store:    st,
		client:   client,
		factory:  &fakeFactory{client: client},
		chat:     &fakeChat{users: map[string]*chat.UserInfo{}, permalink: "https://acme.slack.com/archives/C1/p100"},
		org:      &model.Organization{ID: "org1", Slug: "acme", PlatformID: "T1", PlatformType: model.PlatformSlack, BotMemberID: "bot", BotName: "Abbot"},
		room:     &model.Room{ID: "room1", OrganizationID: "org1", PlatformRoomID: "C1", ConversationTracking: true},
		customer: &model.Member{ID: "cust", OrganizationID: "org1", PlatformUserID: "U2", PlatformTeamID: "T2", DisplayName: "Casey"},
		agent:    &model.Member{ID: "agent", OrganizationID: "org1", PlatformUserID: "U1", PlatformTeamID: "T1", DisplayName: "Avery", Email: "avery@acme.com"},
		bot:      &model.Member{ID: "bot", OrganizationID: "org1", PlatformUserID: "B1", PlatformTeamID: "T1", DisplayName: "Abbot", IsBot: true},
		t0:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveOrganization(ctx, f.org))
	require.NoError(t, st.SaveRoom(ctx, f.room))
	for _, m := range []*model.Member{f.customer, f.agent, f.bot} {
		require.NoError(t, st.SaveMember(ctx, m))
	}

	f.integration = &model.Integration{OrganizationID: "org1", Type: model.IntegrationZendesk, Enabled: true}
	require.NoError(t, f.integration.SetZendeskSettings(&model.ZendeskSettings{Subdomain: "acme", APIUser: "ops@acme.com", APIToken: "tok"}))
	require.NoError(t, st.SaveIntegration(ctx, f.integration))

	f.conv = &model.Conversation{
		ID:             "conv1",
		OrganizationID: "org1",
		RoomID:         "room1",
		FirstMessageID: "1700000000.000100",
		Title:          "Printer is on fire",
		State:          model.StateNew,
		StartedByID:    "cust",
		CreatedAt:      f.t0,
		LastMessageAt:  f.t0,
	}
	require.NoError(t, st.CreateConversation(ctx, f.conv))
	return f
}

// link links the fixture conversation to ticket 42.
func (f *fixture) link(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.CreateLink(context.Background(), &model.ConversationLink{
		OrganizationID: "org1",
		ConversationID: f.conv.ID,
		LinkType:       model.LinkTypeZendeskTicket,
		ExternalID:     ticketURL,
	}))
}

func (f *fixture) setting(t *testing.T, name string) string {
	t.Helper()
	value, err := store.GetSettingValue(context.Background(), f.store, model.ConversationScope(f.conv.ID), name)
	require.NoError(t, err)
	return value
}

func (f *fixture) setSetting(t *testing.T, name, value string) {
	t.Helper()
	require.NoError(t, f.store.SetSetting(context.Background(), &model.Setting{
		Scope: model.ConversationScope(f.conv.ID),
		Name:  name,
		Value: value,
	}))
}

func (f *fixture) linkIdentity(t *testing.T, member *model.Member, zendeskUserID int64, md *model.ZendeskUserMetadata) {
	t.Helper()
	identity := &model.LinkedIdentity{
		OrganizationID: "org1",
		MemberID:       member.ID,
		Type:           model.IdentityZendesk,
		ExternalID:     strconv.FormatInt(zendeskUserID, 10),
	}
	if md != nil {
		require.NoError(t, identity.SetZendeskMetadata(md))
	}
	require.NoError(t, f.store.SaveLinkedIdentity(context.Background(), identity))
}

func boolPtr(b bool) *bool { return &b }
