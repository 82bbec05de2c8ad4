package zendesk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/lock"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/richtext"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

type importHarness struct {
	*fixture
	conversations *service.ConversationService
	locker        *lock.Memory
	importer      *Importer
}

func newImportHarness(t *testing.T, pageSize int) *importHarness {
	t.Helper()
	f := newFixture(t)
	f.link(t)
	f.client.users[100] = &User{ID: 100, Name: "Customer Carl", Email: "carl@customer.io"}

	h := &importHarness{
		fixture:       f,
		conversations: service.NewConversationService(f.store, nil, logger.NewNop()),
		locker:        lock.NewMemory(),
	}
	h.importer = NewImporter(f.store, f.factory, newTestResolver(f), f.chat, h.conversations, h.locker, richtext.NewConverter(), ImporterConfig{
		PageSize:    pageSize,
		LockTimeout: time.Second,
		UserAgent:   "Abbot/1.0",
	}, logger.NewNop())
	return h
}

func publicComment(id int64, body string) Comment {
	return Comment{ID: id, AuthorID: 100, HTMLBody: "<p>" + body + "</p>", Public: boolPtr(true)}
}

// fiveComments is [public, own echo, internal, public with four attachments, public].
func fiveComments() []Comment {
	echo := publicComment(2, "Posted from chat")
	echo.Metadata = &CommentMetadata{System: CommentSystem{Client: "Abbot/1.0 (+https://ab.bot)"}}

	internal := publicComment(3, "Internal note")
	internal.Public = boolPtr(false)

	withFiles := publicComment(4, "Screenshots attached")
	withFiles.Attachments = []Attachment{
		{ID: 1, FileName: "small.png", ContentURL: "https://acme.zendesk.com/small.png", ContentType: "image/png", Size: 1024},
		{ID: 2, FileName: "huge.png", ContentURL: "https://acme.zendesk.com/huge.png", ContentType: "image/png", Size: 3 << 20},
		{ID: 3, FileName: "report.pdf", ContentURL: "https://acme.zendesk.com/report.pdf", ContentType: "application/pdf", Size: 2048},
		{ID: 4, FileName: "long.png", ContentURL: "https://acme.zendesk.com/" + strings.Repeat("x", 3000), ContentType: "image/png", Size: 10},
	}

	return []Comment{publicComment(1, "Hello"), echo, internal, withFiles, publicComment(5, "Any update?")}
}

func (h *importHarness) request(status string) ImportRequest {
	return ImportRequest{OrganizationID: "org1", TicketURL: ticketURL, Status: status}
}

func (h *importHarness) importedEvents(t *testing.T) []model.TimelineEvent {
	t.Helper()
	timeline, err := h.store.ListTimeline(context.Background(), h.conv.ID)
	require.NoError(t, err)
	var out []model.TimelineEvent
	for _, e := range timeline {
		if e.Kind == model.KindMessagePosted && e.MessagePosted.ExternalSource == ExternalSource {
			out = append(out, e)
		}
	}
	return out
}

func TestImportFullSync(t *testing.T) {
	h := newImportHarness(t, 2)
	h.client.comments = fiveComments()

	result, err := h.importer.Import(context.Background(), h.request("pending"))
	require.NoError(t, err)

	assert.Equal(t, "conv1", result.ConversationID)
	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 3, result.Posted)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 4, result.Marker)
	assert.Equal(t, "4", h.setting(t, model.SettingCommentMarker))
	assert.Equal(t, 3, h.client.listCalls)

	require.Len(t, h.chat.posted, 3)
	first := h.chat.posted[0]
	assert.Equal(t, "C1", first.RoomID)
	assert.Equal(t, "1700000000.000100", first.ThreadID)
	assert.Equal(t, "Hello", first.Text)
	assert.Equal(t, "Customer Carl", first.Username)

	attachments := h.chat.posted[1]
	require.Len(t, attachments.Images, 1)
	assert.Equal(t, "https://acme.zendesk.com/small.png", attachments.Images[0].URL)
	assert.Equal(t, "Screenshots attached\n\n*Attachments*\n"+
		"• <https://acme.zendesk.com/huge.png|huge.png>\n"+
		"• <https://acme.zendesk.com/report.pdf|report.pdf>", attachments.Text)

	events := h.importedEvents(t)
	require.Len(t, events, 3)
	assert.Equal(t, "1", events[0].MessagePosted.ExternalMessageID)
	assert.Equal(t, "100", events[0].MessagePosted.ExternalAuthorID)
	assert.Equal(t, "Customer Carl", events[0].MessagePosted.ExternalAuthor)
	assert.Equal(t, "4", events[1].MessagePosted.ExternalMessageID)

	require.NotNil(t, result.StateChange)
	assert.Equal(t, model.StateWaiting, result.StateChange.NewState)
	assert.Equal(t, "bot", result.StateChange.Actor.ID)
	assert.True(t, result.StateChange.Implicit)
	assert.Equal(t, "pending", h.setting(t, model.SettingZendeskTicketStatus))
}

func TestImportResumesFromMarker(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.comments = []Comment{
		publicComment(1, "one"), publicComment(2, "two"), publicComment(3, "three"), publicComment(4, "four"),
	}
	h.setSetting(t, model.SettingCommentMarker, "1")

	result, err := h.importer.Import(context.Background(), h.request("open"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 3, result.Marker)
	assert.Equal(t, "3", h.setting(t, model.SettingCommentMarker))

	require.Len(t, h.chat.posted, 2)
	assert.Equal(t, "three", h.chat.posted[0].Text)
	assert.Equal(t, "four", h.chat.posted[1].Text)
}

func TestImportIsIdempotent(t *testing.T) {
	h := newImportHarness(t, 2)
	h.client.comments = fiveComments()
	ctx := context.Background()

	_, err := h.importer.Import(ctx, h.request("pending"))
	require.NoError(t, err)
	timeline, err := h.store.ListTimeline(ctx, h.conv.ID)
	require.NoError(t, err)

	result, err := h.importer.Import(ctx, h.request("pending"))
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, result.Posted)
	assert.Nil(t, result.StateChange)
	assert.Len(t, h.chat.posted, 3)
	assert.Equal(t, "4", h.setting(t, model.SettingCommentMarker))

	again, err := h.store.ListTimeline(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.Len(t, again, len(timeline), "re-applying the same status adds no StateChanged event")
}

func TestImportAdvancesLastMessageForUnlinkedAuthor(t *testing.T) {
	h := newImportHarness(t, 100)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	comment := publicComment(1, "still broken")
	comment.CreatedAt = &created
	h.client.comments = []Comment{comment}

	_, err := h.importer.Import(ctx, h.request("open"))
	require.NoError(t, err)

	conv, err := h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsResponse, conv.State)
	assert.True(t, conv.LastMessageAt.Equal(created), "last message at %s", conv.LastMessageAt)
	assert.Empty(t, conv.Members, "unlinked authors are not participants")

	sweeper := service.NewOverdueSweeper(h.store, h.conversations, 24*time.Hour, logger.NewNop())
	moved, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	conv, err = h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsResponse, conv.State)
}

type failingPublisher struct{}

func (failingPublisher) PublishEvent(context.Context, *model.ConversationEvent) (uint64, error) {
	return 0, errors.New("stream unavailable")
}

func TestImportSurvivesPublishFailure(t *testing.T) {
	h := newImportHarness(t, 100)
	h.conversations = service.NewConversationService(h.store, failingPublisher{}, logger.NewNop())
	h.importer.conversations = h.conversations
	h.client.comments = []Comment{publicComment(1, "one"), publicComment(2, "two")}

	result, err := h.importer.Import(context.Background(), h.request("open"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Posted)
	assert.Equal(t, "1", h.setting(t, model.SettingCommentMarker))
	assert.Len(t, h.importedEvents(t), 2)
}

func TestImportFetchesStatusWhenMissing(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.tickets[42] = &Ticket{ID: 42, Status: "open"}

	result, err := h.importer.Import(context.Background(), h.request(""))
	require.NoError(t, err)
	require.NotNil(t, result.StateChange)
	assert.Equal(t, model.StateNeedsResponse, result.StateChange.NewState)
	assert.Equal(t, "open", h.setting(t, model.SettingZendeskTicketStatus))
}

func TestImportAttributesSolvedToMatchingMember(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.users[555] = &User{ID: 555, Name: "Avery", Email: "avery@acme.com"}

	req := h.request("solved")
	req.ActorID = "555"
	result, err := h.importer.Import(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.StateChange)
	assert.Equal(t, model.StateClosed, result.StateChange.NewState)
	assert.Equal(t, "agent", result.StateChange.Actor.ID)

	conv, err := h.store.GetConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, conv.State)
}

func TestImportSkipsUnlinkedTickets(t *testing.T) {
	h := newImportHarness(t, 100)

	result, err := h.importer.Import(context.Background(), ImportRequest{
		OrganizationID: "org1",
		TicketURL:      "https://acme.zendesk.com/agent/tickets/999",
	})
	require.NoError(t, err)
	assert.Empty(t, result.ConversationID)
	assert.Zero(t, h.client.listCalls)
}

func TestImportRejectsInvalidURL(t *testing.T) {
	h := newImportHarness(t, 100)

	_, err := h.importer.Import(context.Background(), ImportRequest{OrganizationID: "org1", TicketURL: "https://example.com/nope"})
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
}

func TestImportFailureKeepsLastCompletedPage(t *testing.T) {
	h := newImportHarness(t, 2)
	h.client.comments = fiveComments()
	h.client.failOnCall = 2
	h.client.listErr = &APIError{StatusCode: 500}
	ctx := context.Background()

	_, err := h.importer.Import(ctx, h.request("pending"))
	require.Error(t, err)
	assert.Equal(t, "1", h.setting(t, model.SettingCommentMarker))
	assert.Len(t, h.chat.posted, 1)
	assert.Empty(t, h.setting(t, model.SettingZendeskTicketStatus), "status is applied only after all comments")

	h.client.failOnCall = 0
	result, err := h.importer.Import(ctx, h.request("pending"))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, "4", h.setting(t, model.SettingCommentMarker))
	assert.Len(t, h.chat.posted, 3)
}

func TestImportPostFailureDoesNotAdvanceMarker(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.comments = []Comment{publicComment(1, "one")}
	h.chat.postErr = errors.New("slack unavailable")

	_, err := h.importer.Import(context.Background(), h.request("open"))
	require.Error(t, err)
	assert.Empty(t, h.setting(t, model.SettingCommentMarker))
	assert.Empty(t, h.importedEvents(t))
}

func TestImportLockTimeoutIsRetryable(t *testing.T) {
	h := newImportHarness(t, 100)
	h.importer.cfg.LockTimeout = 20 * time.Millisecond
	ctx := context.Background()

	release, err := h.locker.Acquire(ctx, LockKey("org1", ticketURL), time.Second)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	_, err = h.importer.Import(ctx, h.request("open"))
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.True(t, jobs.IsRetryable(err))
}

func TestImportRunsAreSerializedPerTicket(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.comments = fiveComments()
	ctx := context.Background()

	release, err := h.locker.Acquire(ctx, LockKey("org1", ticketURL), time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*ImportResult, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := h.importer.Import(ctx, h.request("pending"))
			assert.NoError(t, err)
			results[n] = result
		}(n)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.chat.postCount(), "imports wait for the held lock")

	require.NoError(t, release(ctx))
	wg.Wait()

	assert.Equal(t, 3, h.chat.postCount(), "the second run sees the first run's marker")
	assert.Equal(t, 5, results[0].Processed+results[1].Processed)
	assert.Equal(t, "4", h.setting(t, model.SettingCommentMarker))
}

func TestImportedStateChangeIsNotEchoed(t *testing.T) {
	h := newImportHarness(t, 100)
	h.conversations.AddListener(NewListener(h.store, h.factory, newTestResolver(h.fixture), richtext.NewConverter(), logger.NewNop()))
	h.client.users[555] = &User{ID: 555, Name: "Avery", Email: "avery@acme.com"}

	req := h.request("hold")
	req.ActorID = "555"
	result, err := h.importer.Import(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.StateChange)
	assert.Equal(t, model.StateWaiting, result.StateChange.NewState)
	assert.Zero(t, h.client.updateCount(), "the listener must not push a status the ticket already implies")
}

func TestImportThreadHistory(t *testing.T) {
	h := newImportHarness(t, 100)
	ctx := context.Background()

	export := `{"conversation_id":"conv1","room_id":"C1","messages":[` +
		`{"id":"1700000000.000100","platform_user_id":"U2","text":"*Help* please"},` +
		`{"id":"1700000001.000100","platform_user_id":"U9","text":"unknown author"},` +
		`{"id":"1700000002.000100","platform_user_id":"B1","text":"bot reply"}]}`
	h.setSetting(t, model.SettingThreadExport, export)

	require.NoError(t, h.importer.ImportThreadHistory(ctx, ThreadImportRequest{OrganizationID: "org1", ConversationID: "conv1"}))

	require.Len(t, h.client.updates, 3)
	first := h.client.updates[0]
	assert.Equal(t, int64(42), first.id)
	assert.Contains(t, first.ticket.Comment.HTMLBody, "<strong>Help</strong>")
	assert.Equal(t, int64(9001), first.ticket.Comment.AuthorID, "the customer gets a facade user")
	assert.Zero(t, h.client.updates[1].ticket.Comment.AuthorID)
	assert.Zero(t, h.client.updates[2].ticket.Comment.AuthorID)

	assert.Empty(t, h.setting(t, model.SettingThreadExport))
	require.NoError(t, h.importer.ImportThreadHistory(ctx, ThreadImportRequest{OrganizationID: "org1", ConversationID: "conv1"}))
	assert.Len(t, h.client.updates, 3, "a consumed export is not imported twice")
}

func TestImporterJobHandlers(t *testing.T) {
	h := newImportHarness(t, 100)
	h.client.comments = []Comment{publicComment(1, "one")}
	d := jobs.NewDispatcher(logger.NewNop())
	h.importer.Register(d)

	job, err := jobs.New(jobs.KindImportTicketComments, h.request("open"))
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), job))
	assert.Len(t, h.chat.posted, 1)

	bad := &jobs.Job{Kind: jobs.KindImportThreadHistory, Payload: []byte(`{`)}
	assert.True(t, jobs.IsPermanent(d.Dispatch(context.Background(), bad)))
}
