package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

type fakeEventReader struct {
	mu     sync.Mutex
	events []model.ConversationEvent
	err    error
	calls  []uint64
}

func (r *fakeEventReader) GetEvents(_ context.Context, _, _ string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, afterSequence)
	if r.err != nil {
		return nil, 0, false, r.err
	}
	var out []model.ConversationEvent
	for _, e := range r.events {
		if e.Sequence > afterSequence && len(out) < limit {
			out = append(out, e)
		}
	}
	last := afterSequence
	if len(out) > 0 {
		last = out[len(out)-1].Sequence
	}
	hasMore := len(out) > 0 && out[len(out)-1].Sequence < r.events[len(r.events)-1].Sequence
	return out, last, hasMore, nil
}

func (r *fakeEventReader) add(e model.ConversationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// stream runs the handler until ctx is done and returns the body.
func (f *fixture) stream(ctx context.Context, t *testing.T, h *EventStreamHandler, conv *model.Conversation, query string) string {
	t.Helper()
	f.handlers.Events = h
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+conv.ID+"/events"+query, nil).WithContext(ctx)
	token, err := middleware.IssueToken(testJWTSecret, f.org.ID, f.agent.ID, nil, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec.Body.String()
}

func testEvent(seq uint64, eventType model.EventType) model.ConversationEvent {
	return model.ConversationEvent{ID: "evt", Type: eventType, Sequence: seq}
}

func TestEventStreamReplaysAndPolls(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)

	reader := &fakeEventReader{events: []model.ConversationEvent{
		testEvent(1, model.EventNewConversation),
		testEvent(2, model.EventNewMessageInConversation),
		testEvent(3, model.EventStateChanged),
	}}
	h := NewEventStreamHandler(f.conversations, reader, logger.NewNop())
	h.batchSize = 2
	h.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		reader.add(testEvent(4, model.EventStateChanged))
	}()

	body := f.stream(ctx, t, h, conv, "")

	assert.True(t, strings.HasPrefix(body, "event: connected\n"))
	assert.Contains(t, body, "event: new_conversation\n")
	assert.Contains(t, body, "event: new_message\n")
	assert.Contains(t, body, `"last_sequence":3,"event_count":3`)
	assert.Equal(t, 2, strings.Count(body, "event: state_changed\n"))
	assert.Less(t, strings.Index(body, "replay_complete"), strings.LastIndex(body, "event: state_changed"))
}

func TestEventStreamResumesAfterSequence(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)

	reader := &fakeEventReader{events: []model.ConversationEvent{
		testEvent(1, model.EventNewConversation),
		testEvent(2, model.EventNewMessageInConversation),
	}}
	h := NewEventStreamHandler(f.conversations, reader, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	body := f.stream(ctx, t, h, conv, "?after_sequence=1")

	assert.NotContains(t, body, "event: new_conversation\n")
	assert.Contains(t, body, "event: new_message\n")
	require.NotEmpty(t, reader.calls)
	assert.Equal(t, uint64(1), reader.calls[0])
}

func TestEventStreamReplayFailure(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)

	reader := &fakeEventReader{err: errors.New("stream unavailable")}
	h := NewEventStreamHandler(f.conversations, reader, logger.NewNop())

	body := f.stream(context.Background(), t, h, conv, "")
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, "replay_error")
}

func TestEventStreamRejectsBadSequence(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)
	h := NewEventStreamHandler(f.conversations, &fakeEventReader{}, logger.NewNop())

	body := f.stream(context.Background(), t, h, conv, "?after_sequence=abc")
	assert.Contains(t, body, "invalid after_sequence")
}
