package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/lock"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// settledMsg records how a message was settled. Methods it does not
// override panic through the nil embedded interface.
type settledMsg struct {
	jetstream.Msg
	outcome string
	delay   time.Duration
}

func (m *settledMsg) Ack() error  { m.outcome = "ack"; return nil }
func (m *settledMsg) Nak() error  { m.outcome = "nak"; return nil }
func (m *settledMsg) Term() error { m.outcome = "term"; return nil }
func (m *settledMsg) NakWithDelay(d time.Duration) error {
	m.outcome = "nak-delay"
	m.delay = d
	return nil
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"success", nil, "ack"},
		{"lock contention", fmt.Errorf("import: %w", lock.ErrTimeout), "nak-delay"},
		{"permanent", jobs.Permanent(errors.New("bad payload")), "term"},
		{"other failure", errors.New("zendesk unavailable"), "nak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &settledMsg{}
			require.NoError(t, settle(msg, tt.err, 15*time.Second))
			assert.Equal(t, tt.outcome, msg.outcome)
			if tt.outcome == "nak-delay" {
				assert.Equal(t, 15*time.Second, msg.delay)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "jobs.zendesk.import_comments", JobSubject(jobs.KindImportTicketComments))
	assert.Equal(t, "conv.org1.conv1.event.state_changed", EventSubject("org1", "conv1", "state_changed"))
	assert.Equal(t, "conv.org1.conv1.event.>", ConversationFilter("org1", "conv1"))
}

// runningMsg is a delivered job that counts progress reports.
type runningMsg struct {
	settledMsg
	data     []byte
	progress atomic.Int32
}

func (m *runningMsg) Data() []byte    { return m.data }
func (m *runningMsg) Subject() string { return "jobs.test" }
func (m *runningMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 1}, nil
}
func (m *runningMsg) InProgress() error {
	m.progress.Add(1)
	return nil
}

func TestHandleReportsProgressWhileJobRuns(t *testing.T) {
	job, err := jobs.New(jobs.KindImportTicketComments, map[string]string{"ticket": "42"})
	require.NoError(t, err)
	data, err := json.Marshal(job)
	require.NoError(t, err)

	d := jobs.NewDispatcher(logger.NewNop())
	d.Register(jobs.KindImportTicketComments, func(ctx context.Context, job *jobs.Job) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	q := &JobQueue{cfg: JobQueueConfig{AckWait: 30 * time.Millisecond, RetryDelay: time.Second}, logger: logger.NewNop()}
	msg := &runningMsg{data: data}
	q.handle(context.Background(), d, msg)

	assert.Equal(t, "ack", msg.outcome)
	beats := msg.progress.Load()
	assert.GreaterOrEqual(t, beats, int32(3))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, beats, msg.progress.Load(), "no progress after the job settles")
}

func TestHeartbeatStops(t *testing.T) {
	msg := &runningMsg{}
	stop := heartbeat(msg, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	beats := msg.progress.Load()
	assert.Positive(t, beats)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, beats, msg.progress.Load())
}
