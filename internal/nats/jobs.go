package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

const (
	// JobStreamName is the work-queue stream for sync jobs.
	JobStreamName = "SYNC_JOBS"

	// JobSubjectPrefix is the prefix for job subjects.
	JobSubjectPrefix = "jobs"

	jobConsumerName = "sync-workers"
)

// JobSubject returns the subject a job kind is published on.
func JobSubject(kind jobs.Kind) string {
	return fmt.Sprintf("%s.%s", JobSubjectPrefix, kind)
}

// JobQueueConfig tunes redelivery.
type JobQueueConfig struct {
	MaxDeliver int
	// RetryDelay is the redelivery delay for lock contention.
	RetryDelay time.Duration
	AckWait    time.Duration
}

// JobQueue is a JetStream-backed jobs.Enqueuer with a durable pull consumer.
type JobQueue struct {
	client *Client
	cfg    JobQueueConfig
	logger *logger.Logger
}

// NewJobQueue creates a job queue.
func NewJobQueue(client *Client, cfg JobQueueConfig, log *logger.Logger) *JobQueue {
	if cfg.AckWait == 0 {
		cfg.AckWait = 2 * time.Minute
	}
	return &JobQueue{client: client, cfg: cfg, logger: log.Named("job-queue")}
}

// EnsureStream creates the work-queue stream and consumer if missing.
func (q *JobQueue) EnsureStream(ctx context.Context) (jetstream.Consumer, error) {
	js := q.client.JetStream()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        JobStreamName,
		Subjects:    []string{JobSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  5 * time.Minute,
		Description: "Ticket sync jobs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job stream: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, JobStreamName, jetstream.ConsumerConfig{
		Durable:    jobConsumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    q.cfg.AckWait,
		MaxDeliver: q.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job consumer: %w", err)
	}
	return consumer, nil
}

// Enqueue implements jobs.Enqueuer.
func (q *JobQueue) Enqueue(ctx context.Context, job *jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, err := q.client.JetStream().Publish(ctx, JobSubject(job.Kind), data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", job.Kind, err)
	}
	return nil
}

// Run consumes jobs with the given number of workers until ctx is done.
func (q *JobQueue) Run(ctx context.Context, consumer jetstream.Consumer, d *jobs.Dispatcher, workers int) error {
	msgs := make(chan jetstream.Msg)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}, jetstream.PullMaxMessages(workers))
	if err != nil {
		return fmt.Errorf("failed to start job consumer: %w", err)
	}
	defer cc.Stop()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					q.handle(ctx, d, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (q *JobQueue) handle(ctx context.Context, d *jobs.Dispatcher, msg jetstream.Msg) {
	var job jobs.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("dropping undecodable job", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	stop := heartbeat(msg, q.cfg.AckWait/3)
	err := d.Dispatch(ctx, &job)
	stop()
	if ackErr := settle(msg, err, q.cfg.RetryDelay); ackErr != nil && !errors.Is(ackErr, context.Canceled) {
		q.logger.Warn("failed to settle job", zap.String("job_id", job.ID), zap.Error(ackErr))
	}
}

type progressReporter interface {
	InProgress() error
}

// heartbeat tells the server the job is still running every interval, so a
// long import is not redelivered to another worker. The returned func stops
// it and waits for the last beat to finish.
func heartbeat(msg progressReporter, interval time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// settle acknowledges a delivered job according to its outcome.
func settle(msg jetstream.Msg, err error, retryDelay time.Duration) error {
	switch {
	case err == nil:
		return msg.Ack()
	case jobs.IsPermanent(err):
		return msg.Term()
	case jobs.IsRetryable(err):
		return msg.NakWithDelay(retryDelay)
	default:
		return msg.Nak()
	}
}
