// Package jobs defines background sync jobs and dispatches them to handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/lock"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
)

// Kind names a job handler.
type Kind string

const (
	// KindImportTicketComments imports new ticket comments into a thread.
	KindImportTicketComments Kind = "zendesk.import_comments"
	// KindImportThreadHistory posts a linked thread's history to its ticket.
	KindImportThreadHistory Kind = "zendesk.import_thread"
)

// Job is a unit of background work. Delivery is at least once.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt is 1 on first delivery.
	Attempt int `json:"-"`
}

// New creates a job with a JSON payload.
func New(kind Kind, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Job{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode %s payload: %w", j.Kind, err))
	}
	return nil
}

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
}

// Handler runs a job.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable reports whether a failure should be redelivered after a delay
// rather than through the normal retry policy. Lock contention is the only
// such case.
func IsRetryable(err error) bool {
	return errors.Is(err, lock.ErrTimeout)
}

// ErrUnknownKind is returned for jobs with no registered handler.
var ErrUnknownKind = errors.New("unknown job kind")

// Dispatcher routes jobs to handlers by kind.
type Dispatcher struct {
	handlers map[Kind]Handler
	logger   *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind]Handler),
		logger:   log.Named("jobs"),
	}
}

// Register installs the handler for kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch runs the job's handler and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) error {
	h, ok := d.handlers[job.Kind]
	if !ok {
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind), "unknown").Inc()
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}

	log := d.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)

	start := time.Now()
	err := h(ctx, job)
	switch {
	case err == nil:
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind), "success").Inc()
		log.Debug("job completed", zap.Duration("duration", time.Since(start)))
	case IsRetryable(err):
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind), "retry").Inc()
		log.Info("job deferred", zap.Error(err))
	default:
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind), "error").Inc()
		log.Error("job failed", zap.Error(err))
	}
	return err
}
