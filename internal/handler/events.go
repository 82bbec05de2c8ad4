package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
)

// EventReader reads a conversation's published events after a sequence.
type EventReader interface {
	GetEvents(ctx context.Context, organizationID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// EventStreamHandler streams conversation events over SSE.
type EventStreamHandler struct {
	conversations *service.ConversationService
	events        EventReader
	logger        *logger.Logger

	batchSize    int
	pollInterval time.Duration
	heartbeat    time.Duration
}

// NewEventStreamHandler creates a new event stream handler.
func NewEventStreamHandler(conversations *service.ConversationService, events EventReader, log *logger.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		conversations: conversations,
		events:        events,
		logger:        log.Named("handler.events"),
		batchSize:     50,
		pollInterval:  2 * time.Second,
		heartbeat:     30 * time.Second,
	}
}

// ReplayCompleteEvent marks the end of the replayed backlog.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/conversations/{id}/events
// Supports ?after_sequence=N for resuming from a specific point.
func (h *EventStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conv, ok := (&ConversationHandler{service: h.conversations, logger: h.logger}).conversation(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := h.logger.WithConversation(conv.OrganizationID, conv.ID)

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.EventStreamsActive.Inc()
	defer metrics.EventStreamsActive.Dec()

	_ = sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conv.ID,
	})

	replayed := 0
	for {
		n, last, hasMore, err := h.drain(ctx, w, flusher, conv, afterSequence)
		if err != nil {
			log.Error("failed to replay events", zap.Error(err))
			_ = sendSSEEvent(w, flusher, "error", map[string]string{
				"code":    "replay_error",
				"message": "failed to replay events",
			})
			return
		}
		replayed += n
		afterSequence = last
		if !hasMore {
			break
		}
	}

	_ = sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: afterSequence,
		EventCount:   replayed,
	})
	log.Debug("event replay complete", zap.Int("events", replayed), zap.Uint64("last_sequence", afterSequence))

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			_, last, _, err := h.drain(ctx, w, flusher, conv, afterSequence)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to poll events", zap.Error(err))
				continue
			}
			afterSequence = last
		case <-heartbeat.C:
			_ = sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now().UTC()})
		}
	}
}

// drain writes one batch of events after afterSequence and returns the
// count written, the new cursor and whether more are waiting.
func (h *EventStreamHandler) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conv *model.Conversation, afterSequence uint64) (int, uint64, bool, error) {
	events, last, hasMore, err := h.events.GetEvents(ctx, conv.OrganizationID, conv.ID, afterSequence, h.batchSize)
	if err != nil {
		return 0, afterSequence, false, err
	}
	for i := range events {
		if err := sendSSEEvent(w, flusher, string(events[i].Type), &events[i]); err != nil {
			return i, afterSequence, false, err
		}
		if events[i].Sequence > afterSequence {
			afterSequence = events[i].Sequence
		}
	}
	if last > afterSequence {
		afterSequence = last
	}
	return len(events), afterSequence, hasMore && len(events) > 0, nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
