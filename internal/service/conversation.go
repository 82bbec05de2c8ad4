// Package service tracks chat threads as conversations and drives their state.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/metrics"
)

const maxTitleLength = 140

// ErrInvalidState is returned for an explicit change to a state an actor
// cannot choose.
var ErrInvalidState = errors.New("invalid conversation state")

// EventPublisher delivers conversation events to downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Listener is notified after conversation changes commit.
type Listener interface {
	OnNewMessage(ctx context.Context, conv *model.Conversation, msg *model.ChatMessage) error
	OnStateChanged(ctx context.Context, change *model.StateChange) error
}

// ConversationService handles conversation operations.
type ConversationService struct {
	store     store.Store
	publisher EventPublisher
	listeners []Listener
	logger    *logger.Logger
	now       func() time.Time
}

// NewConversationService creates a new conversation service. publisher may
// be nil, in which case events are not published.
func NewConversationService(st store.Store, publisher EventPublisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:     st,
		publisher: publisher,
		logger:    log.Named("conversations"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddListener registers l. Listeners run synchronously in registration order.
func (s *ConversationService) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Get retrieves a conversation owned by the organization.
func (s *ConversationService) Get(ctx context.Context, organizationID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OrganizationID != organizationID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// List retrieves conversations for an organization, most recent activity first.
func (s *ConversationService) List(ctx context.Context, organizationID string, limit, offset int) (*model.ListConversationsResponse, error) {
	convs, total, err := s.store.ListConversations(ctx, organizationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// Timeline returns the conversation's timeline in creation order.
func (s *ConversationService) Timeline(ctx context.Context, organizationID, conversationID string) ([]model.TimelineEvent, error) {
	if _, err := s.Get(ctx, organizationID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListTimeline(ctx, conversationID)
}

// HandleMessage records a chat message. A qualifying top-level message
// starts a conversation; a reply in a tracked thread updates participation
// and applies the message-provenance state rules. It returns nil when the
// message is not part of a tracked conversation.
func (s *ConversationService) HandleMessage(ctx context.Context, org *model.Organization, room *model.Room, member *model.Member, msg *model.ChatMessage) (*model.Conversation, error) {
	if room == nil || !room.ConversationTracking {
		return nil, nil
	}
	actor := ClassifyActor(org, member)

	if msg.IsTopLevel() {
		if !StartsConversation(actor, room) {
			return nil, nil
		}
		return s.start(ctx, org, room, member, msg)
	}

	conv, err := s.store.GetConversationByThread(ctx, room.ID, msg.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	var change *model.StateChange
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		conv = current

		if member != nil {
			conv.Touch(member.ID, msg.Timestamp)
		}
		if err := tx.AppendTimelineEvent(ctx, model.NewMessagePosted(conv.ID, memberID(member), msg.Timestamp, model.MessagePostedEvent{
			MessageID: msg.ID,
		})); err != nil {
			return err
		}

		if next, ok := NextStateForMessage(conv.State, actor, room); ok {
			change, err = s.ApplyStateChange(ctx, tx, conv, next, member, true)
			return err
		}
		return tx.UpdateConversation(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	var errs []error
	if err := s.PublishMessage(ctx, conv, msg, false); err != nil {
		errs = append(errs, err)
	}
	for _, l := range s.listeners {
		if err := l.OnNewMessage(ctx, conv, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if change != nil {
		if err := s.NotifyStateChanged(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return conv, errors.Join(errs...)
}

func (s *ConversationService) start(ctx context.Context, org *model.Organization, room *model.Room, member *model.Member, msg *model.ChatMessage) (*model.Conversation, error) {
	existing, err := s.store.GetConversationByThread(ctx, room.ID, msg.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	conv := &model.Conversation{
		ID:                uuid.Must(uuid.NewV7()).String(),
		OrganizationID:    org.ID,
		RoomID:            room.ID,
		FirstMessageID:    msg.ID,
		Title:             titleFrom(msg.Text),
		State:             model.StateNew,
		StartedByID:       memberID(member),
		CreatedAt:         msg.Timestamp,
		LastStateChangeAt: msg.Timestamp,
	}
	if member != nil {
		conv.Touch(member.ID, msg.Timestamp)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		return tx.AppendTimelineEvent(ctx, model.NewMessagePosted(conv.ID, conv.StartedByID, msg.Timestamp, model.MessagePostedEvent{
			MessageID: msg.ID,
		}))
	})
	if errors.Is(err, store.ErrConflict) {
		return s.store.GetConversationByThread(ctx, room.ID, msg.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	metrics.ConversationsTotal.WithLabelValues(org.ID).Inc()
	s.logger.Info("conversation created",
		zap.String("organization_id", org.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("room_id", room.ID),
	)

	if err := s.publish(ctx, s.newEvent(model.EventNewConversation, conv, conv.StartedByID, func(e *model.ConversationEvent) {
		e.Message = msg
		e.NewState = conv.State
	})); err != nil {
		return conv, err
	}
	return conv, nil
}

// ChangeState applies an explicit state change by actor.
func (s *ConversationService) ChangeState(ctx context.Context, organizationID, conversationID string, to model.ConversationState, actor *model.Member) (*model.Conversation, error) {
	if !to.IsValid() || to == model.StateUnknown || to == model.StateNew {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, to)
	}

	conv, err := s.Get(ctx, organizationID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, conv, to, actor, false)
}

// Transition moves conv to state in its own transaction and notifies
// listeners. Moving to the current state is a no-op.
func (s *ConversationService) Transition(ctx context.Context, conv *model.Conversation, to model.ConversationState, actor *model.Member, implicit bool) (*model.Conversation, error) {
	return s.transition(ctx, conv, "", to, actor, implicit)
}

// TransitionIf is Transition guarded on the stored state still being from.
func (s *ConversationService) TransitionIf(ctx context.Context, conv *model.Conversation, from, to model.ConversationState, actor *model.Member, implicit bool) (*model.Conversation, error) {
	return s.transition(ctx, conv, from, to, actor, implicit)
}

func (s *ConversationService) transition(ctx context.Context, conv *model.Conversation, from, to model.ConversationState, actor *model.Member, implicit bool) (*model.Conversation, error) {
	var change *model.StateChange
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		conv = current
		if from != "" && conv.State != from {
			return nil
		}
		change, err = s.ApplyStateChange(ctx, tx, conv, to, actor, implicit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to change conversation state: %w", err)
	}
	if change == nil {
		return conv, nil
	}
	return conv, s.NotifyStateChanged(ctx, change)
}

// ApplyStateChange persists a transition within tx and appends the
// StateChanged timeline event. It returns nil when conv is already in the
// target state. Call NotifyStateChanged after tx commits.
func (s *ConversationService) ApplyStateChange(ctx context.Context, tx store.Store, conv *model.Conversation, to model.ConversationState, actor *model.Member, implicit bool) (*model.StateChange, error) {
	if conv.State == to {
		return nil, nil
	}

	now := s.now()
	change := &model.StateChange{
		Conversation: conv,
		OldState:     conv.State,
		NewState:     to,
		Actor:        actor,
		Implicit:     implicit,
		At:           now,
	}

	conv.State = to
	conv.LastStateChangeAt = now
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	if err := tx.AppendTimelineEvent(ctx, model.NewStateChanged(conv.ID, memberID(actor), now, change.OldState, to, implicit)); err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(change.OldState), string(to))
	return change, nil
}

// NotifyStateChanged publishes the state change and runs listeners. Every
// listener runs; their errors are joined.
func (s *ConversationService) NotifyStateChanged(ctx context.Context, change *model.StateChange) error {
	s.logger.WithConversation(change.Conversation.OrganizationID, change.Conversation.ID).Info("conversation state changed",
		zap.String("from", string(change.OldState)),
		zap.String("to", string(change.NewState)),
		zap.Bool("implicit", change.Implicit),
	)

	var errs []error
	if err := s.publish(ctx, s.newEvent(model.EventStateChanged, change.Conversation, memberID(change.Actor), func(e *model.ConversationEvent) {
		e.OldState = change.OldState
		e.NewState = change.NewState
	})); err != nil {
		errs = append(errs, err)
	}
	for _, l := range s.listeners {
		if err := l.OnStateChanged(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishMessage publishes a NewMessageInConversation event.
func (s *ConversationService) PublishMessage(ctx context.Context, conv *model.Conversation, msg *model.ChatMessage, imported bool) error {
	actorID := ""
	if msg.Author != nil {
		actorID = msg.Author.ID
	}
	return s.publish(ctx, s.newEvent(model.EventNewMessageInConversation, conv, actorID, func(e *model.ConversationEvent) {
		e.Message = msg
		e.Imported = imported
	}))
}

func (s *ConversationService) newEvent(eventType model.EventType, conv *model.Conversation, actorID string, opts ...func(*model.ConversationEvent)) *model.ConversationEvent {
	event := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Type:           eventType,
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		Conversation:   conv,
		ActorID:        actorID,
		CreatedAt:      s.now(),
	}
	for _, opt := range opts {
		opt(event)
	}
	return event
}

func (s *ConversationService) publish(ctx context.Context, event *model.ConversationEvent) error {
	if s.publisher == nil {
		return nil
	}
	if _, err := s.publisher.PublishEvent(ctx, event); err != nil {
		s.logger.Error("failed to publish conversation event",
			zap.String("conversation_id", event.ConversationID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

func memberID(m *model.Member) string {
	if m == nil {
		return ""
	}
	return m.ID
}

func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength-1])) + "…"
}
