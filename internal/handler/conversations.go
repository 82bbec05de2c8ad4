package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	store   store.Store
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, st store.Store, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		store:   st,
		logger:  log.Named("handler.conversations"),
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := middleware.GetOrganizationID(ctx)

	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.service.List(ctx, organizationID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Timeline handles GET /api/v1/conversations/{id}/timeline
func (h *ConversationHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := middleware.GetOrganizationID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.service.Timeline(ctx, organizationID, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to load timeline", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load timeline")
		return
	}
	if events == nil {
		events = []model.TimelineEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// ChangeState handles PUT /api/v1/conversations/{id}/state
func (h *ConversationHandler) ChangeState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := middleware.GetOrganizationID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ChangeStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateState(req.State); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	conv, err := h.service.ChangeState(ctx, organizationID, conversationID, req.State, actor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidState):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			// The state change is committed before listeners run, so a
			// listener failure still returns the updated conversation.
			if conv != nil {
				h.logger.Warn("state change listener failed", zap.String("conversation_id", conversationID), zap.Error(err))
				writeJSON(w, http.StatusOK, conv)
				return
			}
			h.logger.Error("failed to change state", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to change state")
		}
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// conversation loads the conversation named by the route, writing the
// error response when it cannot.
func (h *ConversationHandler) conversation(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	ctx := r.Context()
	organizationID := middleware.GetOrganizationID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	conv, err := h.service.Get(ctx, organizationID, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
		} else {
			h.logger.Error("failed to get conversation", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, storeStatus(err), "failed to get conversation")
		}
		return nil, false
	}
	return conv, true
}

// actor loads the authenticated member.
func (h *ConversationHandler) actor(w http.ResponseWriter, r *http.Request) (*model.Member, bool) {
	return loadActor(w, r, h.store)
}

func loadActor(w http.ResponseWriter, r *http.Request, st store.Store) (*model.Member, bool) {
	ctx := r.Context()
	member, err := st.GetMember(ctx, middleware.GetMemberID(ctx))
	if err != nil || member.OrganizationID != middleware.GetOrganizationID(ctx) {
		writeError(w, http.StatusForbidden, "member not found in organization")
		return nil, false
	}
	return member, true
}
