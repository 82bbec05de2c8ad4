package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/ticketing"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// TicketLinker creates a ticket for a conversation and links them.
type TicketLinker interface {
	CreateTicketLink(ctx context.Context, integration *model.Integration, settings *model.ZendeskSettings, fieldValues map[string]any, conv *model.Conversation, actor *model.Member) (*model.ConversationLink, error)
}

// TicketHandler handles ticket creation from a conversation.
type TicketHandler struct {
	conversations *service.ConversationService
	store         store.Store
	linker        TicketLinker
	logger        *logger.Logger
}

// NewTicketHandler creates a new ticket handler.
func NewTicketHandler(conversations *service.ConversationService, st store.Store, linker TicketLinker, log *logger.Logger) *TicketHandler {
	return &TicketHandler{
		conversations: conversations,
		store:         st,
		linker:        linker,
		logger:        log.Named("handler.tickets"),
	}
}

// Create handles POST /api/v1/conversations/{id}/zendesk-ticket. The body
// is the ticket form as a JSON object of field values.
func (h *TicketHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := middleware.GetOrganizationID(ctx)

	conv, ok := (&ConversationHandler{service: h.conversations, logger: h.logger}).conversation(w, r)
	if !ok {
		return
	}

	fields := map[string]any{}
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTicketFields(fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, ok := loadActor(w, r, h.store)
	if !ok {
		return
	}

	integration, err := h.store.GetIntegration(ctx, organizationID, model.IntegrationZendesk)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to load integration", zap.String("organization_id", organizationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}

	link, err := h.linker.CreateTicketLink(ctx, integration, nil, fields, conv, actor)
	if err != nil {
		h.writeTicketError(w, conv, err)
		return
	}

	writeJSON(w, http.StatusCreated, link)
}

func (h *TicketHandler) writeTicketError(w http.ResponseWriter, conv *model.Conversation, err error) {
	if errors.Is(err, ticketing.ErrAlreadyLinked) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	var te *ticketing.TicketError
	if !errors.As(err, &te) {
		h.logger.Error("failed to create ticket", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create ticket")
		return
	}

	status := http.StatusInternalServerError
	switch te.Reason {
	case ticketing.ReasonUserConfiguration:
		status = http.StatusUnprocessableEntity
	case ticketing.ReasonUnauthorized, ticketing.ReasonAPIError:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error":  te.UserMessage(),
		"reason": string(te.Reason),
	})
}
