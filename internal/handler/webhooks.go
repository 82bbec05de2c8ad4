package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/zendesk"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// ZendeskWebhookHandler receives ticket change notifications and schedules
// comment imports.
type ZendeskWebhookHandler struct {
	store    store.Store
	enqueuer jobs.Enqueuer
	logger   *logger.Logger
}

// NewZendeskWebhookHandler creates a new webhook handler.
func NewZendeskWebhookHandler(st store.Store, enqueuer jobs.Enqueuer, log *logger.Logger) *ZendeskWebhookHandler {
	return &ZendeskWebhookHandler{
		store:    st,
		enqueuer: enqueuer,
		logger:   log.Named("handler.zendesk_webhook"),
	}
}

// Receive handles POST /webhooks/zendesk/{organizationID}
func (h *ZendeskWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := chi.URLParam(r, "organizationID")
	log := h.logger.With(zap.String("organization_id", organizationID))

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	integration, err := h.store.GetIntegration(ctx, organizationID, model.IntegrationZendesk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		log.Error("failed to load integration", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	settings, err := integration.ZendeskSettings()
	if err != nil {
		log.Error("failed to decode integration settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}

	signature := r.Header.Get(zendesk.SignatureHeader)
	timestamp := r.Header.Get(zendesk.SignatureTimestampHeader)
	if !zendesk.VerifySignature(settings.WebhookSigningSecret, signature, timestamp, body) {
		log.Warn("rejected webhook with invalid signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// Deliveries for a disabled integration are acknowledged and dropped.
	if !integration.Enabled {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload zendesk.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req, err := payload.ImportRequest(organizationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := jobs.New(jobs.KindImportTicketComments, req)
	if err != nil {
		log.Error("failed to create import job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule import")
		return
	}
	if err := h.enqueuer.Enqueue(ctx, job); err != nil {
		log.Error("failed to enqueue import job", zap.String("ticket_url", req.TicketURL), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to schedule import")
		return
	}

	log.Debug("scheduled ticket import", zap.String("ticket_url", req.TicketURL), zap.String("job_id", job.ID))
	w.WriteHeader(http.StatusAccepted)
}
