package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/internal/ticketing"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

type stubLinker struct {
	integration *model.Integration
	fields      map[string]any
	actor       *model.Member
	link        *model.ConversationLink
	err         error
}

func (l *stubLinker) CreateTicketLink(_ context.Context, integration *model.Integration, _ *model.ZendeskSettings, fields map[string]any, conv *model.Conversation, actor *model.Member) (*model.ConversationLink, error) {
	l.integration = integration
	l.fields = fields
	l.actor = actor
	if l.err != nil {
		return nil, l.err
	}
	l.link = &model.ConversationLink{
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		LinkType:       model.LinkTypeZendeskTicket,
		ExternalID:     "https://acme.zendesk.com/api/v2/tickets/42.json",
		CreatedByID:    actor.ID,
	}
	return l.link, nil
}

func (f *fixture) withLinker(linker TicketLinker) {
	f.handlers.Tickets = NewTicketHandler(f.conversations, f.store, linker, logger.NewNop())
}

func TestCreateTicket(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)
	integration := &model.Integration{OrganizationID: f.org.ID, Type: model.IntegrationZendesk, Enabled: true}
	require.NoError(t, f.store.SaveIntegration(context.Background(), integration))

	linker := &stubLinker{}
	f.withLinker(linker)

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/zendesk-ticket", map[string]any{
		"subject":  "Export broken",
		"priority": "high",
	}, f.agent)
	require.Equal(t, http.StatusCreated, rec.Code)

	link := decode[model.ConversationLink](t, rec)
	assert.Equal(t, conv.ID, link.ConversationID)
	assert.Equal(t, "https://acme.zendesk.com/api/v2/tickets/42.json", link.ExternalID)

	require.NotNil(t, linker.integration)
	assert.Equal(t, integration.ID, linker.integration.ID)
	assert.Equal(t, "Export broken", linker.fields["subject"])
	assert.Equal(t, f.agent.ID, linker.actor.ID)
}

func TestCreateTicketWithoutIntegration(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)

	linker := &stubLinker{err: &ticketing.TicketError{Reason: ticketing.ReasonUserConfiguration, Message: "The Zendesk integration is not enabled."}}
	f.withLinker(linker)

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/zendesk-ticket", map[string]any{}, f.agent)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Nil(t, linker.integration)
}

func TestCreateTicketErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{name: "already linked", err: ticketing.ErrAlreadyLinked, status: http.StatusConflict},
		{name: "unauthorized", err: &ticketing.TicketError{Reason: ticketing.ReasonUnauthorized, StatusCode: 401}, status: http.StatusBadGateway, reason: "Unauthorized"},
		{name: "api error", err: &ticketing.TicketError{Reason: ticketing.ReasonAPIError, StatusCode: 422}, status: http.StatusBadGateway, reason: "ApiError"},
		{name: "unknown", err: &ticketing.TicketError{Reason: ticketing.ReasonUnknown}, status: http.StatusInternalServerError, reason: "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			conv := f.start(t)
			f.withLinker(&stubLinker{err: tc.err})

			rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/zendesk-ticket", map[string]any{}, f.agent)
			assert.Equal(t, tc.status, rec.Code)
			if tc.reason != "" {
				body := decode[map[string]string](t, rec)
				assert.Equal(t, tc.reason, body["reason"])
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestCreateTicketValidatesFields(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t)
	linker := &stubLinker{}
	f.withLinker(linker)

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/zendesk-ticket", map[string]any{
		"subject": strings.Repeat("x", 300),
	}, f.agent)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, linker.fields)
}
