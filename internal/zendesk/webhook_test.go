package zendesk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ticketUrl":"acme.zendesk.com/agent/tickets/42"}`)
	sig := Sign("s3cret", "2024-03-01T12:00:00Z", body)

	assert.True(t, VerifySignature("s3cret", sig, "2024-03-01T12:00:00Z", body))
	assert.False(t, VerifySignature("other", sig, "2024-03-01T12:00:00Z", body))
	assert.False(t, VerifySignature("s3cret", sig, "2024-03-01T12:00:01Z", body))
	assert.False(t, VerifySignature("s3cret", sig, "2024-03-01T12:00:00Z", []byte(`{}`)))
	assert.False(t, VerifySignature("", sig, "2024-03-01T12:00:00Z", body))
	assert.False(t, VerifySignature("s3cret", "", "2024-03-01T12:00:00Z", body))
}

func TestWebhookPayload(t *testing.T) {
	cases := []struct {
		name string
		body string
		want ImportRequest
	}{
		{
			name: "placeholders as strings",
			body: `{"ticketUrl":"acme.zendesk.com/agent/tickets/42","ticketId":"42","status":"Solved","currentUserId":"555"}`,
			want: ImportRequest{OrganizationID: "org1", TicketURL: ticketURL, Status: "solved", ActorID: "555"},
		},
		{
			name: "numeric ids",
			body: `{"ticketUrl":"https://acme.zendesk.com/api/v2/tickets/42.json","ticketId":42,"status":"open","currentUserId":555}`,
			want: ImportRequest{OrganizationID: "org1", TicketURL: ticketURL, Status: "open", ActorID: "555"},
		},
		{
			name: "empty placeholders",
			body: `{"ticketUrl":"acme.zendesk.com/agent/tickets/42","ticketId":"","status":"","currentUserId":""}`,
			want: ImportRequest{OrganizationID: "org1", TicketURL: ticketURL},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var payload WebhookPayload
			require.NoError(t, json.Unmarshal([]byte(tc.body), &payload))
			req, err := payload.ImportRequest("org1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, req)
		})
	}
}

func TestWebhookPayloadRejectsBadTickets(t *testing.T) {
	for _, body := range []string{
		`{"ticketUrl":""}`,
		`{"ticketUrl":"https://example.com/tickets/42"}`,
		`{"ticketUrl":"acme.zendesk.com/agent/tickets/42","ticketId":"43"}`,
	} {
		var payload WebhookPayload
		require.NoError(t, json.Unmarshal([]byte(body), &payload))
		_, err := payload.ImportRequest("org1")
		assert.Error(t, err, body)
	}

	var payload WebhookPayload
	assert.Error(t, json.Unmarshal([]byte(`{"ticketId":{}}`), &payload))
}

func TestInstall(t *testing.T) {
	client := newFakeClient()

	webhook, trigger, err := Install(context.Background(), client, "Abbot sync", "https://app.ab.bot/api/zendesk/webhook/org1")
	require.NoError(t, err)

	assert.Equal(t, "wh1", webhook.ID)
	require.Len(t, client.webhooks, 1)
	assert.Equal(t, "https://app.ab.bot/api/zendesk/webhook/org1", client.webhooks[0].Endpoint)
	assert.Equal(t, "POST", client.webhooks[0].HTTPMethod)

	require.Len(t, trigger.Actions, 1)
	action := trigger.Actions[0]
	assert.Equal(t, "notification_webhook", action.Field)
	values, ok := action.Value.([]string)
	require.True(t, ok)
	assert.Equal(t, "wh1", values[0])

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(values[1]), &body))
	assert.Equal(t, "{{ticket.url}}", body["ticketUrl"])
	assert.Equal(t, "{{current_user.id}}", body["currentUserId"])
}
