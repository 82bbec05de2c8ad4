package zendesk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Webhook signature headers.
const (
	SignatureHeader          = "X-Zendesk-Webhook-Signature"
	SignatureTimestampHeader = "X-Zendesk-Webhook-Signature-Timestamp"
)

// Sign computes base64(HMAC-SHA256(secret, timestamp+body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook delivery against the signing secret.
func VerifySignature(secret, signature, timestamp string, body []byte) bool {
	if secret == "" || signature == "" || timestamp == "" {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// FlexibleID decodes an id rendered either as a JSON string or number.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*f = FlexibleID(n.String())
	return nil
}

// WebhookPayload is the body our trigger sends.
type WebhookPayload struct {
	TicketURL     string     `json:"ticketUrl"`
	TicketID      FlexibleID `json:"ticketId"`
	Status        string     `json:"status"`
	CurrentUserID FlexibleID `json:"currentUserId"`
}

// ImportRequest converts the payload into an import job request.
func (p *WebhookPayload) ImportRequest(organizationID string) (ImportRequest, error) {
	ticketURL := strings.TrimSpace(p.TicketURL)
	if ticketURL == "" {
		return ImportRequest{}, errors.New("webhook payload has no ticket url")
	}
	link, err := ParseTicketURL(ticketURL)
	if err != nil {
		return ImportRequest{}, err
	}
	if p.TicketID != "" && string(p.TicketID) != fmt.Sprint(link.TicketID) {
		return ImportRequest{}, fmt.Errorf("ticket id %s does not match url %s", p.TicketID, ticketURL)
	}
	return ImportRequest{
		OrganizationID: organizationID,
		TicketURL:      link.APIURL(),
		Status:         strings.ToLower(strings.TrimSpace(p.Status)),
		ActorID:        string(p.CurrentUserID),
	}, nil
}

const webhookBodyTemplate = `{"ticketUrl":"{{ticket.url}}","ticketId":"{{ticket.id}}","status":"{{ticket.status}}","currentUserId":"{{current_user.id}}"}`

// Install registers the webhook and the trigger that calls it on every
// ticket update. endpoint is our per-organization webhook URL.
func Install(ctx context.Context, client Client, name, endpoint string) (*Webhook, *Trigger, error) {
	webhook, err := client.CreateWebhook(ctx, &Webhook{
		Name:          name,
		Endpoint:      endpoint,
		HTTPMethod:    "POST",
		RequestFormat: "json",
		Status:        "active",
		Subscriptions: []string{"conditional_ticket_events"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webhook: %w", err)
	}

	trigger, err := client.CreateTrigger(ctx, &Trigger{
		Title: name,
		Conditions: TriggerConditions{
			All: []TriggerCondition{{Field: "update_type", Value: "Change"}},
			Any: []TriggerCondition{
				{Field: "comment_is_public", Value: true},
				{Field: "status", Operator: "changed", Value: nil},
			},
		},
		Actions: []TriggerAction{{
			Field: "notification_webhook",
			Value: []string{webhook.ID, webhookBodyTemplate},
		}},
	})
	if err != nil {
		return webhook, nil, fmt.Errorf("failed to create trigger: %w", err)
	}
	return webhook, trigger, nil
}
