// Package zendesk synchronizes tracked conversations with Zendesk tickets.
package zendesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

// Client is the subset of the Zendesk REST API the sync engine uses.
type Client interface {
	GetTicket(ctx context.Context, id int64) (*Ticket, error)
	CreateTicket(ctx context.Context, ticket *Ticket) (*Ticket, error)
	UpdateTicket(ctx context.Context, id int64, ticket *Ticket) (*Ticket, error)
	ListTicketComments(ctx context.Context, ticketID int64, pageSize int, afterCursor string) (*CommentPage, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	CreateOrUpdateUser(ctx context.Context, user *User) (*User, error)
	CreateWebhook(ctx context.Context, webhook *Webhook) (*Webhook, error)
	CreateTrigger(ctx context.Context, trigger *Trigger) (*Trigger, error)
	GetWebhookSigningSecret(ctx context.Context, webhookID string) (string, error)
}

// ClientFactory builds API clients from an integration's settings.
type ClientFactory interface {
	NewClient(settings *model.ZendeskSettings) (Client, error)
}

// APIError is a non-2xx Zendesk response.
type APIError struct {
	StatusCode int
	Body       string
	Details    *ErrorBody
}

// ErrorBody is the structured error Zendesk returns. Error is either a code
// string or an object with a title and message.
type ErrorBody struct {
	Error       json.RawMessage          `json:"error"`
	Description string                   `json:"description"`
	Details     map[string][]ErrorDetail `json:"details"`
}

// ErrorDetail explains a single validation failure.
type ErrorDetail struct {
	Description string `json:"description"`
	Error       string `json:"error"`
}

func (e *APIError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("zendesk api error (%d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("zendesk api error (%d)", e.StatusCode)
}

// Message summarizes the structured body for humans.
func (e *APIError) Message() string {
	if e.Details == nil {
		return strings.TrimSpace(e.Body)
	}

	var parts []string
	if code := e.Details.code(); code != "" {
		parts = append(parts, code)
	}
	if e.Details.Description != "" {
		parts = append(parts, e.Details.Description)
	}

	fields := make([]string, 0, len(e.Details.Details))
	for field := range e.Details.Details {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, d := range e.Details.Details[field] {
			parts = append(parts, field+": "+d.Description)
		}
	}
	return strings.Join(parts, "; ")
}

func (b *ErrorBody) code() string {
	if len(b.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b.Error, &obj); err == nil {
		return strings.TrimSpace(obj.Title + " " + obj.Message)
	}
	return ""
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// RestClient is the resty-backed Client.
type RestClient struct {
	httpClient *resty.Client
}

// NewRestClient creates a client for baseURL, authenticating with an API token.
func NewRestClient(baseURL, apiUser, apiToken, userAgent string) *RestClient {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetTimeout(30 * time.Second)
	if apiToken != "" {
		httpClient.SetBasicAuth(apiUser+"/token", apiToken)
	}
	return &RestClient{httpClient: httpClient}
}

func (c *RestClient) do(ctx context.Context, method, path string, body, result any) error {
	req := c.httpClient.R().
		SetContext(ctx).
		SetResult(result)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("zendesk %s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
		var details ErrorBody
		if json.Unmarshal(resp.Body(), &details) == nil {
			apiErr.Details = &details
		}
		return apiErr
	}
	return nil
}

type ticketEnvelope struct {
	Ticket *Ticket `json:"ticket"`
}

type userEnvelope struct {
	User *User `json:"user"`
}

// GetTicket fetches a ticket by id.
func (c *RestClient) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var out ticketEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v2/tickets/"+strconv.FormatInt(id, 10)+".json", nil, &out); err != nil {
		return nil, err
	}
	return out.Ticket, nil
}

// CreateTicket creates a ticket. The first comment travels in ticket.Comment.
func (c *RestClient) CreateTicket(ctx context.Context, ticket *Ticket) (*Ticket, error) {
	var out ticketEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v2/tickets.json", ticketEnvelope{Ticket: ticket}, &out); err != nil {
		return nil, err
	}
	return out.Ticket, nil
}

// UpdateTicket applies the non-empty fields of ticket. Setting Comment adds
// a comment.
func (c *RestClient) UpdateTicket(ctx context.Context, id int64, ticket *Ticket) (*Ticket, error) {
	var out ticketEnvelope
	if err := c.do(ctx, http.MethodPut, "/api/v2/tickets/"+strconv.FormatInt(id, 10)+".json", ticketEnvelope{Ticket: ticket}, &out); err != nil {
		return nil, err
	}
	return out.Ticket, nil
}

// ListTicketComments fetches one page of comments in creation order using
// cursor pagination.
func (c *RestClient) ListTicketComments(ctx context.Context, ticketID int64, pageSize int, afterCursor string) (*CommentPage, error) {
	var out struct {
		Comments []Comment `json:"comments"`
		Meta     struct {
			HasMore     bool   `json:"has_more"`
			AfterCursor string `json:"after_cursor"`
		} `json:"meta"`
	}

	path := "/api/v2/tickets/" + strconv.FormatInt(ticketID, 10) + "/comments.json?page[size]=" + strconv.Itoa(pageSize)
	if afterCursor != "" {
		path += "&page[after]=" + url.QueryEscape(afterCursor)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &CommentPage{
		Comments:    out.Comments,
		HasMore:     out.Meta.HasMore,
		AfterCursor: out.Meta.AfterCursor,
	}, nil
}

// GetUser fetches a user by id.
func (c *RestClient) GetUser(ctx context.Context, id int64) (*User, error) {
	var out userEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v2/users/"+strconv.FormatInt(id, 10)+".json", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// SearchUsers runs a user search. Zendesk matches loosely; callers filter.
func (c *RestClient) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/users/search.json?query="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// CreateOrUpdateUser upserts a user matched by email or external id.
func (c *RestClient) CreateOrUpdateUser(ctx context.Context, user *User) (*User, error) {
	var out userEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v2/users/create_or_update.json", userEnvelope{User: user}, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// CreateWebhook registers a webhook.
func (c *RestClient) CreateWebhook(ctx context.Context, webhook *Webhook) (*Webhook, error) {
	var out struct {
		Webhook *Webhook `json:"webhook"`
	}
	body := struct {
		Webhook *Webhook `json:"webhook"`
	}{webhook}
	if err := c.do(ctx, http.MethodPost, "/api/v2/webhooks", body, &out); err != nil {
		return nil, err
	}
	return out.Webhook, nil
}

// CreateTrigger registers a trigger.
func (c *RestClient) CreateTrigger(ctx context.Context, trigger *Trigger) (*Trigger, error) {
	var out struct {
		Trigger *Trigger `json:"trigger"`
	}
	body := struct {
		Trigger *Trigger `json:"trigger"`
	}{trigger}
	if err := c.do(ctx, http.MethodPost, "/api/v2/triggers.json", body, &out); err != nil {
		return nil, err
	}
	return out.Trigger, nil
}

// GetWebhookSigningSecret returns the secret Zendesk signs deliveries with.
func (c *RestClient) GetWebhookSigningSecret(ctx context.Context, webhookID string) (string, error) {
	var out struct {
		SigningSecret struct {
			Algorithm string `json:"algorithm"`
			Secret    string `json:"secret"`
		} `json:"signing_secret"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/webhooks/"+url.PathEscape(webhookID)+"/signing_secret", nil, &out); err != nil {
		return "", err
	}
	return out.SigningSecret.Secret, nil
}

var _ Client = (*RestClient)(nil)

// RestClientFactory builds RestClients against {subdomain}.zendesk.com.
type RestClientFactory struct {
	UserAgent string
	// BaseURL overrides the subdomain host, for tests.
	BaseURL string
}

// NewClient implements ClientFactory.
func (f *RestClientFactory) NewClient(settings *model.ZendeskSettings) (Client, error) {
	if settings == nil || !settings.HasAPICredentials() {
		return nil, errors.New("zendesk integration has no API credentials")
	}
	baseURL := f.BaseURL
	if baseURL == "" {
		baseURL = "https://" + settings.Subdomain + ".zendesk.com"
	}
	return NewRestClient(baseURL, settings.APIUser, settings.APIToken, f.UserAgent), nil
}
