package zendesk

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Ticket statuses.
const (
	StatusNew     = "new"
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusHold    = "hold"
	StatusSolved  = "solved"
	StatusClosed  = "closed"
)

// Ticket is a Zendesk ticket. Only the fields the sync engine reads or
// writes are mapped.
type Ticket struct {
	ID             int64         `json:"id,omitempty"`
	URL            string        `json:"url,omitempty"`
	Subject        string        `json:"subject,omitempty"`
	Status         string        `json:"status,omitempty"`
	Type           string        `json:"type,omitempty"`
	Priority       string        `json:"priority,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	RequesterID    int64         `json:"requester_id,omitempty"`
	SubmitterID    int64         `json:"submitter_id,omitempty"`
	OrganizationID *int64        `json:"organization_id,omitempty"`
	CustomFields   []CustomField `json:"custom_fields,omitempty"`
	Comment        *Comment      `json:"comment,omitempty"`
	CreatedAt      *time.Time    `json:"created_at,omitempty"`
	UpdatedAt      *time.Time    `json:"updated_at,omitempty"`
}

// CustomField is a typed custom field entry on a ticket.
type CustomField struct {
	ID    int64 `json:"id"`
	Value any   `json:"value"`
}

// Comment is a ticket comment.
type Comment struct {
	ID          int64            `json:"id,omitempty"`
	Type        string           `json:"type,omitempty"`
	AuthorID    int64            `json:"author_id,omitempty"`
	Body        string           `json:"body,omitempty"`
	HTMLBody    string           `json:"html_body,omitempty"`
	Public      *bool            `json:"public,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Metadata    *CommentMetadata `json:"metadata,omitempty"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
}

// IsPublic reports whether the comment is visible to the requester. Zendesk
// omits the flag on public comments in some payloads.
func (c *Comment) IsPublic() bool {
	return c.Public == nil || *c.Public
}

// CommentMetadata carries how a comment was created.
type CommentMetadata struct {
	System CommentSystem `json:"system"`
	Via    *Via          `json:"via,omitempty"`
}

// CommentSystem is the client metadata Zendesk records for a comment.
type CommentSystem struct {
	Client    string `json:"client,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Via describes the channel a comment arrived through.
type Via struct {
	Channel string `json:"channel"`
}

// Attachment is a file attached to a comment.
type Attachment struct {
	ID          int64  `json:"id"`
	FileName    string `json:"file_name"`
	ContentURL  string `json:"content_url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

// IsImage reports whether the attachment is an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// CommentPage is one page of ticket comments.
type CommentPage struct {
	Comments    []Comment
	HasMore     bool
	AfterCursor string
}

// User is a Zendesk user.
type User struct {
	ID             int64  `json:"id,omitempty"`
	URL            string `json:"url,omitempty"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role,omitempty"`
	Verified       bool   `json:"verified,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	Photo          *Photo `json:"photo,omitempty"`
}

// PhotoURL returns the user's avatar URL, if any.
func (u *User) PhotoURL() string {
	if u.Photo == nil {
		return ""
	}
	return u.Photo.ContentURL
}

// Photo is a user's avatar.
type Photo struct {
	ContentURL string `json:"content_url"`
}

// Webhook is a Zendesk webhook definition.
type Webhook struct {
	ID             string              `json:"id,omitempty"`
	Name           string              `json:"name"`
	Endpoint       string              `json:"endpoint"`
	HTTPMethod     string              `json:"http_method"`
	RequestFormat  string              `json:"request_format"`
	Status         string              `json:"status"`
	Subscriptions  []string            `json:"subscriptions"`
	Authentication *WebhookCredentials `json:"authentication,omitempty"`
}

// WebhookCredentials authenticates webhook deliveries to our endpoint.
type WebhookCredentials struct {
	Type        string `json:"type"`
	AddPosition string `json:"add_position"`
	Data        any    `json:"data,omitempty"`
}

// Trigger is a Zendesk business rule that fires a webhook.
type Trigger struct {
	ID         int64             `json:"id,omitempty"`
	Title      string            `json:"title"`
	Conditions TriggerConditions `json:"conditions"`
	Actions    []TriggerAction   `json:"actions"`
}

// TriggerConditions groups all/any trigger conditions.
type TriggerConditions struct {
	All []TriggerCondition `json:"all"`
	Any []TriggerCondition `json:"any"`
}

// TriggerCondition is a single trigger condition.
type TriggerCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value"`
}

// TriggerAction is a single trigger action.
type TriggerAction struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

var (
	apiTicketPath = regexp.MustCompile(`^/api/v2/tickets/(\d+)(?:\.json)?$`)
	webTicketPath = regexp.MustCompile(`^/agent/tickets/(\d+)/?$`)
)

// TicketLink identifies a ticket across its API and web URLs.
type TicketLink struct {
	Subdomain string
	TicketID  int64
}

// ParseTicketURL accepts either the API URL or the agent web URL of a ticket.
// The scheme may be omitted, as in Zendesk's {{ticket.url}} placeholder.
func ParseTicketURL(raw string) (*TicketLink, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket url %q: %w", raw, err)
	}

	host := strings.ToLower(u.Hostname())
	subdomain, ok := strings.CutSuffix(host, ".zendesk.com")
	if !ok || subdomain == "" || strings.Contains(subdomain, ".") {
		return nil, fmt.Errorf("invalid ticket url %q: not a zendesk host", raw)
	}

	match := apiTicketPath.FindStringSubmatch(u.Path)
	if match == nil {
		match = webTicketPath.FindStringSubmatch(u.Path)
	}
	if match == nil {
		return nil, fmt.Errorf("invalid ticket url %q: unrecognized path", raw)
	}

	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket url %q: %w", raw, err)
	}
	return &TicketLink{Subdomain: subdomain, TicketID: id}, nil
}

// APIURL is the canonical form stored as a conversation link's external id.
func (l *TicketLink) APIURL() string {
	return fmt.Sprintf("https://%s.zendesk.com/api/v2/tickets/%d.json", l.Subdomain, l.TicketID)
}

// WebURL is the agent-facing URL of the ticket.
func (l *TicketLink) WebURL() string {
	return fmt.Sprintf("https://%s.zendesk.com/agent/tickets/%d", l.Subdomain, l.TicketID)
}
