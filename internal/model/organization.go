package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlatformType is the chat platform an organization lives on.
type PlatformType string

const (
	PlatformSlack PlatformType = "Slack"
)

// Organization is a tenant: one chat workspace.
type Organization struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Slug         string        `json:"slug" db:"slug"`
	PlatformID   string        `json:"platform_id" db:"platform_id"`
	PlatformType PlatformType  `json:"platform_type" db:"platform_type"`
	BotMemberID  string        `json:"bot_member_id" db:"bot_member_id"`
	BotName      string        `json:"bot_name" db:"bot_name"`
	OverdueAfter time.Duration `json:"overdue_after" db:"overdue_after"`
}

// Member is a chat user known to an organization. Members from other
// workspaces (shared channels) are recorded under the tracking organization.
type Member struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	PlatformUserID string `json:"platform_user_id" db:"platform_user_id"`
	PlatformTeamID string `json:"platform_team_id" db:"platform_team_id"`
	DisplayName    string `json:"display_name" db:"display_name"`
	Email          string `json:"email,omitempty" db:"email"`
	AvatarURL      string `json:"avatar_url,omitempty" db:"avatar_url"`
	IsGuest        bool   `json:"is_guest" db:"is_guest"`
	IsBot          bool   `json:"is_bot" db:"is_bot"`
}

// IsHome reports whether the member belongs to the organization's own workspace.
func (m *Member) IsHome(org *Organization) bool {
	return m.PlatformTeamID == "" || m.PlatformTeamID == org.PlatformID
}

// Room is a chat channel.
type Room struct {
	ID                   string `json:"id" db:"id"`
	OrganizationID       string `json:"organization_id" db:"organization_id"`
	PlatformRoomID       string `json:"platform_room_id" db:"platform_room_id"`
	Name                 string `json:"name" db:"name"`
	IsCommunity          bool   `json:"is_community" db:"is_community"`
	ConversationTracking bool   `json:"conversation_tracking" db:"conversation_tracking"`
}

// IntegrationType names a ticketing integration.
type IntegrationType string

const (
	IntegrationZendesk IntegrationType = "Zendesk"
)

// Integration is an organization's configured connection to a ticketing system.
type Integration struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	Type           IntegrationType `json:"type" db:"type"`
	Enabled        bool            `json:"enabled" db:"enabled"`
	Settings       string          `json:"-" db:"settings"`
}

// ZendeskSettings is the typed form of a Zendesk integration's settings.
type ZendeskSettings struct {
	Subdomain              string `json:"subdomain"`
	APIUser                string `json:"api_user"`
	APIToken               string `json:"api_token"`
	WebhookSigningSecret   string `json:"webhook_signing_secret"`
	ExternalOrganizationID *int64 `json:"external_organization_id,omitempty"`
}

// HasAPICredentials reports whether the settings can be used to call the API.
func (s *ZendeskSettings) HasAPICredentials() bool {
	return s.Subdomain != "" && s.APIToken != ""
}

// ZendeskSettings decodes the integration's settings.
func (i *Integration) ZendeskSettings() (*ZendeskSettings, error) {
	var settings ZendeskSettings
	if i.Settings == "" {
		return &settings, nil
	}
	if err := json.Unmarshal([]byte(i.Settings), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode %s settings: %w", i.Type, err)
	}
	return &settings, nil
}

// SetZendeskSettings encodes settings onto the integration.
func (i *Integration) SetZendeskSettings(settings *ZendeskSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode %s settings: %w", i.Type, err)
	}
	i.Settings = string(data)
	return nil
}
