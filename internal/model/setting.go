package model

import (
	"time"
)

// Well-known setting names.
const (
	SettingCommentMarker       = "CommentMarker"
	SettingZendeskTicketStatus = "ZendeskTicketStatus"
	SettingThreadExport        = "ThreadExport"
)

// Setting is a scoped key-value record.
type Setting struct {
	Scope       string    `json:"scope" db:"scope"`
	Name        string    `json:"name" db:"name"`
	Value       string    `json:"value" db:"value"`
	UpdatedByID string    `json:"updated_by_id" db:"updated_by_id"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ConversationScope returns the setting scope for a conversation.
func ConversationScope(conversationID string) string {
	return "Conversation:" + conversationID
}

// OrganizationScope returns the setting scope for an organization.
func OrganizationScope(organizationID string) string {
	return "Organization:" + organizationID
}
