package model

import (
	"encoding/json"
	"fmt"
)

// IdentityType names the external system of a LinkedIdentity.
type IdentityType string

const (
	IdentityZendesk IdentityType = "Zendesk"
)

// LinkedIdentity maps a chat member to a user in an external system.
type LinkedIdentity struct {
	ID               string       `json:"id" db:"id"`
	OrganizationID   string       `json:"organization_id" db:"organization_id"`
	MemberID         string       `json:"member_id" db:"member_id"`
	Type             IdentityType `json:"type" db:"type"`
	ExternalID       string       `json:"external_id" db:"external_id"`
	ExternalName     string       `json:"external_name" db:"external_name"`
	ExternalMetadata string       `json:"-" db:"external_metadata"`
}

// ZendeskUserMetadata is the typed metadata stored on Zendesk identities.
type ZendeskUserMetadata struct {
	Subdomain string `json:"subdomain"`
	Role      string `json:"role"`
	IsFacade  bool   `json:"is_facade"`
}

// IsComplete reports whether the metadata has everything needed to skip a refetch.
func (m *ZendeskUserMetadata) IsComplete() bool {
	return m != nil && m.Subdomain != "" && m.Role != ""
}

// ZendeskMetadata decodes the identity's metadata. Missing metadata yields nil.
func (i *LinkedIdentity) ZendeskMetadata() (*ZendeskUserMetadata, error) {
	if i.ExternalMetadata == "" {
		return nil, nil
	}
	var md ZendeskUserMetadata
	if err := json.Unmarshal([]byte(i.ExternalMetadata), &md); err != nil {
		return nil, fmt.Errorf("failed to decode identity metadata: %w", err)
	}
	return &md, nil
}

// SetZendeskMetadata encodes md onto the identity.
func (i *LinkedIdentity) SetZendeskMetadata(md *ZendeskUserMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode identity metadata: %w", err)
	}
	i.ExternalMetadata = string(data)
	return nil
}
