package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
)

const (
	maxSubjectLength = 256
	maxBodyLength    = 64 * 1024
	maxTicketFields  = 64
)

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateOrganizationID validates an organization ID.
func ValidateOrganizationID(id string) error {
	if len(id) == 0 {
		return errors.New("organization ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("organization ID exceeds maximum length")
	}
	return nil
}

// ValidateState validates a requested conversation state.
func ValidateState(state model.ConversationState) error {
	if !state.IsValid() || state == model.StateUnknown || state == model.StateNew {
		return fmt.Errorf("invalid state %q", state)
	}
	return nil
}

// ValidateTicketFields validates the form values of a ticket request.
func ValidateTicketFields(fields map[string]any) error {
	if len(fields) > maxTicketFields {
		return errors.New("too many ticket fields")
	}
	if subject, ok := fields["subject"].(string); ok {
		if len(subject) > maxSubjectLength {
			return errors.New("subject exceeds maximum length")
		}
		if !utf8.ValidString(subject) {
			return errors.New("subject must be valid UTF-8")
		}
	}
	for _, key := range []string{"body", "comment"} {
		body, ok := fields[key].(string)
		if !ok {
			continue
		}
		if len(body) > maxBodyLength {
			return fmt.Errorf("%s exceeds maximum length", key)
		}
		if !utf8.ValidString(body) {
			return fmt.Errorf("%s must be valid UTF-8", key)
		}
	}
	return nil
}
