// Package ticketing holds the error taxonomy shared by ticketing integrations.
package ticketing

import (
	"errors"
	"fmt"
)

// Reason classifies a ticketing failure for the caller.
type Reason string

const (
	// ReasonUserConfiguration means a required identity could not be resolved.
	ReasonUserConfiguration Reason = "UserConfiguration"
	// ReasonUnauthorized means the integration credentials were rejected.
	ReasonUnauthorized Reason = "Unauthorized"
	// ReasonAPIError is any other structured error response.
	ReasonAPIError Reason = "ApiError"
	// ReasonUnknown is a failure that never produced an HTTP response.
	ReasonUnknown Reason = "Unknown"
)

// ErrAlreadyLinked is returned when a conversation already has a ticket.
var ErrAlreadyLinked = errors.New("conversation is already linked to a ticket")

// TicketError is a classified ticketing failure.
type TicketError struct {
	Reason     Reason
	StatusCode int
	Message    string
	// Body is the raw response body, kept for diagnostics.
	Body string
	Err  error
}

func (e *TicketError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Reason, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *TicketError) Unwrap() error {
	return e.Err
}

// UserMessage is safe to show in chat.
func (e *TicketError) UserMessage() string {
	switch e.Reason {
	case ReasonUserConfiguration:
		return "I couldn't find a ticketing user for you. " + e.Message
	case ReasonUnauthorized:
		return "The ticketing integration credentials are invalid. Ask an administrator to reconnect it."
	case ReasonAPIError:
		return "The ticketing system rejected the request."
	default:
		return "Something went wrong creating the ticket."
	}
}

// IsReason reports whether err is a TicketError with the given reason.
func IsReason(err error, reason Reason) bool {
	var te *TicketError
	return errors.As(err, &te) && te.Reason == reason
}
