package ticketing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTicketErrorFormatting(t *testing.T) {
	err := &TicketError{Reason: ReasonAPIError, StatusCode: 422, Message: "Requester is invalid"}
	assert.Equal(t, "ApiError (422): Requester is invalid", err.Error())

	unknown := &TicketError{Reason: ReasonUnknown, Message: "dial tcp: refused"}
	assert.Equal(t, "Unknown: dial tcp: refused", unknown.Error())
}

func TestTicketErrorUnwrapAndReason(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("create ticket: %w", &TicketError{Reason: ReasonUnauthorized, Err: cause})

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, IsReason(wrapped, ReasonUnauthorized))
	assert.False(t, IsReason(wrapped, ReasonAPIError))
	assert.False(t, IsReason(cause, ReasonUnknown))
}

func TestUserMessage(t *testing.T) {
	err := &TicketError{Reason: ReasonUserConfiguration, Message: "No email address is known for Alice."}
	assert.Contains(t, err.UserMessage(), "No email address is known for Alice.")
	assert.NotContains(t, (&TicketError{Reason: ReasonAPIError, Body: "secret"}).UserMessage(), "secret")
}
