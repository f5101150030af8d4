package ailicia

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel kinds; match with errors.Is.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrContentTooLong = errors.New("content too long")
	ErrRateLimited    = errors.New("rate limited")
	ErrRequestFailed  = errors.New("request failed")
)

type Op string

const (
	OpSendEvent          Op = "send_event"
	OpTriggerGeneration  Op = "trigger_generation"
	OpListCharacters     Op = "list_characters"
	OpSetActiveCharacter Op = "set_active_character"
	OpStreamJoin         Op = "stream_join"
	OpStreamLeave        Op = "stream_leave"
)

// APIError is a failed response from the remote API.
type APIError struct {
	Op      Op
	Status  int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	switch e.Op {
	case OpSendEvent, OpTriggerGeneration:
		return e.eventError()
	}
	return opContext(e.Op) + ": " + e.Message
}

func (e *APIError) eventError() string {
	switch e.Kind {
	case ErrInvalidInput:
		return "Invalid input: " + e.Message
	case ErrUnauthorized:
		return "Unauthorized: Not allowed to send events for this channel. " + e.Message
	case ErrContentTooLong:
		return fmt.Sprintf("Content exceeds the %d-character limit: %s", limitFor(e.Op), e.Message)
	case ErrRateLimited:
		return "Too many requests: " + e.Message
	}
	return opContext(e.Op) + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.Kind }

func opContext(op Op) string {
	switch op {
	case OpSendEvent:
		return "Failed to send event"
	case OpTriggerGeneration:
		return "Failed to trigger generation"
	case OpListCharacters:
		return "Failed to list characters"
	case OpSetActiveCharacter:
		return "Failed to set active character"
	case OpStreamJoin:
		return "Failed to request ai_licia to join chat"
	case OpStreamLeave:
		return "Failed to request ai_licia to leave chat"
	}
	return "Request failed"
}

func limitFor(op Op) int {
	if op == OpTriggerGeneration {
		return GenerationContentLimit
	}
	return EventContentLimit
}

// kindForStatus maps a response status to a sentinel. Only the event
// endpoints distinguish status codes; the rest report ErrRequestFailed.
func kindForStatus(op Op, status int) error {
	if op != OpSendEvent && op != OpTriggerGeneration {
		return ErrRequestFailed
	}
	switch status {
	case 400:
		return ErrInvalidInput
	case 401:
		return ErrUnauthorized
	case 422:
		return ErrContentTooLong
	case 429:
		if op == OpTriggerGeneration {
			return ErrRateLimited
		}
	}
	return ErrRequestFailed
}
