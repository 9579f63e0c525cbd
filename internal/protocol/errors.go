package protocol

import (
	"errors"
	"fmt"
)

// Code classifies an error frame.
type Code string

const (
	CodeProtocol          Code = "PROTOCOL_ERROR"
	CodeNotAParticipant   Code = "NOT_A_PARTICIPANT"
	CodeNotJoined         Code = "NOT_JOINED"
	CodeNotRegistered     Code = "NOT_REGISTERED"
	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL"
)

// Error is an error that is reported to the client.
type Error struct {
	Code    Code
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code Code, field, format string, args ...any) *Error {
	return &Error{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err to an *Error.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
