// Package brokererr defines the closed set of error codes the broker ever
// surfaces to a client, wired onto the outbound {"status_code", "message"}
// envelope.
package brokererr

import "fmt"

// Code is the fixed set of status codes the broker ever emits.
type Code int

const (
	// BadRequest covers malformed JSON or a missing required field.
	BadRequest Code = 400
	// InvalidSubscribeMessage covers a db_subscribe whose descriptor is not valid.
	InvalidSubscribeMessage Code = 1001
	// EventNotFound covers an unsubscribe of an event_id the session never registered.
	EventNotFound Code = 1002
	// InvalidAction covers an unrecognized message "type".
	InvalidAction Code = 1003
)

// Error is a broker-level error carrying the wire status code alongside the
// human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status_code=%d)", e.Message, e.Code)
}

// New constructs an *Error for the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// BadRequestf builds a BadRequest error with a formatted message.
func BadRequestf(format string, args ...any) *Error {
	return New(BadRequest, fmt.Sprintf(format, args...))
}
