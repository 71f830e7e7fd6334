// Package services holds the consultation core: presence side effects,
// request negotiation, the session lifecycle with its billing clock, the
// message relay, and the wallet and directory reads used by REST.
//
// This file centralizes the error taxonomy. Every refusal the core produces
// is an *Error carrying a stable Code; the websocket router turns it into an
// "error" event and the REST handlers into an ErrorResponse. Sentinels are
// compared with errors.Is, which matches on Code so a sentinel still matches
// after its message has been specialized.
package services

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

// Error codes reported to clients.
const (
	CodeNotFound          Code = "not_found"
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidState      Code = "invalid_state"
	CodeAlreadyResolved   Code = "already_resolved"
	CodeUnavailable       Code = "unavailable"
	CodeDuplicateRequest  Code = "duplicate_request"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeInvalidSession    Code = "invalid_session"
	CodeInvalidMessage    Code = "invalid_message"
	CodeInvalidAction     Code = "invalid_action"
	CodeInvalidAmount     Code = "invalid_amount"
	CodeInternal          Code = "internal_error"
)

// Error is a refusal with a stable code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e with a specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

var (
	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = &Error{Code: CodeNotFound, Msg: "not found"}

	// ErrUnauthorized indicates the actor is not allowed to act on the entity.
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Msg: "not allowed"}

	// ErrInvalidState indicates the action does not fit the current lifecycle
	// state, e.g. ending a session twice.
	ErrInvalidState = &Error{Code: CodeInvalidState, Msg: "invalid state"}

	// ErrAlreadyResolved is returned when responding to a request that is no
	// longer pending.
	ErrAlreadyResolved = &Error{Code: CodeAlreadyResolved, Msg: "chat request already resolved"}

	// ErrUnavailable indicates the astrologer is busy, offline or blocked.
	ErrUnavailable = &Error{Code: CodeUnavailable, Msg: "astrologer is not available"}

	// ErrDuplicateRequest indicates a pending request already exists for the
	// user and astrologer.
	ErrDuplicateRequest = &Error{Code: CodeDuplicateRequest, Msg: "a pending request already exists"}

	// ErrInsufficientFunds indicates the wallet cannot cover one billing
	// interval.
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Msg: "insufficient balance"}

	// ErrInvalidSession indicates a message or action against a session that
	// is missing or no longer active.
	ErrInvalidSession = &Error{Code: CodeInvalidSession, Msg: "chat session is not active"}

	// ErrInvalidMessage indicates an empty or oversized message body.
	ErrInvalidMessage = &Error{Code: CodeInvalidMessage, Msg: "invalid message"}

	// ErrInvalidAction indicates an unknown action, role or consultation type.
	ErrInvalidAction = &Error{Code: CodeInvalidAction, Msg: "invalid action"}

	// ErrInvalidAmount indicates a non-positive wallet amount.
	ErrInvalidAmount = &Error{Code: CodeInvalidAmount, Msg: "amount must be positive"}
)

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
