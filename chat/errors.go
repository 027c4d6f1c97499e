// Package chat holds the conversation core: resolving conversations,
// sending messages and tracking seen state. It mutates the store first
// and publishes delivery events second; events are advisory and never
// roll back a durable write.
package chat

import (
	"errors"
	"fmt"
	"net/http"

	"minichat/store"
)

type Code int

const (
	// CodeInvalidParticipants: malformed conversation request.
	CodeInvalidParticipants Code = iota + 1
	// CodeNotParticipant: the caller is not in the conversation.
	CodeNotParticipant
	// CodeEmptyMessage: neither body nor attachment.
	CodeEmptyMessage
	// CodeNotFound: unknown conversation or message.
	CodeNotFound
	// CodeStorage: the store failed; the caller may retry with backoff,
	// the core itself never retries a persistence failure.
	CodeStorage
)

// Error is the caller visible error of every core operation.
type Error struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return e.Msg
}

// HTTPStatus maps the code to its transport equivalent.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidParticipants, CodeEmptyMessage:
		return http.StatusBadRequest
	case CodeNotParticipant:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func errInvalidParticipants(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidParticipants, Msg: fmt.Sprintf(format, args...)}
}

func errNotParticipant(uid store.UserID, convID int64) *Error {
	return &Error{Code: CodeNotParticipant, Msg: fmt.Sprintf("user %d is not a participant of conversation %d", uid, convID)}
}

func errEmptyMessage() *Error {
	return &Error{Code: CodeEmptyMessage, Msg: "message needs a body or an attachment"}
}

func errNotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Msg: what + " not found"}
}

// wrapStorage classifies a store error: absence keeps its meaning,
// anything else is an infrastructure failure.
func wrapStorage(err error, what string) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound(what)
	}
	return &Error{Code: CodeStorage, Msg: fmt.Sprintf("storage unavailable: %v", err)}
}

// AsError extracts the coded error, wrapping unknown errors as storage
// failures so callers always get a code.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeStorage, Msg: err.Error()}
}
