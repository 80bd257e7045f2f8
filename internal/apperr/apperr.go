// Package apperr defines the engine's error taxonomy. Every user-visible
// failure carries a kind, a message, and enough detail to render
// amount/threshold comparisons without leaking internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindInsufficientMargin Kind = "insufficient_margin"
	KindDuplicateOrder     Kind = "duplicate_order"
	KindConflict           Kind = "order_conflict"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal_error"
)

type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InsufficientMargin(message string, details map[string]any) *Error {
	return &Error{Kind: KindInsufficientMargin, Message: message, Details: details}
}

func DuplicateOrder(clientRef string) *Error {
	return &Error{
		Kind:    KindDuplicateOrder,
		Message: "order with this client_ref was already processed",
		Details: map[string]any{"client_ref": clientRef},
	}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// As unwraps err to an *Error if one is in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientMargin, KindDuplicateOrder, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
