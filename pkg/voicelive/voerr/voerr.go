// Package voerr defines the canonical error taxonomy for the voice-ordering
// session orchestrator. Every component boundary converts its failures into a
// *voerr.Error so callers can branch on Kind instead of string matching.
package voerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	// KindConfig covers credential or menu fetch failures during session
	// start. Fatal: the session never reaches connected.
	KindConfig Kind = "config_error"

	// KindMenuUnavailable marks a menu fetch that succeeded but returned zero
	// usable items. Treated identically to KindConfig; a session must never
	// start with a silently empty menu.
	KindMenuUnavailable Kind = "menu_unavailable"

	// KindPayloadTooLarge is a local validation failure on an outbound send.
	// Recoverable: the connection stays up.
	KindPayloadTooLarge Kind = "payload_too_large"

	// KindFunctionCallPending rejects a second function call while one is
	// open. Recoverable: the session continues.
	KindFunctionCallPending Kind = "function_call_already_pending"

	// KindResolution is a business-logic rejection from the order bridge.
	KindResolution Kind = "resolution_error"

	// KindItemNotFound is a resolution failure for an unknown item name.
	KindItemNotFound Kind = "item_not_found"

	// KindConnectionFailed is a terminal connection-level error.
	KindConnectionFailed Kind = "connection_failed"

	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = "internal"
)

// Error is the canonical error shape.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Param   string

	// AliasDistance carries the best-guess edit distance for item_not_found so
	// the caller can decide whether to ask for clarification.
	AliasDistance int
	BestGuess     string

	wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Param)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.wrapped
}

// Fatal reports whether the error terminates the session (or prevents it from
// starting). Fatal errors always trigger resource disposal before surfacing.
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConfig, KindMenuUnavailable, KindConnectionFailed:
		return true
	default:
		return false
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

func Config(message string, err error) *Error {
	return &Error{Kind: KindConfig, Message: message, wrapped: err}
}

func MenuUnavailable(tenantID string) *Error {
	return &Error{Kind: KindMenuUnavailable, Message: "menu context has no usable items", Param: tenantID}
}

func PayloadTooLarge(size, limit int) *Error {
	return &Error{
		Kind:    KindPayloadTooLarge,
		Message: fmt.Sprintf("outbound payload is %d bytes, limit %d", size, limit),
	}
}

func FunctionCallPending(openCallID, rejectedCallID string) *Error {
	return &Error{
		Kind:    KindFunctionCallPending,
		Message: fmt.Sprintf("function call %s is still open, rejecting %s", openCallID, rejectedCallID),
	}
}

func ItemNotFound(requested, bestGuess string, distance int) *Error {
	return &Error{
		Kind:          KindItemNotFound,
		Message:       fmt.Sprintf("no menu item matches %q", requested),
		BestGuess:     bestGuess,
		AliasDistance: distance,
	}
}

func Resolution(message string) *Error {
	return &Error{Kind: KindResolution, Message: message}
}

func ConnectionFailed(message string, err error) *Error {
	return &Error{Kind: KindConnectionFailed, Message: message, wrapped: err}
}

// KindOf extracts the canonical kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) && ve != nil {
		return ve.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ve *Error
	return errors.As(err, &ve) && ve != nil && ve.Kind == kind
}
