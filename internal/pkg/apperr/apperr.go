// Package apperr defines the stable, machine-readable error kinds returned by
// the ledger core and the mapping used by the outer surfaces.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a stable error code exposed to callers.
type Kind string

// Error kinds.
const (
	KindAccountNotFound           Kind = "AccountNotFound"
	KindInsufficientFunds         Kind = "InsufficientFunds"
	KindInvalidUpgradeType        Kind = "InvalidUpgradeType"
	KindSessionAlreadyActive      Kind = "SessionAlreadyActive"
	KindNoActiveSession           Kind = "NoActiveSession"
	KindInvalidVerificationWindow Kind = "InvalidVerificationWindow"
	KindForbidden                 Kind = "Forbidden"
	KindCapacityExceeded          Kind = "CapacityExceeded"
	KindRemoteActionFailed        Kind = "RemoteActionFailed"
	KindDuplicateTaskCompletion   Kind = "DuplicateTaskCompletion"
	KindInvalidAmount             Kind = "InvalidAmount"
	KindItemNotFound              Kind = "ItemNotFound"
	KindTaskNotFound              Kind = "TaskNotFound"
	KindServerNotFound            Kind = "ServerNotFound"
	KindNodeNotFound              Kind = "NodeNotFound"
	KindQuotaExceeded             Kind = "QuotaExceeded"
	KindPaymentNotConfirmed       Kind = "PaymentNotConfirmed"
	KindInvalidRequest            Kind = "InvalidRequest"
	KindInternal                  Kind = "Internal"
)

// Error is an error tagged with a Kind. Two *Error values match under
// errors.Is when their kinds are equal, so wrapped sentinels still compare.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates a new Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrAccountNotFound           = New(KindAccountNotFound, "account not found")
	ErrInsufficientFunds         = New(KindInsufficientFunds, "insufficient funds")
	ErrInvalidUpgradeType        = New(KindInvalidUpgradeType, "invalid upgrade type")
	ErrSessionAlreadyActive      = New(KindSessionAlreadyActive, "an afk session is already active")
	ErrNoActiveSession           = New(KindNoActiveSession, "no active afk session")
	ErrInvalidVerificationWindow = New(KindInvalidVerificationWindow, "elapsed time outside the verification window")
	ErrForbidden                 = New(KindForbidden, "forbidden")
	ErrCapacityExceeded          = New(KindCapacityExceeded, "node capacity exceeded")
	ErrRemoteActionFailed        = New(KindRemoteActionFailed, "remote action failed")
	ErrDuplicateTaskCompletion   = New(KindDuplicateTaskCompletion, "task already completed")
	ErrInvalidAmount             = New(KindInvalidAmount, "invalid amount: must be positive")
	ErrItemNotFound              = New(KindItemNotFound, "item not found")
	ErrTaskNotFound              = New(KindTaskNotFound, "task not found")
	ErrServerNotFound            = New(KindServerNotFound, "server not found")
	ErrNodeNotFound              = New(KindNodeNotFound, "node not found")
	ErrQuotaExceeded             = New(KindQuotaExceeded, "resource quota exceeded")
	ErrPaymentNotConfirmed       = New(KindPaymentNotConfirmed, "payment not confirmed")
	ErrInvalidRequest            = New(KindInvalidRequest, "invalid request")
)

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns a message that is safe to show to non-admin callers.
// Wrapped causes are stripped.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind to an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAccountNotFound, KindItemNotFound, KindTaskNotFound, KindServerNotFound, KindNodeNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds, KindPaymentNotConfirmed:
		return http.StatusPaymentRequired
	case KindInvalidUpgradeType, KindInvalidAmount, KindInvalidRequest, KindInvalidVerificationWindow:
		return http.StatusBadRequest
	case KindSessionAlreadyActive, KindNoActiveSession, KindDuplicateTaskCompletion:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindCapacityExceeded, KindQuotaExceeded:
		return http.StatusUnprocessableEntity
	case KindRemoteActionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
