// Package apperr is the error taxonomy shared by the matching core and the
// HTTP layer. Callers match sentinels with errors.Is and classify anything
// else with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindConflict
	KindUnavailable
	KindInvalidTransition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "internal"
	}
}

// Error carries a Kind, a stable machine code and a message that is safe to
// show to the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrForbidden = &Error{Kind: KindForbidden, Code: "forbidden", Message: "you are not allowed to perform this action"}

	ErrDuplicateBid       = &Error{Kind: KindConflict, Code: "duplicate_bid", Message: "you already have an open bid on this request"}
	ErrDriverBusy         = &Error{Kind: KindConflict, Code: "driver_busy", Message: "driver already has an active trip"}
	ErrBidCapExceeded     = &Error{Kind: KindConflict, Code: "bid_cap_exceeded", Message: "this request already received the maximum number of bids"}
	ErrBidAlreadyAccepted = &Error{Kind: KindConflict, Code: "bid_already_accepted", Message: "this bid was already accepted"}
	ErrTripNotActive      = &Error{Kind: KindConflict, Code: "trip_not_active", Message: "trip is not in an active phase"}
	ErrAlreadyRated       = &Error{Kind: KindConflict, Code: "already_rated", Message: "trip was already rated"}

	ErrRequestNoLongerValid = &Error{Kind: KindUnavailable, Code: "request_no_longer_valid", Message: "request is no longer accepting bids"}
	ErrBidNoLongerValid     = &Error{Kind: KindUnavailable, Code: "bid_no_longer_valid", Message: "bid is no longer valid"}
	ErrBidExpired           = &Error{Kind: KindUnavailable, Code: "bid_expired", Message: "bid has expired"}
	ErrRequestUnavailable   = &Error{Kind: KindUnavailable, Code: "request_unavailable", Message: "request is no longer available"}

	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Code: "invalid_transition", Message: "status change not allowed"}
)

// Validation builds a KindValidation error with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: "validation_error", Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error naming the missing entity.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: entity + " not found"}
}

// Internal wraps a storage or transport failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Code: "internal", Message: op, Err: err}
}

// InvalidTransition wraps ErrInvalidTransition with the offending pair.
func InvalidTransition(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// KindOf classifies err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Public returns the code and message to show the caller. Internal errors
// are collapsed to a generic message.
func Public(err error) (code, msg string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if errors.Is(err, ErrInvalidTransition) {
			return e.Code, err.Error()
		}
		return e.Code, e.Message
	}
	return "internal", "internal error"
}
