package shipz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an engine failure. Callers branch on Kind rather than on
// error strings; the values double as the public `code`/`reason` enum.
type Kind string

// Error kinds.
const (
	KindConfig               Kind = "config_error"
	KindInvalidDestination   Kind = "invalid_destination"
	KindCarrierAuth          Kind = "carrier_auth_error"
	KindCarrierFetch         Kind = "carrier_fetch_error"
	KindInvalidRate          Kind = "invalid_rate"
	KindNotFound             Kind = "not_found"
	KindLabelAlreadyCreated  Kind = "label_already_created"
	KindOrderClosed          Kind = "order_closed"
	KindInconsistentMetadata Kind = "inconsistent_metadata"
	KindUpdateFailed         Kind = "update_failed"
	KindInternal             Kind = "internal"
)

// Sentinel errors shared with store and carrier implementations.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrConflict          = errors.New("order was modified concurrently")
	ErrInvalidTransition = errors.New("shipping status transition not allowed")
)

// Error provides rich context about a failed engine operation.
// It wraps the underlying error with the operation path, when the failure
// happened, how long the operation ran, and whether it ended because of a
// timeout or cancellation.
type Error struct {
	Timestamp time.Time
	Err       error
	Kind      Kind
	Op        []string
	Field     string
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Op) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Op, " -> "))
		b.WriteString("]")
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	switch {
	case e.Timeout:
		fmt.Fprintf(&b, " timed out after %v", e.Duration)
	case e.Canceled:
		fmt.Fprintf(&b, " canceled after %v", e.Duration)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the error was caused by a deadline.
func (e *Error) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the error was caused by cancellation.
func (e *Error) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// newError builds an *Error, wrapping err unless it already is one of ours
// in which case a copy with the operation name prepended to its path is
// returned. err itself is never modified.
func newError(kind Kind, op string, err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		cp := *ee
		cp.Op = append([]string{op}, ee.Op...)
		return &cp
	}
	return &Error{
		Kind:      kind,
		Op:        []string{op},
		Err:       err,
		Timestamp: time.Now(),
	}
}

// contextError converts a context failure into an *Error of the given kind.
func contextError(kind Kind, op string, err error, elapsed time.Duration) *Error {
	return &Error{
		Kind:      kind,
		Op:        []string{op},
		Err:       err,
		Timestamp: time.Now(),
		Duration:  elapsed,
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// KindOf returns the Kind of err, KindInternal for foreign errors and ""
// for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may safely try the same request again.
// Carrier failures and failed writes leave no partial state behind.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCarrierAuth, KindCarrierFetch, KindUpdateFailed, KindInconsistentMetadata:
		return true
	}
	return false
}

// PublicMessage returns the user-facing message for a kind. It never
// includes error details; those belong in logs only.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindConfig:
		return "shipping is temporarily unavailable"
	case KindInvalidDestination:
		return "the destination address is not valid"
	case KindCarrierAuth, KindCarrierFetch:
		return "we could not reach the shipping carrier, please try again"
	case KindInvalidRate:
		return "the selected shipping rate has no carrier price, please quote again"
	case KindNotFound:
		return "order not found"
	case KindLabelAlreadyCreated:
		return "a shipping label already exists for this order"
	case KindOrderClosed:
		return "the order can no longer change its shipping rate"
	case KindInconsistentMetadata:
		return "shipping data could not be saved consistently, please retry"
	case KindUpdateFailed:
		return "the order could not be updated, please retry"
	default:
		return "something went wrong"
	}
}
