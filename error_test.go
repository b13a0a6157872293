package shipz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestError(t *testing.T) {
	t.Run("Error Message Formatting", func(t *testing.T) {
		err := &Error{
			Kind:  KindInvalidDestination,
			Op:    []string{"quote", "validate"},
			Field: "postal_code",
			Err:   errors.New("postal code must be five digits"),
		}

		msg := err.Error()
		if !strings.HasPrefix(msg, "invalid_destination") {
			t.Errorf("expected kind first, got: %s", msg)
		}
		if !strings.Contains(msg, "quote -> validate") {
			t.Errorf("expected op path in error, got: %s", msg)
		}
		if !strings.Contains(msg, `field "postal_code"`) {
			t.Errorf("expected field in error, got: %s", msg)
		}
		if !strings.Contains(msg, "five digits") {
			t.Errorf("expected base error in message, got: %s", msg)
		}
	})

	t.Run("Timeout Formatting", func(t *testing.T) {
		err := contextError(KindCarrierFetch, "fetch", context.DeadlineExceeded, 2*time.Second)
		if !err.IsTimeout() || err.IsCanceled() {
			t.Fatalf("expected timeout only, got timeout=%v canceled=%v", err.IsTimeout(), err.IsCanceled())
		}
		if !strings.Contains(err.Error(), "timed out after 2s") {
			t.Errorf("expected timeout text, got: %s", err.Error())
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		err := contextError(KindCarrierFetch, "fetch", context.Canceled, time.Second)
		if !err.IsCanceled() {
			t.Error("expected canceled")
		}
		if !errors.Is(err, context.Canceled) {
			t.Error("expected errors.Is to reach context.Canceled")
		}
	})

	t.Run("newError Prepends Op To Existing Error", func(t *testing.T) {
		inner := &Error{Kind: KindCarrierAuth, Op: []string{"carrier"}, Err: errors.New("401")}
		wrapped := newError(KindCarrierFetch, "fetch", fmt.Errorf("attempt: %w", inner))

		if wrapped.Kind != KindCarrierAuth {
			t.Errorf("expected inner kind to survive, got %s", wrapped.Kind)
		}
		if got := strings.Join(wrapped.Op, ","); got != "fetch,carrier" {
			t.Errorf("expected op path fetch,carrier, got %s", got)
		}
	})

	t.Run("newError Leaves The Original Untouched", func(t *testing.T) {
		inner := &Error{Kind: KindCarrierAuth, Op: []string{"carrier"}, Err: errors.New("401")}
		for i := 0; i < 3; i++ {
			wrapped := newError(KindCarrierFetch, "fetch", inner)
			if wrapped == inner {
				t.Fatal("expected a copy")
			}
			if got := strings.Join(wrapped.Op, ","); got != "fetch,carrier" {
				t.Errorf("call %d: expected op path fetch,carrier, got %s", i, got)
			}
		}
		if got := strings.Join(inner.Op, ","); got != "carrier" {
			t.Errorf("original op path changed to %s", got)
		}
	})

	t.Run("newError Wraps Foreign Error", func(t *testing.T) {
		base := errors.New("connection reset")
		wrapped := newError(KindCarrierFetch, "fetch", base)
		if wrapped.Kind != KindCarrierFetch {
			t.Errorf("expected carrier_fetch_error, got %s", wrapped.Kind)
		}
		if !errors.Is(wrapped, base) {
			t.Error("expected wrapped error to unwrap to base")
		}
		if wrapped.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "foreign", err: errors.New("boom"), want: KindInternal},
		{name: "direct", err: &Error{Kind: KindNotFound}, want: KindNotFound},
		{name: "wrapped", err: fmt.Errorf("ctx: %w", &Error{Kind: KindUpdateFailed}), want: KindUpdateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if IsKind(nil, "") {
		t.Error("IsKind(nil) must be false")
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindCarrierAuth, KindCarrierFetch, KindUpdateFailed, KindInconsistentMetadata}
	for _, k := range retryable {
		if !Retryable(&Error{Kind: k}) {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	final := []Kind{KindConfig, KindInvalidDestination, KindLabelAlreadyCreated, KindOrderClosed, KindNotFound}
	for _, k := range final {
		if Retryable(&Error{Kind: k}) {
			t.Errorf("expected %s not to be retryable", k)
		}
	}
}

func TestPublicMessage(t *testing.T) {
	secret := "sk_live_abc123"
	err := &Error{Kind: KindConfig, Err: errors.New("token " + secret + " rejected")}
	msg := PublicMessage(KindOf(err))
	if strings.Contains(msg, secret) {
		t.Fatalf("public message leaked detail: %s", msg)
	}
	if msg != "shipping is temporarily unavailable" {
		t.Errorf("unexpected config message: %s", msg)
	}
	if PublicMessage(KindInternal) != "something went wrong" {
		t.Errorf("unexpected internal message: %s", PublicMessage(KindInternal))
	}
}
