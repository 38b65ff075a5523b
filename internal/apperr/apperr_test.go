package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("bids.Accept: %w", ErrBidExpired)
	if KindOf(err) != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", KindOf(err))
	}
	if !errors.Is(err, ErrBidExpired) {
		t.Fatal("sentinel lost through wrapping")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("plain errors must classify as internal")
	}
}

func TestPublicHidesInternal(t *testing.T) {
	code, msg := Public(Internal("storage", errors.New("connection refused")))
	if code != "internal" || msg != "internal error" {
		t.Fatalf("internal details leaked: %s %s", code, msg)
	}
	code, msg = Public(Validation("client_offer must be at least %.2f", 25.0))
	if code != "validation_error" || msg != "client_offer must be at least 25.00" {
		t.Fatalf("unexpected public form: %s %s", code, msg)
	}
	code, msg = Public(InvalidTransition("completed", "confirmed"))
	if code != "invalid_transition" || msg != "status change not allowed: completed -> confirmed" {
		t.Fatalf("unexpected transition message: %s %s", code, msg)
	}
}
