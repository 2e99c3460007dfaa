package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("list messages: %w", Wrap(KindProviderUnavailable, "mail provider unreachable", base))

	if got := KindOf(err); got != KindProviderUnavailable {
		t.Errorf("KindOf = %q, want %q", got, KindProviderUnavailable)
	}
	if !Is(err, KindProviderUnavailable) {
		t.Error("Is(ProviderUnavailable) = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is(base) = false, want true")
	}
	if got := Reason(err); got != "mail provider unreachable" {
		t.Errorf("Reason = %q", got)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	err := errors.New("boom")
	if got := KindOf(err); got != KindScanError {
		t.Errorf("KindOf = %q, want %q", got, KindScanError)
	}
	if got := Reason(err); got != "unexpected failure" {
		t.Errorf("Reason = %q", got)
	}
}
