package dhtcrawl

import (
	"errors"
	"testing"
)

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := newError(ErrKindAnnounce, ErrNoToken)
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected Error to unwrap to ErrNoToken")
	}
	if err.Kind != ErrKindAnnounce {
		t.Fatalf("expected Kind ErrKindAnnounce, got %v", err.Kind)
	}
}

func TestErrorKindString(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want string
	}{
		{ErrKindStart, "start"},
		{ErrKindBootstrapFailed, "bootstrap_failed"},
		{ErrKindAnnounce, "announce"},
		{ErrorKind(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", int(c.kind), got, c.want)
		}
	}
}

func TestErrBootstrapFailedIsBootstrapPackageSentinel(t *testing.T) {
	// ErrBootstrapFailed is re-exported so callers never need to import
	// bootstrap directly.
	wrapped := newError(ErrKindBootstrapFailed, ErrBootstrapFailed)
	if !errors.Is(wrapped, ErrBootstrapFailed) {
		t.Fatalf("expected wrapped bootstrap failure to match ErrBootstrapFailed")
	}
}
