package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1}).
		WithClock(func() time.Time { return now })
	fail := errors.New("down")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return fail }); !errors.Is(err, fail) {
			t.Fatalf("call %d: err = %v, want %v", i, err, fail)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("open breaker err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn ran while breaker open")
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxRequests: 1}).
		WithClock(func() time.Time { return now })

	_ = cb.Execute(func() error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(func() error { return errors.New("y") })
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open", cb.State())
	}
}
