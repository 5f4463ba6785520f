package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold:         3,
		OpenDuration:             time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// staticCache returns a ConfigCache that always yields cfg.
func staticCache(cfg Config) *ConfigCache {
	return NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		return cfg, nil
	}, cfg, nil)
}

func newTestBreaker(cfg Config) *Breaker {
	return New(nil, func(id int64) string { return "test" }, staticCache(cfg), nil, nil)
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(testConfig())
	if b.IsOpen(context.Background(), 1) {
		t.Error("new breaker should not be open")
	}
	if b.CurrentState(1) != StateClosed {
		t.Errorf("expected closed, got %s", b.CurrentState(1))
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	b.RecordFailure(ctx, 1, errors.New("boom"))
	b.RecordFailure(ctx, 1, errors.New("boom"))
	if b.IsOpen(ctx, 1) {
		t.Fatal("should stay closed below threshold")
	}

	b.RecordFailure(ctx, 1, errors.New("boom"))
	if !b.IsOpen(ctx, 1) {
		t.Error("should be open after reaching threshold")
	}
	if b.CurrentState(1) != StateOpen {
		t.Errorf("expected open, got %s", b.CurrentState(1))
	}
}

func TestBreaker_OpenNotExtendedByFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}

	e := b.get(1)
	firstUntil := *e.CircuitOpenUntil

	// A later failure while open must not push openUntil forward.
	b.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	b.RecordFailure(ctx, 1, nil)

	if !e.CircuitOpenUntil.Equal(firstUntil) {
		t.Errorf("open deadline moved: %v → %v", firstUntil, *e.CircuitOpenUntil)
	}
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	if !b.IsOpen(ctx, 1) {
		t.Fatal("expected open")
	}

	// Advance past openDuration: the read performs the transition.
	b.now = func() time.Time { return base.Add(time.Second + time.Millisecond) }
	if b.IsOpen(ctx, 1) {
		t.Error("expected half-open to admit requests")
	}
	if b.CurrentState(1) != StateHalfOpen {
		t.Errorf("expected half-open, got %s", b.CurrentState(1))
	}
}

func TestBreaker_HalfOpenSuccessThresholdCloses(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	b.now = func() time.Time { return base.Add(2 * time.Second) }
	b.IsOpen(ctx, 1) // open → half-open

	b.RecordSuccess(ctx, 1)
	if b.CurrentState(1) != StateHalfOpen {
		t.Fatalf("one success should not close (threshold 2), got %s", b.CurrentState(1))
	}

	b.RecordSuccess(ctx, 1)
	if b.CurrentState(1) != StateClosed {
		t.Errorf("expected closed after threshold successes, got %s", b.CurrentState(1))
	}
	if got := b.get(1).FailureCount; got != 0 {
		t.Errorf("failureCount should be 0 after closing, got %d", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	b.now = func() time.Time { return base.Add(2 * time.Second) }
	b.IsOpen(ctx, 1) // → half-open

	b.RecordFailure(ctx, 1, errors.New("probe failed"))
	if b.CurrentState(1) != StateOpen {
		t.Errorf("failure in half-open should reopen, got %s", b.CurrentState(1))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	b.RecordFailure(ctx, 1, nil)
	b.RecordFailure(ctx, 1, nil)
	b.RecordSuccess(ctx, 1)

	if got := b.get(1).FailureCount; got != 0 {
		t.Fatalf("success should reset failure count, got %d", got)
	}

	// Needs the full threshold again.
	b.RecordFailure(ctx, 1, nil)
	b.RecordFailure(ctx, 1, nil)
	if b.IsOpen(ctx, 1) {
		t.Error("should need full threshold after reset")
	}
}

func TestBreaker_DisabledForcesClosed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	b := newTestBreaker(cfg)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	if !b.IsOpen(ctx, 1) {
		t.Fatal("expected open")
	}

	// Admin sets threshold <= 0: breaker disabled, next op forces closed.
	disabled := cfg
	disabled.FailureThreshold = 0
	b.cfg = staticCache(disabled)

	if b.IsOpen(ctx, 1) {
		t.Error("disabled breaker must never report open")
	}
	if b.CurrentState(1) != StateClosed {
		t.Errorf("disabled breaker must force closed, got %s", b.CurrentState(1))
	}
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	b.Reset(ctx, 1)

	if b.IsOpen(ctx, 1) {
		t.Error("reset breaker should be closed")
	}
	if got := b.get(1).FailureCount; got != 0 {
		t.Errorf("reset should clear failures, got %d", got)
	}
}

func TestBreaker_TripToHalfOpenOnlyFromOpen(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	// Closed: no-op.
	b.TripToHalfOpen(ctx, 1)
	if b.CurrentState(1) != StateClosed {
		t.Errorf("trip from closed should be a no-op, got %s", b.CurrentState(1))
	}

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}
	b.TripToHalfOpen(ctx, 1)
	if b.CurrentState(1) != StateHalfOpen {
		t.Errorf("trip from open should half-open, got %s", b.CurrentState(1))
	}
}

func TestBreaker_AlertFiresOnOpen(t *testing.T) {
	ctx := context.Background()
	var fired atomic.Int32
	cfg := testConfig()
	b := New(nil, func(id int64) string { return "test" }, staticCache(cfg),
		func(id int64, failures int, openUntil time.Time) { fired.Add(1) }, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, 1, nil)
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Errorf("alert should fire exactly once on open, got %d", fired.Load())
	}
}

// Invariant 1: arbitrary op sequences never produce an illegal transition
// and failureCount resets exactly on transitions to closed.
func TestBreaker_RandomOpSequenceInvariants(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(testConfig())

	base := time.Now()
	offset := time.Duration(0)
	b.now = func() time.Time { return base.Add(offset) }

	prev := StateClosed
	seed := uint64(12345)
	for i := 0; i < 5000; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		switch seed % 4 {
		case 0:
			b.RecordFailure(ctx, 7, nil)
		case 1:
			b.RecordSuccess(ctx, 7)
		case 2:
			b.IsOpen(ctx, 7)
		case 3:
			offset += 300 * time.Millisecond
		}

		cur := b.CurrentState(7)
		if prev == StateClosed && cur == StateHalfOpen {
			t.Fatalf("illegal transition closed → half-open at op %d", i)
		}
		if cur == StateClosed && prev != StateClosed {
			if got := b.get(7).FailureCount; got != 0 {
				t.Fatalf("failureCount %d after transition to closed at op %d", got, i)
			}
		}
		prev = cur
	}
}
