package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsecast/streamscribe/internal/store"
)

func TestGuardedSink_ForwardsWhileClosed(t *testing.T) {
	var saves atomic.Int64
	inner := store.SinkFunc(func(context.Context, store.Chunk) error {
		saves.Add(1)
		return nil
	})
	g := NewGuardedSink(inner, CircuitBreakerConfig{Name: "test"})

	if err := g.Save(context.Background(), store.Chunk{StreamID: "s1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saves.Load() != 1 {
		t.Errorf("inner sink called %d times, want 1", saves.Load())
	}
	if got := g.BreakerState(); got != StateClosed {
		t.Errorf("BreakerState = %s, want closed", got)
	}
}

func TestGuardedSink_OpensAfterConsecutiveFailures(t *testing.T) {
	var saves atomic.Int64
	errDown := errors.New("backend down")
	inner := store.SinkFunc(func(context.Context, store.Chunk) error {
		saves.Add(1)
		return errDown
	})
	g := NewGuardedSink(inner, CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Save(ctx, store.Chunk{}); !errors.Is(err, errDown) {
			t.Fatalf("Save %d: err = %v, want backend error", i, err)
		}
	}
	if got := g.BreakerState(); got != StateOpen {
		t.Fatalf("BreakerState = %s, want open", got)
	}

	// Open breaker sheds without touching the backend.
	if err := g.Save(ctx, store.Chunk{}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Save while open: err = %v, want ErrCircuitOpen", err)
	}
	if saves.Load() != 3 {
		t.Errorf("inner sink called %d times, want 3", saves.Load())
	}
}

func TestGuardedSink_RecoversThroughHalfOpen(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	inner := store.SinkFunc(func(context.Context, store.Chunk) error {
		if fail.Load() {
			return errors.New("backend down")
		}
		return nil
	})
	g := NewGuardedSink(inner, CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
	})
	ctx := context.Background()

	if err := g.Save(ctx, store.Chunk{}); err == nil {
		t.Fatal("expected failure")
	}
	if got := g.BreakerState(); got != StateOpen {
		t.Fatalf("BreakerState = %s, want open", got)
	}

	fail.Store(false)
	time.Sleep(20 * time.Millisecond)

	// Probe succeeds, breaker closes again.
	if err := g.Save(ctx, store.Chunk{}); err != nil {
		t.Fatalf("probe Save: %v", err)
	}
	if got := g.BreakerState(); got != StateClosed {
		t.Errorf("BreakerState = %s, want closed after recovery", got)
	}
}
