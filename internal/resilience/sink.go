package resilience

import (
	"context"

	"github.com/pulsecast/streamscribe/internal/store"
)

// GuardedSink wraps a [store.Sink] with a [CircuitBreaker]. While the breaker
// is open, saves fail fast with [ErrCircuitOpen] instead of queueing behind a
// struggling backend. Chunk persistence is lossy by contract, so a shed save
// is logged upstream and dropped.
type GuardedSink struct {
	sink    store.Sink
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ store.Sink = (*GuardedSink)(nil)

// NewGuardedSink wraps sink with a breaker built from cfg.
func NewGuardedSink(sink store.Sink, cfg CircuitBreakerConfig) *GuardedSink {
	return &GuardedSink{
		sink:    sink,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Save forwards the chunk through the breaker.
func (g *GuardedSink) Save(ctx context.Context, chunk store.Chunk) error {
	return g.breaker.Execute(func() error {
		return g.sink.Save(ctx, chunk)
	})
}

// BreakerState exposes the underlying breaker state for health reporting.
func (g *GuardedSink) BreakerState() State {
	return g.breaker.State()
}
