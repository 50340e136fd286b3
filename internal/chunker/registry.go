package chunker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsecast/streamscribe/internal/store"
)

// Registry tracks one Buffer per stream. All methods are safe for concurrent
// use.
type Registry struct {
	duration time.Duration
	sink     store.Sink

	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewRegistry creates a Registry whose buffers flush every duration into
// sink.
func NewRegistry(duration time.Duration, sink store.Sink) *Registry {
	return &Registry{
		duration: duration,
		sink:     sink,
		buffers:  make(map[string]*Buffer),
	}
}

// Create starts a Buffer for the stream, replacing (and stopping) any
// existing one.
func (r *Registry) Create(ctx context.Context, streamID, sessionID string) *Buffer {
	r.mu.Lock()
	old := r.buffers[streamID]
	b := NewBuffer(BufferConfig{
		StreamID:  streamID,
		SessionID: sessionID,
		Duration:  r.duration,
		Sink:      r.sink,
	})
	r.buffers[streamID] = b
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	b.Start(ctx)
	slog.Debug("chunk buffer created", "stream_id", streamID, "session_id", sessionID)
	return b
}

// Get returns the Buffer for the stream, or nil if none exists.
func (r *Registry) Get(streamID string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers[streamID]
}

// Remove stops and forgets the stream's Buffer, flushing any open window.
// It is a no-op when no buffer exists.
func (r *Registry) Remove(streamID string) {
	r.mu.Lock()
	b := r.buffers[streamID]
	delete(r.buffers, streamID)
	r.mu.Unlock()

	if b != nil {
		b.Stop()
		slog.Debug("chunk buffer removed", "stream_id", streamID)
	}
}

// Shutdown stops every Buffer, flushing open windows.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for id, b := range r.buffers {
		buffers = append(buffers, b)
		delete(r.buffers, id)
	}
	r.mu.Unlock()

	for _, b := range buffers {
		b.Stop()
	}
}
