// Package store defines the persisted chunk record and the Sink interface
// implemented by the durable chunk store and the recent-chunk cache.
package store

import (
	"context"
	"errors"
	"time"
)

// WordRecord is the persisted form of a transcribed word. Speaker and
// language labels are dropped at the persistence boundary; consumers that
// need them read the real-time segment stream instead.
type WordRecord struct {
	Text       string  `json:"text"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
}

// Chunk is a fixed-window aggregate of transcription segments, the unit of
// persistence. Exactly one chunk is persisted per flush.
type Chunk struct {
	// StreamID is the external stream key (partition key in the store).
	StreamID string `json:"stream_id"`

	// SessionID identifies the transcription session that produced the chunk.
	SessionID string `json:"session_id"`

	// ChunkID is a freshly generated unique identifier.
	ChunkID string `json:"chunk_id"`

	// ChunkTimestamp is the flush wall-clock time in milliseconds since the
	// Unix epoch (sort key in the store).
	ChunkTimestamp int64 `json:"chunk_timestamp"`

	// StartTime and EndTime bound the window in stream seconds.
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	// Text is the aggregated transcription for the window. UTF-8,
	// multi-script.
	Text string `json:"text"`

	// Words lists the word records accumulated during the window.
	Words []WordRecord `json:"words"`

	// IsFinal is always true at the sink layer; partial-only windows are
	// finalized from their last segment before flush.
	IsFinal bool `json:"is_final"`

	// CreatedAt is the persistence wall-clock time in UTC.
	CreatedAt time.Time `json:"created_at"`
}

// Sink persists chunks. Implementations must be safe for concurrent use.
// A failed save is logged and the chunk dropped; sinks never stall the
// aggregator's flush loop beyond the call itself.
type Sink interface {
	Save(ctx context.Context, chunk Chunk) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, chunk Chunk) error

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, chunk Chunk) error {
	return f(ctx, chunk)
}

// Multi fans every chunk out to all of the given sinks. Each sink is
// attempted regardless of earlier failures; the errors are joined.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, chunk Chunk) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Save(ctx, chunk); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
