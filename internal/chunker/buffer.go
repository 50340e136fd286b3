// Package chunker aggregates transcription segments into fixed-duration
// chunks for persistence.
//
// A Buffer accumulates the segments of one stream into a window and flushes
// the window on a fixed cadence regardless of segment traffic. Final segments
// contribute their text and words to the window; a window that saw only
// partials is finalized from its last segment at flush time, so quiet
// windows still produce a record of what was heard.
package chunker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecast/streamscribe/internal/store"
	"github.com/pulsecast/streamscribe/pkg/types"
)

// DefaultChunkDuration is the flush cadence used when none is configured.
const DefaultChunkDuration = 5 * time.Second

// window is the mutable per-flush accumulation state. It is protected by the
// Buffer mutex, which is held only across AddSegment mutations and the flush
// swap, never across the sink call.
type window struct {
	streamStart float64
	streamEnd   float64
	text        string
	words       []store.WordRecord
	segments    int
	last        types.Segment
}

// Buffer aggregates one stream's segments into chunks. All methods are safe
// for concurrent use.
type Buffer struct {
	streamID  string
	sessionID string
	duration  time.Duration
	sink      store.Sink

	mu  sync.Mutex
	win *window

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BufferConfig configures a Buffer.
type BufferConfig struct {
	// StreamID is the external stream key.
	StreamID string

	// SessionID identifies the owning transcription session.
	SessionID string

	// Duration is the flush cadence. Defaults to DefaultChunkDuration.
	Duration time.Duration

	// Sink receives one chunk per flushed window. Sink errors are logged and
	// the chunk dropped; they never propagate into the flush loop.
	Sink store.Sink
}

// NewBuffer creates a Buffer with the given configuration.
func NewBuffer(cfg BufferConfig) *Buffer {
	d := cfg.Duration
	if d <= 0 {
		d = DefaultChunkDuration
	}
	return &Buffer{
		streamID:  cfg.StreamID,
		sessionID: cfg.SessionID,
		duration:  d,
		sink:      cfg.Sink,
		done:      make(chan struct{}),
	}
}

// Start begins the periodic flush loop in a background goroutine. The loop
// runs until Stop is called or ctx is cancelled.
func (b *Buffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop halts the flush loop and performs one final flush of any open window.
// Safe to call more than once.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.Flush(context.Background())
	})
}

// AddSegment folds a segment into the current window, opening one if needed.
func (b *Buffer) AddSegment(seg types.Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.win == nil {
		b.win = &window{
			streamStart: seg.StreamTime,
			streamEnd:   seg.StreamTime,
		}
	}

	w := b.win
	w.streamEnd = seg.StreamTime
	w.segments++
	w.last = seg

	if !seg.IsFinal {
		// Partials are not accumulated; the flush fallback uses the last
		// segment when no finals arrived in the window.
		return
	}

	text := strings.TrimSpace(seg.Text)
	if text != "" {
		if w.text != "" {
			w.text += " " + text
		} else {
			w.text = text
		}
	}
	for _, word := range seg.Words {
		w.words = append(w.words, store.WordRecord{
			Text:       word.Text,
			StartTime:  word.StartTime,
			EndTime:    word.EndTime,
			Confidence: word.Confidence,
		})
	}
}

// Flush closes the current window, if any, and emits it as a chunk. Empty
// windows (no segments since the last flush) emit nothing.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	w := b.win
	b.win = nil
	b.mu.Unlock()

	if w == nil || w.segments == 0 {
		return
	}

	text := w.text
	words := w.words
	if text == "" {
		// Only partials arrived: fall back to the latest hypothesis.
		text = strings.TrimSpace(w.last.Text)
		words = words[:0]
		for _, word := range w.last.Words {
			words = append(words, store.WordRecord{
				Text:       word.Text,
				StartTime:  word.StartTime,
				EndTime:    word.EndTime,
				Confidence: word.Confidence,
			})
		}
	}
	if text == "" {
		return
	}

	now := time.Now().UTC()
	chunk := store.Chunk{
		StreamID:       b.streamID,
		SessionID:      b.sessionID,
		ChunkID:        uuid.NewString(),
		ChunkTimestamp: now.UnixMilli(),
		StartTime:      w.streamStart,
		EndTime:        w.streamEnd,
		Text:           text,
		Words:          words,
		IsFinal:        true,
		CreatedAt:      now,
	}

	if b.sink == nil {
		return
	}
	if err := b.sink.Save(ctx, chunk); err != nil {
		slog.Error("chunk save failed, dropping chunk",
			"stream_id", b.streamID,
			"chunk_id", chunk.ChunkID,
			"err", err,
		)
		return
	}
	slog.Debug("chunk flushed",
		"stream_id", b.streamID,
		"chunk_id", chunk.ChunkID,
		"start_time", chunk.StartTime,
		"end_time", chunk.EndTime,
	)
}

// loop runs the periodic flush ticker.
func (b *Buffer) loop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
