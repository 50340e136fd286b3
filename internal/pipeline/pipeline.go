// Package pipeline orchestrates one stream's transcription: PCM extraction,
// the STT session, segment formation, and delivery to the fan-out bus and the
// chunk aggregator.
//
// A Pipeline makes a single attempt to open its STT session; connection
// failures surface as a session error rather than a retry loop, since the
// caller can simply start a new session. Audio extraction retries internally.
// Two goroutines run under an errgroup: the audio pump feeding the provider
// and the result loop turning token batches into segments. Either one
// failing, or the inactivity watchdog firing, cancels the other.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pulsecast/streamscribe/internal/audio"
	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/pkg/stt"
	"github.com/pulsecast/streamscribe/pkg/types"
)

// errInactive ends a pipeline whose stream produced no audio or results for
// the configured inactivity window. Treated as a clean stop.
var errInactive = errors.New("pipeline: stream inactive")

// errResultsDone propagates the end of the provider's result stream through
// the errgroup so the audio pump unblocks. Not a failure; the terminal status
// is decided by the session's Err.
var errResultsDone = errors.New("pipeline: results stream ended")

// Reporter receives session lifecycle updates and outgoing segments. The
// session manager satisfies it.
type Reporter interface {
	SetStatus(streamID string, status types.SessionStatus) error
	SetError(streamID, msg string) error
	Broadcast(streamID string, seg types.Segment)
}

// SegmentSink receives every emitted segment for aggregation. The chunk
// buffer satisfies it.
type SegmentSink interface {
	AddSegment(seg types.Segment)
}

// AudioSource yields PCM buffers until the stream ends. The audio extractor
// satisfies it; tests substitute a canned source.
type AudioSource interface {
	Run(ctx context.Context) <-chan []byte
}

// Config assembles a Pipeline's collaborators.
type Config struct {
	StreamID  string
	SessionID string
	HLSURL    string

	// SampleRate is the PCM sample rate negotiated with both the extractor
	// and the STT provider.
	SampleRate int

	// FFmpegPath overrides the decoder binary used by the built-in
	// extractor. Empty uses "ffmpeg" from PATH.
	FFmpegPath string

	// Options carries the recognition options snapshotted at session start.
	Options types.StreamOptions

	// InactivityTimeout ends the pipeline when neither audio nor results
	// arrive for this long. Zero disables the watchdog.
	InactivityTimeout time.Duration

	Provider stt.Provider
	Reporter Reporter
	Chunks   SegmentSink

	// Source overrides the audio source. Nil builds an ffmpeg extractor for
	// HLSURL.
	Source AudioSource
}

// Pipeline runs one stream's transcription to completion. Create with New,
// run exactly once with Run.
type Pipeline struct {
	cfg Config

	start        time.Time
	lastActivity atomic.Int64 // UnixNano

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Pipeline. Run must be called to start it.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Done is closed when Run has fully finished, including child process and
// provider session teardown.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Run executes the pipeline until the stream ends, a fatal error occurs, or
// ctx is cancelled. It blocks; callers run it in a goroutine and watch Done.
// The terminal session status is reported before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.doneOnce.Do(func() { close(p.done) })

	log := slog.With("stream_id", p.cfg.StreamID, "session_id", p.cfg.SessionID)

	if err := p.cfg.Reporter.SetStatus(p.cfg.StreamID, types.StatusStarting); err != nil {
		log.Warn("status update failed", "err", err)
	}

	connectStart := time.Now()
	handle, err := p.cfg.Provider.StartStream(ctx, stt.StreamConfig{
		SampleRate:               p.cfg.SampleRate,
		LanguageHints:            p.cfg.Options.LanguageHints,
		EnableLanguageID:         p.cfg.Options.EnableLanguageID,
		EnableSpeakerDiarization: p.cfg.Options.EnableSpeakerDiarization,
		EnableEndpointDetection:  p.cfg.Options.EnableEndpointDetection,
		Vocabulary:               p.cfg.Options.Vocabulary,
	})
	if err != nil {
		log.Error("stt session failed to open", "err", err)
		observe.DefaultMetrics().RecordProviderError(ctx, "stt")
		_ = p.cfg.Reporter.SetError(p.cfg.StreamID, fmt.Sprintf("stt connect: %v", err))
		return
	}
	observe.DefaultMetrics().STTConnectDuration.Record(ctx, time.Since(connectStart).Seconds())

	if err := p.cfg.Reporter.SetStatus(p.cfg.StreamID, types.StatusActive); err != nil {
		log.Warn("status update failed", "err", err)
	}
	log.Info("pipeline active", "hls_url", p.cfg.HLSURL, "sample_rate", p.cfg.SampleRate)

	p.start = time.Now()
	p.touch()

	source := p.cfg.Source
	if source == nil {
		opts := []audio.Option{audio.WithSampleRate(p.cfg.SampleRate)}
		if p.cfg.FFmpegPath != "" {
			opts = append(opts, audio.WithBinary(p.cfg.FFmpegPath))
		}
		source = audio.New(p.cfg.HLSURL, opts...)
	}

	g, gctx := errgroup.WithContext(ctx)
	pcm := source.Run(gctx)

	g.Go(func() error { return p.pump(gctx, pcm, handle) })
	g.Go(func() error { return p.consume(gctx, handle) })
	if p.cfg.InactivityTimeout > 0 {
		g.Go(func() error { return p.watchdog(gctx) })
	}

	runErr := g.Wait()
	_ = handle.Close()
	provErr := handle.Err()

	switch {
	case ctx.Err() != nil:
		// External stop. The caller already moved the session to stopping.
		log.Info("pipeline stopped")
		_ = p.cfg.Reporter.SetStatus(p.cfg.StreamID, types.StatusStopped)
	case errors.Is(runErr, errInactive):
		log.Warn("pipeline ended after inactivity", "timeout", p.cfg.InactivityTimeout)
		_ = p.cfg.Reporter.SetStatus(p.cfg.StreamID, types.StatusStopped)
	case runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, errResultsDone):
		log.Error("pipeline failed", "err", runErr)
		_ = p.cfg.Reporter.SetError(p.cfg.StreamID, runErr.Error())
	case provErr != nil:
		log.Error("stt session failed", "err", provErr)
		observe.DefaultMetrics().RecordProviderError(context.Background(), "stt")
		_ = p.cfg.Reporter.SetError(p.cfg.StreamID, provErr.Error())
	default:
		log.Info("pipeline finished", "duration", time.Since(p.start).Round(time.Second))
		_ = p.cfg.Reporter.SetStatus(p.cfg.StreamID, types.StatusStopped)
	}
}

// pump forwards PCM buffers to the STT session. When the audio source is
// exhausted it closes the session, which sends the end-of-stream sentinel and
// lets the provider flush its remaining results.
func (p *Pipeline) pump(ctx context.Context, pcm <-chan []byte, handle stt.SessionHandle) error {
	for {
		select {
		case buf, ok := <-pcm:
			if !ok {
				// Audio finished. Signal end-of-stream; the result loop
				// drains whatever the provider still has buffered.
				return handle.Close()
			}
			p.touch()
			if err := handle.SendAudio(buf); err != nil {
				if errors.Is(err, stt.ErrNotConnected) {
					// Provider hung up first. The result loop reports the
					// terminal error, if any.
					return nil
				}
				return fmt.Errorf("send audio: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume turns token batches into segments and emits them. Nothing is
// emitted after ctx is cancelled.
func (p *Pipeline) consume(ctx context.Context, handle stt.SessionHandle) error {
	results := handle.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return errResultsDone
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			seg, ok := p.buildSegment(res)
			if !ok {
				continue
			}
			p.touch()
			observe.DefaultMetrics().RecordSegment(ctx, seg.IsFinal)
			p.cfg.Reporter.Broadcast(p.cfg.StreamID, seg)
			if p.cfg.Chunks != nil {
				p.cfg.Chunks.AddSegment(seg)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchdog ends the pipeline when no audio or results arrive within the
// inactivity window.
func (p *Pipeline) watchdog(ctx context.Context) error {
	interval := p.cfg.InactivityTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, p.lastActivity.Load())
			if time.Since(last) >= p.cfg.InactivityTimeout {
				return errInactive
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// buildSegment normalizes one token batch into a segment. Empty-text tokens
// are dropped; a batch with no text produces no segment. The segment is
// final when any constituent token was final.
func (p *Pipeline) buildSegment(res stt.Result) (types.Segment, bool) {
	var text strings.Builder
	words := make([]types.Word, 0, len(res.Tokens))
	isFinal := false

	for _, tok := range res.Tokens {
		if tok.Text == "" {
			continue
		}
		text.WriteString(tok.Text)
		if tok.IsFinal {
			isFinal = true
		}
		w := types.Word{
			Text:       tok.Text,
			StartTime:  tok.StartTime,
			EndTime:    tok.EndTime,
			Confidence: tok.Confidence,
		}
		if w.Confidence == 0 {
			w.Confidence = 1.0
		}
		if tok.Speaker != "" {
			speaker := tok.Speaker
			w.Speaker = &speaker
		}
		if tok.Language != "" {
			lang := tok.Language
			w.Language = &lang
		}
		words = append(words, w)
	}

	if len(words) == 0 {
		return types.Segment{}, false
	}

	return types.Segment{
		UniqueID:   p.cfg.StreamID,
		SegmentID:  uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		StreamTime: time.Since(p.start).Seconds(),
		Text:       text.String(),
		IsFinal:    isFinal,
		Words:      words,
	}, true
}

// touch records activity for the inactivity watchdog.
func (p *Pipeline) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}
