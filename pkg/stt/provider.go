// Package stt defines the Provider interface for real-time speech-to-text
// backends.
//
// An STT provider wraps a streaming transcription service accessed over the
// network and exposes a uniform session interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and emits
// a single ordered stream of token batches. Partial and final tokens are
// interleaved in the order the provider produced them; splitting them into
// separate streams would lose that ordering, which downstream consumers rely
// on.
//
// Implementations must be safe for concurrent use. A session permits exactly
// one sender; the pipeline's pump goroutine is the sole caller of SendAudio.
package stt

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by SendAudio when the session is not in the
// streaming state (never connected, already closed, or the provider hung up).
var ErrNotConnected = errors.New("stt: session is not connected")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz of the PCM input.
	SampleRate int

	// LanguageHints biases recognition toward the listed languages. An empty
	// list lets the provider auto-detect, if supported.
	LanguageHints []string

	// EnableLanguageID requests per-token language identification.
	EnableLanguageID bool

	// EnableSpeakerDiarization requests per-token speaker labels.
	EnableSpeakerDiarization bool

	// EnableEndpointDetection lets the provider finalize pending tokens when
	// it detects the end of speech.
	EnableEndpointDetection bool

	// Vocabulary lists context terms that boost recognition probability for
	// uncommon words.
	Vocabulary []string
}

// Token is a single STT output unit (sub-word, word, or punctuation) with
// optional timing and speaker detail.
type Token struct {
	// Text is the token text. Tokens with empty text carry control
	// information only and are dropped during segment formation.
	Text string

	// IsFinal marks the token as committed; non-final tokens may be revised
	// by later output.
	IsFinal bool

	// StartTime and EndTime are seconds within the stream. Zero when the
	// provider does not report timing.
	StartTime float64
	EndTime   float64

	// Confidence is the recognition confidence in [0, 1], or zero when not
	// reported.
	Confidence float64

	// Speaker identifies the speaker when diarization is active.
	Speaker string

	// Language is the detected language code when language identification is
	// active.
	Language string
}

// Result is one batch of tokens received from the provider. Batches are
// delivered in the order the provider produced them.
type Result struct {
	Tokens []Token
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk must match the sample rate and format agreed in StreamConfig.
	// Returns ErrNotConnected once the session has left the streaming state.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel of token batches in production
	// order. The channel is closed when the provider reports completion,
	// the connection closes, or a fatal provider error occurs; consult Err
	// afterwards to distinguish the cases.
	Results() <-chan Result

	// Err returns the terminal error of the session, or nil if reception
	// ended normally. Only meaningful after the Results channel has closed.
	Err() error

	// Close sends the end-of-stream sentinel, closes the connection, and
	// releases all resources. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per transcribed stream.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// recognition configuration. The returned SessionHandle is ready to
	// accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unreachable endpoint, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
