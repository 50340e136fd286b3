// Package types defines the shared types used across all streamscribe packages.
//
// These types form the lingua franca between the audio extractor, the STT
// client, the pipeline, the fan-out bus, and the chunk aggregator. Each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// SessionStatus describes where a transcription session is in its lifecycle.
// Transitions are monotonic forward: a session never moves back to an earlier
// status.
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"
	StatusStarting SessionStatus = "starting"
	StatusActive   SessionStatus = "active"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// rank orders statuses for the monotonic-forward invariant. Stopped and error
// are both terminal and share a rank.
func (s SessionStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStarting:
		return 1
	case StatusActive:
		return 2
	case StatusStopping:
		return 3
	case StatusStopped, StatusError:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether s is a terminal status.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransitionTo reports whether moving from s to next keeps the status
// ordering monotonic.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return next.rank() >= s.rank()
}

// Word is a single transcribed word with timing and confidence detail.
// Words are immutable members of a Segment.
type Word struct {
	// Text is the word text as returned by the STT provider.
	Text string `json:"text"`

	// StartTime and EndTime are seconds within the stream. Zero when the
	// provider does not report timing.
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	// Confidence is the recognition confidence in [0, 1]. Defaults to 1.0
	// when the provider does not report it.
	Confidence float64 `json:"confidence"`

	// Speaker identifies the speaker when diarization is enabled.
	Speaker *string `json:"speaker,omitempty"`

	// Language is the detected language when language identification is
	// enabled.
	Language *string `json:"language,omitempty"`
}

// Segment is a normalized batch of STT tokens, the unit of real-time emission.
// Segments are immutable once emitted and are delivered to subscribers in
// production order.
type Segment struct {
	// UniqueID is the external stream identifier the segment belongs to.
	UniqueID string `json:"unique_id"`

	// SegmentID is a freshly generated unique identifier.
	SegmentID string `json:"segment_id"`

	// Timestamp is the wall-clock time the segment was formed.
	Timestamp time.Time `json:"timestamp"`

	// StreamTime is seconds since the pipeline started, taken from a
	// monotonic clock.
	StreamTime float64 `json:"stream_time"`

	// Text is the concatenation of the constituent token texts, in order,
	// with no separator.
	Text string `json:"text"`

	// IsFinal is true when any constituent token was final.
	IsFinal bool `json:"is_final"`

	// Words holds one entry per non-empty constituent token.
	Words []Word `json:"words"`
}

// StreamOptions configures recognition for a transcription session. The
// options are snapshotted at session creation and immutable afterwards.
type StreamOptions struct {
	// LanguageHints biases recognition toward the listed languages.
	LanguageHints []string `json:"language_hints,omitempty"`

	// EnableLanguageID turns on per-token language identification.
	EnableLanguageID bool `json:"enable_language_identification,omitempty"`

	// EnableSpeakerDiarization turns on per-token speaker labels.
	EnableSpeakerDiarization bool `json:"enable_speaker_diarization,omitempty"`

	// EnableEndpointDetection lets the provider forcibly finalize pending
	// tokens when it detects the end of speech.
	EnableEndpointDetection bool `json:"enable_endpoint_detection"`

	// Vocabulary lists custom context terms boosted during recognition.
	Vocabulary []string `json:"vocabulary,omitempty"`
}

// DefaultStreamOptions returns the options applied when a start request does
// not override them.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		LanguageHints:           []string{"en"},
		EnableEndpointDetection: true,
	}
}
