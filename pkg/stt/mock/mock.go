// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Result values and inspect which
// audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/pulsecast/streamscribe/pkg/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(16), nil
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. Tests push Result
// values into ResultsCh and close it (or call Finish) to end the stream.
type Session struct {
	// ResultsCh is the channel returned by Results.
	ResultsCh chan stt.Result

	// TerminalErr is returned by Err after ResultsCh closes.
	TerminalErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	mu             sync.Mutex
	sendAudioCalls []SendAudioCall
	closed         bool
	finishOnce     sync.Once
}

// NewSession creates a Session with a ResultsCh buffered to depth n.
func NewSession(n int) *Session {
	return &Session{ResultsCh: make(chan stt.Result, n)}
}

// Push delivers a token batch to the session's consumer.
func (s *Session) Push(res stt.Result) {
	s.ResultsCh <- res
}

// Finish closes the results channel, ending the stream. Safe to call more
// than once, and Close calls it implicitly.
func (s *Session) Finish() {
	s.finishOnce.Do(func() { close(s.ResultsCh) })
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrNotConnected
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sendAudioCalls = append(s.sendAudioCalls, SendAudioCall{Chunk: cp})
	return nil
}

// SendAudioCalls returns a snapshot of recorded SendAudio invocations.
func (s *Session) SendAudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.sendAudioCalls))
	copy(out, s.sendAudioCalls)
	return out
}

// Results returns the test-controlled results channel.
func (s *Session) Results() <-chan stt.Result { return s.ResultsCh }

// Err returns TerminalErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TerminalErr
}

// Close marks the session closed and ends the results stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Finish()
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Compile-time interface assertion.
var _ stt.SessionHandle = (*Session)(nil)
