// Package soniox provides a Soniox-backed STT provider using the Soniox
// real-time WebSocket API. It implements the stt.Provider interface.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsecast/streamscribe/pkg/stt"
)

const (
	defaultEndpoint   = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel      = "stt-rt-v3"
	defaultSampleRate = 16000

	// pingInterval and pingTimeout keep the connection alive during quiet
	// stretches of audio; the provider drops idle sockets otherwise.
	pingInterval = 20 * time.Second
	pingTimeout  = 10 * time.Second

	// closeTimeout bounds how long Close waits for the provider to
	// acknowledge the end-of-stream sentinel before tearing the socket down.
	closeTimeout = 10 * time.Second

	// audioQueueDepth is the buffer of PCM chunks awaiting transmission.
	audioQueueDepth = 256

	// resultQueueDepth is the buffer of decoded token batches awaiting the
	// consumer.
	resultQueueDepth = 64
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL. Used by tests to point
// the client at a local stub server.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// WithModel sets the Soniox model id (e.g., "stt-rt-v3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the PCM sample rate in Hz announced in the
// configuration frame.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Soniox real-time API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
}

// New creates a new Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// configFrame is the single JSON frame sent immediately after the socket
// opens. Field names are the provider's wire contract.
type configFrame struct {
	APIKey                       string        `json:"api_key"`
	Model                        string        `json:"model"`
	SampleRate                   int           `json:"sample_rate"`
	NumChannels                  int           `json:"num_channels"`
	AudioFormat                  string        `json:"audio_format"`
	EnableEndpointDetection      bool          `json:"enable_endpoint_detection"`
	LanguageHints                []string      `json:"language_hints,omitempty"`
	EnableLanguageIdentification bool          `json:"enable_language_identification,omitempty"`
	EnableSpeakerDiarization     bool          `json:"enable_speaker_diarization,omitempty"`
	Context                      *contextTerms `json:"context,omitempty"`
}

type contextTerms struct {
	Terms []string `json:"terms"`
}

// StartStream opens a streaming transcription session with Soniox. It dials
// the WebSocket endpoint, sends the configuration frame, and starts the read,
// write, and keepalive loops.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial %s: %w", p.endpoint, err)
	}

	frame := configFrame{
		APIKey:                       p.apiKey,
		Model:                        p.model,
		SampleRate:                   p.sampleRate,
		NumChannels:                  1,
		AudioFormat:                  "pcm_s16le",
		EnableEndpointDetection:      cfg.EnableEndpointDetection,
		LanguageHints:                cfg.LanguageHints,
		EnableLanguageIdentification: cfg.EnableLanguageID,
		EnableSpeakerDiarization:     cfg.EnableSpeakerDiarization,
	}
	if cfg.SampleRate > 0 {
		frame.SampleRate = cfg.SampleRate
	}
	if len(cfg.Vocabulary) > 0 {
		frame.Context = &contextTerms{Terms: cfg.Vocabulary}
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal failed")
		return nil, fmt.Errorf("soniox: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusProtocolError, "config send failed")
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	sess := &session{
		conn:    conn,
		audio:   make(chan []byte, audioQueueDepth),
		results: make(chan stt.Result, resultQueueDepth),
		done:    make(chan struct{}),
	}

	sess.writeWG.Add(1)
	go sess.writeLoop()
	sess.readWG.Add(1)
	go sess.readLoop()
	go sess.pingLoop()

	return sess, nil
}

// ---- session ----

// serverFrame is the JSON structure of frames received from Soniox. A frame
// is an error, a completion marker, a token batch, or something to skip.
type serverFrame struct {
	ErrorCode    int          `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Finished     bool         `json:"finished"`
	Tokens       []tokenFrame `json:"tokens"`
}

type tokenFrame struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker"`
	Language   string  `json:"language"`
}

// session is a live Soniox streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	audio   chan []byte
	results chan stt.Result

	done    chan struct{}
	once    sync.Once
	writeWG sync.WaitGroup
	readWG  sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM chunk for delivery. The pump goroutine is the sole
// caller; concurrent senders are not supported.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrNotConnected
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrNotConnected
	}
}

// Results returns the ordered channel of decoded token batches.
func (s *session) Results() <-chan stt.Result { return s.results }

// Err returns the terminal reception error, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session: drains queued audio, sends the empty-text
// end-of-stream sentinel, waits up to closeTimeout for the provider to finish,
// and closes the socket. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.writeWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		// Empty text frame signals end-of-audio.
		if err := s.conn.Write(ctx, websocket.MessageText, []byte{}); err != nil {
			slog.Debug("soniox: end-of-stream send failed", "err", err)
		}

		finished := make(chan struct{})
		go func() {
			s.readWG.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
		}

		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.readWG.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary frames. On shutdown
// it drains whatever is queued so no captured audio is silently discarded.
func (s *session) writeLoop() {
	defer s.writeWG.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(context.Background(), websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON frames and dispatches token batches to the results
// channel. It exits on an error frame, a finished frame, or socket close.
func (s *session) readLoop() {
	defer s.readWG.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			// Normal close or teardown via Close.
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			slog.Warn("soniox: undecodable frame skipped", "err", err)
			continue
		}

		if frame.ErrorCode != 0 || frame.ErrorMessage != "" {
			s.setErr(fmt.Errorf("soniox: provider error %d: %s", frame.ErrorCode, frame.ErrorMessage))
			return
		}
		if frame.Finished {
			return
		}
		if len(frame.Tokens) == 0 {
			continue
		}

		res := stt.Result{Tokens: make([]stt.Token, 0, len(frame.Tokens))}
		for _, t := range frame.Tokens {
			res.Tokens = append(res.Tokens, stt.Token{
				Text:       t.Text,
				IsFinal:    t.IsFinal,
				StartTime:  t.StartTime,
				EndTime:    t.EndTime,
				Confidence: t.Confidence,
				Speaker:    t.Speaker,
				Language:   t.Language,
			})
		}

		select {
		case s.results <- res:
		case <-s.done:
			return
		}
	}
}

// pingLoop keeps the socket alive with periodic pings. A missed pong within
// pingTimeout tears the connection down, which unblocks the read loop.
func (s *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
				default:
					slog.Warn("soniox: keepalive ping failed, closing connection", "err", err)
					s.conn.Close(websocket.StatusGoingAway, "keepalive failed")
				}
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
