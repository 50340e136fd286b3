package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/pulsecast/streamscribe/pkg/stt"
	"github.com/pulsecast/streamscribe/pkg/stt/mock"
	"github.com/pulsecast/streamscribe/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReporter records lifecycle calls and broadcast segments.
type fakeReporter struct {
	mu       sync.Mutex
	statuses []types.SessionStatus
	errMsg   string
	segments []types.Segment
}

func (r *fakeReporter) SetStatus(_ string, status types.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeReporter) SetError(_ string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, types.StatusError)
	r.errMsg = msg
	return nil
}

func (r *fakeReporter) Broadcast(_ string, seg types.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
}

func (r *fakeReporter) lastStatus() types.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *fakeReporter) allSegments() []types.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Segment(nil), r.segments...)
}

// fakeSource yields the given buffers and then closes.
type fakeSource struct {
	bufs  [][]byte
	block bool // hold the channel open after the buffers
}

func (f *fakeSource) Run(ctx context.Context) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for _, b := range f.bufs {
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return ch
}

// fakeChunks records segments handed to the aggregator.
type fakeChunks struct {
	mu       sync.Mutex
	segments []types.Segment
}

func (f *fakeChunks) AddSegment(seg types.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
}

func (f *fakeChunks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments)
}

func runPipeline(t *testing.T, ctx context.Context, cfg Config) {
	t.Helper()
	p := New(cfg)
	go p.Run(ctx)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestRun_HappyPath(t *testing.T) {
	sess := mock.NewSession(16)
	sess.Push(stt.Result{Tokens: []stt.Token{{Text: "hello", IsFinal: false}}})
	sess.Push(stt.Result{Tokens: []stt.Token{
		{Text: "hello", IsFinal: true, StartTime: 0.1, EndTime: 0.5, Confidence: 0.9},
		{Text: " world", IsFinal: true, StartTime: 0.5, EndTime: 0.9, Confidence: 0.8},
	}})

	provider := &mock.Provider{Session: sess}
	reporter := &fakeReporter{}
	chunks := &fakeChunks{}

	runPipeline(t, context.Background(), Config{
		StreamID:   "stream-1",
		SessionID:  "sess-1",
		SampleRate: 16000,
		Options:    types.DefaultStreamOptions(),
		Provider:   provider,
		Reporter:   reporter,
		Chunks:     chunks,
		Source:     &fakeSource{bufs: [][]byte{{1, 2}, {3, 4}}},
	})

	if got := reporter.lastStatus(); got != types.StatusStopped {
		t.Errorf("final status = %s, want stopped", got)
	}

	segs := reporter.allSegments()
	if len(segs) != 2 {
		t.Fatalf("broadcast %d segments, want 2", len(segs))
	}
	if segs[0].IsFinal {
		t.Error("first segment should be partial")
	}
	if segs[1].Text != "hello world" || !segs[1].IsFinal {
		t.Errorf("second segment = %+v", segs[1])
	}
	if chunks.count() != 2 {
		t.Errorf("aggregator received %d segments, want 2", chunks.count())
	}

	// Audio reached the provider, and exhaustion closed the session.
	if calls := sess.SendAudioCalls(); len(calls) != 2 {
		t.Errorf("provider received %d audio chunks, want 2", len(calls))
	}
	if !sess.Closed() {
		t.Error("session not closed after audio source ended")
	}
}

func TestRun_PassesRecognitionOptions(t *testing.T) {
	sess := mock.NewSession(1)
	sess.Finish()
	provider := &mock.Provider{Session: sess}

	runPipeline(t, context.Background(), Config{
		StreamID:   "stream-1",
		SampleRate: 44100,
		Options: types.StreamOptions{
			LanguageHints:            []string{"de"},
			EnableSpeakerDiarization: true,
			Vocabulary:               []string{"PulseCast"},
		},
		Provider: provider,
		Reporter: &fakeReporter{},
		Source:   &fakeSource{},
	})

	if len(provider.StartStreamCalls) != 1 {
		t.Fatalf("StartStream called %d times, want 1", len(provider.StartStreamCalls))
	}
	cfg := provider.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 44100 || !cfg.EnableSpeakerDiarization || len(cfg.Vocabulary) != 1 {
		t.Errorf("unexpected StreamConfig %+v", cfg)
	}
}

func TestRun_ConnectFailureReportsError(t *testing.T) {
	provider := &mock.Provider{StartStreamErr: errors.New("dial refused")}
	reporter := &fakeReporter{}

	runPipeline(t, context.Background(), Config{
		StreamID: "stream-1",
		Provider: provider,
		Reporter: reporter,
		Source:   &fakeSource{},
	})

	if got := reporter.lastStatus(); got != types.StatusError {
		t.Errorf("final status = %s, want error", got)
	}
	if reporter.errMsg != "stt connect: dial refused" {
		t.Errorf("error message = %q", reporter.errMsg)
	}
}

func TestRun_ProviderErrorReported(t *testing.T) {
	sess := mock.NewSession(1)
	sess.TerminalErr = errors.New("provider error 500: internal")
	sess.Finish()

	reporter := &fakeReporter{}
	runPipeline(t, context.Background(), Config{
		StreamID: "stream-1",
		Provider: &mock.Provider{Session: sess},
		Reporter: reporter,
		Source:   &fakeSource{block: true},
	})

	if got := reporter.lastStatus(); got != types.StatusError {
		t.Errorf("final status = %s, want error", got)
	}
	if reporter.errMsg != "provider error 500: internal" {
		t.Errorf("error message = %q", reporter.errMsg)
	}
}

func TestRun_CancellationStopsCleanly(t *testing.T) {
	sess := mock.NewSession(1)
	reporter := &fakeReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{
		StreamID: "stream-1",
		Provider: &mock.Provider{Session: sess},
		Reporter: reporter,
		Source:   &fakeSource{block: true},
	})
	go p.Run(ctx)

	// Let the pipeline reach the active state before stopping it.
	deadline := time.After(5 * time.Second)
	for reporter.lastStatus() != types.StatusActive {
		select {
		case <-deadline:
			t.Fatal("pipeline never became active")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}

	if got := reporter.lastStatus(); got != types.StatusStopped {
		t.Errorf("final status = %s, want stopped", got)
	}
	if !sess.Closed() {
		t.Error("session not closed on cancellation")
	}
}

func TestRun_InactivityWatchdogStops(t *testing.T) {
	sess := mock.NewSession(1)
	reporter := &fakeReporter{}

	start := time.Now()
	runPipeline(t, context.Background(), Config{
		StreamID:          "stream-1",
		InactivityTimeout: 50 * time.Millisecond,
		Provider:          &mock.Provider{Session: sess},
		Reporter:          reporter,
		Source:            &fakeSource{block: true},
	})

	if got := reporter.lastStatus(); got != types.StatusStopped {
		t.Errorf("final status = %s, want stopped after inactivity", got)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("watchdog took %v to fire", elapsed)
	}
}

func TestBuildSegment_Normalization(t *testing.T) {
	p := New(Config{StreamID: "stream-1"})
	p.start = time.Now()

	t.Run("empty tokens dropped", func(t *testing.T) {
		_, ok := p.buildSegment(stt.Result{Tokens: []stt.Token{{Text: ""}, {Text: ""}}})
		if ok {
			t.Error("batch of empty tokens should produce no segment")
		}
	})

	t.Run("zero confidence becomes one", func(t *testing.T) {
		seg, ok := p.buildSegment(stt.Result{Tokens: []stt.Token{{Text: "hi", Confidence: 0}}})
		if !ok {
			t.Fatal("expected a segment")
		}
		if seg.Words[0].Confidence != 1.0 {
			t.Errorf("Confidence = %v, want 1.0", seg.Words[0].Confidence)
		}
	})

	t.Run("speaker and language only when present", func(t *testing.T) {
		seg, _ := p.buildSegment(stt.Result{Tokens: []stt.Token{
			{Text: "a", Speaker: "2", Language: "en"},
			{Text: "b"},
		}})
		if seg.Words[0].Speaker == nil || *seg.Words[0].Speaker != "2" {
			t.Error("speaker not carried through")
		}
		if seg.Words[1].Speaker != nil || seg.Words[1].Language != nil {
			t.Error("absent speaker/language should stay nil")
		}
	})

	t.Run("final if any token final", func(t *testing.T) {
		seg, _ := p.buildSegment(stt.Result{Tokens: []stt.Token{
			{Text: "a", IsFinal: false},
			{Text: "b", IsFinal: true},
		}})
		if !seg.IsFinal {
			t.Error("segment should be final")
		}
		if seg.Text != "ab" {
			t.Errorf("Text = %q, want concatenation without separator", seg.Text)
		}
	})
}
