// Package audio extracts a mono PCM byte stream from an HLS URL by
// supervising an ffmpeg child process.
//
// The extractor produces a lazy, potentially long-lived sequence of PCM
// s16le buffers. Upstream hiccups (stalled reads, decoder crashes, network
// drops) are absorbed by restarting the child with bounded exponential
// backoff; only a run of consecutive failures with no successful read in
// between ends the sequence.
package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pulsecast/streamscribe/internal/observe"
)

const (
	defaultSampleRate  = 16000
	defaultChunkSize   = 8000 // ~0.5 s of 16 kHz mono s16le
	defaultReadTimeout = 30 * time.Second
	defaultBinary      = "ffmpeg"

	// Retry policy for recoverable failures.
	maxRetries        = 5
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 30 * time.Second

	// Empty reads tolerated while the child is still alive, and the pause
	// between them.
	maxEmptyReads  = 10
	emptyReadSleep = 100 * time.Millisecond

	// killTimeout is how long a terminated child gets to exit before it is
	// killed outright.
	killTimeout = 2 * time.Second
)

// Stats is a snapshot of extractor counters, observable by tests and by the
// pipeline for logging.
type Stats struct {
	// TotalBytesRead counts PCM bytes yielded so far.
	TotalBytesRead int64

	// ConsecutiveFailures counts recoverable failures since the last
	// successful read.
	ConsecutiveFailures int

	// Running reports whether the extraction loop is active.
	Running bool
}

// Option is a functional option for configuring an Extractor.
type Option func(*Extractor)

// WithSampleRate sets the PCM sample rate requested from the decoder.
func WithSampleRate(rate int) Option {
	return func(e *Extractor) { e.sampleRate = rate }
}

// WithChunkSize sets the maximum size of each yielded buffer in bytes.
func WithChunkSize(n int) Option {
	return func(e *Extractor) { e.chunkSize = n }
}

// WithReadTimeout sets the per-read stall timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.readTimeout = d }
}

// WithBinary overrides the decoder executable. Tests point this at a stub
// script that emits canned PCM or exits with a chosen status.
func WithBinary(path string) Option {
	return func(e *Extractor) { e.binary = path }
}

// WithBackoff overrides the retry delay bounds. Tests shrink these so retry
// behaviour can be observed without real-time waits.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Extractor) {
		e.initialDelay = initial
		e.maxDelay = max
	}
}

// Extractor supervises one decoder child at a time and yields its stdout in
// bounded chunks. Create with New; a single Run call consumes the extractor.
type Extractor struct {
	hlsURL      string
	sampleRate  int
	chunkSize   int
	readTimeout time.Duration
	binary      string

	initialDelay time.Duration
	maxDelay     time.Duration

	totalBytes   atomic.Int64
	consecutive  atomic.Int32
	running      atomic.Bool
	currentDelay atomic.Int64 // nanoseconds, for observability in tests
}

// New creates an Extractor for the given HLS URL.
func New(hlsURL string, opts ...Option) *Extractor {
	e := &Extractor{
		hlsURL:       hlsURL,
		sampleRate:   defaultSampleRate,
		chunkSize:    defaultChunkSize,
		readTimeout:  defaultReadTimeout,
		binary:       defaultBinary,
		initialDelay: initialRetryDelay,
		maxDelay:     maxRetryDelay,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Stats returns a snapshot of the extractor counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		TotalBytesRead:      e.totalBytes.Load(),
		ConsecutiveFailures: int(e.consecutive.Load()),
		Running:             e.running.Load(),
	}
}

// RetryDelay returns the delay that would precede the next restart.
func (e *Extractor) RetryDelay() time.Duration {
	return time.Duration(e.currentDelay.Load())
}

// Run starts the extraction loop and returns the channel of PCM buffers.
// Each buffer holds up to the configured chunk size; the final buffer may be
// short. The channel is closed when the stream ends cleanly, the retry budget
// is exhausted, or ctx is cancelled. On every exit path the child process has
// been terminated, killed if necessary, and reaped before the channel closes.
func (e *Extractor) Run(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go e.loop(ctx, out)
	return out
}

func (e *Extractor) loop(ctx context.Context, out chan<- []byte) {
	defer close(out)

	e.running.Store(true)
	defer e.running.Store(false)

	delay := e.initialDelay
	e.currentDelay.Store(int64(delay))

	slog.Info("audio extraction starting", "url", e.hlsURL, "sample_rate", e.sampleRate)

	for {
		err := e.extract(ctx, out, &delay)
		if err == nil {
			slog.Info("audio stream ended gracefully", "url", e.hlsURL, "bytes", e.totalBytes.Load())
			return
		}
		if ctx.Err() != nil {
			return
		}

		failures := e.consecutive.Add(1)
		observe.DefaultMetrics().ExtractorRestarts.Add(ctx, 1)
		if int(failures) >= maxRetries {
			slog.Error("audio extraction giving up after consecutive failures",
				"url", e.hlsURL, "failures", failures, "err", err)
			return
		}

		slog.Warn("audio extraction error, restarting decoder",
			"url", e.hlsURL,
			"attempt", failures,
			"max_attempts", maxRetries,
			"retry_in", delay,
			"err", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		delay = min(delay*2, e.maxDelay)
		e.currentDelay.Store(int64(delay))
	}
}

// extract runs one child process to completion. A nil return means the
// stream ended cleanly; any error is a recoverable failure the caller may
// retry. The child is always reaped before extract returns.
func (e *Extractor) extract(ctx context.Context, out chan<- []byte, delay *time.Duration) error {
	c, err := e.startChild()
	if err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	defer c.stop()

	reads := c.readChunks(e.chunkSize)
	emptyReads := 0

	for {
		var r readResult
		select {
		case r = <-reads:
		case <-time.After(e.readTimeout):
			return errors.New("read timeout: stream may be stalled")
		case <-ctx.Done():
			return ctx.Err()
		}

		switch {
		case len(r.buf) > 0:
			e.totalBytes.Add(int64(len(r.buf)))
			observe.DefaultMetrics().AudioBytes.Add(ctx, int64(len(r.buf)))
			e.consecutive.Store(0)
			*delay = e.initialDelay
			e.currentDelay.Store(int64(*delay))
			emptyReads = 0

			select {
			case out <- r.buf:
			case <-ctx.Done():
				return ctx.Err()
			}

		case r.err != nil:
			// Stdout is exhausted. A clean child exit ends the stream; a
			// nonzero status is a recoverable failure.
			if !errors.Is(r.err, io.EOF) {
				return fmt.Errorf("read decoder output: %w", r.err)
			}
			exitErr := c.waitExit(killTimeout)
			if exitErr != nil {
				return fmt.Errorf("decoder exited: %w", exitErr)
			}
			return nil

		default:
			// Zero-byte read without error: the decoder may just be
			// buffering. Tolerate a bounded run of these before treating
			// the stream as ended.
			emptyReads++
			if c.exited() || emptyReads >= maxEmptyReads {
				if err := c.exitError(); err != nil {
					return fmt.Errorf("decoder exited: %w", err)
				}
				return nil
			}
			select {
			case <-time.After(emptyReadSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// startChild launches the decoder with flags that make it reconnect on
// network errors and emit raw s16le mono samples on stdout.
func (e *Extractor) startChild() (*child, error) {
	args := []string{
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", e.hlsURL,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(e.sampleRate),
		"-loglevel", "error",
		"-",
	}

	cmd := exec.Command(e.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}

	c := &child{
		cmd:    cmd,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	// Surface decoder diagnostics without letting them block the child.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("decoder stderr", "line", sc.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		close(c.done)
	}()

	slog.Debug("decoder process started", "binary", e.binary, "pid", cmd.Process.Pid)
	return c, nil
}

// readResult is one read from the child's stdout.
type readResult struct {
	buf []byte
	err error
}

// child wraps a running decoder process and its reaper goroutine.
type child struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}

	mu      sync.Mutex
	exitErr error

	stopOnce sync.Once
}

// readChunks spawns a reader goroutine that forwards stdout in chunks of up
// to size bytes. The goroutine exits when the pipe closes.
func (c *child) readChunks(size int) <-chan readResult {
	ch := make(chan readResult)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, size)
			n, err := c.stdout.Read(buf)
			select {
			case ch <- readResult{buf: buf[:n], err: err}:
			case <-c.done:
				if err == nil {
					continue
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// exited reports whether the child process has been reaped.
func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// exitError returns the child's exit error, or nil if it exited cleanly or
// is still running.
func (c *child) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// waitExit waits up to d for the child to be reaped, killing it if the wait
// expires, and returns the exit error.
func (c *child) waitExit(d time.Duration) error {
	select {
	case <-c.done:
	case <-time.After(d):
		_ = c.cmd.Process.Kill()
		<-c.done
	}
	return c.exitError()
}

// stop terminates the child: graceful signal first, then a kill after
// killTimeout, then a final reap. Safe to call on every exit path, including
// after the child has already exited.
func (c *child) stop() {
	c.stopOnce.Do(func() {
		if !c.exited() {
			if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !c.exited() {
				slog.Debug("decoder terminate signal failed", "err", err)
			}
			select {
			case <-c.done:
			case <-time.After(killTimeout):
				slog.Warn("decoder did not terminate gracefully, killing process")
				_ = c.cmd.Process.Kill()
				<-c.done
			}
		}
		_ = c.stdout.Close()
		slog.Debug("decoder process cleaned up")
	})
}
