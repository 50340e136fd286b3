package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeStub writes an executable shell script standing in for the decoder
// binary. Stubs ignore the real flag set and just produce scripted output.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decoder.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

// drain collects everything from the channel until it closes.
func drain(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var all []byte
	timeout := time.After(10 * time.Second)
	for {
		select {
		case buf, ok := <-ch:
			if !ok {
				return all
			}
			all = append(all, buf...)
		case <-timeout:
			t.Fatal("timed out draining extractor output")
		}
	}
}

func TestRun_YieldsOutputThenCloses(t *testing.T) {
	stub := writeStub(t, `printf 'abcdefgh'`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithChunkSize(4),
	)

	got := drain(t, e.Run(context.Background()))
	if string(got) != "abcdefgh" {
		t.Errorf("output = %q, want %q", got, "abcdefgh")
	}

	stats := e.Stats()
	if stats.TotalBytesRead != 8 {
		t.Errorf("TotalBytesRead = %d, want 8", stats.TotalBytesRead)
	}
	if stats.Running {
		t.Error("extractor still reports running after channel close")
	}
}

func TestRun_RetriesThenGivesUp(t *testing.T) {
	stub := writeStub(t, `exit 1`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithBackoff(time.Millisecond, 4*time.Millisecond),
	)

	got := drain(t, e.Run(context.Background()))
	if len(got) != 0 {
		t.Errorf("expected no output from failing decoder, got %d bytes", len(got))
	}

	stats := e.Stats()
	if stats.ConsecutiveFailures != maxRetries {
		t.Errorf("ConsecutiveFailures = %d, want %d", stats.ConsecutiveFailures, maxRetries)
	}
}

func TestRun_BackoffDoublesUpToCap(t *testing.T) {
	stub := writeStub(t, `exit 1`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithBackoff(time.Millisecond, 3*time.Millisecond),
	)

	drain(t, e.Run(context.Background()))

	// After repeated failures the delay must have grown and been clamped.
	if d := e.RetryDelay(); d != 3*time.Millisecond {
		t.Errorf("RetryDelay = %v, want cap of 3ms", d)
	}
}

func TestRun_SuccessfulReadResetsFailureCount(t *testing.T) {
	// The stub emits data and then fails, so every restart both succeeds at
	// reading and then registers one failure. The failure counter must never
	// accumulate past one, keeping the stream alive.
	stub := writeStub(t, `printf 'xxxx'; exit 1`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithChunkSize(4),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.Run(ctx)

	var reads int
	timeout := time.After(10 * time.Second)
	for reads < 3 {
		select {
		case buf, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d reads; failures should reset on success", reads)
			}
			if len(buf) > 0 {
				reads++
			}
		case <-timeout:
			t.Fatal("timed out waiting for restarted decoder output")
		}
	}

	cancel()
	drain(t, ch)
}

func TestRun_ContextCancelStopsChild(t *testing.T) {
	stub := writeStub(t, `printf 'data'; sleep 60`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithChunkSize(4),
	)

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.Run(ctx)

	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	cancel()

	// The channel must close well before the stub's sleep finishes, proving
	// the child was signalled rather than waited out.
	closed := make(chan struct{})
	go func() {
		for range ch {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("extractor did not stop after context cancellation")
	}
}

func TestRun_StallTimeoutTriggersRestart(t *testing.T) {
	stub := writeStub(t, `sleep 60`)
	e := New("http://example.invalid/stream.m3u8",
		WithBinary(stub),
		WithReadTimeout(50*time.Millisecond),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	start := time.Now()
	drain(t, e.Run(context.Background()))

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("stalled stream took %v to give up", elapsed)
	}
	if stats := e.Stats(); stats.ConsecutiveFailures != maxRetries {
		t.Errorf("ConsecutiveFailures = %d, want %d", stats.ConsecutiveFailures, maxRetries)
	}
}
