package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pulsecast/streamscribe/internal/chunker"
	"github.com/pulsecast/streamscribe/internal/health"
	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/internal/session"
	"github.com/pulsecast/streamscribe/internal/store"
	"github.com/pulsecast/streamscribe/pkg/stt/mock"
	"github.com/pulsecast/streamscribe/pkg/types"
)

// fakeChunkReader serves canned chunks for the durable-store endpoints.
type fakeChunkReader struct {
	chunks []store.Chunk
	err    error
}

func (f *fakeChunkReader) ChunksByStream(_ context.Context, _ string, from, to int64) ([]store.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Chunk
	for _, c := range f.chunks {
		if from > 0 && c.ChunkTimestamp < from {
			continue
		}
		if to > 0 && c.ChunkTimestamp > to {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeChunkReader) Recent(_ context.Context, _ string, limit int64) ([]store.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && int64(len(f.chunks)) > limit {
		return f.chunks[int64(len(f.chunks))-limit:], nil
	}
	return f.chunks, nil
}

type testAPI struct {
	ts      *httptest.Server
	origin  *httptest.Server
	manager *session.Manager
}

// newTestAPI assembles a full HTTP surface with a mock STT provider, fake
// stores, and a local HLS origin for the reachability probe.
func newTestAPI(t *testing.T, durable ChunkReader, recent RecentReader, optFns ...func(origin string, o *Options)) *testAPI {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// Mimic CDNs that refuse HEAD but serve GET.
		if r.Method == http.MethodHead && strings.Contains(r.URL.Path, "no-head") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(origin.Close)

	manager := session.NewManager(2)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	registry := chunker.NewRegistry(time.Hour, store.SinkFunc(func(context.Context, store.Chunk) error { return nil }))
	t.Cleanup(registry.Shutdown)

	opts := Options{ProbeTimeout: 2 * time.Second}
	for _, fn := range optFns {
		fn(origin.URL, &opts)
	}
	srv := NewServer(
		manager,
		&mock.Provider{},
		registry,
		durable,
		recent,
		health.New(),
		observe.DefaultMetrics(),
		opts,
	)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testAPI{ts: ts, origin: origin, manager: manager}
}

func (a *testAPI) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(a.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func (a *testAPI) startBody() string {
	return fmt.Sprintf(`{"hls_url":%q}`, a.origin.URL+"/live/playlist.m3u8")
}

func TestStart_InvalidStreamID(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, body := a.post(t, "/streams/bad%20id/start", a.startBody())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (%v)", resp.StatusCode, body)
	}
}

func TestStart_InvalidBody(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.post(t, "/streams/s1/start", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStart_RejectsNonHTTPURL(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, body := a.post(t, "/streams/s1/start", `{"hls_url":"rtmp://example.com/live"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (%v)", resp.StatusCode, body)
	}
}

func TestStart_UnreachableStream(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	body := fmt.Sprintf(`{"hls_url":%q}`, a.origin.URL+"/missing.m3u8")
	resp, _ := a.post(t, "/streams/s1/start", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStart_ProbeFallsBackToGet(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	body := fmt.Sprintf(`{"hls_url":%q}`, a.origin.URL+"/no-head/playlist.m3u8")
	resp, respBody := a.post(t, "/streams/s1/start", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 when GET succeeds after HEAD is refused (%v)", resp.StatusCode, respBody)
	}
	a.post(t, "/streams/s1/stop", "")
}

func TestStart_Success(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	resp, body := a.post(t, "/streams/s1/start", a.startBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", resp.StatusCode, body)
	}
	if body["stream_id"] != "s1" {
		t.Errorf("stream_id = %v", body["stream_id"])
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Error("session_id missing in response")
	}

	// Clean up the running pipeline.
	resp, _ = a.post(t, "/streams/s1/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop status = %d, want 200", resp.StatusCode)
	}
}

func TestStart_DerivesURLFromBase(t *testing.T) {
	a := newTestAPI(t, nil, nil, func(origin string, o *Options) { o.HLSBaseURL = origin })

	resp, body := a.post(t, "/streams/s1/start", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", resp.StatusCode, body)
	}
	want := a.origin.URL + "/s1/s1.m3u8"
	if body["hls_url"] != want {
		t.Errorf("hls_url = %v, want %s", body["hls_url"], want)
	}
	a.post(t, "/streams/s1/stop", "")
}

func TestStart_MissingURLWithoutBase(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.post(t, "/streams/s1/start", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStart_DuplicateConflict(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	if resp, _ := a.post(t, "/streams/s1/start", a.startBody()); resp.StatusCode != http.StatusOK {
		t.Fatalf("first start failed: %d", resp.StatusCode)
	}
	resp, _ := a.post(t, "/streams/s1/start", a.startBody())
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	a.post(t, "/streams/s1/stop", "")
}

func TestStart_AtCapacity(t *testing.T) {
	a := newTestAPI(t, nil, nil) // manager capacity 2

	for _, id := range []string{"s1", "s2"} {
		if resp, _ := a.post(t, "/streams/"+id+"/start", a.startBody()); resp.StatusCode != http.StatusOK {
			t.Fatalf("start %s failed: %d", id, resp.StatusCode)
		}
	}
	resp, _ := a.post(t, "/streams/s3/start", a.startBody())
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	a.post(t, "/streams/s1/stop", "")
	a.post(t, "/streams/s2/stop", "")
}

func TestStop_UnknownStream(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.post(t, "/streams/ghost/stop", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatus_ReflectsSession(t *testing.T) {
	a := newTestAPI(t, nil, nil)

	resp, _ := a.get(t, "/streams/ghost/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown stream status = %d, want 404", resp.StatusCode)
	}

	a.manager.Create("s1", "https://example.com/a.m3u8", types.StreamOptions{})
	resp, body := a.get(t, "/streams/s1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != string(types.StatusPending) {
		t.Errorf("session status = %v, want pending", body["status"])
	}
}

func TestListSessions(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	a.manager.Create("s1", "https://example.com/a.m3u8", types.StreamOptions{})
	a.manager.Create("s2", "https://example.com/b.m3u8", types.StreamOptions{})

	resp, body := a.get(t, "/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestChunks_UnconfiguredStore(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.get(t, "/streams/s1/chunks")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp, _ = a.get(t, "/streams/s1/chunks/recent")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("recent status = %d, want 503", resp.StatusCode)
	}
}

func TestChunks_ReturnsStoredChunks(t *testing.T) {
	reader := &fakeChunkReader{chunks: []store.Chunk{
		{StreamID: "s1", ChunkID: "c1", ChunkTimestamp: 1000, Text: "one"},
		{StreamID: "s1", ChunkID: "c2", ChunkTimestamp: 2000, Text: "two"},
	}}
	a := newTestAPI(t, reader, reader)

	resp, body := a.get(t, "/streams/s1/chunks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	resp, body = a.get(t, "/streams/s1/chunks?from=1500")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(1) {
		t.Errorf("bounded count = %v, want 1", body["count"])
	}

	resp, _ = a.get(t, "/streams/s1/chunks?from=-5")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative bound status = %d, want 400", resp.StatusCode)
	}
}

func TestRecentChunks_Limit(t *testing.T) {
	reader := &fakeChunkReader{chunks: []store.Chunk{
		{ChunkID: "c1"}, {ChunkID: "c2"}, {ChunkID: "c3"},
	}}
	a := newTestAPI(t, reader, reader)

	resp, body := a.get(t, "/streams/s1/chunks/recent?limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestHealthSummary(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, body := a.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["version"] != "dev" {
		t.Errorf("version = %v, want dev", body["version"])
	}
}

func TestSSE_StreamsSegments(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	a.manager.Create("s1", "https://example.com/a.m3u8", types.StreamOptions{})

	resp, err := http.Get(a.ts.URL + "/streams/s1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	if ev := readEvent(); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}

	// Subscription races the broadcast; wait until the handler is attached.
	deadline := time.After(5 * time.Second)
	for a.manager.SubscriberCount("s1") == 0 {
		select {
		case <-deadline:
			t.Fatal("SSE handler never subscribed")
		case <-time.After(time.Millisecond):
		}
	}

	a.manager.Broadcast("s1", types.Segment{SegmentID: "seg-1", Text: "hello", IsFinal: true})
	if ev := readEvent(); ev != "transcription" {
		t.Fatalf("event = %q, want transcription", ev)
	}

	// Removing the session closes the feed.
	a.manager.Remove(context.Background(), "s1")
	if ev := readEvent(); ev != "end" {
		t.Fatalf("event = %q, want end", ev)
	}
}

func TestSSE_HeartbeatOnlyAfterSilence(t *testing.T) {
	a := newTestAPI(t, nil, nil, func(_ string, o *Options) {
		o.HeartbeatInterval = 300 * time.Millisecond
	})
	a.manager.Create("s1", "https://example.com/a.m3u8", types.StreamOptions{})

	resp, err := http.Get(a.ts.URL + "/streams/s1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	if ev := readEvent(); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}
	deadline := time.After(5 * time.Second)
	for a.manager.SubscriberCount("s1") == 0 {
		select {
		case <-deadline:
			t.Fatal("SSE handler never subscribed")
		case <-time.After(time.Millisecond):
		}
	}

	// Steady segment traffic well inside the idle window keeps the heartbeat
	// timer pushed back.
	for i := 0; i < 5; i++ {
		a.manager.Broadcast("s1", types.Segment{SegmentID: fmt.Sprintf("seg-%d", i), Text: "tick"})
		if ev := readEvent(); ev != "transcription" {
			t.Fatalf("event %d = %q, want transcription", i, ev)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Silence: the next event must be the heartbeat.
	if ev := readEvent(); ev != "heartbeat" {
		t.Fatalf("event after silence = %q, want heartbeat", ev)
	}
}

func TestSSE_UnknownStream(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.get(t, "/streams/ghost/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocket_StreamsSegments(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	a.manager.Create("s1", "https://example.com/a.m3u8", types.StreamOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/streams/s1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	if ev.Type != "connected" {
		t.Fatalf("first event = %q, want connected", ev.Type)
	}

	deadline := time.After(5 * time.Second)
	for a.manager.SubscriberCount("s1") == 0 {
		select {
		case <-deadline:
			t.Fatal("websocket handler never subscribed")
		case <-time.After(time.Millisecond):
		}
	}

	// Segments arrive as bare JSON frames of their fields, not wrapped in a
	// control envelope.
	a.manager.Broadcast("s1", types.Segment{SegmentID: "seg-1", Text: "hello", IsFinal: true})
	var seg types.Segment
	if err := wsjson.Read(ctx, conn, &seg); err != nil {
		t.Fatalf("read segment frame: %v", err)
	}
	if seg.SegmentID != "seg-1" || seg.Text != "hello" || !seg.IsFinal {
		t.Fatalf("segment frame = %+v", seg)
	}

	a.manager.Remove(context.Background(), "s1")
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read end event: %v", err)
	}
	if ev.Type != "end" {
		t.Fatalf("event = %q, want end", ev.Type)
	}
}

func TestWebSocket_UnknownStream(t *testing.T) {
	a := newTestAPI(t, nil, nil)
	resp, _ := a.get(t, "/streams/ghost/ws")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
