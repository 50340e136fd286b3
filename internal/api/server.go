// Package api exposes the gateway's HTTP surface: session control, chunk
// retrieval, the WebSocket and SSE segment feeds, and the health and metrics
// endpoints.
//
// Handlers are deliberately thin; admission and lifecycle decisions live in
// the session manager and the pipeline. Error responses are JSON objects
// with a single "detail" field.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsecast/streamscribe/internal/chunker"
	"github.com/pulsecast/streamscribe/internal/health"
	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/internal/session"
	"github.com/pulsecast/streamscribe/internal/store"
	"github.com/pulsecast/streamscribe/pkg/stt"
)

// ChunkReader reads persisted chunks for a stream. The durable store
// satisfies it.
type ChunkReader interface {
	ChunksByStream(ctx context.Context, streamID string, from, to int64) ([]store.Chunk, error)
}

// RecentReader reads a stream's cached recent chunks. The Redis cache
// satisfies it.
type RecentReader interface {
	Recent(ctx context.Context, streamID string, limit int64) ([]store.Chunk, error)
}

// Options tunes server behaviour. Zero values select the defaults noted on
// each field.
type Options struct {
	// SampleRate is the PCM sample rate handed to new pipelines. Default
	// 16000.
	SampleRate int

	// FFmpegPath overrides the decoder binary for new pipelines. Empty uses
	// "ffmpeg" from PATH.
	FFmpegPath string

	// HLSBaseURL derives a playlist URL for start requests that omit
	// hls_url, as {base}/{stream_id}/{stream_id}.m3u8. Empty makes hls_url
	// mandatory.
	HLSBaseURL string

	// Version is reported by the health summary. Default "dev".
	Version string

	// InactivityTimeout is passed to new pipelines. Zero disables the
	// watchdog.
	InactivityTimeout time.Duration

	// ProbeTimeout bounds the HLS reachability probe. Default 10s.
	ProbeTimeout time.Duration

	// HeartbeatInterval is how long an SSE feed stays silent before a
	// heartbeat event is emitted. Default 5s.
	HeartbeatInterval time.Duration

	// ProbeClient overrides the HTTP client used for probing. Tests point
	// this at an httptest server.
	ProbeClient *http.Client
}

// Server holds the gateway's HTTP dependencies. Create with NewServer and
// mount Router on an http.Server.
type Server struct {
	manager  *session.Manager
	provider stt.Provider
	chunks   *chunker.Registry
	durable  ChunkReader
	recent   RecentReader
	health   *health.Handler
	metrics  *observe.Metrics
	opts     Options

	probe *http.Client
}

// NewServer wires the HTTP surface. durable and recent may be nil when the
// corresponding store is not configured; their endpoints then return 503.
func NewServer(
	manager *session.Manager,
	provider stt.Provider,
	chunks *chunker.Registry,
	durable ChunkReader,
	recent RecentReader,
	healthHandler *health.Handler,
	metrics *observe.Metrics,
	opts Options,
) *Server {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = sseHeartbeatInterval
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	probe := opts.ProbeClient
	if probe == nil {
		probe = &http.Client{Timeout: opts.ProbeTimeout}
	}
	return &Server{
		manager:  manager,
		provider: provider,
		chunks:   chunks,
		durable:  durable,
		recent:   recent,
		health:   healthHandler,
		metrics:  metrics,
		opts:     opts,
		probe:    probe,
	}
}

// Router builds the chi router with all routes and middleware mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/sessions", s.handleListSessions)

	r.Route("/streams/{streamID}", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Get("/chunks", s.handleChunks)
		r.Get("/chunks/recent", s.handleRecentChunks)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/events", s.handleSSE)
	})

	return r
}
