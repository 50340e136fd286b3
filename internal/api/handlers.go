package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsecast/streamscribe/internal/pipeline"
	"github.com/pulsecast/streamscribe/internal/session"
	"github.com/pulsecast/streamscribe/internal/store"
	"github.com/pulsecast/streamscribe/pkg/types"
)

// stopWait bounds how long a stop request waits for the pipeline to drain.
const stopWait = 10 * time.Second

// startRequest is the POST /streams/{streamID}/start body.
type startRequest struct {
	HLSURL  string               `json:"hls_url"`
	Options *types.StreamOptions `json:"options,omitempty"`
}

// sessionResponse is the JSON shape for session state answers.
type sessionResponse struct {
	StreamID    string              `json:"stream_id"`
	SessionID   string              `json:"session_id"`
	Status      types.SessionStatus `json:"status"`
	HLSURL      string              `json:"hls_url,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StoppedAt   *time.Time          `json:"stopped_at,omitempty"`
	Error       string              `json:"error,omitempty"`
	Subscribers int                 `json:"subscribers"`
}

func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		StreamID:  s.StreamID,
		SessionID: s.SessionID,
		Status:    s.Status,
		HLSURL:    s.HLSURL,
		CreatedAt: s.CreatedAt,
		StoppedAt: s.StoppedAt,
		Error:     s.Error,
	}
}

// handleStart admits a new transcription session and launches its pipeline.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.HLSURL == "" && s.opts.HLSBaseURL != "" {
		req.HLSURL = fmt.Sprintf("%s/%s/%s.m3u8", strings.TrimRight(s.opts.HLSBaseURL, "/"), streamID, streamID)
	}
	if err := validateHLSURL(req.HLSURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := types.DefaultStreamOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	if err := s.probeHLS(r.Context(), req.HLSURL); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	sess, err := s.manager.Create(streamID, req.HLSURL, opts)
	switch {
	case errors.Is(err, session.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrAtCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	buffer := s.chunks.Create(context.Background(), streamID, sess.SessionID)

	p := pipeline.New(pipeline.Config{
		StreamID:          streamID,
		SessionID:         sess.SessionID,
		HLSURL:            req.HLSURL,
		SampleRate:        s.opts.SampleRate,
		FFmpegPath:        s.opts.FFmpegPath,
		Options:           opts,
		InactivityTimeout: s.opts.InactivityTimeout,
		Provider:          s.provider,
		Reporter:          s.manager,
		Chunks:            buffer,
	})

	pctx, cancel := context.WithCancel(context.Background())
	s.manager.AttachPipeline(streamID, cancel, p.Done())
	go func() {
		p.Run(pctx)
		// Final flush once the pipeline has drained.
		s.chunks.Remove(streamID)
	}()

	slog.Info("transcription started", "stream_id", streamID, "session_id", sess.SessionID)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleStop ends the stream's session and waits for the pipeline to drain.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := s.manager.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for stream "+streamID)
		return
	}

	// Already-terminal sessions are cleaned up without a status change.
	if !sess.Status.Terminal() {
		if err := s.manager.SetStatus(streamID, types.StatusStopping); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()
	s.manager.Remove(ctx, streamID)
	s.chunks.Remove(streamID)

	slog.Info("transcription stopped", "stream_id", streamID, "session_id", sess.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id":  streamID,
		"session_id": sess.SessionID,
		"status":     types.StatusStopped,
	})
}

// handleStatus returns the stream's session record.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := s.manager.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for stream "+streamID)
		return
	}
	resp := toSessionResponse(sess)
	resp.Subscribers = s.manager.SubscriberCount(streamID)
	writeJSON(w, http.StatusOK, resp)
}

// handleListSessions returns every tracked session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp := toSessionResponse(sess)
		resp.Subscribers = s.manager.SubscriberCount(sess.StreamID)
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"count":    len(out),
	})
}

// handleChunks returns persisted chunks for the stream, optionally bounded
// by from/to millisecond timestamps.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.durable == nil {
		writeError(w, http.StatusServiceUnavailable, "durable chunk store is not configured")
		return
	}

	from, err := queryInt64(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryInt64(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chunks, err := s.durable.ChunksByStream(r.Context(), streamID, from, to)
	if err != nil {
		slog.Error("chunk query failed", "stream_id", streamID, "err", err)
		writeError(w, http.StatusInternalServerError, "chunk query failed")
		return
	}
	writeChunks(w, streamID, chunks)
}

// handleRecentChunks returns the stream's cached recent chunks.
func (s *Server) handleRecentChunks(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.recent == nil {
		writeError(w, http.StatusServiceUnavailable, "recent chunk cache is not configured")
		return
	}

	limit, err := queryInt64(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chunks, err := s.recent.Recent(r.Context(), streamID, limit)
	if err != nil {
		slog.Error("recent chunk query failed", "stream_id", streamID, "err", err)
		writeError(w, http.StatusInternalServerError, "recent chunk query failed")
		return
	}
	writeChunks(w, streamID, chunks)
}

// handleHealth is the gateway-level health summary, distinct from the
// liveness/readiness probes.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"version":         s.opts.Version,
		"active_sessions": s.manager.LiveCount(),
	})
}

func writeChunks(w http.ResponseWriter, streamID string, chunks []store.Chunk) {
	if chunks == nil {
		chunks = []store.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": streamID,
		"chunks":    chunks,
		"count":     len(chunks),
	})
}

// queryInt64 parses an optional non-negative integer query parameter. Absent
// parameters return zero.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("query parameter " + name + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
