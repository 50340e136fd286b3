package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// sseHeartbeatInterval is the default idle window before a heartbeat keeps
// proxies from closing a quiet event stream. Heartbeats fire only when no
// segment arrived within the window.
const sseHeartbeatInterval = 5 * time.Second

// handleSSE streams the stream's segments as server-sent events. Event types
// mirror the WebSocket envelope (connected, transcription, heartbeat, end)
// plus an error event when a segment cannot be encoded.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.manager.Get(streamID); !ok {
		writeError(w, http.StatusNotFound, "no session for stream "+streamID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported on this connection")
		return
	}

	sub, err := s.manager.Subscribe(streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer s.manager.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, "connected", map[string]string{"stream_id": streamID}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case seg, ok := <-sub.Segments():
			if !ok {
				_ = writeSSE(w, flusher, "end", nil)
				return
			}
			heartbeat.Reset(s.opts.HeartbeatInterval)
			data, err := json.Marshal(seg)
			if err != nil {
				_ = writeSSE(w, flusher, "error", map[string]string{"detail": "segment encoding failed"})
				continue
			}
			if err := writeSSERaw(w, flusher, "transcription", data); err != nil {
				slog.Debug("sse write failed", "stream_id", streamID, "err", err)
				return
			}
		case <-heartbeat.C:
			if err := writeSSE(w, flusher, "heartbeat", map[string]int64{"ts": time.Now().Unix()}); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE marshals v and emits one event. A nil v sends an empty object.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data := []byte("{}")
	if v != nil {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	return writeSSERaw(w, flusher, event, data)
}

// writeSSERaw emits one event in wire format and flushes it.
func writeSSERaw(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
