package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// wsPingInterval keeps intermediaries from idling out quiet connections.
const wsPingInterval = 20 * time.Second

// wsEvent is the envelope for control messages (connected, end). Segments
// themselves are sent as bare JSON frames of their fields.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleWebSocket upgrades the connection and streams the stream's segments
// until the session ends or the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := validateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.manager.Get(streamID); !ok {
		writeError(w, http.StatusNotFound, "no session for stream "+streamID)
		return
	}

	sub, err := s.manager.Subscribe(streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer s.manager.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "stream_id", streamID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead discards client messages and cancels ctx when the client
	// hangs up.
	ctx := conn.CloseRead(r.Context())

	if err := wsjson.Write(ctx, conn, wsEvent{Type: "connected", Data: map[string]string{"stream_id": streamID}}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case seg, ok := <-sub.Segments():
			if !ok {
				_ = wsjson.Write(ctx, conn, wsEvent{Type: "end"})
				return
			}
			if err := wsjson.Write(ctx, conn, seg); err != nil {
				slog.Debug("websocket write failed", "stream_id", streamID, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
