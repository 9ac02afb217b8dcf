package ingress

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/web3guy0/polybot/internal/eventbus"
)

// handleStream implements §4.6's SSE endpoint: one long-lived connection
// per (user, strategy), heartbeats on the configured cadence, terminal
// force_disconnect frames closing the stream from the server side.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("strategy_id")
	if raw == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "strategy_id query parameter is required"})
		return
	}
	strategyID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "strategy_id must be an integer"})
		return
	}

	userID := userFrom(r)
	q, err := s.bus.Subscribe(userID, uint(strategyID))
	if err != nil {
		if errors.Is(err, eventbus.ErrForbidden) {
			writeJSONStatus(w, http.StatusForbidden, map[string]any{"error": "not authorized to stream this strategy"})
			return
		}
		writeError(w, err)
		return
	}
	defer s.bus.Unsubscribe(userID, uint(strategyID), q)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connFrame, _ := eventbus.Frame(eventbus.Event{Type: eventbus.EventConnection, Data: map[string]any{"strategy_id": strategyID}})
	w.Write(connFrame)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-q.Dead():
			return
		case ev := <-q.Recv():
			frame, err := eventbus.Frame(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			frame, _ := eventbus.Frame(eventbus.Event{Type: eventbus.EventHeartbeat, Data: map[string]any{}})
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
