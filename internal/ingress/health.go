package ingress

import "net/http"

// handleHealth is the bare liveness check the teacher's Dhan-webhook
// reference and most of the pack's server entries expose at "/health".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady returns 503 when the database connection is down — the
// one dependency worth gating readiness on (§6).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleLive is a process-alive check, distinct from readiness: it never
// touches the database, so it still answers while the DB is unreachable.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]any{"status": "live"})
}
