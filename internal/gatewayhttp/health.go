package gatewayhttp

import "net/http"

type backendHealthView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type healthResponse struct {
	Status   string              `json:"status"`
	Backends []backendHealthView `json:"backends"`
}

// handleHealth implements GET /health: 200 if any backend is healthy or
// degraded, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Health.Snapshot()
	backends := make([]backendHealthView, 0, len(states))
	for _, st := range states {
		backends = append(backends, backendHealthView{ID: string(st.ID), Status: st.Status.String()})
	}

	if s.deps.Health.AnyHealthy() {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backends: backends})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Backends: backends})
}
