package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/dammer/pkg/model"
)

// Version is reported by /health.
const Version = "0.1.0"

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	LiveRuns  int    `json:"live_runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	storeState := "ok"
	if _, _, err := s.store.ListRuns(r.Context(), model.ListOptions{Limit: 1}); err != nil {
		storeState = "error: " + err.Error()
	}
	s.mu.Lock()
	live := len(s.live)
	s.mu.Unlock()

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     storeState,
		LiveRuns:  live,
	})
}
