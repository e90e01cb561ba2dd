package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "dammer API",
		Version:     "v1",
		Description: "Status of cluster pipeline runs and their units",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET"}, "List runs, newest first. Accepts ?limit, ?offset and ?state"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run with every unit's outcome"},
			{"/api/v1/runs/{id}/units", []string{"GET"}, "Unit outcomes of a run in plan order"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
