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
		Name:        "TDL API",
		Version:     "v1",
		Description: "Time-triggered schedule synthesis and simulation for TDL modules",
		Endpoints: []endpointInfo{
			{"/api/v1/schedules", []string{"POST"}, "Compile a module into its schedule graph. ?format=dot returns Graphviz"},
			{"/api/v1/runs", []string{"GET", "POST"}, "Simulate a module and list past runs"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run summary"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Dispatch trace of a run"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics, when enabled"},
		},
	})
}
