package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Metrics   string `json:"metrics"`
	Runs      int    `json:"runs_active"`
	MaxRuns   int    `json:"runs_max"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	storeStatus := "unavailable"
	if s.store != nil {
		storeStatus = "available"
	}
	metricsStatus := "disabled"
	if s.metrics != nil {
		metricsStatus = "enabled"
	}
	active, capacity := s.slots.usage()
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     storeStatus,
		Metrics:   metricsStatus,
		Runs:      active,
		MaxRuns:   capacity,
	})
}
