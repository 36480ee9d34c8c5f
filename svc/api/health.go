package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"clipvault/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Records  int    `json:"records"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Records:  len(s.history.Records()),
	}
	dbCtx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
