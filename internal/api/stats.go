package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Batches        int            `json:"batches"`
	ByStatus       map[string]int `json:"by_status"`
	Jobs           int            `json:"jobs"`
	ByPhase        map[string]int `json:"by_phase"`
	CacheHits      int            `json:"cache_hits"`
	AvgRunMS       float64        `json:"avg_run_ms"`
	MaxConcurrency int            `json:"max_concurrency"`
	Cache          string         `json:"cache,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get batch stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Batches:        stats.Batches,
		ByStatus:       stats.CountByStatus,
		Jobs:           stats.Jobs,
		ByPhase:        stats.CountByPhase,
		CacheHits:      stats.CacheHits,
		AvgRunMS:       stats.AvgRunMS,
		MaxConcurrency: s.sched.MaxConcurrency(),
	}
	if c := s.sched.Cache(); c != nil {
		resp.Cache = c.Location()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
