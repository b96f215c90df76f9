package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	AvgCompletionMS   float64        `json:"avg_completion_ms"`
	TotalCostCredits  int64          `json:"total_cost_credits"`
	CompletedLastHour int            `json:"completed_last_hour"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:             stats.Total,
		ByStatus:          stats.CountByStatus,
		AvgCompletionMS:   stats.AvgCompletionMS,
		TotalCostCredits:  stats.TotalCostCredits,
		CompletedLastHour: stats.CompletedLastHour,
	})
}
