package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"byStatus"`
	ByModel            map[string]int `json:"byModel"`
	AvgDurationMS      float64        `json:"avgDurationMs"`
	TotalEstimatedCost float64        `json:"totalEstimatedCost"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, r, "get execution stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:              stats.Total,
		ByStatus:           stats.CountByStatus,
		ByModel:            stats.CountByModel,
		AvgDurationMS:      stats.AvgDurationMS,
		TotalEstimatedCost: stats.TotalEstimatedCost,
	})
}
