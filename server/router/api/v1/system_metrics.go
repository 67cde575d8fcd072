package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/counselsim/server/internal/observability"
)

// MetricsOverviewResponse represents the overview of pipeline stage runs since startup.
type MetricsOverviewResponse struct {
	Version     string                                         `json:"version"`
	RunTotal    int64                                          `json:"run_total"`
	RunFailed   int64                                          `json:"run_failed"`
	SuccessRate float64                                        `json:"success_rate"`
	Stages      map[string]*observability.StageMetricsSnapshot `json:"stages"`
}

// GetMetricsOverview returns the pipeline metrics overview
// GET /api/v1/system/metrics
func (s *APIV1Service) GetMetricsOverview(c echo.Context) error {
	snapshot := observability.GlobalMetrics().Snapshot()
	return c.JSON(http.StatusOK, MetricsOverviewResponse{
		Version:     s.Profile.Version,
		RunTotal:    snapshot.RunTotal,
		RunFailed:   snapshot.RunFailed,
		SuccessRate: snapshot.SuccessRate(),
		Stages:      snapshot.Stages,
	})
}
