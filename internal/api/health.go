package api

import (
	"net/http"

	"github.com/ashureev/sqlagent/internal/health"
)

// Health reports component health. Unhealthy answers 503; degraded still
// answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		JSON(w, http.StatusOK, health.Report{Status: health.StatusHealthy, Services: map[string]bool{}})
		return
	}
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}
