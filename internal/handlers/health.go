package handlers

import (
	"net/http"

	"github.com/akaverin/sessionguard/internal/handlers/render"
	"github.com/akaverin/sessionguard/internal/health"
)

// handleHealth reports the full aggregated health
// Unhealthy verdict maps to 503 so load balancers can act on the code alone
func handleHealth(checker healthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := checker.Check(r.Context())
		render.JSONWithStatus(w, report, healthStatusCode(report))
	})
}

// handleHealthQuick runs only the critical probes
func handleHealthQuick(checker healthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := checker.QuickCheck(r.Context())
		render.JSONWithStatus(w, report, healthStatusCode(report))
	})
}

func healthStatusCode(report health.Report) int {
	if report.Status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
