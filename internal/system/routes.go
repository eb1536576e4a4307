package system

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapdog/snapdog-go/internal/api"
)

// RegisterRoutes wires system routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/system/status", api.Handler(getStatus(service)))
	router.Method(http.MethodGet, "/v1/system/stats", api.Handler(getStats(service)))
	router.Method(http.MethodGet, "/v1/system/version", api.Handler(getVersion(service)))
}

// getStatus handles GET /v1/system/status
func getStatus(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteResource(w, http.StatusOK, formatStatus(service.Status()))
	}
}

// getStats handles GET /v1/system/stats
func getStats(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		stats := service.Stats()
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":            "system.stats",
			"uptimeSec":         stats.UptimeSec,
			"goroutines":        stats.Goroutines,
			"heapBytes":         stats.HeapBytes,
			"numCpu":            stats.NumCPU,
			"snapcastConnected": stats.SnapConnected,
		})
	}
}

// getVersion handles GET /v1/system/version
func getVersion(*Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":  "system.version",
			"version": Version,
		})
	}
}

func formatStatus(status Status) map[string]any {
	result := map[string]any{
		"object":            "system.status",
		"status":            status.Status,
		"version":           status.Version,
		"startedAt":         status.StartedAt.Format(time.RFC3339),
		"uptimeSec":         status.UptimeSec,
		"snapcastConnected": status.SnapcastConnected,
	}
	if status.AuditHealthy != nil {
		result["auditHealthy"] = *status.AuditHealthy
	}
	return result
}
