package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// MetricsHandler exposes health and Prometheus metrics endpoints
type MetricsHandler struct {
	prometheus http.Handler
	started    time.Time
}

// NewMetricsHandler creates a metrics handler around the Prometheus
// exporter's HTTP handler
func NewMetricsHandler(prometheus http.Handler) *MetricsHandler {
	return &MetricsHandler{
		prometheus: prometheus,
		started:    time.Now(),
	}
}

// GetHealth returns basic health status
func (h *MetricsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.started).String(),
		"timestamp": time.Now().UTC(),
	})
}

// GetMetrics serves the Prometheus scrape endpoint
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.prometheus == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	h.prometheus.ServeHTTP(w, r)
}
