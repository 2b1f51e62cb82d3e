package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
// Keeping this separate from handlers.go means the full route surface
// is visible at a glance without scrolling through handler logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Index sets
	mux.HandleFunc("GET /api/indexsets", h.ListIndexSets)
	mux.HandleFunc("POST /api/indexsets/{prefix}/setup", h.SetUpIndexSet)
	mux.HandleFunc("POST /api/indexsets/{prefix}/cycle", h.CycleIndexSet)
	mux.HandleFunc("POST /api/indexsets/{prefix}/cleanup-aliases", h.CleanupAliases)

	// Ingestion
	mux.HandleFunc("POST /api/messages", h.IngestMessages)

	// Export
	mux.HandleFunc("GET /api/export", h.Export)

	// Index ranges
	mux.HandleFunc("GET /api/ranges", h.ListRanges)
	mux.HandleFunc("GET /api/ranges/{index}", h.GetRange)

	// Observability
	mux.Handle("GET /metrics", promhttp.Handler())
}
