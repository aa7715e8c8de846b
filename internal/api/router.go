package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bqguard/bqguard/internal/analysis"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/discovery"
	"github.com/bqguard/bqguard/internal/guard"
	"github.com/bqguard/bqguard/internal/observability"
	"github.com/bqguard/bqguard/internal/storage"
	"github.com/bqguard/bqguard/internal/store"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Provider  *config.Provider
	Guard     *guard.Guard
	Discovery *discovery.Service
	Analysis  *analysis.Service
	Store     *store.Store // nil if Postgres unavailable; saved-query tools report unavailable
	Writer    storage.EventWriter
	Reader    EventReader // nil if ClickHouse unavailable; audit endpoints report unavailable
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	tools []*toolSpec
}

// NewRouter builds the HTTP mux with all tool routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	deps.tools = toolSet()

	mux := http.NewServeMux()

	// Tool endpoints. One POST route per tool; arguments are validated
	// against the tool's JSON Schema before dispatch.
	mux.HandleFunc("POST /v1/tools/execute_query", deps.handleExecuteQuery)
	mux.HandleFunc("POST /v1/tools/list_projects", deps.handleListProjects)
	mux.HandleFunc("POST /v1/tools/list_datasets", deps.handleListDatasets)
	mux.HandleFunc("POST /v1/tools/list_tables", deps.handleListTables)
	mux.HandleFunc("POST /v1/tools/get_table_schema", deps.handleGetTableSchema)
	mux.HandleFunc("POST /v1/tools/analyze_table", deps.handleAnalyzeTable)
	mux.HandleFunc("POST /v1/tools/analyze_columns", deps.handleAnalyzeColumns)

	// Saved queries (Postgres-backed)
	mux.HandleFunc("POST /v1/tools/save_query", deps.handleSaveQuery)
	mux.HandleFunc("POST /v1/tools/list_saved_queries", deps.handleListSavedQueries)
	mux.HandleFunc("POST /v1/tools/get_saved_query", deps.handleGetSavedQuery)
	mux.HandleFunc("POST /v1/tools/delete_saved_query", deps.handleDeleteSavedQuery)

	// Audit inspection (ClickHouse-backed)
	mux.HandleFunc("GET /v1/events", deps.handleListEvents)
	mux.HandleFunc("GET /v1/events/{request_id}", deps.handleGetEvent)
	mux.HandleFunc("GET /v1/analytics", deps.handleGetAnalytics)

	// Tool manifest for agent hosts
	mux.HandleFunc("GET /v1/tools", deps.handleManifest)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	return corsMiddleware(requestLogging(requestID(mux), deps.Logger))
}
