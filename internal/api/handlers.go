package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bqguard/bqguard/internal/errs"
	"github.com/bqguard/bqguard/internal/guard"
	"github.com/bqguard/bqguard/internal/storage"
	"github.com/bqguard/bqguard/internal/store"
	"github.com/bqguard/bqguard/internal/validate"
)

// maxBodyBytes bounds tool request bodies. SQL statements are small;
// anything near this size is not a legitimate query.
const maxBodyBytes = 1 << 20

// decodeTool reads the request body, validates it against the tool's JSON
// Schema, and decodes it into v. Numbers are decoded with UseNumber so the
// guard's integer coercion sees json.Number instead of float64.
func (d *Dependencies) decodeTool(r *http.Request, name string, v any) *errs.Error {
	tool := d.tool(name)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errs.InvalidArgument("Failed to read request body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return errs.InvalidArgument("Request body is not valid JSON: %v", err)
	}
	if err := tool.schema.Validate(raw); err != nil {
		return errs.InvalidArgument("Invalid arguments for %s: %v", name, err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errs.InvalidArgument("Invalid arguments for %s: %v", name, err)
	}
	return nil
}

func (d *Dependencies) tool(name string) *toolSpec {
	for _, t := range d.tools {
		if t.Name == name {
			return t
		}
	}
	panic(fmt.Sprintf("unregistered tool: %s", name))
}

// respond finishes a tool invocation: records metrics and writes either
// the success payload or the structured error.
func (d *Dependencies) respond(w http.ResponseWriter, tool string, start time.Time, resp map[string]any, err error) {
	d.Metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	if err != nil {
		e := errs.Classify(err, nil)
		d.Metrics.ToolInvocations.WithLabelValues(tool, "error").Inc()
		if rejectionKind(e.Kind) {
			d.Metrics.RejectedQueries.WithLabelValues(string(e.Kind)).Inc()
		}
		writeJSON(w, statusFor(e.Kind), e.ToMap())
		return
	}
	d.Metrics.ToolInvocations.WithLabelValues(tool, "success").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// rejectionKind reports whether the error means the query was refused
// before ever reaching the warehouse.
func rejectionKind(kind errs.Kind) bool {
	switch kind {
	case errs.KindSQLValidationFailed, errs.KindInvalidArgument, errs.KindSecurityViolation,
		errs.KindProjectAccessDenied, errs.KindDatasetAccessDenied, errs.KindInvalidTablePath:
		return true
	}
	return false
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidArgument, errs.KindSQLValidationFailed, errs.KindInvalidTablePath,
		errs.KindSyntaxError, errs.KindArrayNullElement, errs.KindResourceLimitExceeded:
		return http.StatusBadRequest
	case errs.KindProjectAccessDenied, errs.KindDatasetAccessDenied,
		errs.KindPermissionDenied, errs.KindSecurityViolation:
		return http.StatusForbidden
	case errs.KindTableNotFound, errs.KindResourceNotFound:
		return http.StatusNotFound
	case errs.KindQueryTimeout:
		return http.StatusGatewayTimeout
	case errs.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// --- execute_query ---

func (d *Dependencies) handleExecuteQuery(w http.ResponseWriter, r *http.Request) {
	const tool = "execute_query"
	start := time.Now()

	var req executeQueryRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}

	resp, err := d.Guard.Execute(r.Context(), guard.Request{
		SQL:        req.SQL,
		Format:     req.Format,
		Limit:      req.Limit,
		Timeout:    req.Timeout,
		DryRun:     req.DryRun,
		Parameters: req.Parameters,
	})

	d.emitQueryEvent(r, tool, start, req, resp, err)
	if err == nil {
		d.Metrics.BytesBilled.Add(float64(eventInt64(resp, "bytes_billed", "total_bytes_billed")))
	}
	d.respond(w, tool, start, resp, err)
}

// emitQueryEvent records one audit event per execution attempt.
// Fire-and-forget; the writer never blocks.
func (d *Dependencies) emitQueryEvent(r *http.Request, tool string, start time.Time, req executeQueryRequest, resp map[string]any, err error) {
	event := &storage.QueryEvent{
		RequestID:  requestIDFrom(r.Context()),
		Timestamp:  start,
		Tool:       tool,
		Project:    d.Provider.Current().Policy.BillingProject,
		SQLPreview: storage.TruncateSQL(req.SQL, storage.SQLPreviewLength),
		SQLHash:    fmt.Sprintf("%x", sha256.Sum256([]byte(req.SQL))),
		SQLSize:    uint32(len(req.SQL)),
		DryRun:     req.DryRun,
		Format:     req.Format,
		Complexity: guard.Complexity(req.SQL),
		LatencyMs:  float32(time.Since(start).Seconds() * 1000),
	}
	if err != nil {
		event.Outcome = "error"
		var ge *errs.Error
		if errors.As(err, &ge) {
			event.ErrorCode = string(ge.Kind)
			event.ErrorSource = string(ge.Source)
		}
	} else {
		event.Outcome = "success"
		if n, ok := resp["row_count"].(int); ok {
			event.RowCount = uint32(n)
		}
		if n, ok := resp["total_rows"].(uint64); ok {
			event.TotalRows = n
		}
		event.BytesProcessed = eventInt64(resp, "bytes_processed", "total_bytes_processed")
		event.BytesBilled = eventInt64(resp, "bytes_billed", "total_bytes_billed")
		event.CacheHit, _ = resp["cache_hit"].(bool)
	}
	d.Writer.Write(event)
}

// eventInt64 reads an int64 response field; dry runs use the alt key.
func eventInt64(resp map[string]any, key, altKey string) int64 {
	if n, ok := resp[key].(int64); ok {
		return n
	}
	n, _ := resp[altKey].(int64)
	return n
}

// --- discovery ---

func (d *Dependencies) handleListProjects(w http.ResponseWriter, r *http.Request) {
	const tool = "list_projects"
	start := time.Now()
	if e := d.decodeTool(r, tool, &struct{}{}); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	resp, err := d.Discovery.ListProjects(r.Context())
	d.respond(w, tool, start, resp, err)
}

func (d *Dependencies) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	const tool = "list_datasets"
	start := time.Now()
	var req listDatasetsRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	resp, err := d.Discovery.ListDatasets(r.Context(), req.Project)
	d.respond(w, tool, start, resp, err)
}

func (d *Dependencies) handleListTables(w http.ResponseWriter, r *http.Request) {
	const tool = "list_tables"
	start := time.Now()
	var req listTablesRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	if req.TableType == "" {
		req.TableType = "all"
	}
	resp, err := d.Discovery.ListTables(r.Context(), req.Dataset, req.TableType)
	d.respond(w, tool, start, resp, err)
}

// --- analysis ---

func (d *Dependencies) handleGetTableSchema(w http.ResponseWriter, r *http.Request) {
	const tool = "get_table_schema"
	start := time.Now()
	var req tablePathRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	resp, err := d.Analysis.GetTableSchema(r.Context(), req.Table)
	d.respond(w, tool, start, resp, err)
}

func (d *Dependencies) handleAnalyzeTable(w http.ResponseWriter, r *http.Request) {
	const tool = "analyze_table"
	start := time.Now()
	var req analyzeTableRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	resp, err := d.Analysis.AnalyzeTable(r.Context(), req.Table, req.SampleSize)
	d.respond(w, tool, start, resp, err)
}

func (d *Dependencies) handleAnalyzeColumns(w http.ResponseWriter, r *http.Request) {
	const tool = "analyze_columns"
	start := time.Now()
	var req analyzeColumnsRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	includeExamples := true
	if req.IncludeExamples != nil {
		includeExamples = *req.IncludeExamples
	}
	resp, err := d.Analysis.AnalyzeColumns(r.Context(), req.Table, req.Columns, includeExamples, req.SampleSize)
	d.respond(w, tool, start, resp, err)
}

// --- saved queries ---

// savedQueriesUnavailable is returned when no Postgres store is configured.
func savedQueriesUnavailable() *errs.Error {
	return errs.Configuration("Saved queries are not available: no Postgres store configured")
}

func storeError(err error, name string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.New(errs.KindResourceNotFound, errs.SourceServer, "Saved query not found: %s", name)
	}
	return errs.New(errs.KindUnknown, errs.SourceServer, "Saved query store error: %v", err)
}

func savedQueryMap(q *store.SavedQuery) map[string]any {
	return map[string]any{
		"id":          q.ID.String(),
		"name":        q.Name,
		"sql":         q.SQL,
		"description": q.Description,
		"created_at":  q.CreatedAt.Format(time.RFC3339),
		"updated_at":  q.UpdatedAt.Format(time.RFC3339),
	}
}

func (d *Dependencies) handleSaveQuery(w http.ResponseWriter, r *http.Request) {
	const tool = "save_query"
	start := time.Now()
	var req saveQueryRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	if d.Store == nil {
		d.respond(w, tool, start, nil, savedQueriesUnavailable())
		return
	}

	// Saved statements pass the same safety gate as executed ones so a
	// later execute of a saved query cannot smuggle a forbidden statement.
	if err := validate.New(d.Provider.Current().Security).Validate(req.SQL); err != nil {
		d.respond(w, tool, start, nil, err)
		return
	}

	saved, err := d.Store.SaveQuery(r.Context(), req.Name, req.SQL, req.Description)
	if err != nil {
		d.respond(w, tool, start, nil, storeError(err, req.Name))
		return
	}
	d.respond(w, tool, start, map[string]any{"status": "success", "query": savedQueryMap(saved)}, nil)
}

func (d *Dependencies) handleListSavedQueries(w http.ResponseWriter, r *http.Request) {
	const tool = "list_saved_queries"
	start := time.Now()
	if e := d.decodeTool(r, tool, &struct{}{}); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	if d.Store == nil {
		d.respond(w, tool, start, nil, savedQueriesUnavailable())
		return
	}

	queries, err := d.Store.ListQueries(r.Context())
	if err != nil {
		d.respond(w, tool, start, nil, storeError(err, ""))
		return
	}
	entries := make([]map[string]any, 0, len(queries))
	for _, q := range queries {
		entries = append(entries, savedQueryMap(q))
	}
	d.respond(w, tool, start, map[string]any{
		"status":      "success",
		"queries":     entries,
		"total_count": len(entries),
	}, nil)
}

func (d *Dependencies) handleGetSavedQuery(w http.ResponseWriter, r *http.Request) {
	const tool = "get_saved_query"
	start := time.Now()
	var req savedQueryNameRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	if d.Store == nil {
		d.respond(w, tool, start, nil, savedQueriesUnavailable())
		return
	}

	saved, err := d.Store.GetQuery(r.Context(), req.Name)
	if err != nil {
		d.respond(w, tool, start, nil, storeError(err, req.Name))
		return
	}
	d.respond(w, tool, start, map[string]any{"status": "success", "query": savedQueryMap(saved)}, nil)
}

func (d *Dependencies) handleDeleteSavedQuery(w http.ResponseWriter, r *http.Request) {
	const tool = "delete_saved_query"
	start := time.Now()
	var req savedQueryNameRequest
	if e := d.decodeTool(r, tool, &req); e != nil {
		d.respond(w, tool, start, nil, e)
		return
	}
	if d.Store == nil {
		d.respond(w, tool, start, nil, savedQueriesUnavailable())
		return
	}

	if err := d.Store.DeleteQuery(r.Context(), req.Name); err != nil {
		d.respond(w, tool, start, nil, storeError(err, req.Name))
		return
	}
	d.respond(w, tool, start, map[string]any{"status": "success", "deleted": req.Name}, nil)
}

// --- manifest ---

func (d *Dependencies) handleManifest(w http.ResponseWriter, _ *http.Request) {
	entries := make([]toolManifestEntry, 0, len(d.tools))
	for _, t := range d.tools {
		var schema any
		_ = json.Unmarshal([]byte(t.rawSchema), &schema)
		entries = append(entries, toolManifestEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": entries})
}
