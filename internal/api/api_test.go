package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bqguard/bqguard/internal/analysis"
	"github.com/bqguard/bqguard/internal/bq"
	"github.com/bqguard/bqguard/internal/chread"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/discovery"
	"github.com/bqguard/bqguard/internal/guard"
	"github.com/bqguard/bqguard/internal/observability"
	"github.com/bqguard/bqguard/internal/storage"
)

type fakeJob struct {
	schema []bq.FieldDescriptor
	rows   []map[string]any
	stats  bq.JobStats
	pos    int
}

func (j *fakeJob) Schema() []bq.FieldDescriptor { return j.schema }
func (j *fakeJob) Stats() bq.JobStats           { return j.stats }

func (j *fakeJob) Next() (map[string]any, error) {
	if j.pos >= len(j.rows) {
		return nil, io.EOF
	}
	row := j.rows[j.pos]
	j.pos++
	return row, nil
}

type fakeExecutor struct {
	lastSQL  string
	lastOpts bq.SubmitOptions
	calls    int
	job      *fakeJob
	err      error
}

func (e *fakeExecutor) Submit(_ context.Context, sql string, opts bq.SubmitOptions) (bq.Job, error) {
	e.calls++
	e.lastSQL = sql
	e.lastOpts = opts
	if e.err != nil {
		return nil, e.err
	}
	if e.job != nil {
		return e.job, nil
	}
	return &fakeJob{}, nil
}

type fakeMeta struct{}

func (m *fakeMeta) ListDatasets(context.Context, string) ([]bq.DatasetInfo, error) {
	return []bq.DatasetInfo{{DatasetID: "analytics_prod", Location: "EU"}}, nil
}

func (m *fakeMeta) ListTables(context.Context, string, string) ([]bq.TableInfo, error) {
	return nil, nil
}

func (m *fakeMeta) GetTable(context.Context, string, string, string) (*bq.TableInfo, error) {
	return &bq.TableInfo{TableID: "events", TableType: "TABLE"}, nil
}

type fakeWriter struct {
	events []*storage.QueryEvent
}

func (w *fakeWriter) Write(event *storage.QueryEvent) { w.events = append(w.events, event) }
func (w *fakeWriter) Close()                          {}

func testConfig() *config.Config {
	return &config.Config{
		Policy: config.AccessPolicy{
			BillingProject: "billing-proj",
			Projects: []config.ProjectRule{
				{ProjectID: "billing-proj", DatasetPatterns: []string{"analytics_*"}},
			},
		},
		Security: config.SecurityPolicy{
			BannedKeywords: config.DefaultBannedKeywords,
			SelectOnly:     true,
		},
		Limits: config.ExecutionLimits{
			DefaultRowLimit:        20,
			MaxRowLimit:            10000,
			MaxQueryTimeoutSeconds: 60,
			MaxBytesProcessed:      1 << 30,
		},
	}
}

type testEnv struct {
	handler http.Handler
	exec    *fakeExecutor
	writer  *fakeWriter
}

func newTestEnv(exec *fakeExecutor) *testEnv {
	provider := config.NewProvider(testConfig())
	logger := zap.NewNop()
	meta := &fakeMeta{}
	writer := &fakeWriter{}
	deps := &Dependencies{
		Provider:  provider,
		Guard:     guard.New(exec, provider, logger),
		Discovery: discovery.New(meta, provider, logger),
		Analysis:  analysis.New(meta, exec, provider, logger),
		Writer:    writer,
		Metrics:   observability.New(),
		Logger:    logger,
	}
	return &testEnv{handler: NewRouter(deps), exec: exec, writer: writer}
}

func (env *testEnv) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return rec, decoded
}

func TestExecuteQueryInjectsDefaultLimit(t *testing.T) {
	exec := &fakeExecutor{job: &fakeJob{
		schema: []bq.FieldDescriptor{{Name: "id", Type: "INT64"}},
		rows:   []map[string]any{{"id": int64(1)}},
		stats:  bq.JobStats{TotalRows: 1, BytesProcessed: 1024, BytesBilled: 2048},
	}}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query", `{"sql": "SELECT * FROM analytics_prod.events"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}
	if want := "SELECT * FROM analytics_prod.events LIMIT 20"; exec.lastSQL != want {
		t.Fatalf("submitted SQL = %q, want %q", exec.lastSQL, want)
	}
	if resp["status"] != "success" {
		t.Fatalf("status field = %v", resp["status"])
	}
	if resp["row_count"] != float64(1) {
		t.Fatalf("row_count = %v", resp["row_count"])
	}

	if len(env.writer.events) != 1 {
		t.Fatalf("events = %d, want 1", len(env.writer.events))
	}
	event := env.writer.events[0]
	if event.Outcome != "success" {
		t.Fatalf("event outcome = %q", event.Outcome)
	}
	if event.BytesBilled != 2048 {
		t.Fatalf("event bytes billed = %d", event.BytesBilled)
	}
	if event.RequestID == "" {
		t.Fatal("event request ID is empty")
	}
}

func TestExecuteQueryRejectsForbiddenStatement(t *testing.T) {
	exec := &fakeExecutor{}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query", `{"sql": "DROP TABLE users"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", rec.Code, resp)
	}
	if resp["error_code"] != "SQL_VALIDATION_FAILED" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
	if exec.calls != 0 {
		t.Fatalf("executor was invoked %d times for a rejected query", exec.calls)
	}

	if len(env.writer.events) != 1 {
		t.Fatalf("events = %d, want 1", len(env.writer.events))
	}
	event := env.writer.events[0]
	if event.Outcome != "error" || event.ErrorCode != "SQL_VALIDATION_FAILED" {
		t.Fatalf("event = %q/%q", event.Outcome, event.ErrorCode)
	}
}

func TestExecuteQueryAllowsCTE(t *testing.T) {
	exec := &fakeExecutor{job: &fakeJob{}}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query",
		`{"sql": "WITH recent AS (SELECT * FROM analytics_prod.events) SELECT COUNT(*) FROM recent", "limit": 5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls)
	}
	if !strings.HasSuffix(exec.lastSQL, "LIMIT 5") {
		t.Fatalf("submitted SQL = %q, want LIMIT 5 suffix", exec.lastSQL)
	}
}

func TestExecuteQueryDryRunEstimatesCost(t *testing.T) {
	exec := &fakeExecutor{job: &fakeJob{
		schema: []bq.FieldDescriptor{{Name: "id", Type: "INT64"}},
		stats:  bq.JobStats{BytesProcessed: 2_000_000_000_000, BytesBilled: 2_000_000_000_000},
	}}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query",
		`{"sql": "SELECT * FROM analytics_prod.events", "dry_run": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}
	if resp["dry_run"] != true {
		t.Fatalf("dry_run = %v", resp["dry_run"])
	}
	if resp["estimated_cost_usd"] != float64(10) {
		t.Fatalf("estimated_cost_usd = %v, want 10", resp["estimated_cost_usd"])
	}
	if _, ok := resp["results"]; ok {
		t.Fatal("dry run response contains results")
	}
	if !strings.Contains(exec.lastSQL, "SELECT * FROM analytics_prod.events") || strings.Contains(exec.lastSQL, "LIMIT") {
		t.Fatalf("dry run SQL = %q, want no LIMIT injection", exec.lastSQL)
	}
}

func TestExecuteQuerySchemaValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing sql", `{}`},
		{"sql wrong type", `{"sql": 42}`},
		{"unknown field", `{"sql": "SELECT 1", "fetch_size": 10}`},
		{"bad format enum", `{"sql": "SELECT 1", "format": "xml"}`},
		{"not json", `{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			env := newTestEnv(exec)
			rec, resp := env.post(t, "/v1/tools/execute_query", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %v", rec.Code, resp)
			}
			if resp["error_code"] != "INVALID_ARGUMENT" {
				t.Fatalf("error_code = %v", resp["error_code"])
			}
			if exec.calls != 0 {
				t.Fatalf("executor invoked for invalid arguments")
			}
		})
	}
}

func TestExecuteQueryStringLimitCoercion(t *testing.T) {
	exec := &fakeExecutor{job: &fakeJob{}}
	env := newTestEnv(exec)

	rec, _ := env.post(t, "/v1/tools/execute_query",
		`{"sql": "SELECT * FROM analytics_prod.events", "limit": "50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.HasSuffix(exec.lastSQL, "LIMIT 50") {
		t.Fatalf("submitted SQL = %q, want LIMIT 50 suffix", exec.lastSQL)
	}
}

func TestExecutorFailureMapsToUpstreamStatus(t *testing.T) {
	exec := &fakeExecutor{err: errContains("Quota exceeded: query bytes billed per day")}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query", `{"sql": "SELECT * FROM analytics_prod.events"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", rec.Code, resp)
	}
	if resp["error_code"] != "RESOURCE_LIMIT_EXCEEDED" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errContains(msg string) error { return stringError(msg) }

func TestListDatasets(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	rec, resp := env.post(t, "/v1/tools/list_datasets", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}
	if resp["project"] != "billing-proj" {
		t.Fatalf("project = %v", resp["project"])
	}
}

func TestListTablesRejectsBadType(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	rec, resp := env.post(t, "/v1/tools/list_tables",
		`{"dataset": "analytics_prod", "table_type": "snapshot"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", rec.Code, resp)
	}
	if resp["error_code"] != "INVALID_ARGUMENT" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
}

func TestGetTableSchemaDeniedDataset(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	rec, resp := env.post(t, "/v1/tools/get_table_schema", `{"table": "secret_ds.events"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %v", rec.Code, resp)
	}
	if resp["error_code"] != "DATASET_ACCESS_DENIED" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
}

func TestSavedQueriesUnavailableWithoutStore(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	rec, resp := env.post(t, "/v1/tools/save_query",
		`{"name": "daily", "sql": "SELECT 1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %v", rec.Code, resp)
	}
	if resp["error_code"] != "CONFIGURATION" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
}

func TestManifestListsAllTools(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Tools []toolManifestEntry `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(resp.Tools) != 11 {
		t.Fatalf("manifest lists %d tools, want 11", len(resp.Tools))
	}
	for _, tool := range resp.Tools {
		if tool.Name == "" || tool.InputSchema == nil {
			t.Fatalf("incomplete manifest entry: %+v", tool)
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID was not assigned")
	}
}

func TestExecuteLatencyRecorded(t *testing.T) {
	exec := &fakeExecutor{job: &fakeJob{
		stats: bq.JobStats{CreatedAt: time.Now().Add(-time.Second), EndedAt: time.Now()},
	}}
	env := newTestEnv(exec)

	rec, resp := env.post(t, "/v1/tools/execute_query", `{"sql": "SELECT * FROM analytics_prod.events"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, resp)
	}
	if _, ok := resp["execution_time_seconds"]; !ok {
		t.Fatal("execution_time_seconds missing")
	}
}

type fakeReader struct {
	events     []chread.EventRow
	lastParams chread.ListEventsParams
	analytics  *chread.AnalyticsResult
}

func (r *fakeReader) ListEvents(_ context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error) {
	r.lastParams = params
	return r.events, len(r.events), nil
}

func (r *fakeReader) GetEvent(_ context.Context, requestID string) (*chread.EventRow, error) {
	for _, e := range r.events {
		if e.RequestID == requestID {
			return &e, nil
		}
	}
	return nil, nil
}

func (r *fakeReader) GetAnalytics(context.Context, int) (*chread.AnalyticsResult, error) {
	return r.analytics, nil
}

func newTestEnvWithReader(reader EventReader) *testEnv {
	env := newTestEnv(&fakeExecutor{})
	provider := config.NewProvider(testConfig())
	logger := zap.NewNop()
	deps := &Dependencies{
		Provider:  provider,
		Guard:     guard.New(&fakeExecutor{}, provider, logger),
		Discovery: discovery.New(&fakeMeta{}, provider, logger),
		Analysis:  analysis.New(&fakeMeta{}, &fakeExecutor{}, provider, logger),
		Writer:    env.writer,
		Reader:    reader,
		Metrics:   observability.New(),
		Logger:    logger,
	}
	env.handler = NewRouter(deps)
	return env
}

func sampleEventRow() chread.EventRow {
	return chread.EventRow{
		RequestID:   "req-1",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Tool:        "execute_query",
		Project:     "billing-proj",
		SQLPreview:  "SELECT * FROM analytics_prod.events LIMIT 20",
		SQLHash:     "deadbeef",
		SQLSize:     44,
		Outcome:     "success",
		Format:      "json",
		RowCount:    20,
		TotalRows:   1000,
		BytesBilled: 2048,
		CacheHit:    1,
		Complexity:  "simple",
		LatencyMs:   12.5,
	}
}

func TestListEvents(t *testing.T) {
	reader := &fakeReader{events: []chread.EventRow{sampleEventRow()}}
	env := newTestEnvWithReader(reader)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?tool=execute_query&outcome=success&dry_run=true&page_size=10", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp EventListResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Events) != 1 {
		t.Fatalf("total = %d, events = %d", resp.Total, len(resp.Events))
	}
	e := resp.Events[0]
	if e.RequestID != "req-1" || e.SQLPreview == "" || !e.CacheHit {
		t.Fatalf("event = %+v", e)
	}
	if e.ErrorCode != nil {
		t.Fatalf("error_code = %v, want null for success", *e.ErrorCode)
	}

	p := reader.lastParams
	if p.Tool == nil || *p.Tool != "execute_query" {
		t.Fatalf("tool filter = %v", p.Tool)
	}
	if p.Outcome == nil || *p.Outcome != "success" {
		t.Fatalf("outcome filter = %v", p.Outcome)
	}
	if p.DryRun == nil || !*p.DryRun {
		t.Fatalf("dry_run filter = %v", p.DryRun)
	}
	if p.PageSize != 10 || p.Page != 1 {
		t.Fatalf("pagination = %d/%d", p.Page, p.PageSize)
	}
}

func TestGetEventByRequestID(t *testing.T) {
	reader := &fakeReader{events: []chread.EventRow{sampleEventRow()}}
	env := newTestEnvWithReader(reader)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/req-1", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp QueryEventResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "req-1" || resp.Outcome != "success" {
		t.Fatalf("event = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/events/missing", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEventsUnavailableWithoutReader(t *testing.T) {
	env := newTestEnv(&fakeExecutor{})

	for _, path := range []string{"/v1/events", "/v1/events/req-1", "/v1/analytics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestGetAnalytics(t *testing.T) {
	reader := &fakeReader{analytics: &chread.AnalyticsResult{
		Summary:          chread.SummaryStats{TotalQueries: 40, Succeeded: 30, Failed: 10, DryRuns: 5},
		TopErrorCodes:    []chread.ErrorCodeCount{{ErrorCode: "QUERY_TIMEOUT", Count: 6}},
		TotalBytesBilled: 1 << 30,
	}}
	env := newTestEnvWithReader(reader)

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics?days=30", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp chread.AnalyticsResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Summary.TotalQueries != 40 || resp.Summary.Failed != 10 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if len(resp.TopErrorCodes) != 1 || resp.TopErrorCodes[0].ErrorCode != "QUERY_TIMEOUT" {
		t.Fatalf("top error codes = %+v", resp.TopErrorCodes)
	}
}
