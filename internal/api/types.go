package api

import "time"

// executeQueryRequest carries the arguments for execute_query. Limit and
// timeout stay untyped so the guard can coerce integers, floats, and
// numeric strings the same way regardless of transport.
type executeQueryRequest struct {
	SQL        string         `json:"sql"`
	Limit      any            `json:"limit,omitempty"`
	Timeout    any            `json:"timeout,omitempty"`
	Format     string         `json:"format,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type listDatasetsRequest struct {
	Project string `json:"project,omitempty"`
}

type listTablesRequest struct {
	Dataset   string `json:"dataset"`
	TableType string `json:"table_type,omitempty"`
}

type tablePathRequest struct {
	Table string `json:"table"`
}

type analyzeTableRequest struct {
	Table      string `json:"table"`
	SampleSize int    `json:"sample_size,omitempty"`
}

type analyzeColumnsRequest struct {
	Table           string   `json:"table"`
	Columns         []string `json:"columns,omitempty"`
	IncludeExamples *bool    `json:"include_examples,omitempty"` // defaults to true
	SampleSize      int      `json:"sample_size,omitempty"`
}

type saveQueryRequest struct {
	Name        string `json:"name"`
	SQL         string `json:"sql"`
	Description string `json:"description,omitempty"`
}

type savedQueryNameRequest struct {
	Name string `json:"name"`
}

// ErrorResp is the error body for the audit inspection endpoints. Tool
// endpoints return the structured error map instead.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// QueryEventResp is one audit event in the events API.
type QueryEventResp struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Tool           string    `json:"tool"`
	Project        string    `json:"project"`
	SQLPreview     string    `json:"sql_preview"`
	SQLHash        string    `json:"sql_hash"`
	SQLSize        uint32    `json:"sql_size"`
	Outcome        string    `json:"outcome"`
	ErrorCode      *string   `json:"error_code"`
	ErrorSource    *string   `json:"error_source"`
	DryRun         bool      `json:"dry_run"`
	Format         string    `json:"format"`
	RowCount       uint32    `json:"row_count"`
	TotalRows      uint64    `json:"total_rows"`
	BytesProcessed int64     `json:"bytes_processed"`
	BytesBilled    int64     `json:"bytes_billed"`
	CacheHit       bool      `json:"cache_hit"`
	Complexity     string    `json:"complexity"`
	LatencyMs      float32   `json:"latency_ms"`
}

// EventListResp is the paginated event listing.
type EventListResp struct {
	Events   []QueryEventResp `json:"events"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// toolManifestEntry is one tool in the GET /v1/tools manifest.
type toolManifestEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}
