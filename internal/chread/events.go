// Package chread provides read access to the query_audit_events table
// written by internal/storage. It backs the audit inspection endpoints.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader reads audit events from ClickHouse.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow is a single row from the query_audit_events table. Column types
// match what the writer inserts; bools are stored as UInt8.
type EventRow struct {
	RequestID      string
	Timestamp      time.Time
	Tool           string
	Project        string
	SQLPreview     string
	SQLHash        string
	SQLSize        uint32
	Outcome        string
	ErrorCode      string
	ErrorSource    string
	DryRun         uint8
	Format         string
	RowCount       uint32
	TotalRows      uint64
	BytesProcessed int64
	BytesBilled    int64
	CacheHit       uint8
	Complexity     string
	LatencyMs      float32
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Tool      *string
	Outcome   *string
	ErrorCode *string
	DryRun    *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

const eventColumns = "request_id, timestamp, tool, project, " +
	"sql_preview, sql_hash, sql_size, " +
	"outcome, error_code, error_source, " +
	"dry_run, format, row_count, total_rows, " +
	"bytes_processed, bytes_billed, cache_hit, " +
	"complexity, latency_ms"

func scanEvent(row interface{ Scan(...any) error }, e *EventRow) error {
	return row.Scan(
		&e.RequestID, &e.Timestamp, &e.Tool, &e.Project,
		&e.SQLPreview, &e.SQLHash, &e.SQLSize,
		&e.Outcome, &e.ErrorCode, &e.ErrorSource,
		&e.DryRun, &e.Format, &e.RowCount, &e.TotalRows,
		&e.BytesProcessed, &e.BytesBilled, &e.CacheHit,
		&e.Complexity, &e.LatencyMs,
	)
}

// ListEvents returns paginated, filtered audit events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Tool != nil {
		conditions = append(conditions, "tool = @tool")
		args = append(args, clickhouse.Named("tool", *params.Tool))
	}
	if params.Outcome != nil {
		conditions = append(conditions, "outcome = @outcome")
		args = append(args, clickhouse.Named("outcome", *params.Outcome))
	}
	if params.ErrorCode != nil {
		conditions = append(conditions, "error_code = @error_code")
		args = append(args, clickhouse.Named("error_code", *params.ErrorCode))
	}
	if params.DryRun != nil {
		var v uint8
		if *params.DryRun {
			v = 1
		}
		conditions = append(conditions, "dry_run = @dry_run")
		args = append(args, clickhouse.Named("dry_run", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM query_audit_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM query_audit_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := scanEvent(rows, &e); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by request ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, requestID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM query_audit_events WHERE request_id = @request_id", eventColumns),
		clickhouse.Named("request_id", requestID),
	)

	var e EventRow
	if err := scanEvent(row, &e); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.RequestID == "" {
		return nil, nil
	}
	return &e, nil
}

// SummaryStats holds aggregate invocation counts.
type SummaryStats struct {
	TotalQueries int `json:"total_queries"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DryRuns      int `json:"dry_runs"`
}

// ErrorCodeCount holds an error code and its count.
type ErrorCodeCount struct {
	ErrorCode string `json:"error_code"`
	Count     int    `json:"count"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds aggregated audit statistics over a time range.
type AnalyticsResult struct {
	Summary            SummaryStats     `json:"summary"`
	TopErrorCodes      []ErrorCodeCount `json:"top_error_codes"`
	LatencyPercentiles LatencyStats     `json:"latency_percentiles"`
	TotalBytesBilled   int64            `json:"total_bytes_billed"`
}

// GetAnalytics returns aggregated audit statistics for the last N days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	args := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{}

	var total, succeeded, failed, dryRuns, bytesBilled uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(outcome = 'success') as succeeded, "+
			"countIf(outcome = 'error') as failed, "+
			"countIf(dry_run = 1) as dry_runs, "+
			"sum(bytes_billed) as bytes_billed "+
			"FROM query_audit_events "+
			"WHERE timestamp >= @range_start",
		args...,
	).Scan(&total, &succeeded, &failed, &dryRuns, &bytesBilled)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalQueries: int(total),
		Succeeded:    int(succeeded),
		Failed:       int(failed),
		DryRuns:      int(dryRuns),
	}
	result.TotalBytesBilled = int64(bytesBilled)

	codeRows, err := r.conn.Query(ctx,
		"SELECT error_code, count() as count "+
			"FROM query_audit_events "+
			"WHERE outcome = 'error' AND error_code != '' "+
			"AND timestamp >= @range_start "+
			"GROUP BY error_code ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_error_codes: %w", err)
	}
	defer func() { _ = codeRows.Close() }()
	for codeRows.Next() {
		var code string
		var count uint64
		if err := codeRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_error_codes scan: %w", err)
		}
		result.TopErrorCodes = append(result.TopErrorCodes, ErrorCodeCount{
			ErrorCode: code, Count: int(count),
		})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM query_audit_events "+
			"WHERE timestamp >= @range_start",
		args...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.TopErrorCodes == nil {
		result.TopErrorCodes = []ErrorCodeCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
