// Package guard is the chokepoint between tool requests and the warehouse.
// Every query passes safety validation, limit and timeout coercion, and
// LIMIT injection before submission; every failure leaves classified with a
// context bundle attached.
package guard

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bqguard/bqguard/internal/bq"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
	"github.com/bqguard/bqguard/internal/format"
	"github.com/bqguard/bqguard/internal/validate"
)

const queryLogLimit = 500

// Request is one execute call. Limit and Timeout are any because agent
// callers send integers, floats, and numeric strings interchangeably; the
// guard coerces them.
type Request struct {
	SQL        string
	Format     string
	Limit      any
	Timeout    any
	DryRun     bool
	Parameters map[string]any
}

// Guard executes requests against an Executor under the active config
// snapshot. One snapshot is read per request, so a concurrent reload never
// produces a half-applied policy.
type Guard struct {
	exec     bq.Executor
	provider *config.Provider
	logger   *zap.Logger
}

func New(exec bq.Executor, provider *config.Provider, logger *zap.Logger) *Guard {
	return &Guard{exec: exec, provider: provider, logger: logger}
}

// Execute validates, bounds, submits, and shapes one query. The returned
// map is the tool response body. On failure the error is always an
// *errs.Error carrying the context bundle.
func (g *Guard) Execute(ctx context.Context, req Request) (map[string]any, error) {
	cfg := g.provider.Current()
	if req.Format == "" {
		req.Format = format.JSON
	}

	limit := cfg.Limits.DefaultRowLimit
	timeout := cfg.Limits.MaxQueryTimeoutSeconds

	fail := func(err error) (map[string]any, error) {
		classified := errs.Classify(err, map[string]any{
			"query_length":     len(req.SQL),
			"query_complexity": Complexity(req.SQL),
			"timeout_used":     timeout,
			"limit_used":       limit,
			"dry_run":          req.DryRun,
		})
		g.logger.Error("query execution failed",
			zap.String("error_code", string(classified.Kind)),
			zap.String("error_source", string(classified.Source)),
			zap.String("message", classified.Message),
		)
		return nil, classified
	}

	g.logger.Info("executing query",
		zap.Bool("dry_run", req.DryRun),
		zap.String("format", req.Format),
		zap.String("complexity", Complexity(req.SQL)),
	)

	if !format.Valid(req.Format) {
		return fail(errs.InvalidArgument("Unknown format type: %s", req.Format))
	}

	if err := validate.New(cfg.Security).Validate(req.SQL); err != nil {
		return fail(err)
	}

	if v, set, err := coerceInt(req.Limit, "limit"); err != nil {
		return fail(err)
	} else if set {
		limit = clampInt(v, 1, cfg.Limits.MaxRowLimit)
	}
	if v, set, err := coerceInt(req.Timeout, "timeout"); err != nil {
		return fail(err)
	} else if set {
		timeout = clampInt(v, 1, cfg.Limits.MaxQueryTimeoutSeconds)
	}

	sql := req.SQL
	if !req.DryRun && !validate.HasLimitToken(sql) {
		sql = validate.AppendLimit(sql, limit)
	}

	if cfg.Logging.LogQueries {
		g.logger.Info("query text", zap.String("sql", truncateForLog(sql, queryLogLimit)))
	}

	started := time.Now()
	job, err := g.exec.Submit(ctx, sql, bq.SubmitOptions{
		UseCache:       true,
		DryRun:         req.DryRun,
		MaxBytesBilled: cfg.Limits.MaxBytesProcessed,
		Timeout:        time.Duration(timeout) * time.Second,
		Parameters:     normalizeParameters(req.Parameters),
	})
	if err != nil {
		return fail(err)
	}

	if req.DryRun {
		return dryRunResponse(job), nil
	}

	g.logger.Info("query completed", zap.Duration("elapsed", time.Since(started)))

	// Schema is read before the row iterator is consumed.
	schema := job.Schema()
	rows := make([]map[string]any, 0, min(limit, 64))
	for len(rows) < limit {
		row, err := job.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err)
		}
		rows = append(rows, serializeRow(row))
	}

	resp, err := g.buildResponse(cfg, req.Format, schema, rows, job.Stats())
	if err != nil {
		return fail(err)
	}
	return resp, nil
}

func (g *Guard) buildResponse(cfg *config.Config, formatName string, schema []bq.FieldDescriptor, rows []map[string]any, stats bq.JobStats) (map[string]any, error) {
	resp := map[string]any{
		"status":          "success",
		"row_count":       len(rows),
		"total_rows":      stats.TotalRows,
		"bytes_processed": stats.BytesProcessed,
		"bytes_billed":    stats.BytesBilled,
		"cache_hit":       stats.CacheHit,
		"slot_millis":     stats.SlotMillis,
	}

	switch formatName {
	case format.JSON:
		resp["results"] = rows
		if !cfg.Formatting.Compact && len(schema) > 0 {
			resp["schema"] = schemaEntries(schema, true)
		}
	case format.CSV:
		columns := format.Columns(schemaColumns(schema), rows)
		data, err := format.RenderCSV(rows, columns)
		if err != nil {
			return nil, err
		}
		resp["format"] = format.CSV
		resp["data"] = data
	case format.Table:
		columns := format.Columns(schemaColumns(schema), rows)
		resp["format"] = format.Table
		resp["data"] = format.RenderTable(rows, columns)
	}

	if !stats.CreatedAt.IsZero() && !stats.EndedAt.IsZero() {
		resp["execution_time_seconds"] = round3(stats.EndedAt.Sub(stats.CreatedAt).Seconds())
	}

	if cfg.Logging.LogResults {
		g.logger.Debug("query results", zap.Int("rows", len(rows)))
	}
	return resp, nil
}

func dryRunResponse(job bq.Job) map[string]any {
	stats := job.Stats()
	cost := 0.0
	if stats.BytesBilled > 0 {
		cost = round4(float64(stats.BytesBilled) / 1e12 * 5.0)
	}
	return map[string]any{
		"status":                "success",
		"dry_run":               true,
		"total_bytes_processed": stats.BytesProcessed,
		"total_bytes_billed":    stats.BytesBilled,
		"estimated_cost_usd":    cost,
		"schema":                schemaEntries(job.Schema(), false),
	}
}

// schemaEntries renders field descriptors for a response. Descriptions are
// included only for executed queries; dry runs report name, type, and mode.
func schemaEntries(schema []bq.FieldDescriptor, withDescription bool) []map[string]any {
	out := make([]map[string]any, 0, len(schema))
	for _, f := range schema {
		entry := map[string]any{
			"name": f.Name,
			"type": f.Type,
			"mode": f.Mode,
		}
		if withDescription {
			entry["description"] = f.Description
		}
		out = append(out, entry)
	}
	return out
}

func schemaColumns(schema []bq.FieldDescriptor) []string {
	cols := make([]string, 0, len(schema))
	for _, f := range schema {
		cols = append(cols, f.Name)
	}
	return cols
}

// coerceInt accepts the numeric shapes agent callers actually send.
// Floats truncate toward zero; strings must parse as base-10 integers.
func coerceInt(v any, name string) (value int, set bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		return int(t), true, nil
	case json.Number:
		f, convErr := t.Float64()
		if convErr != nil {
			return 0, false, errs.InvalidArgument("%s must be an integer, got: %s", name, t.String())
		}
		return int(f), true, nil
	case string:
		n, convErr := strconv.Atoi(strings.TrimSpace(t))
		if convErr != nil {
			return 0, false, errs.InvalidArgument("%s must be an integer, got: %s", name, t)
		}
		return n, true, nil
	default:
		return 0, false, errs.InvalidArgument("%s must be an integer, got type: %T", name, v)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeParameters prepares named parameters for typed scalar binding.
// JSON numbers become int64 when integral so the inferred parameter type is
// INT64 rather than FLOAT64.
func normalizeParameters(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for name, v := range params {
		out[name] = normalizeParam(v)
	}
	return out
}

func normalizeParam(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

func truncateForLog(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
