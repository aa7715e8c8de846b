// Package analysis implements the profiling tools: table schema retrieval,
// whole-table sampling analysis, and per-column statistical profiling. The
// warehouse does the heavy computation through fixed SQL templates; this
// package shapes the requests and classifies the results.
package analysis

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bqguard/bqguard/internal/bq"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

const (
	defaultTableSampleRows  = 1000
	defaultColumnSampleRows = 10000
)

type Service struct {
	meta     bq.MetadataClient
	exec     bq.Executor
	provider *config.Provider
	logger   *zap.Logger
}

func New(meta bq.MetadataClient, exec bq.Executor, provider *config.Provider, logger *zap.Logger) *Service {
	return &Service{meta: meta, exec: exec, provider: provider, logger: logger}
}

// GetTableSchema returns the field list of a table.
func (s *Service) GetTableSchema(ctx context.Context, tablePath string) (map[string]any, error) {
	cfg := s.provider.Current()
	project, dataset, table, err := bq.ParseTablePath(tablePath, &cfg.Policy)
	if err != nil {
		return nil, err
	}

	info, err := s.getTable(ctx, project, dataset, table)
	if err != nil {
		return nil, err
	}

	schema := make([]map[string]any, 0, len(info.Schema))
	for _, f := range info.Schema {
		schema = append(schema, map[string]any{
			"name":        f.Name,
			"type":        f.Type,
			"mode":        f.Mode,
			"description": f.Description,
		})
	}
	return map[string]any{
		"status":      "success",
		"table":       project + "." + dataset + "." + table,
		"schema":      schema,
		"field_count": len(schema),
	}, nil
}

// AnalyzeTable samples a table and profiles every column: null counts,
// cardinality, a category classification, and value samples for
// low-cardinality columns.
func (s *Service) AnalyzeTable(ctx context.Context, tablePath string, sampleSize int) (map[string]any, error) {
	cfg := s.provider.Current()
	if sampleSize <= 0 {
		sampleSize = defaultTableSampleRows
	}
	s.logger.Info("analyzing table", zap.String("table", tablePath), zap.Int("sample_size", sampleSize))

	project, dataset, table, err := bq.ParseTablePath(tablePath, &cfg.Policy)
	if err != nil {
		return nil, err
	}
	info, err := s.getTable(ctx, project, dataset, table)
	if err != nil {
		return nil, err
	}

	sampleSQL := fmt.Sprintf("SELECT *\nFROM `%s.%s.%s`\nLIMIT %d", project, dataset, table, sampleSize)
	rows, err := s.collectRows(ctx, sampleSQL)
	if err != nil {
		return nil, err
	}
	actual := len(rows)

	columns := make([]map[string]any, 0, len(info.Schema))
	for _, field := range info.Schema {
		nullCount := 0
		distinct := map[string]int{}
		for _, row := range rows {
			v := row[field.Name]
			if v == nil {
				nullCount++
				continue
			}
			distinct[fmt.Sprint(v)]++
		}

		nullRatio := 0.0
		if actual > 0 {
			nullRatio = float64(nullCount) / float64(actual)
		}
		col := map[string]any{
			"name":            field.Name,
			"type":            field.Type,
			"mode":            field.Mode,
			"description":     field.Description,
			"null_count":      nullCount,
			"null_percentage": round2(nullRatio * 100),
			"distinct_count":  len(distinct),
			"classification":  classifyColumn(field.Name, field.Type, nullRatio, len(distinct), actual),
		}
		if len(distinct) > 0 && len(distinct) <= 20 {
			col["sample_values"] = topValueCounts(distinct, 10)
		}
		columns = append(columns, col)
	}

	fullPath := project + "." + dataset + "." + table
	if cfg.Formatting.Compact {
		compactCols := make([]map[string]any, 0, len(columns))
		for _, col := range columns {
			cls := col["classification"].(map[string]any)
			compactCols = append(compactCols, map[string]any{
				"name":     col["name"],
				"type":     col["type"],
				"nulls":    col["null_percentage"],
				"distinct": col["distinct_count"],
				"category": cls["category"],
			})
		}
		resp := map[string]any{
			"status":     "success",
			"table":      fullPath,
			"total_rows": info.NumRows,
			"size_mb":    sizeMB(info.NumBytes),
			"columns":    compactCols,
		}
		if info.PartitioningType != "" {
			field := info.PartitioningField
			if field == "" {
				field = "_PARTITIONTIME"
			}
			resp["partitioned_by"] = field
		}
		return resp, nil
	}

	samplingMethod := "FULL"
	if uint64(actual) < info.NumRows {
		samplingMethod = "LIMIT"
	}
	resp := map[string]any{
		"status": "success",
		"table": map[string]any{
			"project":   project,
			"dataset":   dataset,
			"table_id":  table,
			"full_path": fullPath,
		},
		"metadata": map[string]any{
			"created":     isoTime(info.Created),
			"modified":    isoTime(info.Modified),
			"description": info.Description,
			"labels":      nonNilLabels(info.Labels),
			"location":    info.Location,
		},
		"statistics": map[string]any{
			"total_rows":  info.NumRows,
			"total_bytes": info.NumBytes,
			"size_mb":     sizeMB(info.NumBytes),
			"size_gb":     round2(float64(info.NumBytes) / (1024 * 1024 * 1024)),
		},
		"structure": structureSection(info),
		"sample_info": map[string]any{
			"requested_rows":  sampleSize,
			"actual_rows":     actual,
			"sampling_method": samplingMethod,
		},
		"columns": columns,
	}
	return resp, nil
}

// AnalyzeColumns profiles selected columns with type-specific SQL. An empty
// column list profiles every column in the table.
func (s *Service) AnalyzeColumns(ctx context.Context, tablePath string, columns []string, includeExamples bool, sampleSize int) (map[string]any, error) {
	cfg := s.provider.Current()
	if sampleSize <= 0 {
		sampleSize = defaultColumnSampleRows
	}
	s.logger.Info("analyzing columns", zap.String("table", tablePath), zap.Strings("columns", columns))

	project, dataset, table, err := bq.ParseTablePath(tablePath, &cfg.Policy)
	if err != nil {
		return nil, err
	}
	info, err := s.getTable(ctx, project, dataset, table)
	if err != nil {
		return nil, err
	}

	fields := map[string]bq.FieldDescriptor{}
	for _, f := range info.Schema {
		fields[f.Name] = f
	}

	targets := columns
	if len(targets) == 0 {
		for _, f := range info.Schema {
			targets = append(targets, f.Name)
		}
	} else {
		var missing []string
		for _, name := range targets {
			if _, ok := fields[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return nil, errs.InvalidArgument("Columns not found in table: %s", strings.Join(missing, ", "))
		}
	}

	source := fmt.Sprintf("`%s.%s.%s`", project, dataset, table)
	analyses := make([]map[string]any, 0, len(targets))
	for _, name := range targets {
		field := fields[name]
		analysis, err := s.analyzeColumn(ctx, source, field, includeExamples, sampleSize)
		if err != nil {
			s.logger.Warn("column analysis failed",
				zap.String("column", name), zap.Error(err))
			analyses = append(analyses, map[string]any{
				"column_name": name,
				"data_type":   field.Type,
				"error":       err.Error(),
			})
			continue
		}
		analyses = append(analyses, analysis)
	}

	method := "FULL_SCAN"
	if info.NumRows > uint64(sampleSize) {
		method = "TABLESAMPLE"
	}
	resp := map[string]any{
		"status":           "success",
		"table":            project + "." + dataset + "." + table,
		"columns_analyzed": len(analyses),
		"sample_size":      sampleSize,
		"analysis_method":  method,
		"columns":          analyses,
	}
	if !cfg.Formatting.Compact {
		resp["summary"] = summarize(analyses)
	}
	return resp, nil
}

func (s *Service) analyzeColumn(ctx context.Context, source string, field bq.FieldDescriptor, includeExamples bool, sampleSize int) (map[string]any, error) {
	sql := columnQuery(source, field, sampleSize)
	rows, err := s.collectRows(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("analysis query returned no rows")
	}
	row := rows[0]

	total := asInt(row["total_count"])
	nulls := asInt(row["null_count"])
	distinct := asInt(row["distinct_count"])
	nullRatio := 0.0
	if total > 0 {
		nullRatio = float64(nulls) / float64(total)
	}

	analysis := map[string]any{
		"column_name":         field.Name,
		"data_type":           field.Type,
		"mode":                field.Mode,
		"description":         field.Description,
		"total_rows_analyzed": total,
		"null_analysis": map[string]any{
			"null_count":      nulls,
			"non_null_count":  total - nulls,
			"null_percentage": round2(nullRatio * 100),
			"is_nullable":     field.Mode != "REQUIRED",
		},
		"cardinality": map[string]any{
			"distinct_count":      distinct,
			"distinct_percentage": percentage(distinct, total),
			"is_unique":           distinct == total && total > 0,
			"has_duplicates":      distinct < total,
		},
	}

	switch kindOf(field.Type) {
	case kindNumeric:
		stats := map[string]any{
			"min":    asFloatOrNil(row["min_value"]),
			"max":    asFloatOrNil(row["max_value"]),
			"avg":    asFloatOrNil(row["avg_value"]),
			"stddev": asFloatOrNil(row["stddev_value"]),
		}
		if quartiles, ok := row["quartiles"].([]any); ok && len(quartiles) == 5 {
			stats["quartiles"] = map[string]any{
				"q0_min":    asFloatOrNil(quartiles[0]),
				"q1":        asFloatOrNil(quartiles[1]),
				"q2_median": asFloatOrNil(quartiles[2]),
				"q3":        asFloatOrNil(quartiles[3]),
				"q4_max":    asFloatOrNil(quartiles[4]),
			}
		}
		analysis["numeric_stats"] = stats
	case kindString:
		avgLen := 0.0
		if f, ok := asFloat(row["avg_length"]); ok {
			avgLen = round2(f)
		}
		analysis["string_stats"] = map[string]any{
			"min_length": row["min_length"],
			"max_length": row["max_length"],
			"avg_length": avgLen,
		}
		if includeExamples {
			if top, ok := row["top_values"].([]any); ok {
				analysis["top_values"] = topValues(top, total)
			}
		}
	case kindTemporal:
		analysis["temporal_stats"] = map[string]any{
			"min_value":  stringOrNil(row["min_value"]),
			"max_value":  stringOrNil(row["max_value"]),
			"range_days": row["range_days"],
		}
	}

	analysis["classification"] = classifyColumn(field.Name, field.Type, nullRatio, int(distinct), int(total))
	analysis["data_quality"] = map[string]any{
		"completeness":      round2((1 - nullRatio) * 100),
		"uniqueness":        percentage(distinct, total),
		"has_nulls":         nulls > 0,
		"has_empty_strings": false,
	}
	return analysis, nil
}

type typeKind int

const (
	kindOther typeKind = iota
	kindNumeric
	kindString
	kindTemporal
)

func kindOf(dataType string) typeKind {
	switch dataType {
	case "INT64", "INTEGER", "FLOAT64", "FLOAT", "NUMERIC", "BIGNUMERIC":
		return kindNumeric
	case "STRING":
		return kindString
	case "DATE", "DATETIME", "TIMESTAMP":
		return kindTemporal
	}
	return kindOther
}

// columnQuery builds the type-specific profiling statement. Column names
// come from the table's own schema, never from raw caller input, and are
// backtick-quoted anyway.
func columnQuery(source string, field bq.FieldDescriptor, sampleSize int) string {
	col := "`" + field.Name + "`"
	sample := fmt.Sprintf("WITH sample_data AS (\n  SELECT %s\n  FROM %s\n  TABLESAMPLE SYSTEM (%d ROWS)\n)", col, source, sampleSize)

	switch kindOf(field.Type) {
	case kindNumeric:
		return fmt.Sprintf(`%s
SELECT
  COUNT(*) AS total_count,
  COUNTIF(%[2]s IS NULL) AS null_count,
  COUNT(DISTINCT %[2]s) AS distinct_count,
  MIN(%[2]s) AS min_value,
  MAX(%[2]s) AS max_value,
  AVG(%[2]s) AS avg_value,
  STDDEV(%[2]s) AS stddev_value,
  APPROX_QUANTILES(%[2]s, 4) AS quartiles
FROM sample_data`, sample, col)
	case kindString:
		return fmt.Sprintf(`%[1]s,
value_counts AS (
  SELECT %[2]s AS value, COUNT(*) AS count
  FROM sample_data
  GROUP BY %[2]s
  ORDER BY count DESC
  LIMIT 20
)
SELECT
  COUNT(*) AS total_count,
  COUNTIF(%[2]s IS NULL) AS null_count,
  COUNT(DISTINCT %[2]s) AS distinct_count,
  MIN(LENGTH(%[2]s)) AS min_length,
  MAX(LENGTH(%[2]s)) AS max_length,
  AVG(LENGTH(%[2]s)) AS avg_length,
  (SELECT ARRAY_AGG(STRUCT(value, count)) FROM value_counts) AS top_values
FROM sample_data`, sample, col)
	case kindTemporal:
		return fmt.Sprintf(`%s
SELECT
  COUNT(*) AS total_count,
  COUNTIF(%[2]s IS NULL) AS null_count,
  COUNT(DISTINCT %[2]s) AS distinct_count,
  MIN(%[2]s) AS min_value,
  MAX(%[2]s) AS max_value,
  DATE_DIFF(DATE(MAX(%[2]s)), DATE(MIN(%[2]s)), DAY) AS range_days
FROM sample_data`, sample, col)
	default:
		return fmt.Sprintf(`%s
SELECT
  COUNT(*) AS total_count,
  COUNTIF(%[2]s IS NULL) AS null_count,
  COUNT(DISTINCT TO_JSON_STRING(%[2]s)) AS distinct_count
FROM sample_data`, sample, col)
	}
}

// classifyColumn labels a column by name pattern, type, and cardinality.
func classifyColumn(name, dataType string, nullRatio float64, cardinality, sampleSize int) map[string]any {
	c := map[string]any{
		"data_type":  dataType,
		"nullable":   nullRatio > 0,
		"null_ratio": round4(nullRatio),
	}

	lower := strings.ToLower(name)
	switch {
	case lower == "id" || strings.Contains(lower, "_id") || strings.Contains(lower, "id_") ||
		strings.Contains(lower, "_key") || strings.Contains(lower, "key_"):
		c["category"] = "identifier"
		c["likely_primary_key"] = nullRatio == 0 && cardinality == sampleSize
	case kindOf(dataType) == kindTemporal || dataType == "TIME":
		c["category"] = "temporal"
	case kindOf(dataType) == kindNumeric:
		if cardinality < 10 {
			c["category"] = "categorical_numeric"
		} else {
			c["category"] = "measure"
		}
	case dataType == "STRING":
		uniqueness := 0.0
		if sampleSize > 0 {
			uniqueness = float64(cardinality) / float64(sampleSize)
		}
		switch {
		case uniqueness > 0.95:
			c["category"] = "high_cardinality_string"
		case cardinality < 50:
			c["category"] = "categorical"
		default:
			c["category"] = "descriptive"
		}
	case dataType == "BOOL" || dataType == "BOOLEAN":
		c["category"] = "boolean"
	case dataType == "STRUCT" || dataType == "ARRAY" || dataType == "JSON" || dataType == "RECORD":
		c["category"] = "complex"
	default:
		c["category"] = "other"
	}

	switch {
	case cardinality == 1:
		c["cardinality_type"] = "constant"
	case cardinality == 2:
		c["cardinality_type"] = "binary"
	case cardinality < 10:
		c["cardinality_type"] = "low"
	case cardinality < 100:
		c["cardinality_type"] = "medium"
	default:
		c["cardinality_type"] = "high"
	}
	return c
}

func summarize(analyses []map[string]any) map[string]any {
	var highNull, unique, constant, highCard []string
	for _, col := range analyses {
		name, _ := col["column_name"].(string)
		if na, ok := col["null_analysis"].(map[string]any); ok {
			if pct, ok := na["null_percentage"].(float64); ok && pct > 50 {
				highNull = append(highNull, name)
			}
		}
		if card, ok := col["cardinality"].(map[string]any); ok {
			if u, ok := card["is_unique"].(bool); ok && u {
				unique = append(unique, name)
			}
			if d, ok := card["distinct_count"].(int64); ok && d == 1 {
				constant = append(constant, name)
			}
			if pct, ok := card["distinct_percentage"].(float64); ok && pct > 90 {
				highCard = append(highCard, name)
			}
		}
	}
	return map[string]any{
		"high_null_columns":        emptyIfNil(highNull),
		"unique_columns":           emptyIfNil(unique),
		"constant_columns":         emptyIfNil(constant),
		"high_cardinality_columns": emptyIfNil(highCard),
	}
}

func (s *Service) getTable(ctx context.Context, project, dataset, table string) (*bq.TableInfo, error) {
	info, err := s.meta.GetTable(ctx, project, dataset, table)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "404") || strings.Contains(msg, "Not found") {
			return nil, errs.TableNotFound("Table %q not found in dataset %q", table, project+"."+dataset)
		}
		return nil, err
	}
	return info, nil
}

func (s *Service) collectRows(ctx context.Context, sql string) ([]map[string]any, error) {
	job, err := s.exec.Submit(ctx, sql, bq.SubmitOptions{UseCache: true})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for {
		row, err := job.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func structureSection(info *bq.TableInfo) map[string]any {
	structure := map[string]any{
		"column_count":     len(info.Schema),
		"has_partitioning": info.PartitioningType != "",
		"has_clustering":   len(info.ClusteringFields) > 0,
		"table_type":       info.TableType,
	}
	if info.PartitioningType != "" {
		structure["partitioning"] = map[string]any{
			"type":                     info.PartitioningType,
			"field":                    info.PartitioningField,
			"require_partition_filter": info.RequirePartitionFilter,
		}
	}
	if len(info.ClusteringFields) > 0 {
		structure["clustering"] = map[string]any{"fields": info.ClusteringFields}
	}
	return structure
}

// topValueCounts returns the n most frequent values, most frequent first,
// ties broken by value for determinism.
func topValueCounts(counts map[string]int, n int) []map[string]any {
	type vc struct {
		value string
		count int
	}
	all := make([]vc, 0, len(counts))
	for v, c := range counts {
		all = append(all, vc{v, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].value < all[j].value
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]map[string]any, 0, len(all))
	for _, e := range all {
		out = append(out, map[string]any{"value": e.value, "count": e.count})
	}
	return out
}

func topValues(items []any, total int64) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok || entry["value"] == nil {
			continue
		}
		count := asInt(entry["count"])
		pct := 0.0
		if total > 0 {
			pct = round2(float64(count) / float64(total) * 100)
		}
		out = append(out, map[string]any{
			"value":      entry["value"],
			"count":      count,
			"percentage": pct,
		})
		if len(out) == 10 {
			break
		}
	}
	return out
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case uint64:
		return int64(t)
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func asFloatOrNil(v any) any {
	if f, ok := asFloat(v); ok {
		return f
	}
	return nil
}

func stringOrNil(v any) any {
	if v == nil {
		return nil
	}
	return fmt.Sprint(v)
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isoTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}

func sizeMB(bytes int64) float64 {
	return round2(float64(bytes) / (1024 * 1024))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
