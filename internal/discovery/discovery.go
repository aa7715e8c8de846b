// Package discovery implements the metadata tools: listing configured
// projects, datasets filtered by the access policy, and tables with
// optional type filtering. Responses shrink in compact formatting mode.
package discovery

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bqguard/bqguard/internal/bq"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

var validTableTypes = []string{"all", "table", "view", "materialized_view"}

type Service struct {
	meta     bq.MetadataClient
	provider *config.Provider
	logger   *zap.Logger
}

func New(meta bq.MetadataClient, provider *config.Provider, logger *zap.Logger) *Service {
	return &Service{meta: meta, provider: provider, logger: logger}
}

// ListProjects reports the configured allowlist. It never touches the
// warehouse: the answer comes from configuration alone.
func (s *Service) ListProjects(_ context.Context) (map[string]any, error) {
	cfg := s.provider.Current()
	s.logger.Info("listing accessible projects")

	projects := make([]map[string]any, 0, len(cfg.Policy.Projects))
	for _, rule := range cfg.Policy.Projects {
		info := map[string]any{
			"project_id":   rule.ProjectID,
			"project_name": rule.ProjectName,
			"description":  rule.Description,
		}
		if !cfg.Formatting.Compact {
			info["dataset_patterns"] = rule.DatasetPatterns
		}
		projects = append(projects, info)
	}

	return map[string]any{
		"status":          "success",
		"projects":        projects,
		"total_projects":  len(projects),
		"billing_project": cfg.Policy.BillingProject,
	}, nil
}

// ListDatasets lists datasets in a project, keeping only those matching
// the configured patterns. An empty project defaults to the billing
// project.
func (s *Service) ListDatasets(ctx context.Context, project string) (map[string]any, error) {
	cfg := s.provider.Current()
	if project == "" {
		project = cfg.Policy.BillingProject
	}
	s.logger.Info("listing datasets", zap.String("project", project))

	if !cfg.Policy.IsProjectAllowed(project) {
		return nil, errs.ProjectAccess(
			"Project %q not in allowed list. Use list_projects to see available projects.", project)
	}

	all, err := s.meta.ListDatasets(ctx, project)
	if err != nil {
		if strings.Contains(err.Error(), "403") {
			return nil, errs.ProjectAccess(
				"Permission denied accessing project %q. Ensure the service account has bigquery.datasets.list permission.", project)
		}
		return nil, err
	}

	datasets := make([]map[string]any, 0, len(all))
	filtered := 0
	for _, ds := range all {
		if !cfg.Policy.IsDatasetAllowed(project, ds.DatasetID) {
			filtered++
			continue
		}
		info := map[string]any{
			"dataset_id": ds.DatasetID,
			"location":   ds.Location,
		}
		if cfg.Formatting.Compact {
			if ds.Description != "" {
				info["description"] = ds.Description
			}
		} else {
			info["created"] = isoTime(ds.Created)
			info["modified"] = isoTime(ds.Modified)
			info["description"] = ds.Description
			info["labels"] = nonNilLabels(ds.Labels)
		}
		datasets = append(datasets, info)
	}

	s.logger.Info("datasets listed",
		zap.String("project", project),
		zap.Int("accessible", len(datasets)),
		zap.Int("filtered", filtered),
	)

	projectName := project
	if rule, ok := cfg.Policy.Project(project); ok {
		projectName = rule.ProjectName
	}
	resp := map[string]any{
		"status":         "success",
		"project":        project,
		"project_name":   projectName,
		"datasets":       datasets,
		"total_datasets": len(datasets),
	}
	if filtered > 0 {
		resp["filtered_count"] = filtered
		resp["note"] = fmt.Sprintf("%d datasets were filtered due to access restrictions", filtered)
	}
	return resp, nil
}

// ListTables lists tables in a dataset with optional type filtering.
// tableType is one of all, table, view, materialized_view; empty means all.
func (s *Service) ListTables(ctx context.Context, datasetPath, tableType string) (map[string]any, error) {
	cfg := s.provider.Current()
	if tableType == "" {
		tableType = "all"
	}
	tableType = strings.ToLower(tableType)
	if !slices.Contains(validTableTypes, tableType) {
		return nil, errs.InvalidArgument(
			"Invalid table_type %q. Must be one of: %s", tableType, strings.Join(validTableTypes, ", "))
	}

	s.logger.Info("listing tables", zap.String("dataset", datasetPath), zap.String("type", tableType))

	project, dataset, err := bq.ParseDatasetPath(datasetPath, &cfg.Policy)
	if err != nil {
		return nil, err
	}
	if !cfg.Policy.IsDatasetAllowed(project, dataset) {
		patterns := ""
		if rule, ok := cfg.Policy.Project(project); ok {
			patterns = strings.Join(rule.DatasetPatterns, ", ")
		}
		return nil, errs.DatasetAccess(
			"Dataset %q in project %q is not accessible. Allowed patterns: %s", dataset, project, patterns)
	}

	all, err := s.meta.ListTables(ctx, project, dataset)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, errs.DatasetAccess(
				"Dataset not found: %s. Check the dataset path and ensure you have access.", datasetPath)
		}
		return nil, err
	}

	wantType := strings.ToUpper(tableType)
	tables := make([]map[string]any, 0, len(all))
	for _, tbl := range all {
		if tableType != "all" && tbl.TableType != wantType {
			continue
		}
		tables = append(tables, tableEntry(tbl, cfg.Formatting.Compact))
	}
	sort.Slice(tables, func(i, j int) bool {
		a, _ := tables[i]["table_id"].(string)
		b, _ := tables[j]["table_id"].(string)
		return a < b
	})

	resp := map[string]any{
		"status":       "success",
		"project":      project,
		"dataset":      dataset,
		"full_path":    project + "." + dataset,
		"tables":       tables,
		"total_tables": len(tables),
	}
	if tableType != "all" {
		resp["filtered_by_type"] = wantType
		if !cfg.Formatting.Compact {
			breakdown := map[string]int{}
			for _, t := range tables {
				typ, _ := t["table_type"].(string)
				if typ == "" {
					typ = "TABLE"
				}
				breakdown[typ]++
			}
			resp["type_breakdown"] = breakdown
		}
	}
	return resp, nil
}

func tableEntry(tbl bq.TableInfo, compact bool) map[string]any {
	if compact {
		info := map[string]any{
			"table_id": tbl.TableID,
			"type":     tbl.TableType,
			"rows":     tbl.NumRows,
			"size_mb":  sizeMB(tbl.NumBytes),
		}
		if tbl.Description != "" {
			info["description"] = tbl.Description
		}
		return info
	}

	info := map[string]any{
		"table_id":           tbl.TableID,
		"table_type":         tbl.TableType,
		"created":            isoTime(tbl.Created),
		"modified":           isoTime(tbl.Modified),
		"num_rows":           tbl.NumRows,
		"size_bytes":         tbl.NumBytes,
		"size_mb":            sizeMB(tbl.NumBytes),
		"description":        tbl.Description,
		"location":           tbl.Location,
		"schema_field_count": len(tbl.Schema),
	}
	if tbl.PartitioningType != "" {
		info["partitioning"] = map[string]any{
			"type":  tbl.PartitioningType,
			"field": tbl.PartitioningField,
		}
	}
	if len(tbl.ClusteringFields) > 0 {
		info["clustering_fields"] = tbl.ClusteringFields
	}
	return info
}

func sizeMB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1024*1024)*100) / 100
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
