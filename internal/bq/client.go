package bq

import (
	"context"
	"io"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

const readonlyScope = "https://www.googleapis.com/auth/bigquery.readonly"

// Client is the production Executor and MetadataClient backed by the
// BigQuery API. All queries bill to the configured billing project.
type Client struct {
	bq     *bigquery.Client
	logger *zap.Logger
}

// NewClient authenticates against BigQuery. When a service account key path
// is configured it is used with a read-only scope, otherwise application
// default credentials apply.
func NewClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	var opts []option.ClientOption
	if path := cfg.BigQuery.ServiceAccountPath; path != "" {
		opts = append(opts,
			option.WithCredentialsFile(path),
			option.WithScopes(readonlyScope),
		)
	}

	c, err := bigquery.NewClient(ctx, cfg.Policy.BillingProject, opts...)
	if err != nil {
		return nil, errs.AuthFailed("Failed to create BigQuery client: %s", err.Error())
	}
	if cfg.BigQuery.Location != "" {
		c.Location = cfg.BigQuery.Location
	}

	logger.Info("bigquery client ready",
		zap.String("billing_project", cfg.Policy.BillingProject),
		zap.String("location", cfg.BigQuery.Location),
		zap.Bool("service_account", cfg.BigQuery.ServiceAccountPath != ""),
	)
	return &Client{bq: c, logger: logger}, nil
}

// Close releases the underlying API connection.
func (c *Client) Close() error { return c.bq.Close() }

// Submit runs sql and waits for completion. The returned Job exposes the
// schema before any row is read; dry runs complete without producing rows.
func (c *Client) Submit(ctx context.Context, sql string, opts SubmitOptions) (Job, error) {
	q := c.bq.Query(sql)
	q.DisableQueryCache = !opts.UseCache
	q.DryRun = opts.DryRun
	q.MaxBytesBilled = opts.MaxBytesBilled
	if opts.Timeout > 0 {
		q.JobTimeout = opts.Timeout
	}
	for name, value := range opts.Parameters {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Name: name, Value: value})
	}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return newCompletedJob(job.LastStatus(), nil), nil
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	it, err := job.Read(ctx)
	if err != nil {
		return nil, err
	}
	return newCompletedJob(status, it), nil
}

type queryJob struct {
	schema []FieldDescriptor
	it     *bigquery.RowIterator
	stats  JobStats
}

func newCompletedJob(status *bigquery.JobStatus, it *bigquery.RowIterator) *queryJob {
	j := &queryJob{it: it}
	if status != nil && status.Statistics != nil {
		st := status.Statistics
		j.stats.CreatedAt = st.CreationTime
		j.stats.EndedAt = st.EndTime
		j.stats.BytesProcessed = st.TotalBytesProcessed
		if qs, ok := st.Details.(*bigquery.QueryStatistics); ok {
			j.stats.BytesBilled = qs.TotalBytesBilled
			j.stats.CacheHit = qs.CacheHit
			j.stats.SlotMillis = qs.SlotMillis
			j.schema = convertSchema(qs.Schema)
		}
	}
	if it != nil {
		j.stats.TotalRows = it.TotalRows
		if len(j.schema) == 0 {
			j.schema = convertSchema(it.Schema)
		}
	}
	return j
}

func (j *queryJob) Schema() []FieldDescriptor { return j.schema }
func (j *queryJob) Stats() JobStats           { return j.stats }

func (j *queryJob) Next() (map[string]any, error) {
	if j.it == nil {
		return nil, io.EOF
	}
	var row map[string]bigquery.Value
	err := j.it.Next(&row)
	if err == iterator.Done {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(row))
	for name, v := range row {
		out[name] = normalizeValue(v)
	}
	return out, nil
}

// normalizeValue rewrites nested library value containers into plain maps
// and slices so downstream serialization sees only ordinary Go values.
func normalizeValue(v bigquery.Value) any {
	switch t := v.(type) {
	case []bigquery.Value:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

func convertSchema(schema bigquery.Schema) []FieldDescriptor {
	if len(schema) == 0 {
		return nil
	}
	out := make([]FieldDescriptor, 0, len(schema))
	for _, f := range schema {
		out = append(out, FieldDescriptor{
			Name:        f.Name,
			Type:        string(f.Type),
			Mode:        fieldMode(f),
			Description: f.Description,
		})
	}
	return out
}

func fieldMode(f *bigquery.FieldSchema) string {
	switch {
	case f.Repeated:
		return "REPEATED"
	case f.Required:
		return "REQUIRED"
	default:
		return "NULLABLE"
	}
}

// ListDatasets returns metadata for every dataset in the project.
func (c *Client) ListDatasets(ctx context.Context, projectID string) ([]DatasetInfo, error) {
	it := c.bq.Datasets(ctx)
	it.ProjectID = projectID

	var out []DatasetInfo
	for {
		ds, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		md, err := ds.Metadata(ctx)
		if err != nil {
			// Listing should not fail outright when one dataset's
			// metadata is unreadable.
			c.logger.Warn("dataset metadata unavailable",
				zap.String("project", projectID),
				zap.String("dataset", ds.DatasetID),
				zap.Error(err))
			out = append(out, DatasetInfo{DatasetID: ds.DatasetID})
			continue
		}
		out = append(out, DatasetInfo{
			DatasetID:   ds.DatasetID,
			Location:    md.Location,
			Description: md.Description,
			Created:     md.CreationTime,
			Modified:    md.LastModifiedTime,
			Labels:      md.Labels,
		})
	}
	return out, nil
}

// ListTables returns metadata for every table in the dataset.
func (c *Client) ListTables(ctx context.Context, projectID, datasetID string) ([]TableInfo, error) {
	it := c.bq.DatasetInProject(projectID, datasetID).Tables(ctx)

	var out []TableInfo
	for {
		tbl, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		md, err := tbl.Metadata(ctx)
		if err != nil {
			c.logger.Warn("table metadata unavailable",
				zap.String("project", projectID),
				zap.String("dataset", datasetID),
				zap.String("table", tbl.TableID),
				zap.Error(err))
			out = append(out, TableInfo{TableID: tbl.TableID})
			continue
		}
		out = append(out, convertTableMetadata(tbl.TableID, md))
	}
	return out, nil
}

// GetTable returns full metadata for one table.
func (c *Client) GetTable(ctx context.Context, projectID, datasetID, tableID string) (*TableInfo, error) {
	md, err := c.bq.DatasetInProject(projectID, datasetID).Table(tableID).Metadata(ctx)
	if err != nil {
		return nil, err
	}
	info := convertTableMetadata(tableID, md)
	return &info, nil
}

func convertTableMetadata(tableID string, md *bigquery.TableMetadata) TableInfo {
	info := TableInfo{
		TableID:     tableID,
		TableType:   string(md.Type),
		Description: md.Description,
		Location:    md.Location,
		Created:     md.CreationTime,
		Modified:    md.LastModifiedTime,
		NumRows:     md.NumRows,
		NumBytes:    md.NumBytes,
		Schema:      convertSchema(md.Schema),
		Labels:      md.Labels,
	}
	if tp := md.TimePartitioning; tp != nil {
		info.PartitioningType = string(tp.Type)
		info.PartitioningField = tp.Field
		info.RequirePartitionFilter = md.RequirePartitionFilter
	}
	if md.Clustering != nil {
		info.ClusteringFields = md.Clustering.Fields
	}
	return info
}
