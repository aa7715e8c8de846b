// Package bq wraps the BigQuery client library behind narrow interfaces:
// an Executor that submits SQL and returns a single-pass Job, and a
// MetadataClient for dataset/table discovery. The rest of the server never
// touches library row or field types directly.
package bq

import (
	"context"
	"time"
)

// FieldDescriptor describes one output column of a query or table.
type FieldDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Mode        string `json:"mode,omitempty"`
	Description string `json:"description,omitempty"`
}

// SubmitOptions configures a single query submission.
type SubmitOptions struct {
	UseCache       bool
	DryRun         bool
	MaxBytesBilled int64
	Timeout        time.Duration
	Parameters     map[string]any
}

// JobStats carries warehouse-reported statistics for a completed job.
type JobStats struct {
	BytesProcessed int64
	BytesBilled    int64
	CacheHit       bool
	TotalRows      uint64
	SlotMillis     int64
	CreatedAt      time.Time
	EndedAt        time.Time
}

// Job is a submitted query. Schema is readable before any row is consumed;
// Next is single-pass and returns io.EOF when exhausted. Dry-run jobs
// return no rows.
type Job interface {
	Schema() []FieldDescriptor
	Next() (map[string]any, error)
	Stats() JobStats
}

// Executor submits SQL to the warehouse. The execution guard is written
// against this interface so tests can substitute a fake.
type Executor interface {
	Submit(ctx context.Context, sql string, opts SubmitOptions) (Job, error)
}

// DatasetInfo is dataset metadata for discovery responses.
type DatasetInfo struct {
	DatasetID   string
	Location    string
	Description string
	Created     time.Time
	Modified    time.Time
	Labels      map[string]string
}

// TableInfo is table metadata for discovery and analysis responses.
type TableInfo struct {
	TableID                string
	TableType              string
	Description            string
	Location               string
	Created                time.Time
	Modified               time.Time
	NumRows                uint64
	NumBytes               int64
	Schema                 []FieldDescriptor
	PartitioningType       string
	PartitioningField      string
	RequirePartitionFilter bool
	ClusteringFields       []string
	Labels                 map[string]string
}

// MetadataClient lists warehouse metadata. Access filtering happens in the
// discovery layer, not here.
type MetadataClient interface {
	ListDatasets(ctx context.Context, projectID string) ([]DatasetInfo, error)
	ListTables(ctx context.Context, projectID, datasetID string) ([]TableInfo, error)
	GetTable(ctx context.Context, projectID, datasetID, tableID string) (*TableInfo, error)
}
