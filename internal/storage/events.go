// Package storage persists query audit events. Every tool invocation that
// reaches the execution guard produces one event, success or failure.
package storage

import "time"

// EventWriter is the interface for writing audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *QueryEvent)
	Close()
}

// QueryEvent is one guarded query execution to be persisted.
type QueryEvent struct {
	RequestID      string
	Timestamp      time.Time
	Tool           string
	Project        string
	SQLPreview     string // First 500 chars
	SQLHash        string // SHA256 of the full statement
	SQLSize        uint32
	Outcome        string // "success" or "error"
	ErrorCode      string
	ErrorSource    string
	DryRun         bool
	Format         string
	RowCount       uint32
	TotalRows      uint64
	BytesProcessed int64
	BytesBilled    int64
	CacheHit       bool
	Complexity     string
	LatencyMs      float32
}

// SQLPreviewLength is the max chars stored in sql_preview.
const SQLPreviewLength = 500

// TruncateSQL returns the first N characters (runes) of a statement for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncateSQL(sql string, maxLen int) string {
	runes := []rune(sql)
	if len(runes) <= maxLen {
		return sql
	}
	return string(runes[:maxLen])
}
