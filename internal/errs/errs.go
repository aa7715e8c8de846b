// Package errs defines the closed error taxonomy returned to agent callers
// and the classifier that maps raw warehouse failures onto it. No bare
// error ever crosses the tool boundary: everything carries a machine
// readable kind, a suggested action, and the caller's context bundle so an
// autonomous agent can decide whether to rewrite and retry.
package errs

import "fmt"

// Kind identifies an error category. The set is closed; sub-kinds of query
// execution failures are produced only by Classify.
type Kind string

const (
	KindConfiguration       Kind = "CONFIGURATION"
	KindAuthFailed          Kind = "AUTH_FAILED"
	KindProjectAccessDenied Kind = "PROJECT_ACCESS_DENIED"
	KindDatasetAccessDenied Kind = "DATASET_ACCESS_DENIED"
	KindTableNotFound       Kind = "TABLE_NOT_FOUND"
	KindInvalidTablePath    Kind = "INVALID_TABLE_PATH"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindSQLValidationFailed Kind = "SQL_VALIDATION_FAILED"
	KindSecurityViolation   Kind = "SECURITY_VIOLATION"
	KindQueryExecution      Kind = "QUERY_EXECUTION_FAILED"

	// Sub-kinds of query execution failures, assigned by Classify.
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindResourceNotFound      Kind = "RESOURCE_NOT_FOUND"
	KindSyntaxError           Kind = "SYNTAX_ERROR"
	KindArrayNullElement      Kind = "ARRAY_NULL_ELEMENT"
	KindQueryTimeout          Kind = "QUERY_TIMEOUT"
	KindResourceLimitExceeded Kind = "RESOURCE_LIMIT_EXCEEDED"
	KindUnknown               Kind = "UNKNOWN_ERROR"
)

// Source names where a failure originated, for structured logging.
type Source string

const (
	SourceBigQueryAPI   Source = "BIGQUERY_API"
	SourceServer        Source = "MCP_SERVER"
	SourceUserQuery     Source = "USER_QUERY"
	SourceConfiguration Source = "CONFIGURATION"
)

// Error is the structured error returned to callers.
type Error struct {
	Kind            Kind
	Source          Source
	Message         string
	SuggestedAction string
	Context         map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// ToMap renders the error for JSON responses and structured logs.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"error_code":   string(e.Kind),
		"error_source": string(e.Source),
		"message":      e.Message,
	}
	if e.SuggestedAction != "" {
		m["suggested_action"] = e.SuggestedAction
	}
	if len(e.Context) > 0 {
		m["context"] = e.Context
	}
	return m
}

// New creates an Error with the given kind and source.
func New(kind Kind, source Source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Message: fmt.Sprintf(format, args...)}
}

// Configuration reports invalid or missing configuration.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, SourceConfiguration, format, args...)
}

// AuthFailed reports a failure to initialize warehouse credentials.
func AuthFailed(format string, args ...any) *Error {
	return New(KindAuthFailed, SourceBigQueryAPI, format, args...)
}

// ProjectAccess reports an attempt to reach a project outside the allowlist.
func ProjectAccess(format string, args ...any) *Error {
	return New(KindProjectAccessDenied, SourceServer, format, args...)
}

// DatasetAccess reports an attempt to reach a dataset outside the allowed patterns.
func DatasetAccess(format string, args ...any) *Error {
	return New(KindDatasetAccessDenied, SourceServer, format, args...)
}

// TableNotFound reports a missing table.
func TableNotFound(format string, args ...any) *Error {
	return New(KindTableNotFound, SourceBigQueryAPI, format, args...)
}

// InvalidTablePath reports a malformed table or dataset reference.
func InvalidTablePath(format string, args ...any) *Error {
	return New(KindInvalidTablePath, SourceUserQuery, format, args...)
}

// InvalidArgument reports a tool argument of the wrong type or shape.
func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, SourceUserQuery, format, args...)
}

// SQLValidation reports SQL rejected by the safety validator.
func SQLValidation(format string, args ...any) *Error {
	return New(KindSQLValidationFailed, SourceServer, format, args...)
}

// Security reports a security policy violation.
func Security(format string, args ...any) *Error {
	return New(KindSecurityViolation, SourceServer, format, args...)
}

// WithContext attaches a context bundle and returns the error.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// WithAction attaches a suggested action and returns the error.
func (e *Error) WithAction(action string) *Error {
	e.SuggestedAction = action
	return e
}
