package errs

import "strings"

// classifyRule maps message substrings to a kind, source, and remediation.
// Rules are ordered; the first match wins.
//
// The BigQuery client library does not surface structured error codes
// reliably, so classification is substring matching on the error string.
// This is a compatibility shim, kept centralized here and covered by
// fixture strings in tests rather than live warehouse error text.
type classifyRule struct {
	match  func(msg, lower string) bool
	kind   Kind
	source Source
	prefix string
	action string
}

var classifyRules = []classifyRule{
	{
		match: func(msg, _ string) bool {
			return strings.Contains(msg, "403") || strings.Contains(msg, "Permission denied")
		},
		kind: KindPermissionDenied, source: SourceBigQueryAPI,
		prefix: "Permission denied",
		action: "Ensure you have bigquery.jobs.create permission and access to the referenced tables. Check your service account permissions.",
	},
	{
		match: func(msg, _ string) bool {
			return strings.Contains(msg, "404") || strings.Contains(msg, "Not found")
		},
		kind: KindResourceNotFound, source: SourceBigQueryAPI,
		prefix: "Resource not found",
		action: "Verify the project ID, dataset name, and table name are correct. Check if the resource exists in BigQuery.",
	},
	{
		match: func(msg, lower string) bool {
			return strings.Contains(msg, "Syntax error") || strings.Contains(lower, "syntax")
		},
		kind: KindSyntaxError, source: SourceUserQuery,
		prefix: "SQL syntax error",
		action: "Review your SQL syntax. Common issues: missing quotes, incorrect keywords, or malformed expressions.",
	},
	{
		match: func(msg, _ string) bool {
			return strings.Contains(msg, "Array cannot have a null element")
		},
		kind: KindArrayNullElement, source: SourceUserQuery,
		prefix: "BigQuery array contains NULL values",
		action: "Use COALESCE() to handle NULL values or filter them out before creating arrays.",
	},
	{
		match: func(_, lower string) bool {
			return strings.Contains(lower, "timeout")
		},
		kind: KindQueryTimeout, source: SourceBigQueryAPI,
		prefix: "Query timeout",
		action: "Try adding LIMIT clause, filtering data, or increase timeout parameter. Consider breaking complex queries into smaller parts.",
	},
	{
		match: func(_, lower string) bool {
			return strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit")
		},
		kind: KindResourceLimitExceeded, source: SourceBigQueryAPI,
		prefix: "BigQuery quota exceeded",
		action: "Wait and retry later, or reduce query complexity. Check your BigQuery quotas and limits.",
	},
}

// Classify maps any failure surfaced during query execution to a structured
// Error with a suggested remediation. Errors that are already classified
// pass through with the context bundle attached.
func Classify(err error, context map[string]any) *Error {
	if classified, ok := err.(*Error); ok {
		if classified.Context == nil {
			classified.Context = context
		}
		return classified
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, rule := range classifyRules {
		if rule.match(msg, lower) {
			return &Error{
				Kind:            rule.kind,
				Source:          rule.source,
				Message:         rule.prefix + ": " + msg,
				SuggestedAction: rule.action,
				Context:         context,
			}
		}
	}

	return &Error{
		Kind:            KindUnknown,
		Source:          SourceBigQueryAPI,
		Message:         "Query execution failed: " + msg,
		SuggestedAction: "Check the error details and BigQuery documentation. If the issue persists, verify your query and data.",
		Context:         context,
	}
}
