package validate

import (
	"strings"
	"testing"

	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

func defaultPolicy() config.SecurityPolicy {
	return config.SecurityPolicy{
		BannedKeywords: config.DefaultBannedKeywords,
		SelectOnly:     true,
	}
}

func TestValidateAllows(t *testing.T) {
	v := New(defaultPolicy())

	allowed := []string{
		"SELECT 1",
		"select id, name from users",
		"  \n\tSELECT * FROM t",
		"WITH recent AS (SELECT * FROM events) SELECT * FROM recent",
		"with a as (select 1) select * from a",
		"-- leading comment\nSELECT 1",
		"/* block\ncomment */ SELECT 1",
		"SELECT 'DROP TABLE users' AS payload",
		`SELECT "DELETE FROM x" AS doc`,
		"SELECT * FROM `project.dataset.table`",
		"SELECT updated_at FROM t",    // UPDATE only inside a longer word
		"SELECT * FROM dropped_calls", // DROP inside identifier
		"SELECT * FROM t ORDER BY created_desc",
	}
	for _, sql := range allowed {
		if err := v.Validate(sql); err != nil {
			t.Fatalf("Validate(%q) = %v, want nil", sql, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	v := New(defaultPolicy())

	tests := []struct {
		name    string
		sql     string
		wantMsg string
	}{
		{"empty", "", "Empty SQL query"},
		{"whitespace only", "   \n\t", "Empty SQL query"},
		{"drop", "DROP TABLE users", "Forbidden SQL operation: DROP"},
		{"lowercase delete", "delete from users where id = 1", "Forbidden SQL operation: DELETE"},
		{"insert after select prefix", "SELECT 1; INSERT INTO t VALUES (1)", "Forbidden SQL operation: INSERT"},
		{"merge", "MERGE INTO t USING s ON t.id = s.id", "Forbidden SQL operation: MERGE"},
		{"keyword after comment", "-- note\nTRUNCATE TABLE t", "Forbidden SQL operation: TRUNCATE"},
		{"non-select", "EXPLAIN SELECT 1", "Only SELECT statements and CTEs (WITH) are allowed"},
		{"comment hiding non-select", "/* SELECT */ CALL proc()", "Only SELECT statements and CTEs (WITH) are allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.sql)
			if err == nil {
				t.Fatalf("Validate(%q) = nil, want rejection", tt.sql)
			}
			e, ok := err.(*errs.Error)
			if !ok {
				t.Fatalf("Validate(%q) error type = %T", tt.sql, err)
			}
			if e.Kind != errs.KindSQLValidationFailed {
				t.Fatalf("kind = %s, want %s", e.Kind, errs.KindSQLValidationFailed)
			}
			if !strings.Contains(e.Message, tt.wantMsg) {
				t.Fatalf("message = %q, want substring %q", e.Message, tt.wantMsg)
			}
		})
	}
}

func TestValidateIdempotent(t *testing.T) {
	v := New(defaultPolicy())
	sql := "SELECT * FROM t WHERE note = 'DROP'"
	first := v.Validate(sql)
	second := v.Validate(sql)
	if (first == nil) != (second == nil) {
		t.Fatalf("decisions differ: %v vs %v", first, second)
	}
}

func TestValidateSelectOnlyDisabled(t *testing.T) {
	policy := defaultPolicy()
	policy.SelectOnly = false
	policy.BannedKeywords = nil
	v := New(policy)

	if err := v.Validate("EXPLAIN SELECT 1"); err != nil {
		t.Fatalf("Validate with select_only disabled: %v", err)
	}
}

func TestValidateRequireExplicitLimit(t *testing.T) {
	policy := defaultPolicy()
	policy.RequireExplicitLimit = true
	v := New(policy)

	if err := v.Validate("SELECT * FROM t LIMIT 10"); err != nil {
		t.Fatalf("query with LIMIT rejected: %v", err)
	}
	if err := v.Validate("SELECT * FROM t"); err == nil {
		t.Fatal("query without LIMIT accepted")
	}
	// LIMIT inside a string literal does not satisfy the requirement.
	if err := v.Validate("SELECT 'LIMIT 5' FROM t"); err == nil {
		t.Fatal("LIMIT inside literal satisfied the requirement")
	}
}

func TestHasLimitToken(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM t LIMIT 10", true},
		{"SELECT * FROM t limit 10", true},
		{"SELECT * FROM t\nLIMIT\n5", true},
		{"SELECT * FROM t", false},
		{"SELECT 'NO LIMIT' FROM t", false},
		{"SELECT unlimited FROM t", false},
		{"SELECT * FROM rate_limits", false},
	}
	for _, tt := range tests {
		if got := HasLimitToken(tt.sql); got != tt.want {
			t.Fatalf("HasLimitToken(%q) = %v, want %v", tt.sql, got, tt.want)
		}
	}
}

func TestAppendLimit(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM t", "SELECT * FROM t LIMIT 20"},
		{"SELECT * FROM t;", "SELECT * FROM t LIMIT 20"},
		{"SELECT * FROM t ;  \n", "SELECT * FROM t LIMIT 20"},
	}
	for _, tt := range tests {
		if got := AppendLimit(tt.sql, 20); got != tt.want {
			t.Fatalf("AppendLimit(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}

func TestStripLeadingComments(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"-- c\nSELECT 1", "SELECT 1"},
		{"/* c */ SELECT 1", "SELECT 1"},
		{"/* a */ -- b\n/* c */SELECT 1", "SELECT 1"},
		{"-- unterminated", ""},
		{"/* unterminated", ""},
		{"SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := StripLeadingComments(tt.in); got != tt.want {
			t.Fatalf("StripLeadingComments(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
