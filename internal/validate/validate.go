// Package validate decides whether agent-submitted SQL is safe to run.
// The decision is deterministic in (sql, policy) and performs no I/O, so a
// rejected query never reaches the warehouse and never incurs billing.
package validate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

var (
	singleQuoted = regexp.MustCompile(`'[^']*'`)
	doubleQuoted = regexp.MustCompile(`"[^"]*"`)
	backtickSpan = regexp.MustCompile("`[^`]*`")
	limitToken   = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

func wordBoundary(kw string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
}

// Validator validates SQL against a security policy.
type Validator struct {
	policy   config.SecurityPolicy
	keywords []keywordPattern
}

type keywordPattern struct {
	keyword string
	re      *regexp.Regexp
}

// New builds a Validator. Keyword patterns are compiled once here; the
// validator is immutable and safe for concurrent use.
func New(policy config.SecurityPolicy) *Validator {
	v := &Validator{policy: policy}
	for _, kw := range policy.BannedKeywords {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		v.keywords = append(v.keywords, keywordPattern{keyword: kw, re: wordBoundary(kw)})
	}
	return v
}

// Validate runs the safety checks in order, short-circuiting on the first
// rejection. The returned error is always an *errs.Error with kind
// SQL_VALIDATION_FAILED.
func (v *Validator) Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return errs.SQLValidation("Empty SQL query")
	}
	if err := v.checkBannedKeywords(sql); err != nil {
		return err
	}
	if v.policy.SelectOnly {
		if err := v.checkSelectOnly(sql); err != nil {
			return err
		}
	}
	if v.policy.RequireExplicitLimit && !HasLimitToken(sql) {
		return errs.SQLValidation("Query must include an explicit LIMIT clause")
	}
	return nil
}

// checkBannedKeywords scans literal-stripped, uppercased SQL for each banned
// keyword with word-boundary matching, so DROPDOWN never matches DROP and a
// string literal containing 'DROP' never triggers a false positive.
func (v *Validator) checkBannedKeywords(sql string) error {
	stripped := StripLiterals(strings.ToUpper(sql))
	for _, kp := range v.keywords {
		if kp.re.MatchString(stripped) {
			return errs.SQLValidation("Forbidden SQL operation: %s (read-only server)", kp.keyword)
		}
	}
	return nil
}

// checkSelectOnly accepts statements whose first meaningful token, after
// leading comments and whitespace, is SELECT or WITH. WITH covers CTEs;
// whether the terminal statement of a WITH block is itself a SELECT is
// deliberately not verified, so compound UNION selects and CTE chains are
// accepted on the prefix alone.
func (v *Validator) checkSelectOnly(sql string) error {
	prefix := strings.ToUpper(strings.TrimSpace(StripLeadingComments(sql)))
	if strings.HasPrefix(prefix, "SELECT") || strings.HasPrefix(prefix, "WITH") {
		return nil
	}
	return errs.SQLValidation("Only SELECT statements and CTEs (WITH) are allowed")
}

// StripLiterals replaces the contents of single-quoted, double-quoted, and
// backtick-quoted spans with empty quotes. The keyword text inside the
// literal is removed, not just the quote markers.
func StripLiterals(sql string) string {
	sql = singleQuoted.ReplaceAllString(sql, "''")
	sql = doubleQuoted.ReplaceAllString(sql, `""`)
	sql = backtickSpan.ReplaceAllString(sql, "``")
	return sql
}

// StripLeadingComments removes -- line comments and /* */ block comments
// from the start of the statement, so a leading comment can neither
// disguise a mutation as a SELECT nor cause a safe SELECT to be rejected.
func StripLeadingComments(sql string) string {
	for {
		trimmed := strings.TrimLeft(sql, " \t\r\n")
		switch {
		case strings.HasPrefix(trimmed, "--"):
			idx := strings.IndexByte(trimmed, '\n')
			if idx < 0 {
				return ""
			}
			sql = trimmed[idx+1:]
		case strings.HasPrefix(trimmed, "/*"):
			end := strings.Index(trimmed, "*/")
			if end < 0 {
				return ""
			}
			sql = trimmed[end+2:]
		default:
			return trimmed
		}
	}
}

// HasLimitToken reports whether the query already contains a LIMIT token
// outside of string literals.
func HasLimitToken(sql string) bool {
	return limitToken.MatchString(StripLiterals(strings.ToUpper(sql)))
}

// AppendLimit appends a LIMIT clause after stripping any trailing
// semicolon. Callers are expected to check HasLimitToken first.
func AppendLimit(sql string, limit int) string {
	sql = strings.TrimRight(strings.TrimRight(sql, " \t\r\n"), ";")
	return sql + " LIMIT " + strconv.Itoa(limit)
}
