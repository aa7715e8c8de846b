// Package config loads and holds the server configuration: the access
// policy (allowed projects and dataset patterns), the SQL security policy,
// and execution limits. A Config is immutable once built; reloads produce a
// fresh Config that is swapped in atomically via Provider.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LookupFunc resolves an environment variable. Injectable for tests.
type LookupFunc func(string) (string, bool)

// ProjectRule describes one allowed BigQuery project and the glob patterns
// of datasets that may be accessed within it.
type ProjectRule struct {
	ProjectID       string
	ProjectName     string
	Description     string
	DatasetPatterns []string
}

// AccessPolicy is the allowlist consulted on every discovery and execution
// call. A project absent from Projects is never allowed, regardless of
// dataset patterns.
type AccessPolicy struct {
	BillingProject string
	Projects       []ProjectRule
}

// IsProjectAllowed reports whether the project is in the allowlist.
func (p *AccessPolicy) IsProjectAllowed(projectID string) bool {
	for _, rule := range p.Projects {
		if rule.ProjectID == projectID {
			return true
		}
	}
	return false
}

// Project returns the rule for a project ID.
func (p *AccessPolicy) Project(projectID string) (ProjectRule, bool) {
	for _, rule := range p.Projects {
		if rule.ProjectID == projectID {
			return rule, true
		}
	}
	return ProjectRule{}, false
}

// AllowedProjects returns the project IDs in configuration order.
func (p *AccessPolicy) AllowedProjects() []string {
	ids := make([]string, 0, len(p.Projects))
	for _, rule := range p.Projects {
		ids = append(ids, rule.ProjectID)
	}
	return ids
}

// IsDatasetAllowed reports whether the dataset matches any of the project's
// allowed patterns. Matching is case-sensitive shell glob (*, ?, [...]).
func (p *AccessPolicy) IsDatasetAllowed(projectID, datasetID string) bool {
	rule, ok := p.Project(projectID)
	if !ok {
		return false
	}
	for _, pattern := range rule.DatasetPatterns {
		matched, err := path.Match(pattern, datasetID)
		if err != nil {
			continue // malformed pattern never matches
		}
		if matched {
			return true
		}
	}
	return false
}

// SecurityPolicy controls what SQL the validator accepts.
type SecurityPolicy struct {
	BannedKeywords       []string
	SelectOnly           bool
	RequireExplicitLimit bool
}

// ExecutionLimits bounds what a single query may cost.
type ExecutionLimits struct {
	DefaultRowLimit        int
	MaxRowLimit            int
	MaxQueryTimeoutSeconds int
	MaxBytesProcessed      int64
}

// FormattingConfig controls response shaping for LLM consumption.
type FormattingConfig struct {
	Compact bool
}

// LoggingConfig controls operational logging of queries and results.
type LoggingConfig struct {
	Level      string
	LogQueries bool
	LogResults bool
}

// BigQueryConfig holds warehouse connection settings.
type BigQueryConfig struct {
	ServiceAccountPath string
	Location           string
}

type ServerConfig struct {
	Name        string
	Version     string
	HTTPAddress string
}

// Config is the full, resolved server configuration.
type Config struct {
	Server     ServerConfig
	BigQuery   BigQueryConfig
	Policy     AccessPolicy
	Security   SecurityPolicy
	Limits     ExecutionLimits
	Formatting FormattingConfig
	Logging    LoggingConfig

	ClickHouseDSN string
	PostgresDSN   string
}

// DefaultBannedKeywords is applied when neither file nor flags name any.
var DefaultBannedKeywords = []string{
	"CREATE", "DELETE", "DROP", "TRUNCATE", "INSERT",
	"UPDATE", "ALTER", "GRANT", "REVOKE", "MERGE",
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:        "bqguard",
			Version:     "1.1.1",
			HTTPAddress: ":8080",
		},
		BigQuery: BigQueryConfig{Location: "EU"},
		Security: SecurityPolicy{
			BannedKeywords:       append([]string(nil), DefaultBannedKeywords...),
			SelectOnly:           true,
			RequireExplicitLimit: false,
		},
		Limits: ExecutionLimits{
			DefaultRowLimit:        20,
			MaxRowLimit:            10000,
			MaxQueryTimeoutSeconds: 60,
			MaxBytesProcessed:      1 << 30, // 1 GiB billing ceiling
		},
		Logging: LoggingConfig{Level: "info", LogQueries: true},
	}
}

// fileSchema mirrors the YAML configuration file layout.
type fileSchema struct {
	Server struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		HTTPAddress string `yaml:"http_address"`
	} `yaml:"server"`
	BigQuery struct {
		BillingProject     string `yaml:"billing_project"`
		ServiceAccountPath string `yaml:"service_account_path"`
		Location           string `yaml:"location"`
	} `yaml:"bigquery"`
	Projects []struct {
		ProjectID   string   `yaml:"project_id"`
		ProjectName string   `yaml:"project_name"`
		Description string   `yaml:"description"`
		Datasets    []string `yaml:"datasets"`
	} `yaml:"projects"`
	Security struct {
		BannedSQLKeywords     []string `yaml:"banned_sql_keywords"`
		SelectOnly            *bool    `yaml:"select_only"`
		RequireExplicitLimits *bool    `yaml:"require_explicit_limits"`
	} `yaml:"security"`
	Limits struct {
		DefaultLimit      *int   `yaml:"default_limit"`
		MaxQueryTimeout   *int   `yaml:"max_query_timeout"`
		MaxLimit          *int   `yaml:"max_limit"`
		MaxBytesProcessed *int64 `yaml:"max_bytes_processed"`
	} `yaml:"limits"`
	Formatting struct {
		CompactFormat *bool `yaml:"compact_format"`
	} `yaml:"formatting"`
	Logging struct {
		Level      string `yaml:"level"`
		LogQueries *bool  `yaml:"log_queries"`
		LogResults *bool  `yaml:"log_results"`
	} `yaml:"logging"`
	Storage struct {
		ClickHouseDSN string `yaml:"clickhouse_dsn"`
		PostgresDSN   string `yaml:"postgres_dsn"`
	} `yaml:"storage"`
}

// LoadFile builds a Config from a YAML file, then applies environment
// overrides. Precedence within this path: file > environment > defaults.
func LoadFile(configPath string, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}
	var file fileSchema
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}

	cfg := defaults()

	if file.Server.Name != "" {
		cfg.Server.Name = file.Server.Name
	}
	if file.Server.Version != "" {
		cfg.Server.Version = file.Server.Version
	}
	if file.Server.HTTPAddress != "" {
		cfg.Server.HTTPAddress = file.Server.HTTPAddress
	}

	cfg.Policy.BillingProject = file.BigQuery.BillingProject
	cfg.BigQuery.ServiceAccountPath = file.BigQuery.ServiceAccountPath
	if file.BigQuery.Location != "" {
		cfg.BigQuery.Location = file.BigQuery.Location
	}

	for _, proj := range file.Projects {
		name := proj.ProjectName
		if name == "" {
			name = proj.ProjectID
		}
		cfg.Policy.Projects = append(cfg.Policy.Projects, ProjectRule{
			ProjectID:       proj.ProjectID,
			ProjectName:     name,
			Description:     proj.Description,
			DatasetPatterns: proj.Datasets,
		})
	}

	if len(file.Security.BannedSQLKeywords) > 0 {
		cfg.Security.BannedKeywords = normalizeKeywords(file.Security.BannedSQLKeywords)
	}
	if file.Security.SelectOnly != nil {
		cfg.Security.SelectOnly = *file.Security.SelectOnly
	}
	if file.Security.RequireExplicitLimits != nil {
		cfg.Security.RequireExplicitLimit = *file.Security.RequireExplicitLimits
	}

	if file.Limits.DefaultLimit != nil {
		cfg.Limits.DefaultRowLimit = *file.Limits.DefaultLimit
	}
	if file.Limits.MaxQueryTimeout != nil {
		cfg.Limits.MaxQueryTimeoutSeconds = *file.Limits.MaxQueryTimeout
	}
	if file.Limits.MaxLimit != nil {
		cfg.Limits.MaxRowLimit = *file.Limits.MaxLimit
	}
	if file.Limits.MaxBytesProcessed != nil {
		cfg.Limits.MaxBytesProcessed = *file.Limits.MaxBytesProcessed
	}

	if file.Formatting.CompactFormat != nil {
		cfg.Formatting.Compact = *file.Formatting.CompactFormat
	}

	if file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}
	if file.Logging.LogQueries != nil {
		cfg.Logging.LogQueries = *file.Logging.LogQueries
	}
	if file.Logging.LogResults != nil {
		cfg.Logging.LogResults = *file.Logging.LogResults
	}

	cfg.ClickHouseDSN = file.Storage.ClickHouseDSN
	cfg.PostgresDSN = file.Storage.PostgresDSN

	applyEnvOverrides(cfg, lookup, false)
	return cfg, nil
}

// FlagOptions carries explicitly-set command line values. CLI values take
// precedence over both the config file and the environment.
type FlagOptions struct {
	// ProjectPatterns maps "project-id" to its dataset glob patterns,
	// parsed from positional "project:pattern,pattern" arguments.
	ProjectPatterns map[string][]string
	ProjectOrder    []string

	BillingProject        string
	Location              string
	HTTPAddress           string
	LogLevel              string
	LogQueries            *bool
	LogResults            *bool
	Timeout               int
	MaxLimit              int
	MaxBytesProcessed     int64
	CompactFormat         *bool
	SelectOnly            *bool
	RequireExplicitLimits *bool
	BannedKeywords        string // comma-separated; empty keeps defaults
	ClickHouseDSN         string
	PostgresDSN           string
}

// FromFlags builds a Config from command line options, then applies
// environment overrides only for values the flags left unset.
func FromFlags(opts FlagOptions, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := defaults()

	for _, projectID := range opts.ProjectOrder {
		patterns := opts.ProjectPatterns[projectID]
		cfg.Policy.Projects = append(cfg.Policy.Projects, ProjectRule{
			ProjectID:       projectID,
			ProjectName:     projectID,
			Description:     fmt.Sprintf("Project %s (configured via CLI)", projectID),
			DatasetPatterns: patterns,
		})
	}

	cfg.ApplyFlagOverrides(opts)

	applyEnvOverrides(cfg, lookup, true)
	return cfg, nil
}

// ApplyFlagOverrides reapplies explicitly-set command line values on top of
// an existing config. Zero values and nil pointers mean the flag was not
// given and the current value is kept, so this is safe to call after
// LoadFile: any flag the operator set wins over the file.
func (c *Config) ApplyFlagOverrides(opts FlagOptions) {
	if opts.BillingProject != "" {
		c.Policy.BillingProject = opts.BillingProject
	}
	if opts.Location != "" {
		c.BigQuery.Location = opts.Location
	}
	if opts.HTTPAddress != "" {
		c.Server.HTTPAddress = opts.HTTPAddress
	}
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogQueries != nil {
		c.Logging.LogQueries = *opts.LogQueries
	}
	if opts.LogResults != nil {
		c.Logging.LogResults = *opts.LogResults
	}
	if opts.Timeout > 0 {
		c.Limits.MaxQueryTimeoutSeconds = opts.Timeout
	}
	if opts.MaxLimit > 0 {
		c.Limits.MaxRowLimit = opts.MaxLimit
	}
	if opts.MaxBytesProcessed > 0 {
		c.Limits.MaxBytesProcessed = opts.MaxBytesProcessed
	}
	if opts.CompactFormat != nil {
		c.Formatting.Compact = *opts.CompactFormat
	}
	if opts.SelectOnly != nil {
		c.Security.SelectOnly = *opts.SelectOnly
	}
	if opts.RequireExplicitLimits != nil {
		c.Security.RequireExplicitLimit = *opts.RequireExplicitLimits
	}
	if opts.BannedKeywords != "" {
		c.Security.BannedKeywords = normalizeKeywords(strings.Split(opts.BannedKeywords, ","))
	}
	if opts.ClickHouseDSN != "" {
		c.ClickHouseDSN = opts.ClickHouseDSN
	}
	if opts.PostgresDSN != "" {
		c.PostgresDSN = opts.PostgresDSN
	}
}

// applyEnvOverrides fills values still at their zero/default from the
// environment. When fromFlags is true, formatting and logging toggles are
// not overridden: an explicit flag always wins.
func applyEnvOverrides(cfg *Config, lookup LookupFunc, fromFlags bool) {
	if v, ok := lookup("BIGQUERY_BILLING_PROJECT"); ok && cfg.Policy.BillingProject == "" {
		cfg.Policy.BillingProject = v
	}
	if v, ok := lookup("GOOGLE_APPLICATION_CREDENTIALS"); ok && cfg.BigQuery.ServiceAccountPath == "" {
		cfg.BigQuery.ServiceAccountPath = v
	}
	if v, ok := lookup("BIGQUERY_LOCATION"); ok && cfg.BigQuery.Location == "EU" {
		cfg.BigQuery.Location = v
	}
	if v, ok := lookup("CLICKHOUSE_DSN"); ok && cfg.ClickHouseDSN == "" {
		cfg.ClickHouseDSN = v
	}
	if v, ok := lookup("POSTGRES_DSN"); ok && cfg.PostgresDSN == "" {
		cfg.PostgresDSN = v
	}
	if fromFlags {
		return
	}
	if v, ok := lookup("COMPACT_FORMAT"); ok {
		cfg.Formatting.Compact = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("LOG_QUERIES"); ok {
		cfg.Logging.LogQueries = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("LOG_RESULTS"); ok {
		cfg.Logging.LogResults = strings.EqualFold(v, "true")
	}
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// ParseProjectArg parses a positional "project:pattern1,pattern2" argument.
func ParseProjectArg(arg string) (string, []string, error) {
	projectID, rawPatterns, ok := strings.Cut(arg, ":")
	if !ok || projectID == "" {
		return "", nil, fmt.Errorf("config: invalid project argument %q, expected project:pattern[,pattern]", arg)
	}
	var patterns []string
	for _, p := range strings.Split(rawPatterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return "", nil, fmt.Errorf("config: project %q has no dataset patterns", projectID)
	}
	return projectID, patterns, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	var problems []string
	if c.Policy.BillingProject == "" {
		problems = append(problems, "missing billing_project")
	}
	if len(c.Policy.Projects) == 0 {
		problems = append(problems, "no projects configured")
	}
	for i, rule := range c.Policy.Projects {
		if rule.ProjectID == "" {
			problems = append(problems, "project "+strconv.Itoa(i)+" missing project_id")
		}
		if len(rule.DatasetPatterns) == 0 {
			problems = append(problems, "project "+rule.ProjectID+" has no dataset patterns")
		}
	}
	if c.Limits.DefaultRowLimit <= 0 || c.Limits.MaxRowLimit <= 0 {
		problems = append(problems, "row limits must be positive")
	}
	if c.Limits.MaxQueryTimeoutSeconds <= 0 {
		problems = append(problems, "max_query_timeout must be positive")
	}
	if c.Limits.MaxBytesProcessed <= 0 {
		problems = append(problems, "max_bytes_processed must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
