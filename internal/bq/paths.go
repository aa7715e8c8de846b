package bq

import (
	"strings"

	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/errs"
)

// ParseTablePath splits a table reference into project, dataset and table
// components and checks the result against the access policy. A two-part
// path resolves against the billing project.
func ParseTablePath(tablePath string, policy *config.AccessPolicy) (project, dataset, table string, err error) {
	parts := strings.Split(tablePath, ".")
	switch len(parts) {
	case 2:
		project, dataset, table = policy.BillingProject, parts[0], parts[1]
	case 3:
		project, dataset, table = parts[0], parts[1], parts[2]
	default:
		return "", "", "", errs.InvalidTablePath(
			"Invalid table path: %q. Expected 'dataset.table' or 'project.dataset.table'", tablePath)
	}

	if !policy.IsProjectAllowed(project) {
		return "", "", "", errs.ProjectAccess(
			"Project %q not in allowed list. Allowed projects: %s",
			project, strings.Join(policy.AllowedProjects(), ", "))
	}
	if !policy.IsDatasetAllowed(project, dataset) {
		patterns := "none"
		if rule, ok := policy.Project(project); ok {
			patterns = strings.Join(rule.DatasetPatterns, ", ")
		}
		return "", "", "", errs.DatasetAccess(
			"Dataset %q not allowed in project %q. Allowed patterns: %s",
			dataset, project, patterns)
	}
	return project, dataset, table, nil
}

// ParseDatasetPath splits a dataset reference into project and dataset. A
// bare dataset name resolves against the billing project. Access checks are
// left to the caller, which usually filters rather than rejects.
func ParseDatasetPath(datasetPath string, policy *config.AccessPolicy) (project, dataset string, err error) {
	parts := strings.Split(datasetPath, ".")
	switch len(parts) {
	case 1:
		return policy.BillingProject, parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", errs.InvalidTablePath(
			"Invalid dataset path: %q. Expected 'dataset' or 'project.dataset'", datasetPath)
	}
}
