package api

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolSpec describes one registered tool: its name, a short description
// surfaced in the manifest, and the JSON Schema its arguments are checked
// against before dispatch.
type toolSpec struct {
	Name        string
	Description string
	rawSchema   string
	schema      *jsonschema.Schema
}

const executeQuerySchema = `{
	"type": "object",
	"properties": {
		"sql": {"type": "string", "description": "BigQuery Standard SQL SELECT statement"},
		"limit": {"type": ["integer", "number", "string"], "description": "Maximum rows to return"},
		"timeout": {"type": ["integer", "number", "string"], "description": "Query timeout in seconds"},
		"format": {"type": "string", "enum": ["json", "csv", "table"]},
		"dry_run": {"type": "boolean", "description": "Estimate cost without executing"},
		"parameters": {"type": "object", "description": "Named query parameters"}
	},
	"required": ["sql"],
	"additionalProperties": false
}`

const listProjectsSchema = `{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`

const listDatasetsSchema = `{
	"type": "object",
	"properties": {
		"project": {"type": "string", "description": "Project ID, defaults to the billing project"}
	},
	"additionalProperties": false
}`

const listTablesSchema = `{
	"type": "object",
	"properties": {
		"dataset": {"type": "string", "description": "Dataset path: 'dataset' or 'project.dataset'"},
		"table_type": {"type": "string", "enum": ["all", "table", "view", "materialized_view"]}
	},
	"required": ["dataset"],
	"additionalProperties": false
}`

const getTableSchemaSchema = `{
	"type": "object",
	"properties": {
		"table": {"type": "string", "description": "Table path: 'dataset.table' or 'project.dataset.table'"}
	},
	"required": ["table"],
	"additionalProperties": false
}`

const analyzeTableSchema = `{
	"type": "object",
	"properties": {
		"table": {"type": "string"},
		"sample_size": {"type": "integer", "minimum": 1}
	},
	"required": ["table"],
	"additionalProperties": false
}`

const analyzeColumnsSchema = `{
	"type": "object",
	"properties": {
		"table": {"type": "string"},
		"columns": {"type": "array", "items": {"type": "string"}},
		"include_examples": {"type": "boolean"},
		"sample_size": {"type": "integer", "minimum": 1}
	},
	"required": ["table"],
	"additionalProperties": false
}`

const saveQuerySchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"sql": {"type": "string", "minLength": 1},
		"description": {"type": "string"}
	},
	"required": ["name", "sql"],
	"additionalProperties": false
}`

const listSavedQueriesSchema = `{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`

const savedQueryNameSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1}
	},
	"required": ["name"],
	"additionalProperties": false
}`

// toolSet compiles the registered tool schemas. Schemas are static
// literals; a compile failure is a programming error.
func toolSet() []*toolSpec {
	specs := []*toolSpec{
		{Name: "execute_query", Description: "Execute a read-only BigQuery SQL query with safety validation, automatic LIMIT injection, and cost controls", rawSchema: executeQuerySchema},
		{Name: "list_projects", Description: "List configured projects available for querying", rawSchema: listProjectsSchema},
		{Name: "list_datasets", Description: "List accessible datasets in a project", rawSchema: listDatasetsSchema},
		{Name: "list_tables", Description: "List tables in a dataset with metadata", rawSchema: listTablesSchema},
		{Name: "get_table_schema", Description: "Get the column schema of a table", rawSchema: getTableSchemaSchema},
		{Name: "analyze_table", Description: "Profile a table: per-column null and distinct counts plus semantic classification from a row sample", rawSchema: analyzeTableSchema},
		{Name: "analyze_columns", Description: "Deep per-column statistics: numeric quantiles, string top values, temporal ranges", rawSchema: analyzeColumnsSchema},
		{Name: "save_query", Description: "Save a validated named query for later reuse", rawSchema: saveQuerySchema},
		{Name: "list_saved_queries", Description: "List saved queries", rawSchema: listSavedQueriesSchema},
		{Name: "get_saved_query", Description: "Fetch a saved query by name", rawSchema: savedQueryNameSchema},
		{Name: "delete_saved_query", Description: "Delete a saved query by name", rawSchema: savedQueryNameSchema},
	}
	for _, spec := range specs {
		spec.schema = mustCompileSchema(spec.Name, spec.rawSchema)
	}
	return specs
}

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	var obj any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		panic(fmt.Sprintf("tool %s: invalid schema JSON: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", obj); err != nil {
		panic(fmt.Sprintf("tool %s: schema resource error: %v", name, err))
	}
	sch, err := c.Compile(name + ".json")
	if err != nil {
		panic(fmt.Sprintf("tool %s: schema compile error: %v", name, err))
	}
	return sch
}
