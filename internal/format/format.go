// Package format renders query result rows for LLM consumption. JSON is
// the default and passes rows through untouched; csv and table render to a
// single string with columns in schema order.
package format

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
)

const (
	JSON  = "json"
	CSV   = "csv"
	Table = "table"
)

// Valid reports whether name is a supported output format.
func Valid(name string) bool {
	switch name {
	case JSON, CSV, Table:
		return true
	}
	return false
}

// Columns returns the column order for rendering: the schema order when
// known, otherwise the first row's keys sorted for determinism.
func Columns(schemaOrder []string, rows []map[string]any) []string {
	if len(schemaOrder) > 0 {
		return schemaOrder
	}
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// RenderCSV renders rows as CSV with a header line. No rows renders as an
// empty string, not a bare header.
func RenderCSV(rows []map[string]any, columns []string) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return "", err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = cell(row[col])
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderTable renders rows as a fixed-width ASCII table with a dashed rule
// under the header. No rows renders as "No results".
func RenderTable(rows []map[string]any, columns []string) string {
	if len(rows) == 0 {
		return "No results"
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, col := range columns {
			if n := len(cell(row[col])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	header := make([]string, len(columns))
	for i, col := range columns {
		header[i] = pad(col, widths[i])
	}
	head := strings.Join(header, " | ")
	b.WriteString(head)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("-", len(head)))

	line := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			line[i] = pad(cell(row[col]), widths[i])
		}
		b.WriteByte('\n')
		b.WriteString(strings.Join(line, " | "))
	}
	return b.String()
}

func cell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
