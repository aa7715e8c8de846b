package format

import (
	"strings"
	"testing"
)

func sampleRows() []map[string]any {
	return []map[string]any{
		{"name": "alpha", "count": int64(10), "ok": true},
		{"name": "beta", "count": int64(2), "ok": false},
	}
}

func TestColumns(t *testing.T) {
	rows := sampleRows()

	got := Columns([]string{"name", "count", "ok"}, rows)
	if len(got) != 3 || got[0] != "name" {
		t.Fatalf("schema order lost: %v", got)
	}

	// Without a schema, keys are sorted for deterministic output.
	got = Columns(nil, rows)
	if len(got) != 3 || got[0] != "count" || got[1] != "name" || got[2] != "ok" {
		t.Fatalf("fallback order = %v", got)
	}

	if got := Columns(nil, nil); got != nil {
		t.Fatalf("empty input columns = %v", got)
	}
}

func TestRenderCSV(t *testing.T) {
	out, err := RenderCSV(sampleRows(), []string{"name", "count", "ok"})
	if err != nil {
		t.Fatalf("RenderCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d:\n%s", len(lines), out)
	}
	if lines[0] != "name,count,ok" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "alpha,10,true" {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestRenderCSVEmpty(t *testing.T) {
	out, err := RenderCSV(nil, nil)
	if err != nil {
		t.Fatalf("RenderCSV: %v", err)
	}
	if out != "" {
		t.Fatalf("empty result rendered %q, want empty string", out)
	}
}

func TestRenderCSVQuoting(t *testing.T) {
	rows := []map[string]any{{"note": `says "hi", twice`, "v": nil}}
	out, err := RenderCSV(rows, []string{"note", "v"})
	if err != nil {
		t.Fatalf("RenderCSV: %v", err)
	}
	if !strings.Contains(out, `"says ""hi"", twice"`) {
		t.Fatalf("quoting wrong: %q", out)
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(sampleRows(), []string{"name", "count", "ok"})
	lines := strings.Split(out, "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "name ") {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != strings.Repeat("-", len(lines[0])) {
		t.Fatalf("rule = %q", lines[1])
	}
	// Columns align: every separator sits at the same offset.
	if strings.Index(lines[0], "|") != strings.Index(lines[2], "|") {
		t.Fatalf("misaligned table:\n%s", out)
	}
}

func TestRenderTableEmpty(t *testing.T) {
	if got := RenderTable(nil, nil); got != "No results" {
		t.Fatalf("empty table = %q", got)
	}
}

func TestValid(t *testing.T) {
	for _, name := range []string{JSON, CSV, Table} {
		if !Valid(name) {
			t.Fatalf("Valid(%q) = false", name)
		}
	}
	for _, name := range []string{"", "xml", "JSON", "yaml"} {
		if Valid(name) {
			t.Fatalf("Valid(%q) = true", name)
		}
	}
}
