package guard

import (
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// serializeRow rewrites one result row into JSON-safe values.
func serializeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for name, v := range row {
		out[name] = serializeValue(v)
	}
	return out
}

// serializeValue maps warehouse value types onto plain JSON types.
// Timestamps and civil date/time values become ISO 8601 strings, NUMERIC
// becomes float64, and BYTES becomes a UTF-8 string with invalid sequences
// replaced. NULL elements inside arrays are dropped so serialized results
// stay legal as literals in a follow-up query.
func serializeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case civil.Date:
		return t.String()
	case civil.Time:
		return t.String()
	case civil.DateTime:
		return t.String()
	case *big.Rat:
		f, _ := t.Float64()
		return f
	case []byte:
		return strings.ToValidUTF8(string(t), "�")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = serializeValue(e)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, serializeValue(e))
		}
		return out
	default:
		return v
	}
}
