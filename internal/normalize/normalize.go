// Package normalize turns raw tabular query results into records keyed by
// cleaned column names.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/spf13/cast"
)

// Record is one normalized row.
type Record map[string]string

// Options controls row filtering.
type Options struct {
	// KeepBlankRows keeps rows whose cleaned values are all empty.
	// The same policy applies to positional and keyed rows.
	KeepBlankRows bool
}

// Result is the output of Normalize.
type Result struct {
	Records []Record
	Columns []string
	Skipped int // rows that were neither positional nor keyed
	Blank   int // rows dropped because every value was empty
}

var separatorRegex = regexp.MustCompile(`[\s\-]+`)

// Normalize converts raw column descriptors and rows into records.
func Normalize(columns []any, rows []any, opts Options) Result {
	res := Result{Columns: ColumnNames(columns)}
	for _, raw := range rows {
		var (
			rec Record
			ok  bool
		)
		switch r := Classify(raw).(type) {
		case PositionalRow:
			rec, ok = r.normalize(res.Columns)
		case KeyedRow:
			rec, ok = r.normalize()
		default:
			res.Skipped++
			continue
		}
		if !ok && !opts.KeepBlankRows {
			res.Blank++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

// ColumnNames derives normalized names for raw column descriptors.
func ColumnNames(columns []any) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		var name string
		switch c := col.(type) {
		case map[string]any:
			if n, ok := c["name"]; ok && n != nil {
				name = cast.ToString(n)
			}
		case nil:
		default:
			name = cast.ToString(c)
		}
		if isPunctuation(name) {
			name = fmt.Sprintf("column_%d", i)
		}
		names[i] = Key(name)
	}
	return names
}

// Key normalizes a column name: trimmed, lower-cased, with runs of
// whitespace and hyphens collapsed to a single underscore.
func Key(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return separatorRegex.ReplaceAllString(name, "_")
}

// CleanValue converts a raw scalar to its cleaned string form.
func CleanValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if math.IsNaN(x) {
			return "0"
		}
	case float32:
		if math.IsNaN(float64(x)) {
			return "0"
		}
	case json.Number:
		return x.String()
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// isPunctuation reports whether s has no letters or digits.
func isPunctuation(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
