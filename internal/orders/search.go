package orders

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/pouriya/redashmcp/internal/normalize"
)

// Field is a semantic field probed through an ordered list of candidate
// column names. The first candidate present with a non-empty value wins.
type Field struct {
	Name       string
	Candidates []string
}

// Semantic fields. Candidate order decides which column is displayed when a
// record carries several of them; keep it stable.
var (
	OrderNumber = Field{"order_number", []string{
		"order_number", "order_id", "numero_orden", "numero_pedido", "order", "orden", "pedido", "id",
	}}
	Email = Field{"email", []string{
		"email", "customer_email", "user_email", "correo", "correo_electronico", "mail",
	}}
	Customer = Field{"customer", []string{
		"customer_name", "customer", "client_name", "cliente", "nombre_cliente", "full_name", "nombre", "name",
	}}
	Status = Field{"status", []string{
		"status", "order_status", "estado", "estado_orden",
	}}
	Total = Field{"total", []string{
		"total", "order_total", "total_amount", "amount", "monto", "valor", "valor_total",
	}}
	Date = Field{"date", []string{
		"created_at", "order_date", "fecha", "fecha_creacion", "date",
	}}
)

// Fields lists the semantic fields in display order.
var Fields = []Field{OrderNumber, Customer, Email, Status, Total, Date}

// FieldByName returns the semantic field called name.
func FieldByName(name string) (*Field, bool) {
	for i := range Fields {
		if Fields[i].Name == name {
			return &Fields[i], true
		}
	}
	return nil, false
}

// Lookup returns the value of f in rec and the column it came from.
func (f Field) Lookup(rec normalize.Record) (value, column string, ok bool) {
	for _, c := range f.Candidates {
		if v := rec[c]; v != "" {
			return v, c, true
		}
	}
	return "", "", false
}

// Value returns the value of f in rec, or "".
func (f Field) Value(rec normalize.Record) string {
	v, _, _ := f.Lookup(rec)
	return v
}

// Query describes a record search.
type Query struct {
	Text  string
	Exact bool
	// Columns restricts matching to these keys. Empty means every key.
	Columns []string
	// Field restricts matching to a semantic field. It wins over Columns.
	Field *Field
	Limit int
}

// HasColumn reports whether name is one of the snapshot columns.
func (s *Snapshot) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Restrict narrows q to field, normalized like a column name. A snapshot
// column of that name wins; otherwise a semantic field of that name is
// probed. Any other name leaves a column restriction that matches nothing.
// It returns the normalized name, or "" when field is blank.
func (s *Snapshot) Restrict(q *Query, field string) string {
	key := normalize.Key(field)
	if key == "" {
		return ""
	}
	q.Columns, q.Field = []string{key}, nil
	if f, ok := FieldByName(key); ok && !s.HasColumn(key) {
		q.Columns, q.Field = nil, f
	}
	return key
}

// Limit coerces v to a result limit in [1, hi]. Numbers, numeric strings
// (always base 10) and json.Number are accepted and truncated. Missing,
// boolean, NaN or non-numeric values yield def.
func Limit(v any, def, hi int) int {
	switch x := v.(type) {
	case nil, bool:
		return def
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return def
		}
		v = x
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return def
	}
	switch {
	case f < 1:
		return 1
	case f > float64(hi):
		return hi
	}
	return int(f)
}

// Search returns records matching q, in snapshot order, and the total number
// of matches before Limit is applied. Matching is case-insensitive.
func Search(records []normalize.Record, q Query) ([]normalize.Record, int) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0
	}
	var (
		out   []normalize.Record
		total int
	)
	for _, rec := range records {
		if !matchRecord(rec, needle, q) {
			continue
		}
		total++
		if q.Limit <= 0 || len(out) < q.Limit {
			out = append(out, rec)
		}
	}
	return out, total
}

func matchRecord(rec normalize.Record, needle string, q Query) bool {
	switch {
	case q.Field != nil:
		v, _, ok := q.Field.Lookup(rec)
		return ok && match(v, needle, q.Exact)
	case len(q.Columns) > 0:
		for _, c := range q.Columns {
			if v, ok := rec[c]; ok && match(v, needle, q.Exact) {
				return true
			}
		}
		return false
	default:
		for _, v := range rec {
			if match(v, needle, q.Exact) {
				return true
			}
		}
		return false
	}
}

func match(value, needle string, exact bool) bool {
	value = strings.ToLower(value)
	if exact {
		return value == needle
	}
	return strings.Contains(value, needle)
}
