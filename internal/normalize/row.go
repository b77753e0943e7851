package normalize

// Row is a raw upstream row resolved to one of PositionalRow, KeyedRow or
// MalformedRow.
type Row interface {
	row()
}

// PositionalRow holds values ordered like the column list.
type PositionalRow []any

// KeyedRow is a row that already maps column names to values.
type KeyedRow map[string]any

// MalformedRow is anything else. It is never normalized.
type MalformedRow struct {
	Value any
}

func (PositionalRow) row() {}
func (KeyedRow) row()      {}
func (MalformedRow) row()  {}

// Classify resolves the shape of a raw row.
func Classify(raw any) Row {
	switch r := raw.(type) {
	case []any:
		return PositionalRow(r)
	case []string:
		row := make(PositionalRow, len(r))
		for i, v := range r {
			row[i] = v
		}
		return row
	case map[string]any:
		return KeyedRow(r)
	case map[string]string:
		row := make(KeyedRow, len(r))
		for k, v := range r {
			row[k] = v
		}
		return row
	default:
		return MalformedRow{Value: raw}
	}
}

// normalize maps values onto columns by position. Values past the end of
// columns are dropped. The bool reports whether any value is non-empty.
func (r PositionalRow) normalize(columns []string) (Record, bool) {
	rec := make(Record, len(columns))
	nonBlank := false
	for i, v := range r {
		if i >= len(columns) {
			break
		}
		s := CleanValue(v)
		if s != "" {
			nonBlank = true
		}
		rec[columns[i]] = s
	}
	return rec, nonBlank
}

func (r KeyedRow) normalize() (Record, bool) {
	rec := make(Record, len(r))
	nonBlank := false
	for k, v := range r {
		s := CleanValue(v)
		if s != "" {
			nonBlank = true
		}
		rec[Key(k)] = s
	}
	return rec, nonBlank
}
