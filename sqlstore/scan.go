package sqlstore

import (
	"database/sql"
	"reflect"

	"github.com/pkg/errors"

	"github.com/mickamy/revy"
)

var bytesType = reflect.TypeOf([]byte(nil))

// scanRows consumes rows into column maps.
func scanRows(t *revy.Type, rows *sql.Rows) ([]revy.Values, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []revy.Values
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, rowToMap(t, cols, vals))
	}
	return out, errors.WithStack(rows.Err())
}

// rowToMap converts a single row (columns + values) to a map. Drivers hand
// text back as []byte; it becomes a string unless the field holds bytes.
func rowToMap(t *revy.Type, cols []string, vals []any) revy.Values {
	m := make(revy.Values, len(cols))
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			if f := t.Field(c); f != nil && isBytes(f.GoType()) {
				m[c] = append([]byte(nil), b...)
				continue
			}
			m[c] = string(b)
			continue
		}
		m[c] = v
	}
	return m
}

func isBytes(rt reflect.Type) bool {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return rt == bytesType
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
