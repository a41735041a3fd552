package sqlstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/internal/query"
)

// jsonb_build_object takes at most 100 arguments.
const snapshotChunk = 50

// SnapshotExpr renders an expression that evaluates, for the object delta
// row aliased odAlias, to a JSON object of t's columns as they stood right
// after that delta. Each value is the newest attribute delta of the same
// target at or before the object delta. It only applies to JSON value
// columns and can be selected over many object delta rows at once.
func SnapshotExpr(d Dialect, tables Tables, t *revy.Type, odAlias string) string {
	tables = tables.withDefaults()
	st := d.flavor().Style()
	q := st.Quote
	ad := "revy_ad"
	sub := func(field string) string {
		return "(SELECT " + ad + "." + q("new_value") +
			" FROM " + st.Table(tables.AttributeDeltas) + " " + ad +
			" WHERE " + ad + "." + q("target_type") + " = " + odAlias + "." + q("target_type") +
			" AND " + ad + "." + q("target_id") + " = " + odAlias + "." + q("target_id") +
			" AND " + ad + "." + q("object_delta_id") + " <= " + odAlias + "." + q("id") +
			" AND " + ad + "." + q("field_name") + " = " + query.Literal(field) +
			" ORDER BY " + ad + "." + q("id") + " DESC LIMIT 1)"
	}

	cols := t.Columns()
	if d == MySQL {
		pairs := make([]string, 0, len(cols))
		for _, f := range cols {
			pairs = append(pairs, query.Literal(f.Name)+", "+sub(f.Name))
		}
		return "JSON_OBJECT(" + strings.Join(pairs, ", ") + ")"
	}
	if len(cols) == 0 {
		return "'{}'::jsonb"
	}
	var chunks []string
	for start := 0; start < len(cols); start += snapshotChunk {
		end := min(start+snapshotChunk, len(cols))
		pairs := make([]string, 0, end-start)
		for _, f := range cols[start:end] {
			pairs = append(pairs, query.Literal(f.Name)+", "+sub(f.Name))
		}
		chunks = append(chunks, "jsonb_build_object("+strings.Join(pairs, ", ")+")")
	}
	return strings.Join(chunks, " || ")
}

// Snapshots evaluates SnapshotExpr for every object delta in one query when
// values are JSON, and replays attribute deltas otherwise.
func (t *tx) Snapshots(ctx context.Context, typ *revy.Type, ods []*revy.ObjectDelta) (map[int64]revy.Values, error) {
	out := make(map[int64]revy.Values, len(ods))
	if len(ods) == 0 {
		return out, nil
	}
	if t.s.codec.Name() != "json" {
		return revy.ReplayAll(ctx, t, typ, ods)
	}

	ids := make([]any, len(ods))
	for i, od := range ods {
		ids[i] = od.ID
	}
	b := t.builder()
	b.Write("SELECT od." + t.quote("id") + ", " + SnapshotExpr(t.s.dialect, t.s.tables, typ, "od"))
	b.Write(" FROM ").Ident(t.s.tables.ObjectDeltas).Write(" od WHERE od." + t.quote("id") + " IN (").Args(ids...).Write(")")

	rows, err := t.q.QueryContext(ctx, b.String(), b.Bound()...)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: snapshots of %s", typ.Name)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, errors.WithStack(err)
		}
		vs := revy.Values{}
		if err := t.s.codec.Unmarshal(raw, &vs); err != nil {
			return nil, errors.Wrapf(err, "sqlstore: decode snapshot of object delta %d", id)
		}
		out[id] = vs
	}
	return out, errors.WithStack(rows.Err())
}
