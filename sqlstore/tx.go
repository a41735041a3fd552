package sqlstore

import (
	"context"
	"database/sql"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/internal/query"
)

var (
	revisionColumns = []string{"id", "description", "created_at", "updated_at"}
	deltaColumns    = []string{"id", "revision_id", "actor_type", "actor_id", "action", "description", "target_type", "target_id", "created_at", "updated_at"}
	attrColumns     = append(append([]string(nil), deltaColumns...), "object_delta_id", "field_name", "old_value", "new_value")
)

type tx struct {
	s     *Store
	q     Querier
	sqlTx *sql.Tx
	depth int
}

var _ revy.Tx = (*tx)(nil)

func (t *tx) builder() *query.Builder {
	return query.New(t.s.dialect.flavor())
}

func (t *tx) quote(name string) string {
	return t.s.dialect.flavor().Style().Quote(name)
}

func limitClause(b *query.Builder, limit int) {
	if limit > 0 {
		b.Write(" LIMIT " + strconv.Itoa(limit))
	}
}

func columnNames(typ *revy.Type) []string {
	cols := typ.Columns()
	out := make([]string, len(cols))
	for i, f := range cols {
		out[i] = f.Name
	}
	return out
}

func (t *tx) selectModels(ctx context.Context, typ *revy.Type, w *query.Where, limit int) ([]revy.Values, error) {
	b := t.builder()
	b.Write("SELECT ").Columns("", columnNames(typ)...).Write(" FROM ").Ident(typ.Name)
	w.WriteTo(b)
	b.Write(" ORDER BY ").Column("", typ.PK.Name)
	limitClause(b, limit)
	rows, err := t.q.QueryContext(ctx, b.String(), b.Bound()...)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: select %s", typ.Name)
	}
	return scanRows(typ, rows)
}

func (t *tx) LoadModel(ctx context.Context, typ *revy.Type, pk any) (revy.Values, error) {
	all, err := t.selectModels(ctx, typ, new(query.Where).Eq("", typ.PK.Name, pk), 1)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errors.Wrapf(revy.ErrNotFound, "sqlstore: load %s %v", typ.Name, pk)
	}
	return all[0], nil
}

func (t *tx) Related(ctx context.Context, typ *revy.Type, f *revy.Field, value, after any, limit int) ([]revy.Values, error) {
	w := new(query.Where).Eq("", f.Name, value)
	if after != nil {
		w.Op("", typ.PK.Name, ">", after)
	}
	return t.selectModels(ctx, typ, w, limit)
}

// insertID inserts a row and returns the generated key column.
func (t *tx) insertID(ctx context.Context, table, key string, cols []string, vals []any) (int64, error) {
	b := query.Insert(t.s.dialect.flavor(), table, cols, vals)
	if t.s.dialect == MySQL {
		res, err := t.q.ExecContext(ctx, b.String(), b.Bound()...)
		if err != nil {
			return 0, errors.Wrapf(err, "sqlstore: insert %s", table)
		}
		n, err := res.LastInsertId()
		return n, errors.Wrapf(err, "sqlstore: insert %s", table)
	}
	q, _ := query.AppendReturning(b.String(), t.quote(key))
	var n int64
	if err := t.q.QueryRowContext(ctx, q, b.Bound()...).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "sqlstore: insert %s", table)
	}
	return n, nil
}

func (t *tx) exec(ctx context.Context, b *query.Builder) (int64, error) {
	res, err := t.q.ExecContext(ctx, b.String(), b.Bound()...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

func (t *tx) SaveModel(ctx context.Context, typ *revy.Type, vs revy.Values) (any, error) {
	pk := vs[typ.PK.Name]
	blank := pk == nil || reflect.ValueOf(pk).IsZero()

	kind := typ.PK.GoType()
	for kind.Kind() == reflect.Pointer {
		kind = kind.Elem()
	}
	var generated any
	if blank {
		switch {
		case kind.Kind() == reflect.String:
			generated = uuid.NewString()
		case kind == reflect.TypeOf(uuid.UUID{}):
			generated = uuid.New()
		}
		if generated != nil {
			pk, blank = generated, false
		}
	}

	var cols []string
	var vals []any
	for _, f := range typ.Columns() {
		if f.PK {
			if blank {
				continue
			}
			cols = append(cols, f.Name)
			vals = append(vals, pk)
			continue
		}
		cols = append(cols, f.Name)
		vals = append(vals, vs[f.Name])
	}

	if blank {
		n, err := t.insertID(ctx, typ.Name, typ.PK.Name, cols, vals)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	var b *query.Builder
	if generated != nil {
		b = query.Insert(t.s.dialect.flavor(), typ.Name, cols, vals)
	} else {
		b = query.Upsert(t.s.dialect.flavor(), typ.Name, typ.PK.Name, cols, vals)
	}
	if _, err := t.exec(ctx, b); err != nil {
		return nil, errors.Wrapf(err, "sqlstore: save %s", typ.Name)
	}
	return generated, nil
}

func (t *tx) DeleteModel(ctx context.Context, typ *revy.Type, pk any) error {
	n, err := t.DeleteWhere(ctx, typ, typ.PK, pk)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(revy.ErrNotFound, "sqlstore: delete %s %v", typ.Name, pk)
	}
	return nil
}

func (t *tx) UpdateWhere(ctx context.Context, typ *revy.Type, f *revy.Field, match, value any) (int64, error) {
	b := t.builder()
	b.Write("UPDATE ").Ident(typ.Name).Write(" SET ").Column("", f.Name).Write(" = ").Arg(value)
	new(query.Where).Eq("", f.Name, match).WriteTo(b)
	n, err := t.exec(ctx, b)
	return n, errors.Wrapf(err, "sqlstore: update %s.%s", typ.Name, f.Name)
}

func (t *tx) DeleteWhere(ctx context.Context, typ *revy.Type, f *revy.Field, match any) (int64, error) {
	b := t.builder()
	b.Write("DELETE FROM ").Ident(typ.Name)
	new(query.Where).Eq("", f.Name, match).WriteTo(b)
	n, err := t.exec(ctx, b)
	return n, errors.Wrapf(err, "sqlstore: delete from %s", typ.Name)
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// encode serializes an attribute value. JSON columns take text.
func (t *tx) encode(v any) (any, error) {
	b, err := revy.EncodeValue(t.s.codec, v)
	if err != nil || b == nil {
		return nil, err
	}
	if t.s.codec.Name() == "json" {
		return string(b), nil
	}
	return b, nil
}

func (t *tx) InsertRevision(ctx context.Context, rev *revy.Revision) error {
	stamp(&rev.CreatedAt, &rev.UpdatedAt)
	n, err := t.insertID(ctx, t.s.tables.Revisions, "id", revisionColumns[1:],
		[]any{rev.Description, rev.CreatedAt, rev.UpdatedAt})
	if err != nil {
		return err
	}
	rev.ID = n
	return nil
}

func deltaValues(d *revy.Delta) []any {
	return []any{
		d.RevisionID, nullString(d.Actor.Type), nullString(d.Actor.ID), string(d.Action), d.Description,
		d.Target.Type, d.Target.ID, d.CreatedAt, d.UpdatedAt,
	}
}

func (t *tx) InsertObjectDelta(ctx context.Context, od *revy.ObjectDelta) error {
	stamp(&od.CreatedAt, &od.UpdatedAt)
	n, err := t.insertID(ctx, t.s.tables.ObjectDeltas, "id", deltaColumns[1:], deltaValues(&od.Delta))
	if err != nil {
		return err
	}
	od.ID = n
	return nil
}

func (t *tx) InsertAttributeDelta(ctx context.Context, ad *revy.AttributeDelta) error {
	stamp(&ad.CreatedAt, &ad.UpdatedAt)
	ov, err := t.encode(ad.OldValue)
	if err != nil {
		return err
	}
	nv, err := t.encode(ad.NewValue)
	if err != nil {
		return err
	}
	vals := append(deltaValues(&ad.Delta), ad.ObjectDeltaID, ad.FieldName, ov, nv)
	n, err := t.insertID(ctx, t.s.tables.AttributeDeltas, "id", attrColumns[1:], vals)
	if err != nil {
		return err
	}
	ad.ID = n
	return nil
}

func (t *tx) Revision(ctx context.Context, id int64) (*revy.Revision, error) {
	b := t.builder()
	b.Write("SELECT ").Columns("", revisionColumns...).Write(" FROM ").Ident(t.s.tables.Revisions)
	new(query.Where).Eq("", "id", id).WriteTo(b)
	var rev revy.Revision
	err := t.q.QueryRowContext(ctx, b.String(), b.Bound()...).Scan(&rev.ID, &rev.Description, &rev.CreatedAt, &rev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(revy.ErrNotFound, "sqlstore: revision %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: revision %d", id)
	}
	return &rev, nil
}

func (t *tx) ObjectDelta(ctx context.Context, id int64) (*revy.ObjectDelta, error) {
	ods, err := t.ObjectDeltas(ctx, revy.Filter{ObjectDeltaID: id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(ods) == 0 {
		return nil, errors.Wrapf(revy.ErrNotFound, "sqlstore: object delta %d", id)
	}
	return ods[0], nil
}

// deltaWhere renders the filter fields shared by both delta tables.
func deltaWhere(f revy.Filter) *query.Where {
	w := new(query.Where)
	if f.RevisionID != 0 {
		w.Eq("", "revision_id", f.RevisionID)
	}
	if !f.Target.IsZero() {
		w.Eq("", "target_type", f.Target.Type).Eq("", "target_id", f.Target.ID)
	}
	if f.Action != "" {
		w.Eq("", "action", string(f.Action))
	}
	return w
}

func (t *tx) ObjectDeltas(ctx context.Context, f revy.Filter) ([]*revy.ObjectDelta, error) {
	w := deltaWhere(f)
	if f.ObjectDeltaID != 0 {
		w.Eq("", "id", f.ObjectDeltaID)
	}
	if f.MaxObjectDeltaID != 0 {
		w.Op("", "id", "<=", f.MaxObjectDeltaID)
	}
	b := t.builder()
	b.Write("SELECT ").Columns("", deltaColumns...).Write(" FROM ").Ident(t.s.tables.ObjectDeltas)
	w.WriteTo(b)
	b.Write(" ORDER BY id")
	limitClause(b, f.Limit)

	rows, err := t.q.QueryContext(ctx, b.String(), b.Bound()...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: object deltas")
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)
	var out []*revy.ObjectDelta
	for rows.Next() {
		var od revy.ObjectDelta
		row := deltaRow{d: &od.Delta}
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, errors.WithStack(err)
		}
		row.finish()
		out = append(out, &od)
	}
	return out, errors.WithStack(rows.Err())
}

func (t *tx) AttributeDeltas(ctx context.Context, f revy.Filter) ([]*revy.AttributeDelta, error) {
	w := deltaWhere(f)
	if f.ObjectDeltaID != 0 {
		w.Eq("", "object_delta_id", f.ObjectDeltaID)
	}
	if f.FieldName != "" {
		w.Eq("", "field_name", f.FieldName)
	}
	if f.MaxObjectDeltaID != 0 {
		w.Op("", "object_delta_id", "<=", f.MaxObjectDeltaID)
	}
	b := t.builder()
	b.Write("SELECT ").Columns("", attrColumns...).Write(" FROM ").Ident(t.s.tables.AttributeDeltas)
	w.WriteTo(b)
	b.Write(" ORDER BY id")
	limitClause(b, f.Limit)

	rows, err := t.q.QueryContext(ctx, b.String(), b.Bound()...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: attribute deltas")
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)
	var out []*revy.AttributeDelta
	for rows.Next() {
		var ad revy.AttributeDelta
		var ov, nv []byte
		row := deltaRow{d: &ad.Delta}
		if err := rows.Scan(append(row.dest(), &ad.ObjectDeltaID, &ad.FieldName, &ov, &nv)...); err != nil {
			return nil, errors.WithStack(err)
		}
		row.finish()
		if ad.OldValue, err = revy.DecodeValue(t.s.codec, ov); err != nil {
			return nil, err
		}
		if ad.NewValue, err = revy.DecodeValue(t.s.codec, nv); err != nil {
			return nil, err
		}
		out = append(out, &ad)
	}
	return out, errors.WithStack(rows.Err())
}

// deltaRow scans the shared delta columns; actor columns are nullable.
type deltaRow struct {
	d                  *revy.Delta
	actorType, actorID sql.NullString
}

func (r *deltaRow) dest() []any {
	d := r.d
	return []any{&d.ID, &d.RevisionID, &r.actorType, &r.actorID, &d.Action, &d.Description, &d.Target.Type, &d.Target.ID, &d.CreatedAt, &d.UpdatedAt}
}

func (r *deltaRow) finish() {
	r.d.Actor = revy.Ref{Type: r.actorType.String, ID: r.actorID.String}
}
