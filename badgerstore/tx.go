package badgerstore

import (
	"bytes"
	"context"
	"reflect"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mickamy/revy"
)

type tx struct {
	s      *Store
	txn    *badger.Txn
	update bool
	// failed holds the first error returned by a nested Atomic call. The
	// outer call refuses to commit once it is set.
	failed error
}

var _ revy.Tx = (*tx)(nil)

func (t *tx) get(key []byte, v any) error {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return revy.ErrNotFound
		}
		return errors.WithStack(err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return t.s.codec.Unmarshal(data, v)
}

func (t *tx) put(key []byte, v any) error {
	data, err := t.s.codec.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "badgerstore: encode %s", key)
	}
	return errors.WithStack(t.txn.Set(key, data))
}

// keys returns every key under p that sorts after start, up to limit keys
// when limit > 0.
func (t *tx) keys(p, start []byte, limit int) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	seek := p
	if start != nil {
		seek = start
	}
	for it.Seek(seek); it.ValidForPrefix(p); it.Next() {
		k := it.Item().KeyCopy(nil)
		if start != nil && bytes.Equal(k, start) {
			continue
		}
		out = append(out, k)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (t *tx) LoadModel(_ context.Context, typ *revy.Type, pk any) (revy.Values, error) {
	var vs revy.Values
	if err := t.get(entityKey(typ.Name, pk), &vs); err != nil {
		return nil, errors.Wrapf(err, "badgerstore: load %s %v", typ.Name, pk)
	}
	return vs, nil
}

func (t *tx) loadEncoded(typ *revy.Type, encodedPK string) (revy.Values, error) {
	var vs revy.Values
	if err := t.get(join("ent", seg(typ.Name), encodedPK), &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func (t *tx) Related(_ context.Context, typ *revy.Type, f *revy.Field, value, after any, limit int) ([]revy.Values, error) {
	p := indexPrefix(typ.Name, f.Name, value)
	var start []byte
	if after != nil {
		start = append(append([]byte(nil), p...), seg(after)...)
	}
	var out []revy.Values
	for _, k := range t.keys(p, start, limit) {
		vs, err := t.loadEncoded(typ, lastSegment(k))
		if err != nil {
			return nil, errors.Wrapf(err, "badgerstore: related %s.%s", typ.Name, f.Name)
		}
		out = append(out, vs)
	}
	return out, nil
}

// generateKey returns a new primary key suited to the field type: a
// sequence value for integers, a random UUID for strings and UUID types.
func (t *tx) generateKey(typ *revy.Type) (any, error) {
	ft := typ.PK.GoType()
	for ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	switch {
	case ft.Kind() == reflect.String:
		return uuid.NewString(), nil
	case ft == reflect.TypeOf(uuid.UUID{}):
		return uuid.New(), nil
	}
	switch ft.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.s.nextID("ent/" + typ.Name)
	}
	return nil, errors.Errorf("badgerstore: cannot generate a key of type %s", ft)
}

func (t *tx) SaveModel(_ context.Context, typ *revy.Type, vs revy.Values) (any, error) {
	pk := vs[typ.PK.Name]
	var generated any
	if pk == nil || reflect.ValueOf(pk).IsZero() {
		k, err := t.generateKey(typ)
		if err != nil {
			return nil, err
		}
		generated, pk = k, k
		cp := make(revy.Values, len(vs))
		for k, v := range vs {
			cp[k] = v
		}
		cp[typ.PK.Name] = pk
		vs = cp
	}

	key := entityKey(typ.Name, pk)
	var old revy.Values
	if err := t.get(key, &old); err != nil && !errors.Is(err, revy.ErrNotFound) {
		return nil, err
	}
	for _, f := range typ.Columns() {
		if f.Ref == "" {
			continue
		}
		if old != nil {
			if err := t.txn.Delete(indexKey(typ.Name, f.Name, old[f.Name], pk)); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		if v := vs[f.Name]; v != nil {
			if err := t.txn.Set(indexKey(typ.Name, f.Name, v, pk), nil); err != nil {
				return nil, errors.WithStack(err)
			}
		}
	}
	if err := t.put(key, vs); err != nil {
		return nil, err
	}
	return generated, nil
}

func (t *tx) DeleteModel(_ context.Context, typ *revy.Type, pk any) error {
	key := entityKey(typ.Name, pk)
	var old revy.Values
	if err := t.get(key, &old); err != nil {
		return errors.Wrapf(err, "badgerstore: delete %s %v", typ.Name, pk)
	}
	for _, f := range typ.Columns() {
		if f.Ref == "" || old[f.Name] == nil {
			continue
		}
		if err := t.txn.Delete(indexKey(typ.Name, f.Name, old[f.Name], pk)); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(t.txn.Delete(key))
}

func (t *tx) UpdateWhere(ctx context.Context, typ *revy.Type, f *revy.Field, match, value any) (int64, error) {
	var n int64
	for _, k := range t.keys(indexPrefix(typ.Name, f.Name, match), nil, 0) {
		vs, err := t.loadEncoded(typ, lastSegment(k))
		if err != nil {
			return n, err
		}
		vs[f.Name] = value
		if _, err := t.SaveModel(ctx, typ, vs); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *tx) DeleteWhere(ctx context.Context, typ *revy.Type, f *revy.Field, match any) (int64, error) {
	var n int64
	for _, k := range t.keys(indexPrefix(typ.Name, f.Name, match), nil, 0) {
		vs, err := t.loadEncoded(typ, lastSegment(k))
		if err != nil {
			return n, err
		}
		if err := t.DeleteModel(ctx, typ, vs[typ.PK.Name]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
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

func (t *tx) InsertRevision(_ context.Context, rev *revy.Revision) error {
	n, err := t.s.nextID("rev")
	if err != nil {
		return err
	}
	rev.ID = n
	stamp(&rev.CreatedAt, &rev.UpdatedAt)
	return t.put(join("rev", id(rev.ID)), rev)
}

func (t *tx) InsertObjectDelta(_ context.Context, od *revy.ObjectDelta) error {
	n, err := t.s.nextID("od")
	if err != nil {
		return err
	}
	od.ID = n
	stamp(&od.CreatedAt, &od.UpdatedAt)
	me := id(od.ID)
	if err := t.put(join("od", me), od); err != nil {
		return err
	}
	if err := t.txn.Set(join("odt", seg(od.Target.Type), seg(od.Target.ID), me), nil); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(t.txn.Set(join("odr", id(od.RevisionID), me), nil))
}

func (t *tx) InsertAttributeDelta(_ context.Context, ad *revy.AttributeDelta) error {
	n, err := t.s.nextID("ad")
	if err != nil {
		return err
	}
	ad.ID = n
	stamp(&ad.CreatedAt, &ad.UpdatedAt)
	me := id(ad.ID)
	if err := t.put(join("ad", me), ad); err != nil {
		return err
	}
	for _, k := range [][]byte{
		join("adt", seg(ad.Target.Type), seg(ad.Target.ID), me),
		join("adp", id(ad.ObjectDeltaID), me),
		join("adr", id(ad.RevisionID), me),
	} {
		if err := t.txn.Set(k, nil); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (t *tx) Revision(_ context.Context, revID int64) (*revy.Revision, error) {
	var rev revy.Revision
	if err := t.get(join("rev", id(revID)), &rev); err != nil {
		return nil, errors.Wrapf(err, "badgerstore: revision %d", revID)
	}
	return &rev, nil
}

func (t *tx) ObjectDelta(_ context.Context, odID int64) (*revy.ObjectDelta, error) {
	var od revy.ObjectDelta
	if err := t.get(join("od", id(odID)), &od); err != nil {
		return nil, errors.Wrapf(err, "badgerstore: object delta %d", odID)
	}
	return &od, nil
}

func (t *tx) ObjectDeltas(_ context.Context, f revy.Filter) ([]*revy.ObjectDelta, error) {
	var keys [][]byte
	switch {
	case f.ObjectDeltaID != 0:
		keys = [][]byte{join("od", id(f.ObjectDeltaID))}
	case !f.Target.IsZero():
		keys = t.keys(prefix("odt", seg(f.Target.Type), seg(f.Target.ID)), nil, 0)
	case f.RevisionID != 0:
		keys = t.keys(prefix("odr", id(f.RevisionID)), nil, 0)
	default:
		keys = t.keys(prefix("od"), nil, 0)
	}
	var out []*revy.ObjectDelta
	for _, k := range keys {
		var od revy.ObjectDelta
		if err := t.get(join("od", lastSegment(k)), &od); err != nil {
			if errors.Is(err, revy.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !f.MatchDelta(&od.Delta) {
			continue
		}
		if f.MaxObjectDeltaID != 0 && od.ID > f.MaxObjectDeltaID {
			continue
		}
		out = append(out, &od)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) AttributeDeltas(_ context.Context, f revy.Filter) ([]*revy.AttributeDelta, error) {
	var keys [][]byte
	switch {
	case f.ObjectDeltaID != 0:
		keys = t.keys(prefix("adp", id(f.ObjectDeltaID)), nil, 0)
	case !f.Target.IsZero():
		keys = t.keys(prefix("adt", seg(f.Target.Type), seg(f.Target.ID)), nil, 0)
	case f.RevisionID != 0:
		keys = t.keys(prefix("adr", id(f.RevisionID)), nil, 0)
	default:
		keys = t.keys(prefix("ad"), nil, 0)
	}
	var out []*revy.AttributeDelta
	for _, k := range keys {
		var ad revy.AttributeDelta
		if err := t.get(join("ad", lastSegment(k)), &ad); err != nil {
			return nil, err
		}
		if !f.Match(&ad) {
			continue
		}
		out = append(out, &ad)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Snapshots replays attribute deltas in Go, reading each target's history
// once.
func (t *tx) Snapshots(ctx context.Context, typ *revy.Type, ods []*revy.ObjectDelta) (map[int64]revy.Values, error) {
	return revy.ReplayAll(ctx, t, typ, ods)
}
