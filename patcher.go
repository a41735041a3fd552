package revy

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Construct initializes a new instance from user code. Supplied values are
// initial writes attributed to the context actor; schema defaults for the
// remaining fields are system writes.
func (h *Handler) Construct(ctx context.Context, m Model, vs Values) error {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	if err := checkFields(t, vs); err != nil {
		return err
	}
	s := StateOf(m)
	if !h.active(ctx, t) {
		return construct(t, vs, func(f *Field, v any) error {
			return h.assign(t, m, f, v)
		})
	}

	*s = State{}
	s.lazyInit()
	for name := range vs {
		s.initNames[name] = struct{}{}
	}
	s.isNew = true
	err = construct(t, vs, func(f *Field, v any) error {
		return h.set(ctx, t, s, m, f, v)
	})
	if err != nil {
		return err
	}
	s.initialized = true
	s.target = t.RefOf(m)
	return nil
}

// construct writes every supplied value, falling back to the schema default
// for fields vs leaves out.
func construct(t *Type, vs Values, write func(f *Field, v any) error) error {
	for _, f := range t.Fields {
		v, ok := vs[f.Name]
		if !ok {
			if !f.HasDefault {
				continue
			}
			v = f.DefaultValue()
		}
		if err := write(f, v); err != nil {
			return err
		}
	}
	return nil
}

// Load initializes an instance from stored columns. Loading never records
// deltas.
func (h *Handler) Load(ctx context.Context, m Model, vs Values) error {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	s := StateOf(m)
	if !h.active(ctx, t) {
		return h.assignAll(t, m, vs)
	}
	*s = State{}
	s.lazyInit()
	s.beingFetched = true
	if err := h.setAll(ctx, t, s, m, vs); err != nil {
		return err
	}
	s.initialized = true
	s.beingFetched = false
	s.fetched = true
	s.target = t.RefOf(m)
	return nil
}

// Fetch reads the row with key pk into m.
func (h *Handler) Fetch(ctx context.Context, m Model, pk any) error {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	var vs Values
	err = h.read(ctx, func(r Reader) error {
		var err error
		vs, err = r.LoadModel(ctx, t, pk)
		return err
	})
	if err != nil {
		return err
	}
	return h.Load(ctx, m, vs)
}

// Set writes field of m through instrumentation. A Model passed for a
// reference field is replaced by its primary key. To-many fields are
// assigned as is.
func (h *Handler) Set(ctx context.Context, m Model, field string, v any) error {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	f := t.Field(field)
	if f == nil {
		return errors.Wrapf(ErrUnknownField, "%s.%s", t.Name, field)
	}
	if !h.active(ctx, t) {
		return h.assign(t, m, f, v)
	}
	return h.set(ctx, t, StateOf(m), m, f, v)
}

// Save persists m and records an object delta with every pending attribute
// delta in the same transaction.
func (h *Handler) Save(ctx context.Context, m Model) (err error) {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	ctx, span := h.startSpan(ctx, "save", t)
	defer func() { endSpan(span, err) }()

	if !h.active(ctx, t) {
		return h.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			pk, err := tx.SaveModel(ctx, t, t.Values(m))
			if err != nil {
				return err
			}
			if pk != nil {
				return h.assign(t, m, t.PK, pk)
			}
			return nil
		})
	}

	s := StateOf(m)
	backup := s.backup()
	wasNew := s.isNew
	return h.atomic(ctx, "save", func(ctx context.Context, tx Tx) error {
		unitFrom(ctx).onRollback(func() { s.restore(backup) })
		s.beingSaved = true

		pk, err := tx.SaveModel(ctx, t, t.Values(m))
		if err != nil {
			return errors.Wrapf(err, "revy: save %s", t.Name)
		}
		if pk != nil {
			unitFrom(ctx).onRollback(func() { _ = t.assign(m, t.PK, nil) })
			if err := h.set(ctx, t, s, m, t.PK, pk); err != nil {
				return err
			}
		}
		ref := t.RefOf(m)
		if ref.ID == "" {
			return errors.Wrap(ErrNoPrimaryKey, t.Name)
		}
		s.target = ref

		rev, err := h.revision(ctx, tx)
		if err != nil {
			return err
		}
		action := ActionUpdate
		if wasNew {
			action = ActionCreate
		}
		od, err := h.record(ctx, tx, s, rev, action)
		if err != nil {
			return err
		}
		h.log.WithFields(logrus.Fields{"target": ref.String(), "object_delta": od.ID, "action": action}).Debug("saved")
		s.setFlags(false, true, false, false)
		return nil
	})
}

// Refresh reloads m from the store. Pending deltas are kept and retargeted.
func (h *Handler) Refresh(ctx context.Context, m Model) (err error) {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	ctx, span := h.startSpan(ctx, "refresh", t)
	defer func() { endSpan(span, err) }()

	pk := t.Key(m)
	if pk == nil {
		return errors.Wrap(ErrNoPrimaryKey, t.Name)
	}
	if !h.active(ctx, t) {
		return h.read(ctx, func(r Reader) error {
			vs, err := r.LoadModel(ctx, t, pk)
			if err != nil {
				return err
			}
			return h.assignAll(t, m, vs)
		})
	}

	s := StateOf(m)
	backup := s.backup()
	return h.atomic(ctx, "refresh", func(ctx context.Context, tx Tx) error {
		unitFrom(ctx).onRollback(func() { s.restore(backup) })
		s.beingFetched = true
		vs, err := tx.LoadModel(ctx, t, pk)
		if err != nil {
			return errors.Wrapf(err, "revy: refresh %s", t.Name)
		}
		if err := h.setAll(ctx, t, s, m, vs); err != nil {
			return err
		}
		s.target = t.RefOf(m)
		for _, ad := range s.pending.Entries() {
			ad.Target = s.target
		}
		s.setFlags(false, false, true, false)
		return nil
	})
}

// Delete records a Delete object delta, applies the delete policies of
// dependent types and removes the row, all in one transaction.
func (h *Handler) Delete(ctx context.Context, m Model) (err error) {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	ctx, span := h.startSpan(ctx, "delete", t)
	defer func() { endSpan(span, err) }()

	pk := t.Key(m)
	if pk == nil {
		return errors.Wrap(ErrNoPrimaryKey, t.Name)
	}
	if !h.active(ctx, t) {
		return h.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			if err := h.collect(ctx, tx, t, pk); err != nil {
				return err
			}
			return tx.DeleteModel(ctx, t, pk)
		})
	}

	s := StateOf(m)
	backup := s.backup()
	return h.atomic(ctx, "delete", func(ctx context.Context, tx Tx) error {
		unitFrom(ctx).onRollback(func() { s.restore(backup) })
		s.beingDeleted = true
		s.target = t.RefOf(m)

		rev, err := h.revision(ctx, tx)
		if err != nil {
			return err
		}
		od, err := h.record(ctx, tx, s, rev, ActionDelete)
		if err != nil {
			return err
		}
		if err := h.collect(ctx, tx, t, pk); err != nil {
			return err
		}
		if err := tx.DeleteModel(ctx, t, pk); err != nil {
			return errors.Wrapf(err, "revy: delete %s", t.Name)
		}
		h.log.WithFields(logrus.Fields{"target": s.target.String(), "object_delta": od.ID}).Debug("deleted")
		s.setFlags(false, false, false, true)
		return nil
	})
}

// revision returns the active revision, creating and persisting one when
// the context supplies none.
func (h *Handler) revision(ctx context.Context, tx Tx) (*Revision, error) {
	u := unitFrom(ctx)
	switch v := Get(ctx, KeyRevision, nil).(type) {
	case *Revision:
		if v == nil {
			break
		}
		if v.ID == 0 {
			if err := tx.InsertRevision(ctx, v); err != nil {
				return nil, errors.Wrap(err, "revy: insert revision")
			}
			u.onRollback(func() { v.ID = 0 })
			u.onCommit(h.metrics.revisions.Inc)
		}
		return v, nil
	case *LazyRevision:
		if v == nil {
			break
		}
		rev, created, err := v.resolve(ctx, tx)
		if err != nil {
			return nil, errors.Wrap(err, "revy: resolve lazy revision")
		}
		if created {
			u.onRollback(func() { v.forget(rev) })
			u.onCommit(h.metrics.revisions.Inc)
		}
		return rev, nil
	}
	rev := &Revision{Description: RevisionDescription(ctx)}
	if err := tx.InsertRevision(ctx, rev); err != nil {
		return nil, errors.Wrap(err, "revy: insert revision")
	}
	u.onCommit(h.metrics.revisions.Inc)
	return rev, nil
}

// record inserts the object delta and flushes the pending attribute deltas
// against it.
func (h *Handler) record(ctx context.Context, tx Tx, s *State, rev *Revision, action Action) (*ObjectDelta, error) {
	u := unitFrom(ctx)
	od := &ObjectDelta{Delta: Delta{
		RevisionID:  rev.ID,
		Actor:       Actor(ctx),
		Action:      action,
		Description: ObjectDeltaDescription(ctx),
		Target:      s.target,
	}}
	if err := tx.InsertObjectDelta(ctx, od); err != nil {
		return nil, errors.Wrap(err, "revy: insert object delta")
	}
	u.onCommit(h.metrics.objectDeltas.WithLabelValues(string(action)).Inc)
	for _, ad := range s.pending.Drain() {
		ad.RevisionID = rev.ID
		ad.ObjectDeltaID = od.ID
		ad.Target = s.target
		if err := tx.InsertAttributeDelta(ctx, ad); err != nil {
			return nil, errors.Wrapf(err, "revy: insert attribute delta %s", ad.FieldName)
		}
		u.onCommit(h.metrics.attributeDeltas.WithLabelValues(string(ad.Action)).Inc)
	}
	return od, nil
}

// read runs fn against the transaction carried by ctx, or a fresh reader.
func (h *Handler) read(ctx context.Context, fn func(r Reader) error) error {
	r, release, err := h.store.Reader(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(r)
}

func checkFields(t *Type, vs Values) error {
	for name := range vs {
		if t.Field(name) == nil {
			return errors.Wrapf(ErrUnknownField, "%s.%s", t.Name, name)
		}
	}
	return nil
}

// assign writes v without instrumentation.
func (h *Handler) assign(t *Type, m Model, f *Field, v any) error {
	if f.Ref != "" {
		v = h.keyOf(v)
	}
	return t.assign(m, f, v)
}

func (h *Handler) assignAll(t *Type, m Model, vs Values) error {
	for _, name := range sortedNames(vs) {
		f := t.Field(name)
		if f == nil {
			continue
		}
		if err := h.assign(t, m, f, vs[name]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) setAll(ctx context.Context, t *Type, s *State, m Model, vs Values) error {
	for _, name := range sortedNames(vs) {
		f := t.Field(name)
		if f == nil {
			continue
		}
		if err := h.set(ctx, t, s, m, f, vs[name]); err != nil {
			return err
		}
	}
	return nil
}

// keyOf replaces a Model by its primary key.
func (h *Handler) keyOf(v any) any {
	rm, ok := v.(Model)
	if !ok {
		return v
	}
	rt, err := h.TypeOf(rm)
	if err != nil {
		return v
	}
	return rt.Key(rm)
}

func sortedNames(vs Values) []string {
	names := make([]string, 0, len(vs))
	for k := range vs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
