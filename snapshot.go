package revy

import (
	"context"

	"github.com/pkg/errors"
)

// Replay reconstructs the columns of t as they stood right after od. For
// each field the newest attribute delta of the same target whose object
// delta id is not greater than od's provides the value; fields without one
// are nil. Stores without a query language use it directly and every store
// must agree with it.
func Replay(t *Type, od *ObjectDelta, deltas []*AttributeDelta) Values {
	latest := map[string]*AttributeDelta{}
	for _, d := range deltas {
		if d.Target != od.Target || d.ObjectDeltaID > od.ID {
			continue
		}
		if cur, ok := latest[d.FieldName]; !ok || d.ID > cur.ID {
			latest[d.FieldName] = d
		}
	}
	vs := make(Values, len(t.Fields))
	for _, f := range t.Columns() {
		if d, ok := latest[f.Name]; ok {
			vs[f.Name] = d.NewValue
		} else {
			vs[f.Name] = nil
		}
	}
	return vs
}

// ReplayAll runs Replay for every object delta in ods, reading each
// target's attribute deltas once through r.
func ReplayAll(ctx context.Context, r Reader, t *Type, ods []*ObjectDelta) (map[int64]Values, error) {
	history := map[Ref][]*AttributeDelta{}
	out := make(map[int64]Values, len(ods))
	for _, od := range ods {
		ads, ok := history[od.Target]
		if !ok {
			var err error
			ads, err = r.AttributeDeltas(ctx, Filter{Target: od.Target})
			if err != nil {
				return nil, err
			}
			history[od.Target] = ads
		}
		out[od.ID] = Replay(t, od, ads)
	}
	return out, nil
}

// Snapshot reconstructs the target of od as of od.
func (h *Handler) Snapshot(ctx context.Context, od *ObjectDelta) (Values, error) {
	t, err := h.TypeNamed(od.Target.Type)
	if err != nil {
		return nil, err
	}
	var out map[int64]Values
	err = h.read(ctx, func(r Reader) error {
		var err error
		out, err = r.Snapshots(ctx, t, []*ObjectDelta{od})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "revy: snapshot %s", od.Target)
	}
	vs, ok := out[od.ID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "snapshot of object delta %d", od.ID)
	}
	return vs, nil
}

// Snapshots reconstructs entities of the named type at each of the given
// object deltas in one query, keyed by object delta id.
func (h *Handler) Snapshots(ctx context.Context, typeName string, ids ...int64) (map[int64]Values, error) {
	t, err := h.TypeNamed(typeName)
	if err != nil {
		return nil, err
	}
	var out map[int64]Values
	err = h.read(ctx, func(r Reader) error {
		ods := make([]*ObjectDelta, 0, len(ids))
		for _, id := range ids {
			od, err := r.ObjectDelta(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "object delta %d", id)
			}
			if od.Target.Type != t.Name {
				return errors.Errorf("object delta %d targets %s, not %s", id, od.Target.Type, t.Name)
			}
			ods = append(ods, od)
		}
		var err error
		out, err = r.Snapshots(ctx, t, ods)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "revy: snapshots")
	}
	return out, nil
}

// Restore hydrates m, a fresh instance, with the state of od's target as of
// od. Saving m afterwards re-creates the entity under its previous key.
func (h *Handler) Restore(ctx context.Context, m Model, od *ObjectDelta) error {
	t, err := h.TypeOf(m)
	if err != nil {
		return err
	}
	if od.Target.Type != t.Name {
		return errors.Errorf("revy: object delta %d targets %s, not %s", od.ID, od.Target.Type, t.Name)
	}
	vs, err := h.Snapshot(ctx, od)
	if err != nil {
		return err
	}
	return h.Construct(ctx, m, vs)
}

// History lists the object deltas of target in id order.
func (h *Handler) History(ctx context.Context, target Ref) ([]*ObjectDelta, error) {
	var out []*ObjectDelta
	err := h.read(ctx, func(r Reader) error {
		var err error
		out, err = r.ObjectDeltas(ctx, Filter{Target: target})
		return err
	})
	return out, err
}

// AttributeDeltasOf lists the attribute deltas recorded under od.
func (h *Handler) AttributeDeltasOf(ctx context.Context, od *ObjectDelta) ([]*AttributeDelta, error) {
	var out []*AttributeDelta
	err := h.read(ctx, func(r Reader) error {
		var err error
		out, err = r.AttributeDeltas(ctx, Filter{ObjectDeltaID: od.ID})
		return err
	})
	return out, err
}

// RevisionActors returns the distinct non-null actors of a revision's
// deltas, object deltas first.
func (h *Handler) RevisionActors(ctx context.Context, revisionID int64) ([]Ref, error) {
	var actors []Ref
	err := h.read(ctx, func(r Reader) error {
		ods, err := r.ObjectDeltas(ctx, Filter{RevisionID: revisionID})
		if err != nil {
			return err
		}
		ads, err := r.AttributeDeltas(ctx, Filter{RevisionID: revisionID})
		if err != nil {
			return err
		}
		seen := map[Ref]bool{}
		add := func(a Ref) {
			if a.IsZero() || seen[a] {
				return
			}
			seen[a] = true
			actors = append(actors, a)
		}
		for _, od := range ods {
			add(od.Actor)
		}
		for _, ad := range ads {
			add(ad.Actor)
		}
		return nil
	})
	return actors, err
}

// ObjectDeltaActors returns the actor of od followed by the distinct
// non-null actors of its attribute deltas.
func (h *Handler) ObjectDeltaActors(ctx context.Context, od *ObjectDelta) ([]Ref, error) {
	ads, err := h.AttributeDeltasOf(ctx, od)
	if err != nil {
		return nil, err
	}
	var actors []Ref
	seen := map[Ref]bool{}
	for _, a := range append([]Ref{od.Actor}, actorsOf(ads)...) {
		if a.IsZero() || seen[a] {
			continue
		}
		seen[a] = true
		actors = append(actors, a)
	}
	return actors, nil
}

func actorsOf(ads []*AttributeDelta) []Ref {
	out := make([]Ref, len(ads))
	for i, ad := range ads {
		out[i] = ad.Actor
	}
	return out
}
