package revy

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type onDeleteKind int

const (
	doNothing onDeleteKind = iota
	cascade
	setNull
	setDefault
	setValue
)

// OnDelete is the policy applied to rows referencing a deleted row. The zero
// value is DoNothing.
type OnDelete struct {
	kind  onDeleteKind
	value any
}

var (
	DoNothing  = OnDelete{}
	Cascade    = OnDelete{kind: cascade}
	SetNull    = OnDelete{kind: setNull}
	SetDefault = OnDelete{kind: setDefault}
)

// SetValue sets the reference to v. A func() any is evaluated once per
// deletion.
func SetValue(v any) OnDelete {
	return OnDelete{kind: setValue, value: v}
}

func (o OnDelete) String() string {
	switch o.kind {
	case cascade:
		return "cascade"
	case setNull:
		return "setnull"
	case setDefault:
		return "setdefault"
	case setValue:
		return fmt.Sprintf("set(%v)", o.value)
	}
	return "donothing"
}

func parseOnDelete(s string) (OnDelete, error) {
	switch s {
	case "cascade":
		return Cascade, nil
	case "setnull":
		return SetNull, nil
	case "setdefault":
		return SetDefault, nil
	case "donothing":
		return DoNothing, nil
	}
	return OnDelete{}, errors.Errorf("unknown ondelete policy %q", s)
}

// replacement returns the value a set policy writes into f.
func (o OnDelete) replacement(f *Field) any {
	switch o.kind {
	case setDefault:
		return f.DefaultValue()
	case setValue:
		if fn, ok := o.value.(func() any); ok {
			return fn()
		}
		return o.value
	}
	return nil
}

// collect applies the delete policies of every type referencing the row pk
// of t. With instrumentation enabled, dependents are loaded in chunks and
// deleted or updated one by one so each gets its own deltas; otherwise the
// store's bulk operations are used.
func (h *Handler) collect(ctx context.Context, tx Tx, t *Type, pk any) error {
	for _, dep := range h.dependents(t.Name) {
		if dep.f.OnDelete.kind == doNothing {
			continue
		}
		var err error
		if IsDisabled(ctx) {
			err = h.collectBulk(ctx, tx, dep, pk)
		} else {
			err = h.collectEach(ctx, tx, dep, pk)
		}
		if err != nil {
			return errors.Wrapf(err, "revy: on delete %s.%s", dep.t.Name, dep.f.Name)
		}
	}
	return nil
}

func (h *Handler) collectEach(ctx context.Context, tx Tx, dep dependent, pk any) error {
	policy := dep.f.OnDelete
	value := policy.replacement(dep.f)

	ctx, exit := Enter(ctx, WithActor(Ref{}))
	defer exit()
	description := DeletionDescription(ctx)

	var after any
	for {
		rows, err := tx.Related(ctx, dep.t, dep.f, pk, after, h.cfg.ChunkSize)
		if err != nil {
			return err
		}
		for _, vs := range rows {
			sub := dep.t.New()
			if err := h.Load(ctx, sub, vs); err != nil {
				return err
			}
			after = dep.t.Key(sub)
			if policy.kind == cascade {
				err = Scope(ctx, func(ctx context.Context) error {
					return h.Delete(ctx, sub)
				}, WithObjectDeltaDescription(description))
			} else {
				err = Scope(ctx, func(ctx context.Context) error {
					return h.Set(ctx, sub, dep.f.Name, value)
				}, WithAttributeDeltaDescription(description))
				if err == nil {
					err = h.Save(ctx, sub)
				}
			}
			if err != nil {
				return err
			}
		}
		h.log.WithFields(logrus.Fields{"type": dep.t.Name, "field": dep.f.Name, "rows": len(rows), "policy": policy.String()}).Debug("applied delete policy")
		if len(rows) < h.cfg.ChunkSize {
			return nil
		}
	}
}

func (h *Handler) collectBulk(ctx context.Context, tx Tx, dep dependent, pk any) error {
	if dep.f.OnDelete.kind != cascade {
		_, err := tx.UpdateWhere(ctx, dep.t, dep.f, pk, dep.f.OnDelete.replacement(dep.f))
		return err
	}
	if len(h.dependents(dep.t.Name)) > 0 {
		var after any
		for {
			rows, err := tx.Related(ctx, dep.t, dep.f, pk, after, h.cfg.ChunkSize)
			if err != nil {
				return err
			}
			for _, vs := range rows {
				key, err := dep.t.PK.coerce(vs[dep.t.PK.Name])
				if err != nil {
					return err
				}
				after = key
				if err := h.collect(ctx, tx, dep.t, key); err != nil {
					return err
				}
			}
			if len(rows) < h.cfg.ChunkSize {
				break
			}
		}
	}
	_, err := tx.DeleteWhere(ctx, dep.t, dep.f, pk)
	return err
}
