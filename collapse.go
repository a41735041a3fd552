package revy

import (
	"context"

	"github.com/sirupsen/logrus"
)

// set is the instrumented write. It applies v to the field and decides
// whether the change opens a new pending attribute delta or merges into the
// latest one for the field.
func (h *Handler) set(ctx context.Context, t *Type, s *State, m Model, f *Field, v any) error {
	s.lazyInit()
	if f.Many {
		return t.assign(m, f, v)
	}
	if f.Ref != "" {
		v = h.keyOf(v)
	}
	nv, err := f.coerce(v)
	if err != nil {
		return err
	}

	initial := s.isInitial(f.Name)
	system := (!s.initialized && !initial) || s.Busy()

	old := s.previous[f.Name]
	changed := !valuesEqual(old, nv, f.Nullable())
	if changed {
		s.previous[f.Name] = nv
	}
	if err := t.assign(m, f, nv); err != nil {
		return err
	}
	if s.beingFetched || !changed {
		return nil
	}

	actor := Actor(ctx)
	if system {
		actor = Ref{}
	}
	h.collapse(ctx, s, f, old, nv, actor)
	return nil
}

// collapse records one changed write. Repeated writes by the same actor,
// system continuations and overrides of a schema default merge into the
// pending delta so only the net change of a run is persisted.
func (h *Handler) collapse(ctx context.Context, s *State, f *Field, old, nv any, actor Ref) {
	prev, hasPrev := s.pending.Latest(f.Name)
	var prevActor Ref
	if hasPrev {
		prevActor = prev.Actor
	}

	first := s.isNew && !hasPrev
	action := ActionUnset
	if first || !isBlank(nv) {
		action = ActionSet
	}
	description := AttributeDeltaDescription(ctx)

	wasDefault := s.isNew && prevActor.IsZero() && (!hasPrev || f.defaultMatches(prev.NewValue))
	wasSystem := s.initialized && prevActor.IsZero() && !s.isInitial(f.Name)
	merge := (hasPrev && (prevActor == actor || wasSystem)) || wasDefault

	if merge && hasPrev {
		prev.NewValue = nv
		prev.Action = action
		prev.Description = description
		h.metrics.collapsed.Inc()
		h.log.WithFields(logrus.Fields{
			"target": s.target.String(),
			"field":  f.Name,
			"actor":  actor.String(),
		}).Debug("collapsed attribute write")
		return
	}
	s.pending.Add(f.Name, &AttributeDelta{
		Delta: Delta{
			Actor:       actor,
			Action:      action,
			Description: description,
			Target:      s.target,
		},
		FieldName: f.Name,
		OldValue:  old,
		NewValue:  nv,
	})
}

// defaultMatches reports whether v equals the static schema default.
// Callable defaults never match since each call may yield a new value.
func (f *Field) defaultMatches(v any) bool {
	d, ok := f.staticDefault()
	if !ok {
		return false
	}
	cd, err := f.coerce(d)
	if err != nil {
		return false
	}
	return valuesEqual(cd, v, f.Nullable())
}
