package revy

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Handler is the main entry point: it owns the type registry and runs the
// instrumented lifecycle hooks against a Store.
type Handler struct {
	store   Store
	cfg     Config
	codec   Codec
	log     logrus.FieldLogger
	metrics *metrics
	tracer  trace.Tracer

	mu        sync.RWMutex
	types     map[string]*Type
	byGo      map[reflect.Type]*Type
	installed map[string]bool
}

// New validates cfg, registers models and installs instrumentation on the
// types the allow-list selects. Allow-list entries that name no registered
// type are reported as a ConfigurationError.
func New(store Store, cfg Config, models ...Model) (*Handler, error) {
	if store == nil {
		return nil, &ConfigurationError{Setting: "store", Reason: "store is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	codec, err := CodecFor(cfg.Serialization)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	h := &Handler{
		store:     store,
		cfg:       cfg,
		codec:     codec,
		log:       cfg.Logger.WithField("component", "revy"),
		metrics:   m,
		tracer:    tp.Tracer("github.com/mickamy/revy"),
		types:     map[string]*Type{},
		byGo:      map[reflect.Type]*Type{},
		installed: map[string]bool{},
	}
	if err := h.Register(models...); err != nil {
		return nil, err
	}
	if !cfg.allowsAll() {
		for _, name := range cfg.Models {
			if h.lookupName(name) == nil {
				return nil, &ConfigurationError{Model: name, Setting: "models", Reason: "no registered type with this name"}
			}
		}
	}
	return h, nil
}

// Codec returns the value codec selected by Config.Serialization.
func (h *Handler) Codec() Codec { return h.codec }

// Store returns the underlying store.
func (h *Handler) Store() Store { return h.store }

// Register adds model types to the registry. Reference targets must be
// registered in the same call or an earlier one. Newly registered types are
// installed when the allow-list selects them.
func (h *Handler) Register(models ...Model) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added []*Type
	for _, m := range models {
		t, err := reflectType(m)
		if err != nil {
			return err
		}
		if existing, ok := h.types[t.Name]; ok {
			if existing.goType != t.goType {
				return &ConfigurationError{Model: t.Name, Reason: "name already registered by " + existing.goType.String()}
			}
			continue
		}
		h.types[t.Name] = t
		h.byGo[t.goType] = t
		added = append(added, t)
	}
	for _, t := range added {
		for _, f := range t.Fields {
			if f.Ref != "" && h.types[f.Ref] == nil {
				return &ConfigurationError{Model: t.Name, Setting: "field " + f.GoName, Reason: "unknown reference target " + f.Ref}
			}
		}
	}
	for _, t := range added {
		if h.selects(t) {
			h.installed[t.Name] = true
		}
		h.log.WithFields(logrus.Fields{"type": t.Name, "installed": h.installed[t.Name]}).Debug("registered model type")
	}
	return nil
}

func (h *Handler) selects(t *Type) bool {
	if h.cfg.allowsAll() {
		return !(h.cfg.ExcludeAutoCreated && t.AutoCreated)
	}
	for _, name := range h.cfg.Models {
		if name == t.Name || name == t.goType.Name() {
			return true
		}
	}
	return false
}

func (h *Handler) lookupName(name string) *Type {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.types[name]; ok {
		return t
	}
	for _, t := range h.types {
		if t.goType.Name() == name {
			return t
		}
	}
	return nil
}

// Install turns instrumentation on for the named types, or for every type
// the configuration selects when no name is given.
func (h *Handler) Install(names ...string) error {
	if len(names) == 0 {
		h.mu.Lock()
		defer h.mu.Unlock()
		for name, t := range h.types {
			if h.selects(t) {
				h.installed[name] = true
			}
		}
		return nil
	}
	for _, name := range names {
		t := h.lookupName(name)
		if t == nil {
			return &ConfigurationError{Model: name, Reason: "no registered type with this name"}
		}
		h.mu.Lock()
		h.installed[t.Name] = true
		h.mu.Unlock()
	}
	return nil
}

// Uninstall turns instrumentation off for the named types, or for every type
// when no name is given. Hooks on uninstalled types persist without deltas.
func (h *Handler) Uninstall(names ...string) {
	if len(names) == 0 {
		h.mu.Lock()
		h.installed = map[string]bool{}
		h.mu.Unlock()
		return
	}
	for _, name := range names {
		if t := h.lookupName(name); t != nil {
			h.mu.Lock()
			delete(h.installed, t.Name)
			h.mu.Unlock()
		}
	}
}

// Installed reports whether the named type is instrumented.
func (h *Handler) Installed(name string) bool {
	t := h.lookupName(name)
	if t == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.installed[t.Name]
}

// TypeOf returns the registered schema of m.
func (h *Handler) TypeOf(m Model) (*Type, error) {
	if m == nil {
		return nil, errors.Wrap(ErrNotRegistered, "nil model")
	}
	typ := reflect.TypeOf(m)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	h.mu.RLock()
	t, ok := h.byGo[typ]
	h.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrNotRegistered, typ.String())
	}
	return t, nil
}

// TypeNamed returns the registered type with the given name.
func (h *Handler) TypeNamed(name string) (*Type, error) {
	if t := h.lookupName(name); t != nil {
		return t, nil
	}
	return nil, errors.Wrap(ErrNotRegistered, name)
}

// Types returns every registered type sorted by name.
func (h *Handler) Types() []*Type {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Type, 0, len(h.types))
	for _, t := range h.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ref returns the polymorphic reference of a registered model, usable as an
// actor.
func (h *Handler) Ref(m Model) (Ref, error) {
	t, err := h.TypeOf(m)
	if err != nil {
		return Ref{}, err
	}
	ref := t.RefOf(m)
	if ref.ID == "" {
		return Ref{}, errors.Wrap(ErrNoPrimaryKey, t.Name)
	}
	return ref, nil
}

// active reports whether hooks on t must record deltas.
func (h *Handler) active(ctx context.Context, t *Type) bool {
	if IsDisabled(ctx) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.installed[t.Name]
}

func (h *Handler) dependents(target string) []dependent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return dependentsOf(h.types, target)
}

// unitKey is an unexported context key type.
type unitKey struct{}

// unit is one level of Atomic nesting. Undo callbacks restore in-memory
// state; commit callbacks run once the outermost level commits.
type unit struct {
	parent *unit
	undo   []func()
	commit []func()
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

func (u *unit) onRollback(fn func()) { u.undo = append(u.undo, fn) }

func (u *unit) onCommit(fn func()) { u.commit = append(u.commit, fn) }

func (u *unit) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
	u.commit = nil
}

// atomic runs fn in a store transaction at a new unit level. On failure the
// level's undo callbacks run immediately; on success they move to the parent
// so a failing outer level can still undo them.
func (h *Handler) atomic(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	u := &unit{parent: unitFrom(ctx)}
	ctx = context.WithValue(ctx, unitKey{}, u)
	if err := h.store.Atomic(ctx, fn); err != nil {
		u.rollback()
		h.metrics.rollbacks.WithLabelValues(op).Inc()
		h.log.WithError(err).WithField("op", op).Warn("transaction failed, tracking state restored")
		return err
	}
	if u.parent != nil {
		u.parent.undo = append(u.parent.undo, u.undo...)
		u.parent.commit = append(u.parent.commit, u.commit...)
		return nil
	}
	for _, c := range u.commit {
		c()
	}
	return nil
}

// Atomic groups several instrumented operations into one transaction. When
// it fails, every instance touched inside gets its tracking state back.
func (h *Handler) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, span := h.startSpan(ctx, "atomic", nil)
	defer func() { endSpan(span, err) }()
	return h.atomic(ctx, "atomic", func(ctx context.Context, _ Tx) error {
		return fn(ctx)
	})
}
