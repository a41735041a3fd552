package revy

import (
	"github.com/mickamy/revy/internal/buffer"
)

// Model is implemented by every struct embedding Tracking.
type Model interface {
	revyState() *State
}

// Tracking carries the hidden per-instance tracking state. Embed it by value
// in every tracked model:
//
//	type Account struct {
//		revy.Tracking
//		ID   int64
//		Code string
//	}
type Tracking struct {
	state State
}

func (t *Tracking) revyState() *State {
	return &t.state
}

// State is the tracking state of one instance. It is not safe for
// concurrent use.
type State struct {
	initialized bool
	initNames   map[string]struct{}

	isNew        bool
	beingSaved   bool
	saved        bool
	beingFetched bool
	fetched      bool
	beingDeleted bool
	deleted      bool

	// previous holds the last value written per field, tracked
	// independently of what has been committed.
	previous map[string]any
	pending  *buffer.Buffer[*AttributeDelta]
	target   Ref
}

// StateOf returns the live tracking state of m.
func StateOf(m Model) *State {
	s := m.revyState()
	s.lazyInit()
	return s
}

func (s *State) lazyInit() {
	if s.previous == nil {
		s.previous = map[string]any{}
	}
	if s.pending == nil {
		s.pending = buffer.NewBuffer[*AttributeDelta]()
	}
	if s.initNames == nil {
		s.initNames = map[string]struct{}{}
	}
}

func (s *State) IsInitialized() bool { return s.initialized }
func (s *State) IsNew() bool         { return s.isNew }
func (s *State) IsSaved() bool       { return s.saved }
func (s *State) IsFetched() bool     { return s.fetched }
func (s *State) IsDeleted() bool     { return s.deleted }

// Busy reports whether a save, fetch or delete is in progress.
func (s *State) Busy() bool {
	return s.beingSaved || s.beingFetched || s.beingDeleted
}

// Pending returns copies of the attribute deltas not yet persisted, in write
// order.
func (s *State) Pending() []AttributeDelta {
	s.lazyInit()
	entries := s.pending.Entries()
	out := make([]AttributeDelta, len(entries))
	for i, d := range entries {
		out[i] = *d
	}
	return out
}

// Previous returns the last recorded value of field.
func (s *State) Previous(field string) (any, bool) {
	v, ok := s.previous[field]
	return v, ok
}

func (s *State) isInitial(field string) bool {
	_, ok := s.initNames[field]
	return ok
}

func (s *State) setFlags(isNew, saved, fetched, deleted bool) {
	s.isNew = isNew
	s.beingSaved = false
	s.saved = saved
	s.beingFetched = false
	s.fetched = fetched
	s.beingDeleted = false
	s.deleted = deleted
}

// backup returns a deep copy used to undo a failed operation.
func (s *State) backup() *State {
	s.lazyInit()
	cp := *s
	cp.initNames = make(map[string]struct{}, len(s.initNames))
	for k := range s.initNames {
		cp.initNames[k] = struct{}{}
	}
	cp.previous = make(map[string]any, len(s.previous))
	for k, v := range s.previous {
		cp.previous[k] = v
	}
	cp.pending = s.pending.Clone((*AttributeDelta).clone)
	return &cp
}

// restore resets s to a backup. Pending deltas that were flushed and had
// ids assigned get their unsaved form back.
func (s *State) restore(b *State) {
	*s = *b.backup()
}
