package revy

import (
	"fmt"
	"reflect"
	"time"
)

// Action classifies a delta.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
	ActionSet    Action = "Set"
	ActionUnset  Action = "Unset"
)

// Ref is a polymorphic reference to an entity of any registered type.
// The zero Ref means "nobody" / "nothing".
type Ref struct {
	Type string `json:"type,omitempty" msgpack:"type,omitempty"`
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`
}

func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

func (r Ref) String() string {
	if r.IsZero() {
		return "<nil>"
	}
	return r.Type + ":" + r.ID
}

// Revision groups the deltas of one logical unit of work.
type Revision struct {
	ID          int64     `json:"id" msgpack:"id"`
	Description string    `json:"description" msgpack:"description"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Delta holds the attributes shared by object and attribute deltas. It is
// only ever stored as part of one of them.
type Delta struct {
	ID          int64     `json:"id" msgpack:"id"`
	RevisionID  int64     `json:"revision_id" msgpack:"revision_id"`
	Actor       Ref       `json:"actor" msgpack:"actor"`
	Action      Action    `json:"action" msgpack:"action"`
	Description string    `json:"description" msgpack:"description"`
	Target      Ref       `json:"target" msgpack:"target"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
}

// ObjectDelta records one whole-object lifecycle event.
type ObjectDelta struct {
	Delta
}

// AttributeDelta records one field-level change. OldValue and NewValue are
// plain values (pointers dereferenced, model references replaced by keys).
type AttributeDelta struct {
	Delta
	ObjectDeltaID int64  `json:"object_delta_id" msgpack:"object_delta_id"`
	FieldName     string `json:"field_name" msgpack:"field_name"`
	OldValue      any    `json:"old_value" msgpack:"old_value"`
	NewValue      any    `json:"new_value" msgpack:"new_value"`
}

func (d *AttributeDelta) clone() *AttributeDelta {
	cp := *d
	return &cp
}

// Filter narrows delta queries. Zero fields do not filter.
type Filter struct {
	RevisionID    int64
	ObjectDeltaID int64
	Target        Ref
	FieldName     string
	Action        Action
	// MaxObjectDeltaID keeps rows whose object delta id is at most this value.
	MaxObjectDeltaID int64
	Limit            int
}

// Match reports whether an attribute delta satisfies f. Stores without a
// query language use it to evaluate filters.
func (f Filter) Match(d *AttributeDelta) bool {
	if f.ObjectDeltaID != 0 && d.ObjectDeltaID != f.ObjectDeltaID {
		return false
	}
	if f.FieldName != "" && d.FieldName != f.FieldName {
		return false
	}
	if f.MaxObjectDeltaID != 0 && d.ObjectDeltaID > f.MaxObjectDeltaID {
		return false
	}
	return f.MatchDelta(&d.Delta)
}

// MatchDelta evaluates the filter fields shared by both delta kinds.
func (f Filter) MatchDelta(d *Delta) bool {
	if f.RevisionID != 0 && d.RevisionID != f.RevisionID {
		return false
	}
	if !f.Target.IsZero() && d.Target != f.Target {
		return false
	}
	if f.Action != "" && d.Action != f.Action {
		return false
	}
	return true
}

// isBlank reports whether v counts as "no value" for the Set/Unset rule.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return !rv.Bool()
	case reflect.String:
		return rv.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// keyString renders a primary key the way references store it.
func keyString(pk any) string {
	switch v := pk.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(pk)
}
