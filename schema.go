package revy

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
	"github.com/pkg/errors"
)

// Values maps field names to values.
type Values map[string]any

// TableNamer provides a custom type name for a model. The name is what
// references and audit rows store as the target type, and what SQL stores
// use as the table name.
type TableNamer interface {
	TableName() string
}

// Defaulter declares schema defaults. A value may be a func() any, which is
// evaluated on every construction.
type Defaulter interface {
	Defaults() Values
}

// OnDeleter declares delete policies for reference fields, overriding tags.
type OnDeleter interface {
	OnDelete() map[string]OnDelete
}

// AutoCreator marks generated types such as join tables.
type AutoCreator interface {
	AutoCreated() bool
}

// Field is the reflected description of one model field.
type Field struct {
	Name   string
	GoName string
	PK     bool
	// Ref names the referenced type for reference fields.
	Ref string
	// Many marks to-many relations, which are never tracked.
	Many       bool
	OnDelete   OnDelete
	HasDefault bool
	Default    any

	index []int
	typ   reflect.Type
}

// GoType returns the declared Go type of the field.
func (f *Field) GoType() reflect.Type {
	return f.typ
}

// Nullable reports whether the field can hold nil as a value distinct from
// its zero value.
func (f *Field) Nullable() bool {
	k := f.typ.Kind()
	return k == reflect.Pointer || k == reflect.Interface
}

// IsRelation reports whether the field points at other entities.
func (f *Field) IsRelation() bool {
	return f.Ref != "" || f.Many
}

// DefaultValue returns the schema default, evaluating callable defaults.
func (f *Field) DefaultValue() any {
	if fn, ok := f.Default.(func() any); ok {
		return fn()
	}
	return f.Default
}

// staticDefault returns the default when it is a plain value.
func (f *Field) staticDefault() (any, bool) {
	if !f.HasDefault {
		return nil, false
	}
	if _, ok := f.Default.(func() any); ok {
		return nil, false
	}
	return f.Default, true
}

// Type is the reflected schema of a registered model type.
type Type struct {
	Name        string
	Fields      []*Field
	PK          *Field
	AutoCreated bool

	goType reflect.Type
	byName map[string]*Field
}

// Field returns the named field or nil.
func (t *Type) Field(name string) *Field {
	return t.byName[name]
}

// Columns returns the tracked fields in declaration order: every field but
// to-many relations.
func (t *Type) Columns() []*Field {
	out := make([]*Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		if !f.Many {
			out = append(out, f)
		}
	}
	return out
}

// New allocates a zero instance.
func (t *Type) New() Model {
	return reflect.New(t.goType).Interface().(Model)
}

func (t *Type) fieldValue(m Model, f *Field) reflect.Value {
	return reflect.ValueOf(m).Elem().FieldByIndex(f.index)
}

// Get reads a field as a plain value.
func (t *Type) Get(m Model, f *Field) any {
	return plainValue(t.fieldValue(m, f))
}

// assign writes v into the field without instrumentation.
func (t *Type) assign(m Model, f *Field, v any) error {
	return assignValue(t.fieldValue(m, f), v)
}

// coerce converts v to the value the field would hold after assignment.
func (f *Field) coerce(v any) (any, error) {
	tmp := reflect.New(f.typ).Elem()
	if f.Many {
		if v != nil {
			if err := assignValue(tmp, v); err != nil {
				return nil, err
			}
		}
		return tmp.Interface(), nil
	}
	if err := assignValue(tmp, v); err != nil {
		return nil, err
	}
	return plainValue(tmp), nil
}

// Values reads every column of m.
func (t *Type) Values(m Model) Values {
	vs := make(Values, len(t.Fields))
	for _, f := range t.Columns() {
		vs[f.Name] = t.Get(m, f)
	}
	return vs
}

// Key returns the primary key value of m, nil when unset.
func (t *Type) Key(m Model) any {
	v := t.Get(m, t.PK)
	if isBlankKey(v) {
		return nil
	}
	return v
}

// RefOf returns the polymorphic reference of m.
func (t *Type) RefOf(m Model) Ref {
	return Ref{Type: t.Name, ID: keyString(t.Key(m))}
}

func isBlankKey(v any) bool {
	return v == nil || reflect.ValueOf(v).IsZero()
}

var (
	tableNamerType  = reflect.TypeOf((*TableNamer)(nil)).Elem()
	trackingType    = reflect.TypeOf(Tracking{})
	modelType       = reflect.TypeOf((*Model)(nil)).Elem()
	defaulterType   = reflect.TypeOf((*Defaulter)(nil)).Elem()
	onDeleterType   = reflect.TypeOf((*OnDeleter)(nil)).Elem()
	autoCreatorType = reflect.TypeOf((*AutoCreator)(nil)).Elem()
)

// reflectType builds the schema of the struct behind m.
func reflectType(m any) (*Type, error) {
	if m == nil {
		return nil, errors.New("revy: nil model")
	}
	typ := reflect.TypeOf(m)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, &ConfigurationError{Model: typ.String(), Reason: "model must be a struct"}
	}
	if !reflect.PointerTo(typ).Implements(modelType) {
		return nil, &ConfigurationError{Model: typ.String(), Reason: "model must embed revy.Tracking"}
	}

	name, err := resolveTypeName(typ)
	if err != nil {
		return nil, err
	}
	t := &Type{Name: name, goType: typ, byName: map[string]*Field{}}
	if err := collectFields(t, typ, nil); err != nil {
		return nil, err
	}

	inst := reflect.New(typ).Interface()
	if reflect.PointerTo(typ).Implements(defaulterType) {
		for k, v := range inst.(Defaulter).Defaults() {
			f := t.byName[k]
			if f == nil {
				return nil, &ConfigurationError{Model: name, Setting: "defaults", Reason: fmt.Sprintf("unknown field %q", k)}
			}
			f.HasDefault = true
			f.Default = v
		}
	}
	if reflect.PointerTo(typ).Implements(onDeleterType) {
		for k, od := range inst.(OnDeleter).OnDelete() {
			f := t.byName[k]
			if f == nil || f.Ref == "" {
				return nil, &ConfigurationError{Model: name, Setting: "on delete", Reason: fmt.Sprintf("%q is not a reference field", k)}
			}
			f.OnDelete = od
		}
	}
	if reflect.PointerTo(typ).Implements(autoCreatorType) {
		t.AutoCreated = inst.(AutoCreator).AutoCreated()
	}

	if t.PK == nil {
		if f := t.byName["id"]; f != nil && !f.Many {
			f.PK = true
			t.PK = f
		} else {
			return nil, &ConfigurationError{Model: name, Reason: "no primary key field"}
		}
	}
	return t, nil
}

func collectFields(t *Type, typ reflect.Type, index []int) error {
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		idx := append(append([]int(nil), index...), i)
		if sf.Type == trackingType {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("revy") == "" {
			if err := collectFields(t, sf.Type, idx); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("revy")
		if tag == "-" {
			continue
		}
		f, err := parseField(t.Name, sf, tag)
		if err != nil {
			return err
		}
		f.index = idx
		if _, dup := t.byName[f.Name]; dup {
			return &ConfigurationError{Model: t.Name, Setting: "field " + sf.Name, Reason: fmt.Sprintf("duplicate field name %q", f.Name)}
		}
		if f.PK {
			if t.PK != nil {
				return &ConfigurationError{Model: t.Name, Setting: "field " + sf.Name, Reason: "more than one primary key"}
			}
			t.PK = f
		}
		t.Fields = append(t.Fields, f)
		t.byName[f.Name] = f
	}
	return nil
}

// parseField reads a `revy:"name,pk,ref=<type>,ondelete=<policy>,many"` tag.
func parseField(model string, sf reflect.StructField, tag string) (*Field, error) {
	f := &Field{Name: toSnakeCase(sf.Name), GoName: sf.Name, typ: sf.Type}
	if tag == "" {
		return f, nil
	}
	parts := strings.Split(tag, ",")
	if n := strings.TrimSpace(parts[0]); n != "" {
		f.Name = n
	}
	var policy string
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		key, val, _ := strings.Cut(p, "=")
		switch key {
		case "pk":
			f.PK = true
		case "many":
			f.Many = true
		case "ref":
			if val == "" {
				return nil, &ConfigurationError{Model: model, Setting: "field " + sf.Name, Reason: "ref needs a type name"}
			}
			f.Ref = val
		case "ondelete":
			policy = val
		case "":
		default:
			return nil, &ConfigurationError{Model: model, Setting: "field " + sf.Name, Reason: fmt.Sprintf("unknown tag option %q", key)}
		}
	}
	if policy != "" {
		if f.Ref == "" {
			return nil, &ConfigurationError{Model: model, Setting: "field " + sf.Name, Reason: "ondelete on a non reference field"}
		}
		od, err := parseOnDelete(policy)
		if err != nil {
			return nil, &ConfigurationError{Model: model, Setting: "field " + sf.Name, Reason: err.Error()}
		}
		f.OnDelete = od
	}
	if f.PK && f.Many {
		return nil, &ConfigurationError{Model: model, Setting: "field " + sf.Name, Reason: "a to-many field cannot be the primary key"}
	}
	return f, nil
}

// resolveTypeName returns TableName() when implemented, otherwise the
// pluralized snake_case struct name.
func resolveTypeName(typ reflect.Type) (string, error) {
	if reflect.PointerTo(typ).Implements(tableNamerType) {
		namer := reflect.New(typ).Interface().(TableNamer)
		name := strings.TrimSpace(namer.TableName())
		if name == "" {
			return "", &ConfigurationError{Model: typ.String(), Reason: "TableName returned empty string"}
		}
		return name, nil
	}
	if typ.Name() == "" {
		return "", &ConfigurationError{Model: typ.String(), Reason: "cannot derive a name for an anonymous struct"}
	}
	return inflection.Plural(toSnakeCase(typ.Name())), nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type dependent struct {
	t *Type
	f *Field
}

// dependentsOf lists the reference fields pointing at target, sorted so
// cascades run in a stable order.
func dependentsOf(types map[string]*Type, target string) []dependent {
	var out []dependent
	for _, t := range types {
		for _, f := range t.Fields {
			if f.Ref == target && !f.Many {
				out = append(out, dependent{t: t, f: f})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].t.Name != out[j].t.Name {
			return out[i].t.Name < out[j].t.Name
		}
		return out[i].f.Name < out[j].f.Name
	})
	return out
}
