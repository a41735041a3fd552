package revy

import (
	"encoding/base64"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var bytesType = reflect.TypeOf([]byte(nil))

// base64BytesHook accepts the base64 text JSON produces for []byte values.
func base64BytesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != bytesType {
		return data, nil
	}
	text := reflect.ValueOf(data).String()
	if b, err := base64.StdEncoding.DecodeString(text); err == nil {
		return b, nil
	}
	return []byte(text), nil
}

// assignValue stores v into dst, converting decoded storage values (json
// numbers, strings for time and uuid, float64 for integers) to the field type.
func assignValue(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if dst.Kind() == reflect.Pointer && src.Type().AssignableTo(dst.Type().Elem()) {
		p := reflect.New(dst.Type().Elem())
		p.Elem().Set(src)
		dst.Set(p)
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			base64BytesHook,
		),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           dst.Addr().Interface(),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(err, "revy: assign %T to %s", v, dst.Type())
	}
	return nil
}

// plainValue reads a field as the value deltas record: pointers are
// dereferenced, nil pointers become nil and byte slices are copied.
func plainValue(rv reflect.Value) any {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == bytesType {
		if rv.IsNil() {
			return nil
		}
		return append([]byte(nil), rv.Bytes()...)
	}
	return rv.Interface()
}

// valuesEqual compares recorded values. For fields that cannot hold nil,
// nil equals the zero value since an unset field and a zero field read the
// same. Nullable fields keep nil distinct from zero.
func valuesEqual(a, b any, nullable bool) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil:
		return !nullable && reflect.ValueOf(b).IsZero()
	case b == nil:
		return !nullable && reflect.ValueOf(a).IsZero()
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
