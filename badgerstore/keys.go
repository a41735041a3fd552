package badgerstore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Key layout:
//
//	ent/<type>/<pk>                          entity row
//	idx/<type>/<field>/<value>/<pk>          reference index
//	rev/<id>                                 revision
//	od/<id>                                  object delta
//	odt/<type>/<target id>/<id>              object deltas by target
//	odr/<revision>/<id>                      object deltas by revision
//	ad/<id>                                  attribute delta
//	adt/<type>/<target id>/<id>              attribute deltas by target
//	adp/<object delta>/<id>                  attribute deltas by object delta
//	adr/<revision>/<id>                      attribute deltas by revision
//
// Integers are zero padded so lexical order is numeric order.

const sep = "/"

func seg(v any) string {
	return strings.ReplaceAll(keyPart(v), sep, "%2F")
}

// keyPart renders a key value. Integral numbers of any decoded type render
// the same way so stored references find their targets.
func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return id(n)
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return id(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%020d", rv.Uint())
	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return id(int64(f))
		}
	}
	return fmt.Sprint(v)
}

func id(n int64) string {
	if n < 0 {
		return fmt.Sprintf("-%019d", -n)
	}
	return fmt.Sprintf("%020d", n)
}

func join(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

func entityKey(typ string, pk any) []byte {
	return join("ent", seg(typ), seg(pk))
}

func indexPrefix(typ, field string, value any) []byte {
	return prefix("idx", seg(typ), seg(field), seg(value))
}

func indexKey(typ, field string, value, pk any) []byte {
	return join("idx", seg(typ), seg(field), seg(value), seg(pk))
}

// lastSegment returns the part of key after the final separator.
func lastSegment(key []byte) string {
	s := string(key)
	return s[strings.LastIndex(s, sep)+1:]
}
