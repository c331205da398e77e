package flatten

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the logical type of a flattened leaf column.
type Kind string

// Numeric kinds keep the Go width so interface-typed targets read back the type that
// was written. KindInt, KindUint and KindFloat are also the family of their widths.
const (
	KindBool    Kind = "bool"
	KindInt     Kind = "int"
	KindInt8    Kind = "int8"
	KindInt16   Kind = "int16"
	KindInt32   Kind = "int32"
	KindInt64   Kind = "int64"
	KindUint    Kind = "uint"
	KindUint8   Kind = "uint8"
	KindUint16  Kind = "uint16"
	KindUint32  Kind = "uint32"
	KindUint64  Kind = "uint64"
	KindFloat   Kind = "float" // float64
	KindFloat32 Kind = "float32"
	KindString  Kind = "string"
	KindTime    Kind = "time" // RFC 3339 in UTC, "<unix seconds>.<nanos>" outside years 0-9999.
	KindUUID    Kind = "uuid" // Canonical string form.
	KindBytes   Kind = "bytes"
)

// numericTypes maps each numeric kind to the Go type it was written from.
var numericTypes = map[Kind]reflect.Type{
	KindInt:     reflect.TypeOf(int(0)),
	KindInt8:    reflect.TypeOf(int8(0)),
	KindInt16:   reflect.TypeOf(int16(0)),
	KindInt32:   reflect.TypeOf(int32(0)),
	KindInt64:   reflect.TypeOf(int64(0)),
	KindUint:    reflect.TypeOf(uint(0)),
	KindUint8:   reflect.TypeOf(uint8(0)),
	KindUint16:  reflect.TypeOf(uint16(0)),
	KindUint32:  reflect.TypeOf(uint32(0)),
	KindUint64:  reflect.TypeOf(uint64(0)),
	KindFloat:   reflect.TypeOf(float64(0)),
	KindFloat32: reflect.TypeOf(float32(0)),
}

// Family collapses the sized numeric kinds onto KindInt, KindUint or KindFloat.
// Other kinds are returned unchanged.
func (k Kind) Family() Kind {
	t, ok := numericTypes[k]
	if !ok {
		return k
	}
	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint
	}
	return KindInt
}

// numericKind returns the sized kind for a numeric reflect.Kind.
func numericKind(k reflect.Kind) (Kind, bool) {
	switch k {
	case reflect.Int:
		return KindInt, true
	case reflect.Int8:
		return KindInt8, true
	case reflect.Int16:
		return KindInt16, true
	case reflect.Int32:
		return KindInt32, true
	case reflect.Int64:
		return KindInt64, true
	case reflect.Uint:
		return KindUint, true
	case reflect.Uint8:
		return KindUint8, true
	case reflect.Uint16:
		return KindUint16, true
	case reflect.Uint32:
		return KindUint32, true
	case reflect.Uint64, reflect.Uintptr:
		return KindUint64, true
	case reflect.Float32:
		return KindFloat32, true
	case reflect.Float64:
		return KindFloat, true
	}
	return "", false
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	uuidType  = reflect.TypeOf(uuid.UUID{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// fieldDesc is one exported struct field.
type fieldDesc struct {
	name  string
	index int
}

// structDesc lists the flattenable fields of a struct type, longest name first so
// path matching prefers "boss_id" over "boss".
type structDesc struct {
	fields  []fieldDesc
	byMatch []fieldDesc
}

var descriptors sync.Map // reflect.Type -> *structDesc

func describe(t reflect.Type) *structDesc {
	if d, ok := descriptors.Load(t); ok {
		return d.(*structDesc)
	}
	d := &structDesc{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		d.fields = append(d.fields, fieldDesc{name: name, index: i})
	}
	d.byMatch = append([]fieldDesc(nil), d.fields...)
	sortByNameLength(d.byMatch)
	actual, _ := descriptors.LoadOrStore(t, d)
	return actual.(*structDesc)
}

func sortByNameLength(fields []fieldDesc) {
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && len(fields[j].name) > len(fields[j-1].name); j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
}

// leafKind returns the kind of t when values of t are stored as a single column.
// Pointers to leaf types are leaves too.
func leafKind(t reflect.Type) (Kind, bool) {
	if t.Kind() == reflect.Ptr {
		return leafKind(t.Elem())
	}
	switch t {
	case timeType:
		return KindTime, true
	case uuidType:
		return KindUUID, true
	case bytesType:
		return KindBytes, true
	}
	if k, ok := numericKind(t.Kind()); ok {
		return k, true
	}
	switch t.Kind() {
	case reflect.Bool:
		return KindBool, true
	case reflect.String:
		return KindString, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes, true
		}
	}
	return "", false
}

// isContainer reports whether values of t are walked rather than stored.
func isContainer(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Slice, reflect.Array, reflect.Ptr, reflect.Interface:
		return true
	case reflect.Map:
		return true
	}
	return false
}

// isScalarKey reports whether map keys of type t can be written into a path.
func isScalarKey(t reflect.Type) bool {
	if _, ok := numericKind(t.Kind()); ok {
		return t.Kind() != reflect.Uintptr
	}
	return t.Kind() == reflect.String || t.Kind() == reflect.Bool
}
