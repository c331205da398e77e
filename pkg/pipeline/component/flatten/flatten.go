// Package flatten converts nested Go values into a columnar Table and back.
//
// Leaf values become columns named by their path from the root. Struct fields are
// joined with "_", slice and array elements are addressed as "[i]" and map entries as
// ["key"], so a field reads like Fights[2]_Damage["Ragnaros"]_Total. Map keys may be
// strings, booleans or numbers; maps keyed by anything else are skipped with a warning.
// Two different fields that would share one path, such as a.b_c and a_b.c, make
// Flatten fail rather than merge their values.
// A top-level slice produces one row per element; any other value produces one row.
//
// Field names are taken from the json tag when present. Nil and empty collections are
// both written as "no columns" and read back as nil.
package flatten

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const module = "Flattener"

// Column holds the values of one leaf path, one entry per row. A nil entry is a null.
type Column struct {
	Path   string
	Kind   Kind
	Values []any
}

// Table is the columnar form of a value.
type Table struct {
	Columns []Column
	Rows    int
	// Warnings lists fields that were stored on a best-effort basis.
	Warnings []error
}

// Column returns the column stored under path.
func (t Table) Column(path string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Path == path {
			return c, true
		}
	}
	return Column{}, false
}

// Flatten converts v into a Table.
func Flatten(v any) (Table, error) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return Table{}, nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return Table{}, nil
	}
	if _, leaf := leafKind(rv.Type()); !leaf && !isContainer(rv.Type()) {
		return Table{}, exception.NewSerializationError(module, fmt.Sprintf("cannot flatten value of type %s", rv.Type()), nil)
	}

	b := &builder{index: make(map[string]int), routes: make(map[string]string)}
	if isRowSlice(rv.Type()) {
		for i := 0; i < rv.Len(); i++ {
			b.row = i
			b.walk(rv.Index(i), "", "")
		}
		b.row = rv.Len()
	} else {
		b.walk(rv, "", "")
		b.row = 1
	}
	if b.err != nil {
		return Table{}, b.err
	}
	return b.table(), nil
}

// isRowSlice reports whether a top-level value of type t is split into rows.
func isRowSlice(t reflect.Type) bool {
	if _, leaf := leafKind(t); leaf {
		return false
	}
	return t.Kind() == reflect.Slice || t.Kind() == reflect.Array
}

type builder struct {
	cols  []*Column
	index map[string]int
	// routes records the unescaped field sequence behind each path so two fields that
	// render to the same path are caught.
	routes   map[string]string
	row      int
	warnings []error
	err      error
}

func (b *builder) table() Table {
	t := Table{Rows: b.row, Warnings: b.warnings}
	for _, c := range b.cols {
		for len(c.Values) < b.row {
			c.Values = append(c.Values, nil)
		}
		t.Columns = append(t.Columns, *c)
	}
	return t
}

func (b *builder) emit(path, route string, kind Kind, val any) {
	if prev, seen := b.routes[path]; seen && prev != route {
		if b.err == nil {
			b.err = exception.NewSerializationError(module, fmt.Sprintf("fields %s and %s both flatten to '%s'", describeRoute(prev), describeRoute(route), path), nil)
		}
		return
	}
	b.routes[path] = route
	i, ok := b.index[path]
	if !ok {
		i = len(b.cols)
		b.index[path] = i
		b.cols = append(b.cols, &Column{Path: path, Kind: kind})
	}
	c := b.cols[i]
	for len(c.Values) < b.row {
		c.Values = append(c.Values, nil)
	}
	if len(c.Values) > b.row {
		c.Values[b.row] = val
		return
	}
	c.Values = append(c.Values, val)
}

func (b *builder) walk(v reflect.Value, path, route string) {
	if kind, ok := leafKind(v.Type()); ok {
		b.emit(path, route, kind, leafValue(v))
		return
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			b.walk(v.Elem(), path, route)
		}
	case reflect.Struct:
		for _, f := range describe(v.Type()).fields {
			b.walk(v.Field(f.index), joinField(path, f.name), route+routeSep+f.name)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			seg := "[" + strconv.Itoa(i) + "]"
			b.walk(v.Index(i), path+seg, route+seg)
		}
	case reflect.Map:
		if !isScalarKey(v.Type().Key()) {
			b.warn(fmt.Sprintf("map of type %s at '%s' skipped: keys of type %s cannot be addressed", v.Type(), path, v.Type().Key()))
			return
		}
		type entry struct {
			key  reflect.Value
			name string
		}
		entries := make([]entry, 0, v.Len())
		for _, k := range v.MapKeys() {
			entries = append(entries, entry{key: k, name: formatKey(k)})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
		for _, e := range entries {
			seg := "[" + strconv.Quote(e.name) + "]"
			b.walk(v.MapIndex(e.key), path+seg, route+seg)
		}
	default:
		b.unsupported(v, path, route)
	}
}

func (b *builder) warn(msg string) {
	logger.Warnf("%s: %s.", module, msg)
	b.warnings = append(b.warnings, exception.NewSerializationError(module, msg, nil))
}

func (b *builder) unsupported(v reflect.Value, path, route string) {
	b.warn(fmt.Sprintf("unsupported value of type %s at '%s' stored as string", v.Type(), path))
	b.emit(path, route, KindString, fmt.Sprint(v.Interface()))
}

// routeSep separates field names in a route. Field names cannot contain it.
const routeSep = "\x00"

func describeRoute(route string) string {
	if route == "" {
		return "<root>"
	}
	return strings.ReplaceAll(strings.TrimPrefix(route, routeSep), routeSep, ".")
}

// formatKey renders a scalar map key the way parseMapKey reads it back.
func formatKey(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Bool:
		return strconv.FormatBool(k.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(k.Float(), 'g', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(k.Float(), 'g', -1, 64)
	}
	return fmt.Sprint(k.Interface())
}

func joinField(path, name string) string {
	if path == "" {
		return name
	}
	return path + "_" + name
}

// leafValue returns the stored form of a leaf: bool, int64, uint64, float64, string,
// []byte or nil. Times are stored as text so every instant survives a round trip.
func leafValue(v reflect.Value) any {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		return leafValue(v.Elem())
	}
	switch v.Type() {
	case timeType:
		return formatTime(v.Interface().(time.Time))
	case uuidType:
		return v.Interface().(uuid.UUID).String()
	}
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		return append([]byte(nil), v.Bytes()...)
	}
	return nil
}

// formatTime renders t in UTC as RFC 3339 with nanoseconds. Years RFC 3339 cannot
// hold are written as "<unix seconds>.<nanoseconds>".
func formatTime(t time.Time) string {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime reads a stored time. Integers are unix nanoseconds as written by older
// cache files.
func parseTime(val any) (time.Time, error) {
	s, ok := val.(string)
	if !ok {
		n, err := toInt64(val)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, n).UTC(), nil
	}
	if strings.Contains(s, "T") {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	secText, nanoText, found := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secText, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time '%s': %w", s, err)
	}
	var nsec int64
	if found {
		if nsec, err = strconv.ParseInt(nanoText, 10, 64); err != nil || nsec < 0 || nsec >= int64(time.Second) {
			return time.Time{}, fmt.Errorf("invalid time '%s'", s)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}
