package flatten

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

// Unflatten assigns the rows of t to out, which must be a non-nil pointer. A slice
// target receives one element per row; any other target receives row 0. Lists grow to
// the highest index addressed, and nested pointers and maps are allocated on demand.
func Unflatten(t Table, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return exception.NewSerializationError(module, fmt.Sprintf("unflatten target must be a non-nil pointer, got %T", out), nil)
	}
	target := rv.Elem()
	target.Set(reflect.Zero(target.Type()))

	if isRowSlice(target.Type()) {
		if t.Rows == 0 {
			return nil
		}
		if target.Kind() == reflect.Slice {
			target.Set(reflect.MakeSlice(target.Type(), t.Rows, t.Rows))
		} else if t.Rows > target.Len() {
			return exception.NewSerializationError(module, fmt.Sprintf("%d rows do not fit into %s", t.Rows, target.Type()), nil)
		}
		for r := 0; r < t.Rows; r++ {
			if err := assignRow(target.Index(r), t, r); err != nil {
				return err
			}
		}
		return nil
	}

	switch t.Rows {
	case 0:
		return nil
	case 1:
		return assignRow(target, t, 0)
	default:
		return exception.NewSerializationError(module, fmt.Sprintf("%d rows cannot be assigned to %s", t.Rows, target.Type()), nil)
	}
}

func assignRow(target reflect.Value, t Table, row int) error {
	for _, c := range t.Columns {
		if row >= len(c.Values) || c.Values[row] == nil {
			continue
		}
		if err := assign(target, c.Path, c.Kind, c.Values[row]); err != nil {
			return exception.NewSerializationError(module, fmt.Sprintf("failed to assign column '%s' of row %d", c.Path, row), err)
		}
	}
	return nil
}

func assign(v reflect.Value, path string, kind Kind, val any) error {
	if path == "" {
		return setLeaf(v, kind, val)
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return assign(v.Elem(), path, kind, val)
	case reflect.Struct:
		f, rest, ok := matchField(v.Type(), path)
		if !ok {
			return fmt.Errorf("no field of %s matches '%s'", v.Type(), path)
		}
		return assign(v.Field(f.index), rest, kind, val)
	case reflect.Slice, reflect.Array:
		idx, rest, err := parseIndex(path)
		if err != nil {
			return err
		}
		if idx >= v.Len() {
			if v.Kind() == reflect.Array {
				return fmt.Errorf("index %d out of range for %s", idx, v.Type())
			}
			grown := reflect.MakeSlice(v.Type(), idx+1, idx+1)
			reflect.Copy(grown, v)
			v.Set(grown)
		}
		return assign(v.Index(idx), rest, kind, val)
	case reflect.Map:
		if !isScalarKey(v.Type().Key()) {
			return fmt.Errorf("map key type %s cannot be addressed", v.Type().Key())
		}
		key, rest, err := parseKey(path)
		if err != nil {
			return err
		}
		kv, err := parseMapKey(key, v.Type().Key())
		if err != nil {
			return err
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(kv); cur.IsValid() {
			elem.Set(cur)
		}
		if err := assign(elem, rest, kind, val); err != nil {
			return err
		}
		v.SetMapIndex(kv, elem)
		return nil
	}
	return fmt.Errorf("cannot address '%s' inside %s", path, v.Type())
}

// matchField finds the field of struct type t that path continues into. Names are
// tried longest first and a field is taken only when the rest of path resolves inside
// it, so "a_b_c" reaches a.b_c when the sibling a_b has no field c.
func matchField(t reflect.Type, path string) (fieldDesc, string, bool) {
	for _, f := range describe(t).byMatch {
		if !strings.HasPrefix(path, f.name) {
			continue
		}
		rest := path[len(f.name):]
		switch {
		case rest == "", rest[0] == '[':
		case rest[0] == '_':
			rest = rest[1:]
		default:
			continue
		}
		if addressable(t.Field(f.index).Type, rest) {
			return f, rest, true
		}
	}
	return fieldDesc{}, "", false
}

// addressable reports whether path names a value reachable inside type t.
func addressable(t reflect.Type, path string) bool {
	if path == "" {
		return true
	}
	if _, leaf := leafKind(t); leaf {
		return false
	}
	switch t.Kind() {
	case reflect.Ptr:
		return addressable(t.Elem(), path)
	case reflect.Struct:
		_, _, ok := matchField(t, path)
		return ok
	case reflect.Slice, reflect.Array:
		_, rest, err := parseIndex(path)
		return err == nil && addressable(t.Elem(), rest)
	case reflect.Map:
		key, rest, err := parseKey(path)
		if err != nil || !isScalarKey(t.Key()) {
			return false
		}
		if _, err := parseMapKey(key, t.Key()); err != nil {
			return false
		}
		return addressable(t.Elem(), rest)
	}
	return false
}

// parseMapKey converts a key written by formatKey to a value of type t.
func parseMapKey(key string, t reflect.Type) (reflect.Value, error) {
	kv := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		kv.SetString(key)
	case reflect.Bool:
		b, err := strconv.ParseBool(key)
		if err != nil {
			return kv, fmt.Errorf("invalid %s map key '%s'", t, key)
		}
		kv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(key, 10, t.Bits())
		if err != nil {
			return kv, fmt.Errorf("invalid %s map key '%s'", t, key)
		}
		kv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(key, 10, t.Bits())
		if err != nil {
			return kv, fmt.Errorf("invalid %s map key '%s'", t, key)
		}
		kv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(key, t.Bits())
		if err != nil {
			return kv, fmt.Errorf("invalid %s map key '%s'", t, key)
		}
		kv.SetFloat(f)
	default:
		return kv, fmt.Errorf("map key type %s cannot be addressed", t)
	}
	return kv, nil
}

// parseIndex splits "[12]_rest" into 12 and "rest".
func parseIndex(path string) (int, string, error) {
	if !strings.HasPrefix(path, "[") {
		return 0, "", fmt.Errorf("expected index at '%s'", path)
	}
	end := strings.IndexByte(path, ']')
	if end < 0 {
		return 0, "", fmt.Errorf("unterminated index at '%s'", path)
	}
	idx, err := strconv.Atoi(path[1:end])
	if err != nil || idx < 0 {
		return 0, "", fmt.Errorf("invalid index at '%s'", path)
	}
	return idx, strings.TrimPrefix(path[end+1:], "_"), nil
}

// parseKey splits `["key"]_rest` into key and "rest".
func parseKey(path string) (string, string, error) {
	if !strings.HasPrefix(path, "[") {
		return "", "", fmt.Errorf("expected map key at '%s'", path)
	}
	quoted, err := strconv.QuotedPrefix(path[1:])
	if err != nil {
		return "", "", fmt.Errorf("invalid map key at '%s': %w", path, err)
	}
	key, err := strconv.Unquote(quoted)
	if err != nil {
		return "", "", fmt.Errorf("invalid map key at '%s': %w", path, err)
	}
	rest := path[1+len(quoted):]
	if !strings.HasPrefix(rest, "]") {
		return "", "", fmt.Errorf("unterminated map key at '%s'", path)
	}
	return key, strings.TrimPrefix(rest[1:], "_"), nil
}

func setLeaf(v reflect.Value, kind Kind, val any) error {
	switch v.Kind() {
	case reflect.Ptr:
		p := reflect.New(v.Type().Elem())
		if err := setLeaf(p.Elem(), kind, val); err != nil {
			return err
		}
		v.Set(p)
		return nil
	case reflect.Interface:
		decoded, err := looseValue(kind, val)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(decoded))
		return nil
	}

	switch v.Type() {
	case timeType:
		t, err := parseTime(val)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(t))
		return nil
	case uuidType:
		u, err := uuid.Parse(toString(val))
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(u))
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := toBool(val)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		if v.OverflowInt(n) {
			return fmt.Errorf("%d overflows %s", n, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint64(val)
		if err != nil {
			return err
		}
		if v.OverflowUint(n) {
			return fmt.Errorf("%d overflows %s", n, v.Type())
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.String:
		v.SetString(toString(val))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot store %T in %s", val, v.Type())
		}
		v.SetBytes(toBytes(val))
	default:
		return fmt.Errorf("cannot store %T in %s", val, v.Type())
	}
	return nil
}

// looseValue decodes a stored value for an interface-typed target. Numbers come back
// as the Go type they were written from.
func looseValue(kind Kind, val any) (any, error) {
	if t, ok := numericTypes[kind]; ok {
		v := reflect.New(t).Elem()
		if err := setLeaf(v, kind, val); err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}
	switch kind {
	case KindTime:
		return parseTime(val)
	case KindUUID:
		return uuid.Parse(toString(val))
	case KindBytes:
		return toBytes(val), nil
	}
	return val, nil
}

func toInt64(val any) (int64, error) {
	switch x := val.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", val)
}

func toUint64(val any) (uint64, error) {
	switch x := val.(type) {
	case uint64:
		return x, nil
	case int64:
		return uint64(x), nil
	case int:
		return uint64(x), nil
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return 0, fmt.Errorf("%v is not an unsigned integer", x)
		}
		return uint64(x), nil
	case string:
		return strconv.ParseUint(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to uint", val)
}

func toFloat64(val any) (float64, error) {
	switch x := val.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", val)
}

func toBool(val any) (bool, error) {
	switch x := val.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	return false, fmt.Errorf("cannot convert %T to bool", val)
}

func toString(val any) string {
	switch x := val.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(val)
}

func toBytes(val any) []byte {
	switch x := val.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	}
	return []byte(fmt.Sprint(val))
}
