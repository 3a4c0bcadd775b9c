package correlate

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"bulkmerge/internal/model"
)

// Key is the comparable form of a correlation key. Two keys are equal when
// every component compares equal, whatever the driver's representation:
// integers of any width, []byte and string, and times in any location.
type Key string

const keySeparator = "\x1f"

// KeyOf builds the Key of a list of column values.
func KeyOf(values []any) Key {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = normalize(v)
	}
	return Key(strings.Join(parts, keySeparator))
}

// EntityKey builds the Key of fields on entity from their database values.
func EntityKey(t *model.Type, entity any, fields []*model.Field) (Key, error) {
	values := make([]any, len(fields))
	for i, f := range fields {
		v, err := t.DBValue(entity, f)
		if err != nil {
			return "", err
		}
		values[i] = v
	}
	return KeyOf(values), nil
}

func normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return "n"
	case string:
		return "s:" + x
	case []byte:
		return "s:" + string(x)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case driver.Valuer:
		value, err := x.Value()
		if err != nil {
			return fmt.Sprintf("%T:%v", v, v)
		}
		if _, loop := value.(driver.Valuer); loop {
			return fmt.Sprintf("%T:%v", value, value)
		}
		return normalize(value)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "n"
		}
		return normalize(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "i:" + strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u > math.MaxInt64 {
			return "u:" + strconv.FormatUint(u, 10)
		}
		return "i:" + strconv.FormatInt(int64(rv.Uint()), 10)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			return "i:" + strconv.FormatInt(int64(f), 10)
		}
		return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
	case reflect.String:
		return "s:" + rv.String()
	case reflect.Bool:
		return "b:" + strconv.FormatBool(rv.Bool())
	}
	return fmt.Sprintf("%T:%v", v, v)
}

// asInt returns v as an int64 when it holds an integer value.
func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case []byte:
		n, err := strconv.ParseInt(string(x), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return 0, false
		}
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
