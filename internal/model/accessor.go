package model

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
)

// Value returns the Go value held by f on entity. It returns nil when an
// inline owner pointer on the path is nil or a map record lacks the column.
func (t *Type) Value(entity any, f *Field) any {
	v, ok := f.get(t.root(entity))
	if !ok || !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return v.Elem().Interface()
	}
	return v.Interface()
}

// IsDefault reports whether f holds its zero value on entity.
func (t *Type) IsDefault(entity any, f *Field) bool {
	v, ok := f.get(t.root(entity))
	if !ok || !v.IsValid() {
		return true
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	return v.IsZero()
}

// DBValue returns the value to stage for f: converters run, JSON columns are
// marshalled and nil pointers become NULL.
func (t *Type) DBValue(entity any, f *Field) (any, error) {
	raw := t.Value(entity, f)
	return f.ToDB(raw)
}

// ToDB converts a Go value of f into a driver value.
func (f *Field) ToDB(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if f.Converter != nil {
		return f.Converter.ToDB(raw)
	}
	rv := reflect.ValueOf(raw)
	if f.JSON {
		switch rv.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			if rv.IsNil() {
				return nil, nil
			}
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json column %s: %w", f.Column, err)
		}
		return string(data), nil
	}
	if rv.Type().Implements(valuerType) {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		return raw, nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		return rv.Elem().Interface(), nil
	}
	return raw, nil
}

// Set assigns a Go value to f on entity, converting between compatible kinds.
func (t *Type) Set(entity any, f *Field, v any) error {
	if err := f.set(t.root(entity), v); err != nil {
		return fmt.Errorf("failed to set %s.%s: %w", t.Name, f.Name, err)
	}
	return nil
}

// SetDB assigns a value read from the database, reversing converters and
// JSON encoding.
func (t *Type) SetDB(entity any, f *Field, v any) error {
	if v != nil && f.Converter != nil {
		converted, err := f.Converter.FromDB(v)
		if err != nil {
			return fmt.Errorf("failed to convert %s.%s: %w", t.Name, f.Name, err)
		}
		v = converted
	} else if v != nil && f.JSON && f.GoType != nil {
		var data []byte
		switch raw := v.(type) {
		case []byte:
			data = raw
		case string:
			data = []byte(raw)
		default:
			return t.Set(entity, f, v)
		}
		target := reflect.New(f.GoType)
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return fmt.Errorf("failed to unmarshal json column %s: %w", f.Column, err)
		}
		v = target.Elem().Interface()
	}
	return t.Set(entity, f, v)
}

// structGetter walks an index path. Nil pointers on the path yield ok=false.
func structGetter(index []int) func(reflect.Value) (reflect.Value, bool) {
	return func(v reflect.Value) (reflect.Value, bool) {
		for i, idx := range index {
			if i > 0 && v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
			v = v.Field(idx)
		}
		return v, true
	}
}

// structSetter walks an index path, allocating nil inline pointers on the way.
func structSetter(index []int) func(reflect.Value, any) error {
	return func(v reflect.Value, value any) error {
		for i, idx := range index {
			if i > 0 && v.Kind() == reflect.Pointer {
				if v.IsNil() {
					if value == nil {
						return nil
					}
					v.Set(reflect.New(v.Type().Elem()))
				}
				v = v.Elem()
			}
			v = v.Field(idx)
		}
		return assign(v, value)
	}
}

func mapGetter(column string) func(reflect.Value) (reflect.Value, bool) {
	key := reflect.ValueOf(column)
	return func(v reflect.Value) (reflect.Value, bool) {
		val := v.MapIndex(key)
		if !val.IsValid() {
			return reflect.Value{}, false
		}
		return val, true
	}
}

func mapSetter(column string) func(reflect.Value, any) error {
	key := reflect.ValueOf(column)
	return func(v reflect.Value, value any) error {
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		if value == nil {
			v.SetMapIndex(key, reflect.Zero(v.Type().Elem()))
			return nil
		}
		v.SetMapIndex(key, reflect.ValueOf(value))
		return nil
	}
}

// assign stores src into dst the way database/sql converts scanned values.
func assign(dst reflect.Value, src any) error {
	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(src)
	}
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), src); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		if b, ok := src.([]byte); ok {
			dst.Set(reflect.ValueOf(append([]byte(nil), b...)))
			return nil
		}
		dst.Set(sv)
		return nil
	}
	if dst.Kind() == reflect.Interface {
		dst.Set(sv)
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		switch s := src.(type) {
		case []byte:
			dst.SetString(string(s))
			return nil
		case string:
			dst.SetString(s)
			return nil
		}
		if sv.Kind() == reflect.String {
			dst.SetString(sv.String())
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt64(sv)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asInt64(sv)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat64(sv)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		b, err := asBool(sv)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	case reflect.Slice:
		if dst.Type() == bytesType {
			switch s := src.(type) {
			case string:
				dst.SetBytes([]byte(s))
				return nil
			}
		}
	case reflect.Struct:
		if dst.Type() == timeType {
			if ts, ok := asTime(src); ok {
				dst.Set(reflect.ValueOf(ts))
				return nil
			}
		}
	}

	if sv.Type().ConvertibleTo(dst.Type()) && sv.Kind() == dst.Kind() {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", src, dst.Type())
}

func asInt64(v reflect.Value) (int64, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("value %v is not integral", f)
		}
		return int64(f), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.String:
		return strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseInt(strings.TrimSpace(string(v.Bytes())), 10, 64)
		}
	}
	return 0, fmt.Errorf("cannot convert %s to integer", v.Type())
}

func asFloat64(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseFloat(strings.TrimSpace(string(v.Bytes())), 64)
		}
	}
	return 0, fmt.Errorf("cannot convert %s to float", v.Type())
}

func asBool(v reflect.Value) (bool, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0, nil
	case reflect.String:
		return strconv.ParseBool(strings.TrimSpace(v.String()))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseBool(strings.TrimSpace(string(v.Bytes())))
		}
	}
	return false, fmt.Errorf("cannot convert %s to bool", v.Type())
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(src any) (time.Time, bool) {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
