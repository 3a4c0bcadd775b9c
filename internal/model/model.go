// Package model is the entity metadata provider of the bulk engine. It turns
// Go struct types (or introspected tables, for map records) into a Type: the
// mapped columns, keys, identity, concurrency token, owned and JSON sub-columns,
// navigations and value converters, with accessor closures compiled once per
// type.
package model

import (
	"fmt"
	"reflect"
	"strings"
)

// NavKind distinguishes reference and collection navigations.
type NavKind int

const (
	// Reference is a pointer to a principal entity. The foreign key fields
	// live on the declaring type.
	Reference NavKind = iota
	// Collection is a slice of dependent entities. The foreign key fields
	// live on the element type.
	Collection
)

// Field is one mapped column.
type Field struct {
	// Name is the Go field path ("Address.City") or, for map records, the column.
	Name     string
	Column   string
	GoType   reflect.Type
	Key      bool
	Identity bool
	Computed bool
	// Default marks a column with a database default. It is omitted from an
	// INSERT when every row of the batch holds the zero value.
	Default bool
	Version bool
	JSON    bool
	// Owner is the Go name of the inline struct this column belongs to.
	Owner     string
	Converter Converter

	get func(entity reflect.Value) (reflect.Value, bool)
	set func(entity reflect.Value, v any) error
}

// Numeric reports whether the field holds an integer or float.
func (f *Field) Numeric() bool {
	if f.GoType == nil {
		return false
	}
	t := f.GoType
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// SignedInteger reports whether the field can hold a negative placeholder key.
func (f *Field) SignedInteger() bool {
	if f.GoType == nil {
		return true
	}
	switch f.GoType.Kind() {
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

// Navigation links an entity to related entities.
type Navigation struct {
	Name   string
	Kind   NavKind
	Target reflect.Type
	// ForeignKey names the Go fields of the dependent side.
	ForeignKey []string
	// PrincipalKey names the Go fields of the principal side. Empty means the
	// principal's key fields.
	PrincipalKey []string

	get func(entity reflect.Value) reflect.Value
}

// Type is the compiled metadata of one entity type.
type Type struct {
	GoType      reflect.Type
	Name        string
	Schema      string
	Table       string
	Fields      []*Field
	Navigations []*Navigation

	byColumn map[string]*Field
	byName   map[string]*Field
	dynamic  bool
}

func newType(goType reflect.Type, name string) *Type {
	return &Type{
		GoType:   goType,
		Name:     name,
		byColumn: make(map[string]*Field),
		byName:   make(map[string]*Field),
	}
}

func (t *Type) addField(f *Field) {
	t.Fields = append(t.Fields, f)
	t.byColumn[strings.ToLower(f.Column)] = f
	t.byName[strings.ToLower(f.Name)] = f
}

// Dynamic reports whether the type describes map[string]any records.
func (t *Type) Dynamic() bool {
	return t.dynamic
}

// Field finds a field by column name or Go field name, case-insensitively.
func (t *Type) Field(name string) *Field {
	key := strings.ToLower(name)
	if f, ok := t.byColumn[key]; ok {
		return f
	}
	return t.byName[key]
}

// Keys returns the primary key fields in declaration order.
func (t *Type) Keys() []*Field {
	var keys []*Field
	for _, f := range t.Fields {
		if f.Key {
			keys = append(keys, f)
		}
	}
	return keys
}

// Identity returns the database generated key field, if any.
func (t *Type) Identity() *Field {
	for _, f := range t.Fields {
		if f.Identity {
			return f
		}
	}
	return nil
}

// Tokens returns every field flagged as a concurrency token.
func (t *Type) Tokens() []*Field {
	var tokens []*Field
	for _, f := range t.Fields {
		if f.Version {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// New allocates an empty entity of this type.
func (t *Type) New() any {
	if t.dynamic {
		return map[string]any{}
	}
	return reflect.New(t.GoType).Interface()
}

// Check verifies that entity is a pointer to this type's struct, or a map
// record for dynamic types.
func (t *Type) Check(entity any) error {
	if t.dynamic {
		if _, ok := entity.(map[string]any); ok {
			return nil
		}
		return fmt.Errorf("%s expects map[string]any records, got %T", t.Name, entity)
	}
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != t.GoType {
		return fmt.Errorf("%s expects *%s entities, got %T", t.Name, t.GoType.Name(), entity)
	}
	return nil
}

func (t *Type) root(entity any) reflect.Value {
	if t.dynamic {
		return reflect.ValueOf(entity)
	}
	return reflect.ValueOf(entity).Elem()
}
