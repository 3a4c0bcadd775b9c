package model

import (
	"reflect"
)

// ColumnSpec describes one column of a dynamic (map record) type.
type ColumnSpec struct {
	Name     string
	Key      bool
	Identity bool
	Computed bool
	Default  bool
	Version  bool
	GoType   reflect.Type
}

// NewDynamicType describes map[string]any records of one table. Records are
// keyed by column name.
func NewDynamicType(schema, table string, columns []ColumnSpec) *Type {
	t := newType(reflect.TypeOf(map[string]any(nil)), table)
	t.Schema = schema
	t.Table = table
	t.dynamic = true
	for _, c := range columns {
		t.addField(&Field{
			Name:     c.Name,
			Column:   c.Name,
			GoType:   c.GoType,
			Key:      c.Key,
			Identity: c.Identity,
			Computed: c.Computed,
			Default:  c.Default,
			Version:  c.Version,
			get:      mapGetter(c.Name),
			set:      mapSetter(c.Name),
		})
	}
	return t
}
