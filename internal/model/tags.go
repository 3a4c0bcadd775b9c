package model

import (
	"fmt"
	"reflect"
	"strings"

	"bulkmerge/internal/bulkerr"
)

const tagName = "bulk"

// Tabler overrides the default table name.
type Tabler interface {
	TableName() string
}

// Schemer places the table in a schema.
type Schemer interface {
	SchemaName() string
}

type tagOptions struct {
	column   string
	skip     bool
	key      bool
	identity bool
	computed bool
	deflt    bool
	version  bool
	json     bool
	inline   bool
	prefix   string
	hasPref  bool
	conv     string
	fk       []string
	ref      []string
}

func parseTag(tag string) tagOptions {
	var opts tagOptions
	if tag == "-" {
		opts.skip = true
		return opts
	}
	parts := strings.Split(tag, ",")
	opts.column = strings.TrimSpace(parts[0])
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		name, value, _ := strings.Cut(part, "=")
		switch name {
		case "key":
			opts.key = true
		case "identity":
			opts.identity = true
		case "computed":
			opts.computed = true
		case "default":
			opts.deflt = true
		case "version":
			opts.version = true
		case "json":
			opts.json = true
		case "inline":
			opts.inline = true
		case "prefix":
			opts.prefix = value
			opts.hasPref = true
		case "conv":
			opts.conv = value
		case "fk":
			opts.fk = splitFields(value)
		case "ref":
			opts.ref = splitFields(value)
		}
	}
	return opts
}

func splitFields(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, "+")
}

// scalar reports whether a Go type maps to a single column.
func scalar(t reflect.Type) bool {
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType) {
		return true
	}
	if t == timeType || t == bytesType {
		return true
	}
	if t.Kind() == reflect.Pointer {
		return scalar(t.Elem())
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func structElem(t reflect.Type) (reflect.Type, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct && !scalar(t) {
		return t, true
	}
	return nil, false
}

type builder struct {
	t          *Type
	converters func(name string) (Converter, bool)
}

func (r *Registry) build(rt reflect.Type) (*Type, error) {
	t := newType(rt, rt.Name())
	t.Table = TableNameFor(rt.Name())
	zero := reflect.New(rt).Interface()
	if tabler, ok := zero.(Tabler); ok {
		t.Table = tabler.TableName()
	}
	if schemer, ok := zero.(Schemer); ok {
		t.Schema = schemer.SchemaName()
	}

	b := &builder{t: t, converters: r.converter}
	if err := b.walk(rt, nil, "", ""); err != nil {
		return nil, err
	}
	if len(t.Fields) == 0 {
		return nil, bulkerr.Configf(rt.Name(), "type has no mapped columns")
	}
	b.applyConventions()
	if err := b.verify(); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *builder) walk(rt reflect.Type, index []int, prefix, owner string) error {
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		opts := parseTag(sf.Tag.Get(tagName))
		if opts.skip {
			continue
		}
		path := append(append([]int(nil), index...), i)
		goName := sf.Name
		if owner != "" {
			goName = owner + "." + sf.Name
		}

		if sf.Anonymous && !opts.json && !scalar(sf.Type) {
			if elem, ok := structElem(sf.Type); ok {
				if err := b.walk(elem, path, prefix, owner); err != nil {
					return err
				}
				continue
			}
		}

		if len(opts.fk) > 0 {
			if err := b.navigation(sf, path, opts); err != nil {
				return err
			}
			continue
		}

		if !opts.json && !scalar(sf.Type) && opts.conv == "" {
			elem, ok := structElem(sf.Type)
			if !ok {
				// Slices, maps and other composites need an explicit json tag.
				continue
			}
			if sf.Type.Kind() == reflect.Pointer && !opts.inline {
				continue
			}
			childPrefix := prefix + SnakeCase(sf.Name) + "_"
			if opts.hasPref {
				childPrefix = prefix + opts.prefix
			}
			if err := b.walk(elem, path, childPrefix, goName); err != nil {
				return err
			}
			continue
		}

		column := opts.column
		if column == "" {
			column = SnakeCase(sf.Name)
		}
		f := &Field{
			Name:     goName,
			Column:   prefix + column,
			GoType:   sf.Type,
			Key:      opts.key,
			Identity: opts.identity,
			Computed: opts.computed,
			Default:  opts.deflt,
			Version:  opts.version,
			JSON:     opts.json,
			Owner:    owner,
			get:      structGetter(path),
			set:      structSetter(path),
		}
		if opts.conv != "" {
			conv, ok := b.converters(opts.conv)
			if !ok {
				return bulkerr.Configf(goName, "unknown converter %q", opts.conv).
					WithHint("register it with Registry.RegisterConverter before first use")
			}
			f.Converter = conv
		}
		if existing := b.t.Field(f.Column); existing != nil && strings.EqualFold(existing.Column, f.Column) {
			return bulkerr.Configf(goName, "column %q is mapped twice (also by %s)", f.Column, existing.Name)
		}
		b.t.addField(f)
	}
	return nil
}

func (b *builder) navigation(sf reflect.StructField, path []int, opts tagOptions) error {
	nav := &Navigation{
		Name:         sf.Name,
		ForeignKey:   opts.fk,
		PrincipalKey: opts.ref,
		get:          func(v reflect.Value) reflect.Value { return v.FieldByIndex(path) },
	}
	switch {
	case sf.Type.Kind() == reflect.Pointer && sf.Type.Elem().Kind() == reflect.Struct:
		nav.Kind = Reference
		nav.Target = sf.Type.Elem()
	case sf.Type.Kind() == reflect.Slice:
		elem := sf.Type.Elem()
		if elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			return bulkerr.Configf(sf.Name, "collection navigation must be a slice of structs, got %s", sf.Type)
		}
		nav.Kind = Collection
		nav.Target = elem
	default:
		return bulkerr.Configf(sf.Name, "fk= is only valid on *Struct or []*Struct fields, got %s", sf.Type)
	}
	b.t.Navigations = append(b.t.Navigations, nav)
	return nil
}

func (b *builder) applyConventions() {
	t := b.t
	hasKey := false
	for _, f := range t.Fields {
		if f.Identity && !hasExplicitKey(t) {
			f.Key = true
		}
		if f.Key {
			hasKey = true
		}
	}
	if !hasKey {
		if f := t.byName["id"]; f != nil && f.Owner == "" {
			f.Key = true
			if t.Identity() == nil && f.SignedInteger() && f.Numeric() {
				f.Identity = true
			}
		}
	}
	if len(t.Tokens()) == 0 {
		for _, f := range t.Fields {
			if f.GoType == bytesType && (f.Name == "RowVersion" || f.Name == "Version") {
				f.Version = true
			}
		}
	}
}

func hasExplicitKey(t *Type) bool {
	for _, f := range t.Fields {
		if f.Key {
			return true
		}
	}
	return false
}

func (b *builder) verify() error {
	t := b.t
	identities := 0
	for _, f := range t.Fields {
		if f.Identity {
			identities++
		}
	}
	if identities > 1 {
		return bulkerr.Configf(t.Name, "at most one identity column is allowed, found %d", identities)
	}
	if tokens := t.Tokens(); len(tokens) > 1 {
		return bulkerr.Configf(t.Name, "at most one concurrency token is allowed, found %d (%s, %s)",
			len(tokens), tokens[0].Name, tokens[1].Name)
	}
	for _, nav := range t.Navigations {
		if nav.Kind == Reference {
			for _, name := range nav.ForeignKey {
				if t.Field(name) == nil {
					return bulkerr.Configf(nav.Name, "foreign key field %q is not a mapped column of %s", name, t.Name)
				}
			}
		}
	}
	return nil
}

// Entities returns the related entities reachable through nav from entity:
// the pointed-to principal for a reference, every element for a collection.
func (n *Navigation) Entities(entity any) []any {
	v := n.get(reflect.ValueOf(entity).Elem())
	switch n.Kind {
	case Reference:
		if v.IsNil() {
			return nil
		}
		return []any{v.Interface()}
	default:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item := v.Index(i)
			if item.Kind() == reflect.Pointer {
				if item.IsNil() {
					continue
				}
				out = append(out, item.Interface())
				continue
			}
			out = append(out, item.Addr().Interface())
		}
		return out
	}
}

func (n *Navigation) String() string {
	kind := "reference"
	if n.Kind == Collection {
		kind = "collection"
	}
	return fmt.Sprintf("%s %s -> %s", kind, n.Name, n.Target.Name())
}
