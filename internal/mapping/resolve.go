package mapping

import (
	"sort"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

// Resolve builds the Descriptor for t and one operation call. rows are the
// input entities of the call; default-value columns are omitted from INSERT
// only when every row holds the zero value, so the result depends on rows.
func Resolve(t *model.Type, kind options.Kind, opts *options.Options, rows []any, names sqlutil.StagingNames) (*Descriptor, error) {
	if err := opts.Validate(kind); err != nil {
		return nil, err
	}

	d := &Descriptor{
		Type:         t,
		Kind:         kind,
		Schema:       t.Schema,
		Table:        t.Table,
		StagingTable: names.Table,
		OutputTable:  names.Output,
		KeepIdentity: opts.KeepIdentity,
		NativeTemp:   opts.NativeTempTable,
		Stats:        opts.CalculateStats,
		HoldLock:     opts.HoldLock,
	}

	keys, err := resolveKey(t, kind, opts)
	if err != nil {
		return nil, err
	}
	d.Key = keys
	d.Identity = t.Identity()
	d.KeyIsIdentity = d.Identity != nil && len(keys) == 1 && keys[0] == d.Identity

	if !opts.DisableConcurrencyToken {
		if tokens := t.Tokens(); len(tokens) == 1 {
			d.Token = tokens[0]
			d.TokenIncrement = d.Token.Numeric()
		}
	}

	columns, err := resolveColumns(t, d, opts)
	if err != nil {
		return nil, err
	}
	d.Columns = columns

	if err := requireKey(d, kind, opts); err != nil {
		return nil, err
	}

	for _, f := range columns {
		if f.Owner != "" {
			d.Owned = append(d.Owned, f)
		}
		if f.JSON {
			d.JSON = append(d.JSON, f)
		}
	}

	d.Defaults = omittedDefaults(t, columns, rows, opts.Source != nil)

	for _, f := range columns {
		switch {
		case f.Computed:
		case f == d.Identity && !d.KeepIdentity:
		case f == d.Token && d.TokenManagedByDatabase():
		case Has(d.Defaults, f):
		default:
			d.Insert = append(d.Insert, f)
		}
	}

	d.Update, err = resolveUpdate(t, d, opts)
	if err != nil {
		return nil, err
	}
	d.Compare, err = resolveCompare(t, d, opts)
	if err != nil {
		return nil, err
	}
	d.Outputs = resolveOutputs(d, kind, opts)
	d.Staged = resolveStaged(d, kind)

	if len(opts.SoftDelete) > 0 {
		d.SoftDelete = make(map[string]any, len(opts.SoftDelete))
		for name, value := range opts.SoftDelete {
			f := t.Field(name)
			if f == nil {
				return nil, bulkerr.Configf("SoftDelete", "column %q does not exist on %s", name, t.Name)
			}
			d.SoftDelete[f.Column] = value
		}
	}
	return d, nil
}

func resolveKey(t *model.Type, kind options.Kind, opts *options.Options) ([]*model.Field, error) {
	if len(opts.MatchBy) == 0 {
		return t.Keys(), nil
	}
	keys := make([]*model.Field, 0, len(opts.MatchBy))
	for _, name := range opts.MatchBy {
		f := t.Field(name)
		if f == nil {
			return nil, bulkerr.Configf("MatchBy", "column %q does not exist on %s", name, t.Name).
				WithHint("use a column name or Go field name of the entity")
		}
		if Has(keys, f) {
			continue
		}
		keys = append(keys, f)
	}
	return keys, nil
}

func requireKey(d *Descriptor, kind options.Kind, opts *options.Options) error {
	if len(d.Key) > 0 {
		return nil
	}
	needsKey := kind.NeedsMatchKey() ||
		(kind == options.Insert && opts.ConflictPolicy == options.ConflictReplace) ||
		(kind == options.Insert && opts.RequestGeneratedOutputs && opts.PreserveInsertionOrder && d.Identity == nil)
	if !needsKey {
		return nil
	}
	return bulkerr.Configf("MatchBy", "no match key for %s on %s", kind, d.Type.Name).
		WithHint("declare a primary key (bulk:\",key\") or pass MatchBy")
}

func lookup(t *model.Type, field string, names []string) ([]*model.Field, error) {
	fields := make([]*model.Field, 0, len(names))
	for _, name := range names {
		f := t.Field(name)
		if f == nil {
			return nil, bulkerr.Configf(field, "column %q does not exist on %s", name, t.Name)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func resolveColumns(t *model.Type, d *Descriptor, opts *options.Options) ([]*model.Field, error) {
	required := func(f *model.Field) bool {
		return Has(d.Key, f) || f == d.Identity || f == d.Token
	}

	include := opts.Columns.Include
	if opts.Source != nil {
		include = opts.Source.Columns()
	}

	switch {
	case len(include) > 0:
		listed, err := lookup(t, "Columns", include)
		if err != nil {
			return nil, err
		}
		var out []*model.Field
		for _, f := range t.Fields {
			if Has(listed, f) || (opts.Source == nil && required(f)) {
				out = append(out, f)
			}
		}
		return out, nil
	case len(opts.Columns.Exclude) > 0:
		excluded, err := lookup(t, "Columns", opts.Columns.Exclude)
		if err != nil {
			return nil, err
		}
		var out []*model.Field
		for _, f := range t.Fields {
			if !Has(excluded, f) || required(f) {
				out = append(out, f)
			}
		}
		return out, nil
	default:
		return append([]*model.Field(nil), t.Fields...), nil
	}
}

// omittedDefaults returns the default-value columns that every row leaves at
// the zero value. A single non-default row keeps the column in the INSERT.
func omittedDefaults(t *model.Type, columns []*model.Field, rows []any, external bool) []*model.Field {
	if external || len(rows) == 0 {
		return nil
	}
	var omitted []*model.Field
	for _, f := range columns {
		if !f.Default || f.Identity || f.Computed {
			continue
		}
		allDefault := true
		for _, row := range rows {
			if !t.IsDefault(row, f) {
				allDefault = false
				break
			}
		}
		if allDefault {
			omitted = append(omitted, f)
		}
	}
	return omitted
}

func writable(d *Descriptor, f *model.Field) bool {
	switch {
	case f.Computed, f == d.Identity, Has(d.Key, f), f == d.Token:
		return false
	}
	return true
}

func resolveUpdate(t *model.Type, d *Descriptor, opts *options.Options) ([]*model.Field, error) {
	var base []*model.Field
	for _, f := range d.Columns {
		if writable(d, f) {
			base = append(base, f)
		}
	}
	return narrow(t, "Update", base, opts.Update)
}

func resolveCompare(t *model.Type, d *Descriptor, opts *options.Options) ([]*model.Field, error) {
	if len(opts.Compare.Include) > 0 {
		listed, err := lookup(t, "Compare", opts.Compare.Include)
		if err != nil {
			return nil, err
		}
		var out []*model.Field
		for _, f := range d.Columns {
			if Has(listed, f) && !f.Computed {
				out = append(out, f)
			}
		}
		return out, nil
	}
	return narrow(t, "Compare", d.Update, options.ColumnSet{Exclude: opts.Compare.Exclude})
}

func narrow(t *model.Type, field string, base []*model.Field, set options.ColumnSet) ([]*model.Field, error) {
	switch {
	case len(set.Include) > 0:
		listed, err := lookup(t, field, set.Include)
		if err != nil {
			return nil, err
		}
		var out []*model.Field
		for _, f := range base {
			if Has(listed, f) {
				out = append(out, f)
			}
		}
		return out, nil
	case len(set.Exclude) > 0:
		excluded, err := lookup(t, field, set.Exclude)
		if err != nil {
			return nil, err
		}
		var out []*model.Field
		for _, f := range base {
			if !Has(excluded, f) {
				out = append(out, f)
			}
		}
		return out, nil
	}
	return base, nil
}

func resolveOutputs(d *Descriptor, kind options.Kind, opts *options.Options) []*model.Field {
	var wanted []*model.Field
	switch {
	case kind == options.Read:
		wanted = d.Columns
	case kind == options.Delete || kind == options.Truncate:
		return nil
	case opts.RequestGeneratedOutputs:
		for _, f := range d.Columns {
			if f == d.Identity || f.Computed || f == d.Token || Has(d.Defaults, f) {
				wanted = append(wanted, f)
			}
		}
		if len(wanted) == 0 {
			return nil
		}
	default:
		return nil
	}
	out := append([]*model.Field(nil), d.Key...)
	for _, f := range wanted {
		if !Has(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func resolveStaged(d *Descriptor, kind options.Kind) []*model.Field {
	var staged []*model.Field
	add := func(f *model.Field) {
		if f != nil && !Has(staged, f) {
			staged = append(staged, f)
		}
	}
	for _, f := range d.Key {
		add(f)
	}
	if kind == options.Read || kind == options.Delete {
		return staged
	}
	add(d.Identity)
	for _, group := range [][]*model.Field{d.Insert, d.Update, d.Compare} {
		for _, f := range group {
			add(f)
		}
	}
	add(d.Token)

	order := make(map[*model.Field]int, len(d.Type.Fields))
	for i, f := range d.Type.Fields {
		order[f] = i
	}
	sort.SliceStable(staged, func(i, j int) bool { return order[staged[i]] < order[staged[j]] })
	return staged
}
