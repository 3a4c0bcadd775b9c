// Package correlate writes the rows read back from a merge onto the caller's
// entities: generated identities, computed and default values, and
// concurrency tokens.
//
// Outputs arrive in ascending order of the descriptor's order columns within
// each statement. Entities are matched by their correlation key. When the key
// is the identity, entities whose identity held a negative placeholder are
// matched positionally instead, since their placeholders were assigned in
// list order and the engine inserted them in placeholder order.
package correlate

import (
	"fmt"
	"sort"

	"bulkmerge/internal/dialect"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
)

// Report is the outcome of one correlation.
type Report struct {
	// Matched counts entities that received output values.
	Matched int
	// Skipped lists entities the merge did not write: stale concurrency
	// tokens, ignored conflicts, or an output shortfall.
	Skipped []any
	// Shortfall counts placeholder entities left without an output row.
	// They cannot be told apart, so none of them is listed in Skipped.
	Shortfall int
	// Written holds new entities built from the output rows of a shortfall.
	Written []any
	// Entities replaces the caller's list when order preservation is off:
	// the matched entities in output order, or new entities for Read.
	Entities []any
}

// SkippedCount is the number of entities the merge did not write.
func (r *Report) SkippedCount() int {
	return len(r.Skipped) + r.Shortfall
}

// NeedsPlaceholders reports whether entities should receive placeholder
// identities before staging.
func NeedsPlaceholders(d *mapping.Descriptor, opts *options.Options) bool {
	if d.Identity == nil || d.KeepIdentity || !d.Identity.SignedInteger() {
		return false
	}
	switch d.Kind {
	case options.Insert, options.Upsert, options.Sync:
	default:
		return false
	}
	if !mapping.Has(d.Staged, d.Identity) {
		return false
	}
	return d.NeedsOutputs() || opts.PreserveInsertionOrder
}

// AssignPlaceholders gives every entity whose identity holds zero the
// placeholder -(n-i), n being the number of entities and i the entity's
// position, so that placeholders ascend in list order. It returns the number
// of placeholders assigned.
func AssignPlaceholders(entities []any, d *mapping.Descriptor) (int, error) {
	t, id := d.Type, d.Identity
	n := len(entities)
	assigned := 0
	for i, entity := range entities {
		if !t.IsDefault(entity, id) {
			continue
		}
		if err := t.Set(entity, id, int64(-(n - i))); err != nil {
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

// ResetPlaceholders sets placeholder identities back to zero, for entities
// that were not written.
func ResetPlaceholders(entities []any, d *mapping.Descriptor) {
	for _, entity := range entities {
		if isPlaceholder(d, entity) {
			_ = d.Type.Set(entity, d.Identity, int64(0))
		}
	}
}

func isPlaceholder(d *mapping.Descriptor, entity any) bool {
	if d.Identity == nil || d.KeepIdentity {
		return false
	}
	n, ok := asInt(d.Type.Value(entity, d.Identity))
	return ok && n < 0
}

// Correlate writes out onto entities. With preserveOrder false the report
// carries the replacement list.
func Correlate(entities []any, out *dialect.OutputSet, d *mapping.Descriptor, preserveOrder bool) (*Report, error) {
	if d.Kind == options.Read && !preserveOrder {
		return materialize(out, d)
	}

	c, err := newCorrelation(out, d)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	var placeholders, unmatched []any
	matched := make(map[int]any)
	// A placeholder only orders inserts; with a natural key the key still
	// identifies the row.
	keyed := len(d.Key) > 0 && !d.KeyIsIdentity

	for _, entity := range entities {
		placeholder := isPlaceholder(d, entity)
		if placeholder && !keyed {
			placeholders = append(placeholders, entity)
			continue
		}
		if len(d.Key) == 0 || (d.KeyIsIdentity && d.Type.IsDefault(entity, d.Identity)) {
			unmatched = append(unmatched, entity)
			continue
		}
		key, err := EntityKey(d.Type, entity, d.Key)
		if err != nil {
			return nil, err
		}
		if c.stale[key] {
			report.Skipped = append(report.Skipped, entity)
			continue
		}
		row, ok := c.take(key)
		if !ok {
			unmatched = append(unmatched, entity)
			continue
		}
		if err := c.apply(entity, row); err != nil {
			return nil, err
		}
		matched[row] = entity
	}

	rest := c.remaining()
	switch {
	case len(placeholders) == 0:
	case len(rest) >= len(placeholders):
		for i, entity := range placeholders {
			if err := c.apply(entity, rest[i]); err != nil {
				return nil, err
			}
			matched[rest[i]] = entity
		}
		rest = rest[len(placeholders):]
	default:
		// Rows cannot be attributed to placeholders when some were not
		// written: the rows that were are reported on their own.
		report.Shortfall = len(placeholders) - len(rest)
		ResetPlaceholders(placeholders, d)
		for _, row := range rest {
			entity := d.Type.New()
			if err := c.apply(entity, row); err != nil {
				return nil, err
			}
			report.Written = append(report.Written, entity)
		}
		rest = nil
	}

	switch {
	case len(unmatched) == 0:
	case len(rest) == len(unmatched) && d.Kind != options.Read:
		for i, entity := range unmatched {
			if err := c.apply(entity, rest[i]); err != nil {
				return nil, err
			}
			matched[rest[i]] = entity
		}
	case d.Kind == options.Insert:
		report.Skipped = append(report.Skipped, unmatched...)
	}
	ResetPlaceholders(entities, d)

	report.Matched = len(matched)
	if !preserveOrder && d.NeedsOutputs() {
		rows := make([]int, 0, len(matched))
		for row := range matched {
			rows = append(rows, row)
		}
		sort.Ints(rows)
		report.Entities = make([]any, 0, len(rows)+len(report.Written))
		for _, row := range rows {
			report.Entities = append(report.Entities, matched[row])
		}
		report.Entities = append(report.Entities, report.Written...)
	}
	return report, nil
}

// materialize builds new entities from every row read back.
func materialize(out *dialect.OutputSet, d *mapping.Descriptor) (*Report, error) {
	c, err := newCorrelation(out, d)
	if err != nil {
		return nil, err
	}
	report := &Report{Entities: make([]any, 0, out.Len())}
	for _, row := range c.remaining() {
		entity := d.Type.New()
		if err := c.apply(entity, row); err != nil {
			return nil, err
		}
		report.Entities = append(report.Entities, entity)
	}
	report.Matched = len(report.Entities)
	return report, nil
}

type correlation struct {
	d       *mapping.Descriptor
	out     *dialect.OutputSet
	columns []int
	fields  []*model.Field
	byKey   map[Key][]int
	used    []bool
	stale   map[Key]bool
}

func newCorrelation(out *dialect.OutputSet, d *mapping.Descriptor) (*correlation, error) {
	if out == nil {
		out = &dialect.OutputSet{}
	}
	c := &correlation{
		d:     d,
		out:   out,
		byKey: make(map[Key][]int),
		used:  make([]bool, len(out.Rows)),
		stale: make(map[Key]bool, len(out.Stale)),
	}
	for _, values := range out.Stale {
		c.stale[KeyOf(values)] = true
	}
	if len(out.Rows) == 0 {
		return c, nil
	}

	for _, f := range d.Outputs {
		idx := out.Index(f.Column)
		if idx < 0 {
			continue
		}
		c.fields = append(c.fields, f)
		c.columns = append(c.columns, idx)
	}
	var keyIdx []int
	if len(d.Key) > 0 {
		keyIdx = make([]int, len(d.Key))
	}
	for i, f := range d.Key {
		keyIdx[i] = out.Index(f.Column)
		if keyIdx[i] < 0 {
			keyIdx = nil
			break
		}
	}

	for i, row := range out.Rows {
		if row.Action == dialect.ActionDelete {
			c.used[i] = true
			continue
		}
		if keyIdx == nil {
			continue
		}
		values := make([]any, len(keyIdx))
		for j, idx := range keyIdx {
			if idx >= len(row.Values) {
				return nil, fmt.Errorf("output row %d has %d values, want more than %d", i, len(row.Values), idx)
			}
			values[j] = row.Values[idx]
		}
		key := KeyOf(values)
		c.byKey[key] = append(c.byKey[key], i)
	}
	return c, nil
}

// take returns the first unused row with key.
func (c *correlation) take(key Key) (int, bool) {
	for _, i := range c.byKey[key] {
		if !c.used[i] {
			c.used[i] = true
			return i, true
		}
	}
	return 0, false
}

// remaining returns the unused rows, ordered by identity when it was read
// back, and marks them used. Identities that are not integers sort last.
func (c *correlation) remaining() []int {
	var rows []int
	for i := range c.out.Rows {
		if !c.used[i] {
			rows = append(rows, i)
			c.used[i] = true
		}
	}
	if c.d.Identity == nil {
		return rows
	}
	idx := c.out.Index(c.d.Identity.Column)
	if idx < 0 {
		return rows
	}
	sort.SliceStable(rows, func(a, b int) bool {
		x, okX := asInt(c.out.Rows[rows[a]].Values[idx])
		y, okY := asInt(c.out.Rows[rows[b]].Values[idx])
		if okX != okY {
			return okX
		}
		return okX && x < y
	})
	return rows
}

func (c *correlation) apply(entity any, row int) error {
	values := c.out.Rows[row].Values
	for i, f := range c.fields {
		idx := c.columns[i]
		if idx >= len(values) {
			continue
		}
		if err := c.d.Type.SetDB(entity, f, values[idx]); err != nil {
			return err
		}
	}
	return nil
}
