package dialect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

const (
	targetAlias = "T"
	sourceAlias = "S"
)

// base carries the statement builders shared by every adapter. Builders
// write `?` placeholders and convert them once with the adapter's format.
type base struct {
	name        string
	quote       sqlutil.Quoter
	placeholder sq.PlaceholderFormat
	// distinct renders a null-safe "values differ" predicate.
	distinct func(a, b string) string
	// stagingRef renders a reference to a staging artifact named name.
	stagingRef func(d *mapping.Descriptor, name string) string
	// compareExpr wraps a column reference for comparison, when some column
	// types lack an equality operator.
	compareExpr func(f *model.Field, ref string) string
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Quote(ident string) string {
	return b.quote(ident)
}

func (b *base) Placeholder() sq.PlaceholderFormat {
	return b.placeholder
}

func (b *base) Table(schema, name string) string {
	return sqlutil.QualifiedName(b.quote, schema, name)
}

func (b *base) target(d *mapping.Descriptor) string {
	return b.Table(d.Schema, d.Table)
}

func (b *base) staging(d *mapping.Descriptor) string {
	return b.stagingRef(d, d.StagingTable)
}

func (b *base) ref(alias, column string) string {
	return alias + "." + b.quote(column)
}

func (b *base) cmp(f *model.Field, alias string) string {
	ref := b.ref(alias, f.Column)
	if b.compareExpr != nil {
		return b.compareExpr(f, ref)
	}
	return ref
}

// on joins alias l to alias r over columns.
func (b *base) on(l, r string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = b.ref(l, c) + " = " + b.ref(r, c)
	}
	return strings.Join(parts, " AND ")
}

// changed renders "any compare column differs" between target and source.
func (b *base) changed(fields []*model.Field) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = b.distinct(b.cmp(f, targetAlias), b.cmp(f, sourceAlias))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// sameToken renders the predicate that keeps stale rows out of the update.
func (b *base) sameToken(d *mapping.Descriptor, opts *options.Options) string {
	if !opts.SkipStaleRows || d.Token == nil {
		return ""
	}
	return "NOT " + b.distinct(b.ref(targetAlias, d.Token.Column), b.ref(sourceAlias, d.Token.Column))
}

func (b *base) increment(d *mapping.Descriptor, alias string) string {
	return "COALESCE(" + b.ref(alias, d.Token.Column) + ", 0) + 1"
}

func (b *base) orderBy(d *mapping.Descriptor, alias string) string {
	columns := d.OrderColumns()
	if len(columns) == 0 {
		return ""
	}
	if alias == "" {
		return " ORDER BY " + sqlutil.QuoteList(b.quote, columns)
	}
	return " ORDER BY " + sqlutil.QualifyList(b.quote, alias, columns)
}

func (b *base) finish(sql string, args []any, stat Stat) (Statement, error) {
	sql, err := b.placeholder.ReplacePlaceholders(sql)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql, Args: args, Stat: stat}, nil
}

// projection renders the staged columns for a staging CREATE, letting the
// adapter cast individual columns.
func (b *base) projection(fields []*model.Field, cast func(f *model.Field, ref string) string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		ref := b.ref(targetAlias, f.Column)
		if cast != nil {
			if expr := cast(f, ref); expr != "" {
				parts[i] = expr + " AS " + b.quote(f.Column)
				continue
			}
		}
		parts[i] = ref
	}
	return strings.Join(parts, ", ")
}

// nullableSource is a FROM clause yielding the target's columns as the
// nullable side of an outer join, with no identity property and no rows.
func (b *base) nullableSource(d *mapping.Descriptor) string {
	return fmt.Sprintf("(SELECT 1 AS x) AS d LEFT JOIN %s AS %s ON 1 = 0", b.target(d), targetAlias)
}

func (b *base) StagingExists(d *mapping.Descriptor) Statement {
	return Statement{SQL: fmt.Sprintf("SELECT 1 FROM %s WHERE 1 = 0", b.staging(d)), Returns: true}
}

func (b *base) StaleRows(d *mapping.Descriptor) Statement {
	if d.Token == nil {
		return Statement{}
	}
	query, args, err := sq.Select(b.qualified(sourceAlias, d.KeyNames())...).
		From(b.staging(d) + " AS " + sourceAlias).
		Join(b.target(d) + " AS " + targetAlias + " ON " + b.on(targetAlias, sourceAlias, d.KeyNames())).
		Where(b.distinct(b.ref(targetAlias, d.Token.Column), b.ref(sourceAlias, d.Token.Column))).
		PlaceholderFormat(b.placeholder).
		ToSql()
	if err != nil {
		return Statement{}
	}
	return Statement{SQL: query, Args: args, Returns: true}
}

func (b *base) Truncate(d *mapping.Descriptor) Statement {
	return Statement{SQL: "TRUNCATE TABLE " + b.target(d)}
}

// qualified quotes names and prefixes them with alias, when set.
func (b *base) qualified(alias string, names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = b.quote(name)
		if alias != "" {
			out[i] = alias + "." + out[i]
		}
	}
	return out
}

// outputList renders the output columns qualified by alias.
func (b *base) outputList(d *mapping.Descriptor, alias string) []string {
	return b.qualified(alias, mapping.Names(d.Outputs))
}

// readStatement selects the output columns of every target row matching a
// staged key.
func (b *base) readStatement(d *mapping.Descriptor) (Statement, error) {
	builder := sq.Select(b.outputList(d, targetAlias)...).
		From(b.target(d) + " AS " + targetAlias).
		Join(b.staging(d) + " AS " + sourceAlias + " ON " + b.on(targetAlias, sourceAlias, d.KeyNames())).
		PlaceholderFormat(b.placeholder)
	for _, c := range d.OrderColumns() {
		builder = builder.OrderBy(b.ref(targetAlias, c))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: query, Args: args, Returns: true}, nil
}

func (b *base) keyRefs(d *mapping.Descriptor) string {
	parts := make([]string, len(d.Key))
	target := b.target(d)
	for i, f := range d.Key {
		parts[i] = b.ref(sourceAlias, f.Column) + " = " + target + "." + b.quote(f.Column)
	}
	return strings.Join(parts, " AND ")
}

func (b *base) deleteStatement(d *mapping.Descriptor) (Statement, error) {
	query, args, err := sq.Delete(b.target(d)).
		Where(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s)", b.staging(d), sourceAlias, b.keyRefs(d))).
		PlaceholderFormat(b.placeholder).
		ToSql()
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: query, Args: args, Stat: StatDeleted}, nil
}

// removalStatement deletes, or soft-deletes, target rows missing from the
// staged input and matching the optional sync filter.
func (b *base) removalStatement(d *mapping.Descriptor, opts *options.Options) (Statement, error) {
	var sql strings.Builder
	var args []any
	target := b.target(d)

	if len(d.SoftDelete) > 0 {
		columns := make([]string, 0, len(d.SoftDelete))
		for c := range d.SoftDelete {
			columns = append(columns, c)
		}
		sort.Strings(columns)
		sets := make([]string, len(columns))
		differs := make([]string, len(columns))
		for i, c := range columns {
			sets[i] = b.quote(c) + " = ?"
			args = append(args, d.SoftDelete[c])
		}
		// Rows already carrying the projection are left alone.
		for i, c := range columns {
			ref := target + "." + b.quote(c)
			if d.SoftDelete[c] == nil {
				differs[i] = ref + " IS NOT NULL"
				continue
			}
			differs[i] = "(" + ref + " <> ? OR " + ref + " IS NULL)"
			args = append(args, d.SoftDelete[c])
		}
		fmt.Fprintf(&sql, "UPDATE %s SET %s WHERE NOT EXISTS (SELECT 1 FROM %s AS %s WHERE %s) AND (%s)",
			target, strings.Join(sets, ", "), b.staging(d), sourceAlias, b.keyRefs(d), strings.Join(differs, " OR "))
	} else {
		fmt.Fprintf(&sql, "DELETE FROM %s WHERE NOT EXISTS (SELECT 1 FROM %s AS %s WHERE %s)",
			target, b.staging(d), sourceAlias, b.keyRefs(d))
	}

	if opts.SyncFilter != nil {
		filter, filterArgs, err := opts.SyncFilter.ToSql()
		if err != nil {
			return Statement{}, fmt.Errorf("failed to render sync filter: %w", err)
		}
		if filter != "" {
			sql.WriteString(" AND (" + filter + ")")
			args = append(args, filterArgs...)
		}
	}
	return b.finish(sql.String(), args, StatDeleted)
}

// setList renders the update assignments. qualify prefixes the assigned
// column with the target alias, as engines with UPDATE ... JOIN require.
func (b *base) setList(d *mapping.Descriptor, qualify bool) []string {
	lhs := func(column string) string {
		if qualify {
			return b.ref(targetAlias, column)
		}
		return b.quote(column)
	}
	sets := make([]string, 0, len(d.Update)+1)
	for _, f := range d.Update {
		sets = append(sets, lhs(f.Column)+" = "+b.ref(sourceAlias, f.Column))
	}
	if d.Token != nil && d.TokenIncrement {
		sets = append(sets, lhs(d.Token.Column)+" = "+b.increment(d, targetAlias))
	}
	return sets
}

// updateFrom renders UPDATE ... SET ... FROM staging, shared by engines
// accepting the PostgreSQL form. compare is false when every matched row
// must be written.
func (b *base) updateFrom(d *mapping.Descriptor, opts *options.Options, compare bool) string {
	conditions := []string{b.on(targetAlias, sourceAlias, d.KeyNames())}
	if compare {
		if c := b.changed(d.Compare); c != "" {
			conditions = append(conditions, c)
		}
	}
	if s := b.sameToken(d, opts); s != "" {
		conditions = append(conditions, s)
	}
	return fmt.Sprintf("UPDATE %s AS %s SET %s FROM %s AS %s WHERE %s",
		b.target(d), targetAlias, strings.Join(b.setList(d, false), ", "),
		b.staging(d), sourceAlias, strings.Join(conditions, " AND "))
}

// insertForm varies the INSERT ... SELECT shape between engines.
type insertForm struct {
	// verb is the keyword sequence before the table, e.g. "INSERT IGNORE INTO".
	verb  string
	alias string
	// beforeQuery is inserted between the column list and the SELECT.
	beforeQuery string
	// missingOnly restricts the rows to keys absent from the target.
	missingOnly bool
}

// insertSelect renders INSERT ... SELECT from staging in staging order.
func (b *base) insertSelect(d *mapping.Descriptor, form insertForm) string {
	names := mapping.Names(d.Insert)
	verb := form.verb
	if verb == "" {
		verb = "INSERT INTO"
	}
	var sql strings.Builder
	sql.WriteString(verb + " " + b.target(d))
	if form.alias != "" {
		sql.WriteString(" AS " + form.alias)
	}
	fmt.Fprintf(&sql, " (%s)%s SELECT %s FROM %s AS %s",
		sqlutil.QuoteList(b.quote, names), form.beforeQuery,
		sqlutil.QualifyList(b.quote, sourceAlias, names), b.staging(d), sourceAlias)
	if form.missingOnly && len(d.Key) > 0 {
		fmt.Fprintf(&sql, " WHERE NOT EXISTS (SELECT 1 FROM %s AS X WHERE %s)",
			b.target(d), b.on("X", sourceAlias, d.KeyNames()))
	}
	sql.WriteString(b.orderBy(d, sourceAlias))
	return sql.String()
}

func (b *base) unsupported(kind options.Kind, reason string) error {
	return &bulkerr.UnsupportedOperationError{Dialect: b.name, Operation: kind.String(), Reason: reason}
}

func hasUpdates(d *mapping.Descriptor) bool {
	return len(d.Update) > 0 || (d.Token != nil && d.TokenIncrement)
}

func (b *base) requireWritable(d *mapping.Descriptor, kind options.Kind) error {
	if len(d.Insert) == 0 && kind != options.Update {
		return bulkerr.Configf("Columns", "no insertable columns remain for %s", d.Table)
	}
	return nil
}

// generated reports whether the identity is produced by the database during
// this call.
func generated(d *mapping.Descriptor) bool {
	return d.Identity != nil && !d.KeepIdentity && mapping.Has(d.Outputs, d.Identity)
}

// fetchJoined reads the outputs of target rows matching staged keys.
func (b *base) fetchJoined(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, out *OutputSet) error {
	stmt, err := b.readStatement(d)
	if err != nil {
		return err
	}
	return scanInto(ctx, exec, stmt, false, out)
}

// fetchRange reads the outputs of a run of generated identities.
func (b *base) fetchRange(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, where sq.Sqlizer, limit int64, out *OutputSet) error {
	id := b.quote(d.Identity.Column)
	builder := sq.Select(b.outputList(d, "")...).
		From(b.target(d)).
		Where(where).
		OrderBy(id).
		PlaceholderFormat(b.placeholder)
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	return scanInto(ctx, exec, Statement{SQL: query, Args: args, Returns: true}, false, out)
}

// fetchGenerated implements FetchGeneratedValues for engines reporting
// generated identities through LastInsertId. span turns the insert result
// into the predicate and row limit selecting the generated rows.
func (b *base) fetchGenerated(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, plan *Plan, results []ExecResult,
	span func(res ExecResult) (sq.Sqlizer, int64)) (*OutputSet, error) {
	if !d.NeedsOutputs() || d.Kind == options.Read {
		return nil, nil
	}
	out := &OutputSet{Columns: mapping.Names(d.Outputs)}

	if generated(d) && (d.KeyIsIdentity || len(d.Key) == 0) {
		for i, stmt := range plan.Statements {
			if !stmt.Generates || i >= len(results) || results[i].RowsAffected <= 0 {
				continue
			}
			where, limit := span(results[i])
			if err := b.fetchRange(ctx, exec, d, where, limit, out); err != nil {
				return nil, fmt.Errorf("failed to read generated values: %w", err)
			}
		}
		if d.Kind == options.Insert || len(d.Key) == 0 {
			return out, nil
		}
	}
	if err := b.fetchJoined(ctx, exec, d, out); err != nil {
		return nil, fmt.Errorf("failed to read merged values: %w", err)
	}
	return out, nil
}

// scanInto runs a returning statement and appends its rows to out.
func scanInto(ctx context.Context, exec dbexec.QueryExecutor, stmt Statement, action bool, out *OutputSet) error {
	rows, err := exec.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	_, err = ScanRows(rows, action, out)
	return err
}

// ScanRows appends every row of rows to out. With action set, the first
// column is the row's action. It returns the number of rows read.
func ScanRows(rows dbexec.Rows, action bool, out *OutputSet) (int, error) {
	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	width := len(columns)
	n := 0
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		row := OutputRow{Values: values}
		if action && width > 0 {
			row.Action = actionName(values[0])
			row.Values = values[1:]
		}
		if out != nil {
			out.Rows = append(out.Rows, row)
		}
		n++
	}
	return n, rows.Err()
}

func actionName(v any) string {
	switch a := v.(type) {
	case string:
		return strings.ToUpper(strings.TrimSpace(a))
	case []byte:
		return strings.ToUpper(strings.TrimSpace(string(a)))
	}
	return ""
}
