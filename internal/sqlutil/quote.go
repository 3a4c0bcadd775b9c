// Package sqlutil provides SQL utility functions shared by the dialect adapters.
package sqlutil

import "strings"

// Quoter quotes a single identifier for one SQL dialect.
type Quoter func(name string) string

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuoteANSIIdentifier quotes an identifier with double quotes, as used by
// PostgreSQL and SQLite.
func QuoteANSIIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// QuoteBracketIdentifier quotes an identifier with square brackets (SQL Server).
func QuoteBracketIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "]", "]]")
	return "[" + escaped + "]"
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// QuoteList quotes every name and joins them with ", ".
func QuoteList(quote Quoter, names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quote(name)
	}
	return strings.Join(quoted, ", ")
}

// QualifyList prefixes each quoted name with alias.
func QualifyList(quote Quoter, alias string, names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = alias + "." + quote(name)
	}
	return strings.Join(quoted, ", ")
}

// QualifiedName joins an optional schema and a table name, quoting both.
func QualifiedName(quote Quoter, schema, table string) string {
	if schema == "" {
		return quote(table)
	}
	return quote(schema) + "." + quote(table)
}
