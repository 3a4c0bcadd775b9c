package introspection

// PrimaryKeyColumns returns all primary key columns in table order.
func PrimaryKeyColumns(table Table) []Column {
	var cols []Column
	for _, col := range table.Columns {
		if col.IsPrimaryKey {
			cols = append(cols, col)
		}
	}
	return cols
}

// PrimaryKeyColumn returns the primary key column when the key has exactly one column.
func PrimaryKeyColumn(table Table) *Column {
	cols := PrimaryKeyColumns(table)
	if len(cols) != 1 {
		return nil
	}
	return &cols[0]
}
