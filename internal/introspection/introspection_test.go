package introspection

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/dbexec"
)

func TestIntrospectTable(t *testing.T) {
	tests := []struct {
		name        string
		dialect     string
		setupMock   func(sqlmock.Sqlmock)
		expectError bool
		check       func(*testing.T, *Table)
	}{
		{
			name:    "mysql columns with auto increment key",
			dialect: "mysql",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA", "COLUMN_KEY"}).
					AddRow("id", "bigint", "NO", nil, "auto_increment", "PRI").
					AddRow("status", "varchar", "NO", "new", "", "").
					AddRow("total", "int", "YES", nil, "STORED GENERATED", "")
				mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS c").
					WithArgs("", "orders").
					WillReturnRows(rows)
			},
			check: func(t *testing.T, table *Table) {
				require.Len(t, table.Columns, 3)
				assert.True(t, table.Columns[0].IsPrimaryKey)
				assert.True(t, table.Columns[0].IsAutoIncrement)
				assert.True(t, table.Columns[1].HasDefault)
				assert.Equal(t, "new", table.Columns[1].ColumnDefault)
				assert.True(t, table.Columns[2].IsGenerated)
				assert.Equal(t, "id", PrimaryKeyColumn(*table).Name)
			},
		},
		{
			name:    "postgres identity and serial",
			dialect: "postgres",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default", "is_identity", "is_generated", "is_pk"}).
					AddRow("id", "integer", "NO", "nextval('orders_id_seq'::regclass)", "NO", "NEVER", true).
					AddRow("note", "text", "YES", nil, "NO", "NEVER", false)
				mock.ExpectQuery("FROM information_schema.columns c").
					WithArgs("public", "orders").
					WillReturnRows(rows)
			},
			check: func(t *testing.T, table *Table) {
				assert.True(t, table.Columns[0].IsAutoIncrement)
				assert.True(t, table.Columns[0].IsPrimaryKey)
				assert.False(t, table.Columns[1].IsAutoIncrement)
			},
		},
		{
			name:    "sqlite rowid alias",
			dialect: "sqlite",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"cid", "name", "type", "notnull", "dflt_value", "pk", "hidden"}).
					AddRow(0, "id", "INTEGER", 0, nil, 1, 0).
					AddRow(1, "name", "TEXT", 1, nil, 0, 0).
					AddRow(2, "upper_name", "TEXT", 0, nil, 0, 3)
				mock.ExpectQuery(`PRAGMA table_xinfo\("orders"\)`).WillReturnRows(rows)
			},
			check: func(t *testing.T, table *Table) {
				assert.True(t, table.Columns[0].IsAutoIncrement)
				assert.False(t, table.Columns[1].IsNullable)
				assert.True(t, table.Columns[2].IsGenerated)
			},
		},
		{
			name:    "sqlserver rowversion",
			dialect: "sqlserver",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "is_identity", "is_computed", "is_pk"}).
					AddRow("Id", "int", "NO", nil, 1, 0, 1).
					AddRow("RowVer", "timestamp", "NO", nil, 0, 0, 0)
				mock.ExpectQuery("COLUMNPROPERTY").WillReturnRows(rows)
			},
			check: func(t *testing.T, table *Table) {
				assert.True(t, table.Columns[0].IsAutoIncrement)
				assert.True(t, table.Columns[1].IsRowVersion)
			},
		},
		{
			name:    "missing table",
			dialect: "mysql",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS c").
					WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA", "COLUMN_KEY"}))
			},
			expectError: true,
		},
		{
			name:    "query failure",
			dialect: "mysql",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS c").WillReturnError(sql.ErrConnDone)
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.setupMock(mock)

			schema := ""
			if tt.dialect == "postgres" {
				schema = "public"
			}
			table, err := IntrospectTable(context.Background(), dbexec.NewStandardExecutor(db), tt.dialect, schema, "orders")
			if tt.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				tt.check(t, table)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDynamicTypeFromTable(t *testing.T) {
	table := &Table{Name: "orders", Columns: []Column{
		{Name: "id", DataType: "bigint", IsPrimaryKey: true, IsAutoIncrement: true},
		{Name: "status", DataType: "varchar", HasDefault: true},
		{Name: "total", DataType: "int", IsGenerated: true},
	}}
	dt := table.DynamicType()
	assert.True(t, dt.Dynamic())
	require.NotNil(t, dt.Identity())
	assert.Equal(t, "id", dt.Identity().Column)
	assert.True(t, dt.Field("status").Default)
	assert.True(t, dt.Field("total").Computed)
	assert.Equal(t, int64Type, dt.Field("id").GoType)
}

func TestUnsupportedDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = IntrospectTable(context.Background(), dbexec.NewStandardExecutor(db), "oracle", "", "t")
	require.Error(t, err)
}
