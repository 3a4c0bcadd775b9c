package cliapp

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/model"
)

func itemsType() *model.Type {
	return model.NewDynamicType("", "items", []model.ColumnSpec{
		{Name: "id", Key: true, Identity: true, GoType: reflect.TypeOf(int64(0))},
		{Name: "name"},
		{Name: "qty", GoType: reflect.TypeOf(int64(0))},
		{Name: "price"},
	})
}

func TestReadJSONL(t *testing.T) {
	input := `{"id": 1, "name": "bolt", "qty": 10, "price": 1.25}

{"Name": "nut", "qty": 3, "price": 2}
{"name": "washer", "price": {"eur": 1}}
`
	records, err := readJSONL(strings.NewReader(input), itemsType())
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0].(map[string]any)
	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, int64(10), first["qty"])
	assert.Equal(t, 1.25, first["price"])

	second := records[1].(map[string]any)
	assert.Equal(t, "nut", second["name"], "keys are matched case-insensitively")
	assert.Equal(t, int64(2), second["price"])
	assert.NotContains(t, second, "id")

	third := records[2].(map[string]any)
	assert.Equal(t, `{"eur":1}`, third["price"])
}

func TestReadJSONLErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "unknown column", input: `{"colour": "red"}`, want: `line 1: table items has no column "colour"`},
		{name: "fractional integer", input: "{}\n{\"qty\": 1.5}", want: "line 2: column qty"},
		{name: "malformed", input: `{"name": `, want: "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readJSONL(strings.NewReader(tt.input), itemsType())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCSVSource(t *testing.T) {
	src, err := newCSVSource(strings.NewReader("NAME,qty,price\nbolt,10,1.25\nnut,,\n"), itemsType())
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "qty", "price"}, src.Columns())

	row, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, []any{"bolt", int64(10), "1.25"}, row)

	row, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, []any{"nut", nil, nil}, row)

	_, err = src.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCSVSourceErrors(t *testing.T) {
	_, err := newCSVSource(strings.NewReader(""), itemsType())
	assert.ErrorContains(t, err, "no header row")

	_, err = newCSVSource(strings.NewReader("name,colour\n"), itemsType())
	assert.ErrorContains(t, err, `no column "colour"`)

	src, err := newCSVSource(strings.NewReader("qty\nmany\n"), itemsType())
	require.NoError(t, err)
	_, err = src.Next()
	assert.ErrorContains(t, err, "line 2: column qty")
}

func TestCSVRecords(t *testing.T) {
	src, err := newCSVSource(strings.NewReader("id,name\n1,bolt\n2,nut\n"), itemsType())
	require.NoError(t, err)
	records, err := src.records()
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"id": int64(1), "name": "bolt"},
		map[string]any{"id": int64(2), "name": "nut"},
	}, records)
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSONL(&buf, []any{
		map[string]any{"id": int64(1), "name": "bolt"},
		map[string]any{"id": int64(2), "name": nil},
	}))
	assert.Equal(t, "{\"id\":1,\"name\":\"bolt\"}\n{\"id\":2,\"name\":null}\n", buf.String())
}
