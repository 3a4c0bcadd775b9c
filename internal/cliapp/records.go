package cliapp

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/goccy/go-json"

	"bulkmerge/internal/model"
)

const maxLineSize = 16 << 20

// readJSONL decodes one JSON object per line into records keyed by the
// column names of t. Blank lines are skipped.
func readJSONL(r io.Reader, t *model.Type) ([]any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var records []any
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		record := make(map[string]any, len(obj))
		for key, value := range obj {
			f := t.Field(key)
			if f == nil {
				return nil, fmt.Errorf("line %d: table %s has no column %q", line, t.Table, key)
			}
			v, err := coerceJSON(f, value)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", line, f.Column, err)
			}
			record[f.Column] = v
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func coerceJSON(f *model.Field, value any) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if isInt(f) {
			return v.Int64()
		}
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	case map[string]any, []any:
		// Nested documents are stored as JSON text.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

func isInt(f *model.Field) bool {
	return f.GoType != nil && f.GoType.Kind() == reflect.Int64
}

// csvSource streams CSV rows. The header row names the columns; an empty
// cell is NULL.
type csvSource struct {
	reader  *csv.Reader
	columns []string
	fields  []*model.Field
	line    int
}

func newCSVSource(r io.Reader, t *model.Type) (*csvSource, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv input has no header row")
	}
	if err != nil {
		return nil, err
	}
	src := &csvSource{reader: reader, line: 1}
	for _, name := range header {
		f := t.Field(name)
		if f == nil {
			return nil, fmt.Errorf("table %s has no column %q", t.Table, name)
		}
		src.columns = append(src.columns, f.Column)
		src.fields = append(src.fields, f)
	}
	return src, nil
}

func (s *csvSource) Columns() []string {
	return s.columns
}

// Next returns io.EOF after the last row.
func (s *csvSource) Next() ([]any, error) {
	cells, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	s.line++
	row := make([]any, len(cells))
	for i, cell := range cells {
		if cell == "" {
			continue
		}
		if isInt(s.fields[i]) {
			n, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", s.line, s.columns[i], err)
			}
			row[i] = n
			continue
		}
		row[i] = cell
	}
	return row, nil
}

// records drains the source into map records.
func (s *csvSource) records() ([]any, error) {
	var records []any
	for {
		row, err := s.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(row))
		for i, v := range row {
			record[s.columns[i]] = v
		}
		records = append(records, record)
	}
}

// writeJSONL writes one JSON object per record.
func writeJSONL(w io.Writer, records []any) error {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return buf.Flush()
}
