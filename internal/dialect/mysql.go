package dialect

import (
	"bufio"
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

const mysqlMaxParams = 65535

// MySQL also serves TiDB. Staging tables are always TEMPORARY so that no
// DDL statement commits the surrounding transaction.
type MySQL struct {
	base
	// LoadData stages through LOAD DATA LOCAL INFILE. The server must allow
	// local_infile.
	LoadData bool
}

// NewMySQL returns the MySQL adapter.
func NewMySQL() *MySQL {
	m := &MySQL{}
	m.base = base{
		name:        "mysql",
		quote:       sqlutil.QuoteIdentifier,
		placeholder: sq.Question,
		distinct: func(a, b string) string {
			return "NOT (" + a + " <=> " + b + ")"
		},
	}
	m.stagingRef = func(d *mapping.Descriptor, name string) string {
		return m.Table(d.Schema, name)
	}
	return m
}

func (m *MySQL) CreateStaging(d *mapping.Descriptor) []Statement {
	// Placeholder identities are negative, so unsigned identities are staged
	// as signed.
	columns := m.projection(d.Staged, func(f *model.Field, ref string) string {
		if f == d.Identity {
			return "CAST(" + ref + " AS SIGNED)"
		}
		return ""
	})
	return []Statement{{SQL: fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s LIMIT 0",
		m.staging(d), columns, m.nullableSource(d))}}
}

func (m *MySQL) DropStaging(d *mapping.Descriptor) []Statement {
	return []Statement{{SQL: "DROP TEMPORARY TABLE IF EXISTS " + m.staging(d)}}
}

func (m *MySQL) StageRows(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error) {
	if m.LoadData {
		return m.loadData(ctx, exec, req)
	}
	size := batchRows(req.BatchSize, len(req.Columns), mysqlMaxParams, 0)
	return insertBatches(ctx, exec, m.staging(req.Descriptor), m.qualified("", req.Columns), m.placeholder, size, req)
}

// loadData streams rows as tab separated text through a registered reader
// handler.
func (m *MySQL) loadData(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error) {
	handler := "bulkmerge_" + req.Descriptor.StagingTable
	pr, pw := io.Pipe()
	mysql.RegisterReaderHandler(handler, func() io.Reader { return pr })
	defer mysql.DeregisterReaderHandler(handler)

	loaded := make(chan int, 1)
	go func() {
		n, err := writeTSV(pw, req.Rows, len(req.Columns))
		loaded <- n
		pw.CloseWithError(err)
	}()

	query := fmt.Sprintf("LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s CHARACTER SET utf8mb4 (%s)",
		handler, m.staging(req.Descriptor), sqlutil.QuoteList(m.quote, req.Columns))
	_, err := exec.ExecContext(ctx, query)
	// Unblock the writer if the driver stopped reading early.
	pr.Close()
	n := <-loaded
	if err != nil {
		return n, err
	}
	req.done()
	return n, nil
}

func writeTSV(w io.Writer, rows RowReader, width int) (int, error) {
	buf := bufio.NewWriter(w)
	n := 0
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		if len(row) != width {
			return n, fmt.Errorf("staging row %d has %d values, want %d", n, len(row), width)
		}
		for i, v := range row {
			if i > 0 {
				buf.WriteByte('\t')
			}
			if err := writeTSVValue(buf, v); err != nil {
				return n, err
			}
		}
		buf.WriteByte('\n')
		n++
	}
	return n, buf.Flush()
}

func writeTSVValue(buf *bufio.Writer, v any) error {
	if valuer, ok := v.(driver.Valuer); ok {
		value, err := valuer.Value()
		if err != nil {
			return err
		}
		v = value
	}
	switch x := v.(type) {
	case nil:
		buf.WriteString(`\N`)
	case string:
		escapeTSV(buf, []byte(x))
	case []byte:
		escapeTSV(buf, x)
	case bool:
		if x {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	case time.Time:
		buf.WriteString(x.Format("2006-01-02 15:04:05.999999"))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	default:
		escapeTSV(buf, []byte(fmt.Sprint(x)))
	}
	return nil
}

func escapeTSV(buf *bufio.Writer, data []byte) {
	for _, c := range data {
		switch c {
		case '\\':
			buf.WriteString(`\\`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case 0:
			buf.WriteString(`\0`)
		default:
			buf.WriteByte(c)
		}
	}
}

func (m *MySQL) SupportsSetBasedOutput() bool {
	return false
}

func (m *MySQL) AbortsTransactionOnError() bool {
	return false
}

// FetchGeneratedValues reads inserted rows from the first generated id on,
// since LastInsertId reports the first id of a multi-row INSERT.
func (m *MySQL) FetchGeneratedValues(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, plan *Plan, results []ExecResult) (*OutputSet, error) {
	return m.fetchGenerated(ctx, exec, d, plan, results, func(res ExecResult) (sq.Sqlizer, int64) {
		return sq.GtOrEq{m.quote(d.Identity.Column): res.LastInsertID}, res.RowsAffected
	})
}

func (m *MySQL) update(d *mapping.Descriptor, opts *options.Options, compare bool) string {
	conditions := []string{}
	if compare {
		if c := m.changed(d.Compare); c != "" {
			conditions = append(conditions, c)
		}
	}
	if s := m.sameToken(d, opts); s != "" {
		conditions = append(conditions, s)
	}
	sql := fmt.Sprintf("UPDATE %s AS %s JOIN %s AS %s ON %s SET %s",
		m.target(d), targetAlias, m.staging(d), sourceAlias, m.on(targetAlias, sourceAlias, d.KeyNames()),
		strings.Join(m.setList(d, true), ", "))
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	return sql
}

func (m *MySQL) BuildMergeStatement(d *mapping.Descriptor, kind options.Kind, opts *options.Options) (*Plan, error) {
	plan := &Plan{Output: mapping.Names(d.Outputs)}
	insert := func(form insertForm) {
		plan.Statements = append(plan.Statements, Statement{
			SQL:       m.insertSelect(d, form),
			Stat:      StatInserted,
			Generates: generated(d),
		})
	}

	switch kind {
	case options.Read:
		stmt, err := m.readStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	case options.Delete:
		stmt, err := m.deleteStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	case options.Insert:
		if err := m.requireWritable(d, kind); err != nil {
			return nil, err
		}
		switch opts.ConflictPolicy {
		case options.ConflictIgnore:
			insert(insertForm{verb: "INSERT IGNORE INTO"})
		case options.ConflictReplace:
			if hasUpdates(d) {
				plan.Statements = append(plan.Statements, Statement{SQL: m.update(d, opts, false), Stat: StatUpdated})
			}
			insert(insertForm{missingOnly: true})
		default:
			insert(insertForm{})
		}
	case options.Update, options.Upsert, options.Sync:
		// Removal runs first so it only sees rows that existed before the call.
		if kind == options.Sync {
			stmt, err := m.removalStatement(d, opts)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmt)
		}
		if hasUpdates(d) {
			plan.Statements = append(plan.Statements, Statement{SQL: m.update(d, opts, true), Stat: StatUpdated})
		}
		if kind != options.Update {
			if err := m.requireWritable(d, kind); err != nil {
				return nil, err
			}
			insert(insertForm{missingOnly: true})
		}
	default:
		return nil, m.unsupported(kind, "")
	}
	return plan, nil
}

var mysqlQuoted = regexp.MustCompile(`'([^']+)'`)

func (m *MySQL) ClassifyError(err error) (ErrorClass, string) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return ErrorOther, ""
	}
	var class ErrorClass
	switch myErr.Number {
	case 1054:
		class = ErrorUnknownColumn
	case 1146:
		class = ErrorMissingTable
	default:
		return ErrorOther, ""
	}
	if match := mysqlQuoted.FindStringSubmatch(myErr.Message); match != nil {
		return class, match[1]
	}
	return class, ""
}
