// Package mysql implements a table sink. Record values are JSON objects;
// each batch becomes one multi-row INSERT with inlined literals. When the
// batch statement fails, rows are replayed one by one so bad rows can be
// told apart from healthy ones and reported per record.
package mysql

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// Sink writes record values into a table.
type Sink struct {
	name    string
	db      *sql.DB
	table   string
	columns []string
	ignore  bool
	logger  *zap.Logger
}

func init() {
	registry.RegisterSink("mysql", schema(), func(spec *config.Spec, opts *config.Options) (core.Sink, error) {
		return NewSink(spec.Name, opts)
	})
}

func schema() config.Schema {
	return config.Schema{
		"dsn":     {Kind: config.KindString, Required: true, Description: "MySQL DSN (user:pass@tcp(host:port)/db)"},
		"table":   {Kind: config.KindString, Required: true, Description: "Target table"},
		"columns": {Kind: config.KindStrings, Required: true, Description: "Target columns, matched against record JSON keys"},
		"insert_ignore": {Kind: config.KindBool, Default: false,
			Description: "Use INSERT IGNORE so duplicate keys are skipped instead of failing"},
	}
}

// NewSink opens the database pool.
func NewSink(name string, opts *config.Options) (core.Sink, error) {
	db, err := sql.Open("mysql", opts.String("dsn"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &Sink{
		name:    name,
		db:      db,
		table:   opts.String("table"),
		columns: opts.Strings("columns"),
		ignore:  opts.Bool("insert_ignore"),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "mysql_sink")),
	}, nil
}

// Write inserts the batch in one statement, falling back to per-row
// inserts when the statement fails for a non-transient reason.
func (s *Sink) Write(ctx context.Context, batch *core.Batch) ([]core.WriteOutcome, error) {
	values := make([]string, batch.Len())
	outcomes := make([]core.WriteOutcome, batch.Len())
	healthy := make([]int, 0, batch.Len())

	for i, rec := range batch.Records {
		tuple, err := s.rowLiteral(rec.Value)
		if err != nil {
			// Unparseable payloads can never load; report them without
			// touching the database.
			outcomes[i] = core.PermanentFailure(err.Error())
			continue
		}
		values[i] = tuple
		healthy = append(healthy, i)
	}

	if len(healthy) == 0 {
		return outcomes, nil
	}

	tuples := make([]string, len(healthy))
	for j, i := range healthy {
		tuples[j] = values[i]
	}
	_, err := s.db.ExecContext(ctx, s.insertStmt(tuples))
	if err == nil {
		for _, i := range healthy {
			outcomes[i] = core.Delivered()
		}
		return outcomes, nil
	}

	if retryable(err) {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "batch insert failed")
	}

	// Some row in the batch is bad. Replay rows individually to isolate it.
	s.logger.Warn("batch insert rejected, replaying per row",
		zap.String("batch", batch.ID),
		zap.Error(err))
	for _, i := range healthy {
		_, rowErr := s.db.ExecContext(ctx, s.insertStmt(values[i:i+1]))
		switch {
		case rowErr == nil:
			outcomes[i] = core.Delivered()
		case retryable(rowErr):
			outcomes[i] = core.RetryFailure(rowErr.Error())
		default:
			outcomes[i] = core.PermanentFailure(rowErr.Error())
		}
	}
	return outcomes, nil
}

func (s *Sink) insertStmt(tuples []string) string {
	verb := "INSERT INTO"
	if s.ignore {
		verb = "INSERT IGNORE INTO"
	}
	cols := make([]string, len(s.columns))
	for i, c := range s.columns {
		cols[i] = "`" + c + "`"
	}
	return fmt.Sprintf("%s `%s` (%s) VALUES %s",
		verb, s.table, strings.Join(cols, ","), strings.Join(tuples, ","))
}

// rowLiteral renders one record value as a parenthesized tuple of SQL
// literals in column order. Missing keys become NULL.
func (s *Sink) rowLiteral(value []byte) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return "", fmt.Errorf("record value is not a JSON object: %w", err)
	}

	fields := make([]string, len(s.columns))
	for i, col := range s.columns {
		fields[i] = literal(doc[col])
	}
	return "(" + strings.Join(fields, ",") + ")", nil
}

func literal(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case string:
		return "'" + escape(t) + "'"
	default:
		// Nested objects and arrays load as their JSON text.
		raw, _ := json.Marshal(t)
		return "'" + escape(string(raw)) + "'"
	}
}

// escape doubles the characters MySQL treats specially inside a quoted
// literal. Values are inlined rather than bound, so this is load bearing.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// retryable reports whether an insert error is worth retrying. Lock
// contention, deadlocks and connection trouble clear up; schema and data
// errors do not.
func retryable(err error) bool {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return true
		}
		return false
	}
	if stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// Flush is a no-op; ExecContext returns only after the server applied the
// statement.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Close closes the database pool.
func (s *Sink) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close database")
	}
	return nil
}
