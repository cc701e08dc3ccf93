// Package mysql implements a table-scan source. Rows are read in stable
// order as JSON objects; the checkpoint is the count of rows already
// terminal downstream, persisted to a state file so a restart resumes
// where the last commit left off.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/connector/registry"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// Offset is both the position of a row and the checkpoint meaning "this
// many rows are terminal".
type Offset int64

func (o Offset) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// Source pages through one table.
type Source struct {
	name      string
	db        *sql.DB
	table     string
	orderBy   string
	pageSize  int
	stateFile string
	builder   *core.BatchBuilder
	logger    *zap.Logger

	mu     sync.Mutex
	offset int64 // next row to read
	acked  int64 // highest persisted checkpoint
}

func init() {
	registry.RegisterSource("mysql", schema(), func(spec *config.Spec, opts *config.Options) (core.Source, error) {
		return NewSource(spec.Name, opts)
	})
}

func schema() config.Schema {
	one := float64(1)
	return config.Schema{
		"dsn":   {Kind: config.KindString, Required: true, Description: "MySQL DSN (user:pass@tcp(host:port)/db)"},
		"table": {Kind: config.KindString, Required: true, Description: "Table to read"},
		"order_by": {Kind: config.KindString, Required: true,
			Description: "Column giving a stable row order, typically the primary key"},
		"page_size": {Kind: config.KindInt, Default: int64(1000), Min: &one,
			Description: "Rows fetched per poll"},
		"state_dir": {Kind: config.KindString, Default: ".run/checkpoints",
			Description: "Directory holding the persisted offset"},
	}
}

// NewSource opens the database, discovers the table's columns and loads
// the persisted offset.
func NewSource(name string, opts *config.Options) (core.Source, error) {
	db, err := sql.Open("mysql", opts.String("dsn"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn")
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	stateFile := filepath.Join(opts.String("state_dir"), name+".offset")
	offset, err := loadOffset(stateFile)
	if err != nil {
		db.Close()
		return nil, err
	}

	builderCfg := core.DefaultBuilderConfig()
	builderCfg.MaxRecords = opts.Int("page_size")

	s := &Source{
		name:      name,
		db:        db,
		table:     opts.String("table"),
		orderBy:   opts.String("order_by"),
		pageSize:  opts.Int("page_size"),
		stateFile: stateFile,
		builder:   core.NewBatchBuilder(name, builderCfg),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", "mysql_source")),
		offset: offset,
		acked:  offset,
	}
	s.logger.Info("resuming table scan", zap.String("table", s.table), zap.Int64("offset", offset))
	return s, nil
}

// Poll reads the next page of rows. When the table has no rows past the
// offset it waits out maxWait and returns an empty poll.
func (s *Source) Poll(ctx context.Context, maxWait time.Duration) (*core.Batch, error) {
	s.mu.Lock()
	offset := s.offset
	s.mu.Unlock()

	query, err := s.pageQuery(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, offset, s.pageSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "table page query failed")
	}
	defer rows.Close()

	// The page is staged locally and enters the builder only after the
	// result set is fully read. A mid-page failure leaves the builder
	// empty and the offset unchanged, so the retried poll re-reads the
	// page without duplicating the rows already seen.
	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransient, "row scan failed")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "row iteration failed")
	}

	if len(docs) == 0 {
		select {
		case <-time.After(maxWait):
		case <-ctx.Done():
		}
		return nil, nil
	}

	for i, doc := range docs {
		s.builder.Append(&core.Record{
			Value:     doc,
			Timestamp: time.Now(),
			Partition: s.table,
			Position:  Offset(offset + int64(i)),
		})
	}

	count := int64(len(docs))
	s.mu.Lock()
	s.offset = offset + count
	s.mu.Unlock()

	return s.builder.Flush(Offset(offset + count)), nil
}

// pageQuery builds the JSON projection over the table's current columns.
func (s *Source) pageQuery(ctx context.Context) (string, error) {
	cols, err := s.columns(ctx)
	if err != nil {
		return "", err
	}
	return buildPageQuery(s.table, s.orderBy, cols), nil
}

func buildPageQuery(table, orderBy string, cols []string) string {
	pairs := make([]string, len(cols))
	for i, c := range cols {
		pairs[i] = fmt.Sprintf("'%s', `%s`", c, c)
	}
	return fmt.Sprintf("SELECT JSON_OBJECT(%s) FROM `%s` ORDER BY `%s` LIMIT ?, ?",
		strings.Join(pairs, ", "), table, orderBy)
}

func (s *Source) columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position",
		s.table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "column discovery failed")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransient, "column scan failed")
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "column iteration failed")
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.ErrorTypePermanent, "table %q has no columns or does not exist", s.table)
	}
	return cols, nil
}

// Ack persists the checkpoint offset. Re-acking an equal or older offset
// leaves the file untouched.
func (s *Source) Ack(ctx context.Context, cp core.Checkpoint) error {
	off, ok := cp.(Offset)
	if !ok {
		return errors.Newf(errors.ErrorTypeInternal, "unexpected checkpoint type %T", cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(off) <= s.acked {
		return nil
	}
	if err := storeOffset(s.stateFile, int64(off)); err != nil {
		return err
	}
	s.acked = int64(off)
	return nil
}

// Close closes the database pool.
func (s *Source) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to close database")
	}
	return nil
}

func loadOffset(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read offset file")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "corrupt offset file "+path)
	}
	return n, nil
}

// storeOffset writes the offset through a rename so a crash mid-write
// never leaves a torn state file.
func storeOffset(path string, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to create state dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to write offset file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to replace offset file")
	}
	return nil
}
