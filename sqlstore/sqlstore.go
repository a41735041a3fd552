// Package sqlstore is a revy.Store over database/sql for PostgreSQL (pgx) and
// MySQL (go-sql-driver/mysql). Entities live in their own tables, named by
// their revy type names; audit rows go to the tables named by Tables.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mickamy/revy"
)

// Querier is the subset of *sql.DB and *sql.Tx the store uses.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tables names the audit tables.
type Tables struct {
	Revisions       string `yaml:"revisions"`
	ObjectDeltas    string `yaml:"object_deltas"`
	AttributeDeltas string `yaml:"attribute_deltas"`
}

func DefaultTables() Tables {
	return Tables{
		Revisions:       "revy__revisions",
		ObjectDeltas:    "revy__object_deltas",
		AttributeDeltas: "revy__attribute_deltas",
	}
}

func (t Tables) withDefaults() Tables {
	d := DefaultTables()
	if t.Revisions == "" {
		t.Revisions = d.Revisions
	}
	if t.ObjectDeltas == "" {
		t.ObjectDeltas = d.ObjectDeltas
	}
	if t.AttributeDeltas == "" {
		t.AttributeDeltas = d.AttributeDeltas
	}
	return t
}

type Options struct {
	Dialect Dialect
	Tables  Tables
	// Codec encodes attribute values (default: revy.JSON). With JSON the
	// value columns are JSON typed and Snapshots runs in SQL.
	Codec revy.Codec
}

// Store implements revy.Store. Nested Atomic calls run inside savepoints.
type Store struct {
	db      *sql.DB
	dialect Dialect
	tables  Tables
	codec   revy.Codec
}

func New(db *sql.DB, opts Options) *Store {
	if opts.Codec == nil {
		opts.Codec = revy.JSON
	}
	return &Store{db: db, dialect: opts.Dialect, tables: opts.Tables.withDefaults(), codec: opts.Codec}
}

// Open connects with the driver registered for opts.Dialect. The caller
// imports the driver package. MySQL DSNs need parseTime=true.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(opts.Dialect.Driver(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: open %s", opts.Dialect)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "sqlstore: ping %s", opts.Dialect)
	}
	return New(db, opts), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Tables() Tables { return s.tables }

func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// txKey is an unexported context key type.
type txKey struct{}

func (s *Store) txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t != nil && t.s == s && t.sqlTx != nil {
		return t
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx revy.Tx) error) error {
	if t := s.txFrom(ctx); t != nil {
		return t.savepoint(ctx, fn)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin")
	}
	t := &tx{s: s, q: sqlTx, sqlTx: sqlTx}
	ctx = context.WithValue(ctx, txKey{}, t)

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return multierror.Append(err, errors.Wrap(rbErr, "sqlstore: rollback"))
		}
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "sqlstore: commit")
}

// Reader returns the transaction carried by ctx or the pool itself.
func (s *Store) Reader(ctx context.Context) (revy.Reader, func(), error) {
	if t := s.txFrom(ctx); t != nil {
		return t, func() {}, nil
	}
	return &tx{s: s, q: s.db}, func() {}, nil
}

func (t *tx) savepoint(ctx context.Context, fn func(ctx context.Context, tx revy.Tx) error) error {
	t.depth++
	defer func() { t.depth-- }()
	name := fmt.Sprintf("revy_sp_%d", t.depth)

	if _, err := t.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "sqlstore: savepoint")
	}
	if err := fn(ctx, t); err != nil {
		if _, rbErr := t.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return multierror.Append(err, errors.Wrap(rbErr, "sqlstore: rollback to savepoint"))
		}
		return err
	}
	_, err := t.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return errors.Wrap(err, "sqlstore: release savepoint")
}
