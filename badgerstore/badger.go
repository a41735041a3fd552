// Package badgerstore is an embedded revy.Store backed by BadgerDB. Entities
// and audit rows are encoded with the handler's codec and indexed by
// prefixed keys; it supports an in-memory mode for tests and tools.
package badgerstore

import (
	"context"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/revy"
)

type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, useful for tests.
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
	// Codec encodes stored rows (default: revy.JSON).
	Codec revy.Codec
	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger logrus.FieldLogger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store implements revy.Store. Nested Atomic calls join the outer Badger
// transaction. Badger has no savepoints, so once an inner call fails the
// outer call discards the transaction and returns that failure, even when
// the caller recovered from it.
type Store struct {
	db    *badger.DB
	codec revy.Codec
	owned bool

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// Open opens a BadgerDB database as configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for a persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "badgerstore: create directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger.WithField("component", "badger"))
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore: open database")
	}
	s := New(db, cfg.Codec)
	s.owned = true
	return s, nil
}

// New wraps an open database. Close does not close it.
func New(db *badger.DB, codec revy.Codec) *Store {
	if codec == nil {
		codec = revy.JSON
	}
	return &Store{db: db, codec: codec, seqs: map[string]*badger.Sequence{}}
}

func (s *Store) DB() *badger.DB { return s.db }

// Close releases id sequences and closes the database when Open created it.
func (s *Store) Close() error {
	s.mu.Lock()
	var result *multierror.Error
	for name, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "badgerstore: release sequence %s", name))
		}
	}
	s.seqs = map[string]*badger.Sequence{}
	s.mu.Unlock()
	if s.owned {
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "badgerstore: close database"))
		}
	}
	return result.ErrorOrNil()
}

// nextID returns the next value of the named sequence, starting at 1.
func (s *Store) nextID(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq/"+name), 100)
		if err != nil {
			return 0, errors.Wrapf(err, "badgerstore: sequence %s", name)
		}
		s.seqs[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, errors.Wrapf(err, "badgerstore: sequence %s", name)
	}
	return int64(n) + 1, nil
}

// txKey is an unexported context key type.
type txKey struct{}

func (s *Store) txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t != nil && t.s == s {
		return t
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx revy.Tx) error) error {
	if t := s.txFrom(ctx); t != nil && t.update {
		if err := fn(ctx, t); err != nil {
			if t.failed == nil {
				t.failed = err
			}
			return err
		}
		return nil
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	t := &tx{s: s, txn: txn, update: true}
	ctx = context.WithValue(ctx, txKey{}, t)
	if err := fn(ctx, t); err != nil {
		return err
	}
	if t.failed != nil {
		return errors.Wrap(t.failed, "badgerstore: nested transaction failed, not committing")
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrap(err, "badgerstore: commit")
	}
	return nil
}

// Reader returns the transaction carried by ctx or a read-only one.
func (s *Store) Reader(ctx context.Context) (revy.Reader, func(), error) {
	if t := s.txFrom(ctx); t != nil {
		return t, func() {}, nil
	}
	txn := s.db.NewTransaction(false)
	return &tx{s: s, txn: txn}, txn.Discard, nil
}
