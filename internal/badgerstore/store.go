// Package badgerstore persists page cache generations in BadgerDB.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/dgraph-io/badger/v4"
)

// Config configures the database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool
}

// Store implements pagecache.Backend. Generations are key prefixes.
type Store struct {
	db *badger.DB
}

var _ pagecache.Backend = (*Store)(nil)

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Generation returns the namespace.
func (s *Store) Generation(_ context.Context, namespace string) (pagecache.Generation, error) {
	prefix := append([]byte(namespace), 0)
	return &generation{db: s.db, prefix: prefix}, nil
}

type generation struct {
	db     *badger.DB
	prefix []byte
}

func (g *generation) key(k string) []byte {
	out := make([]byte, 0, len(g.prefix)+len(k))
	out = append(out, g.prefix...)
	return append(out, k...)
}

func (g *generation) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(g.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (g *generation) Has(_ context.Context, key string) (bool, error) {
	err := g.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(g.key(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return true, nil
}

func (g *generation) Put(_ context.Context, key string, value []byte) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(g.key(key), value))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (g *generation) Delete(_ context.Context, key string) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(g.key(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (g *generation) Clear(_ context.Context) error {
	var keys [][]byte
	if err := g.iterate(func(k []byte) { keys = append(keys, k) }); err != nil {
		return fmt.Errorf("list keys to clear: %w", err)
	}

	wb := g.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush deletes: %w", err)
	}
	return nil
}

func (g *generation) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := g.iterate(func(k []byte) {
		keys = append(keys, string(bytes.TrimPrefix(k, g.prefix)))
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (g *generation) Len(_ context.Context) (int, error) {
	n := 0
	if err := g.iterate(func([]byte) { n++ }); err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

func (g *generation) iterate(fn func(key []byte)) error {
	return g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = g.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(g.prefix); it.ValidForPrefix(g.prefix); it.Next() {
			fn(it.Item().KeyCopy(nil))
		}
		return nil
	})
}
