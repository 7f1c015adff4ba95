// Package sqlite persists page cache generations in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`

// Store implements pagecache.Backend on top of SQLite. Every generation is a
// namespace of the cache_entries table.
type Store struct {
	db *sql.DB
}

var _ pagecache.Backend = (*Store)(nil)

// Open opens (or creates) the database at path, verifies the connection and
// prepares the schema. The caller should call Close when done.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Generation returns the namespace. Namespaces need no setup.
func (s *Store) Generation(_ context.Context, namespace string) (pagecache.Generation, error) {
	return &generation{db: s.db, namespace: namespace}, nil
}

type generation struct {
	db        *sql.DB
	namespace string
}

func (g *generation) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE namespace = ? AND key = ?`,
		g.namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select entry (namespace=%s, key=%s): %w", g.namespace, key, err)
	}
	return value, true, nil
}

func (g *generation) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := g.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE namespace = ? AND key = ?`,
		g.namespace, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check entry (namespace=%s, key=%s): %w", g.namespace, key, err)
	}
	return true, nil
}

func (g *generation) Put(ctx context.Context, key string, value []byte) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		g.namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert entry (namespace=%s, key=%s): %w", g.namespace, key, err)
	}
	return nil
}

func (g *generation) Delete(ctx context.Context, key string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`,
		g.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete entry (namespace=%s, key=%s): %w", g.namespace, key, err)
	}
	return nil
}

func (g *generation) Clear(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, g.namespace)
	if err != nil {
		return fmt.Errorf("clear namespace %s: %w", g.namespace, err)
	}
	return nil
}

func (g *generation) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE namespace = ? ORDER BY key`,
		g.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query keys (namespace=%s): %w", g.namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (g *generation) Len(ctx context.Context) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`,
		g.namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries (namespace=%s): %w", g.namespace, err)
	}
	return n, nil
}
