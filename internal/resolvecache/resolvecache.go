// Package resolvecache provides a WAL-mode SQLite-backed cache mapping a
// module's build-ID (or, failing that, its name) to the debug-file path
// that was previously resolved for it, so that repeated discovery runs
// against the same host skip re-walking the depmod trie and re-probing
// the candidate path templates.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The connection
// pool is limited to a single connection, so lookups and upserts issued
// through one Cache run one at a time.
package resolvecache

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// Cache is a WAL-mode SQLite-backed build-ID/module-name to debug-file
// path resolution cache. It is safe for concurrent use.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an
// in-memory database is used; this is suitable for tests but loses all
// entries when closed.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resolvecache: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; limiting the pool to a
	// single connection avoids "database is locked" errors when
	// concurrent lookups race a concurrent upsert.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolvecache: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS
	// crashes. A stale cache entry only costs a redundant filesystem
	// probe on the next run, so the weaker durability is an acceptable
	// trade for lower write latency.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolvecache: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolvecache: apply schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS resolved_paths (
    key          TEXT    PRIMARY KEY,
    module_name  TEXT    NOT NULL,
    debug_path   TEXT    NOT NULL,
    resolved_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// keyForBuildID derives the cache key for a build-ID lookup. Build-IDs
// are preferred over module names because they survive a module being
// rebuilt at the same path with different content.
func keyForBuildID(buildID []byte) string {
	return fmt.Sprintf("buildid:%x", buildID)
}

func keyForName(moduleName string) string {
	return "name:" + moduleName
}

// LookupByBuildID returns the previously resolved debug-file path for
// buildID, if any. ok is false when the cache holds no entry.
func (c *Cache) LookupByBuildID(ctx context.Context, buildID []byte) (path string, ok bool, err error) {
	return c.lookup(ctx, keyForBuildID(buildID))
}

// LookupByName returns the previously resolved debug-file path for a
// module that the target did not report a build-ID for. ok is false
// when the cache holds no entry.
func (c *Cache) LookupByName(ctx context.Context, moduleName string) (path string, ok bool, err error) {
	return c.lookup(ctx, keyForName(moduleName))
}

func (c *Cache) lookup(ctx context.Context, key string) (string, bool, error) {
	var path string
	err := c.db.QueryRowContext(ctx, `SELECT debug_path FROM resolved_paths WHERE key = ?`, key).Scan(&path)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("resolvecache: lookup %q: %w", key, err)
	default:
		return path, true, nil
	}
}

// StoreByBuildID records that buildID resolved to debugPath for
// moduleName, replacing any existing entry.
func (c *Cache) StoreByBuildID(ctx context.Context, buildID []byte, moduleName, debugPath string) error {
	return c.store(ctx, keyForBuildID(buildID), moduleName, debugPath)
}

// StoreByName records that moduleName resolved to debugPath, replacing
// any existing entry.
func (c *Cache) StoreByName(ctx context.Context, moduleName, debugPath string) error {
	return c.store(ctx, keyForName(moduleName), moduleName, debugPath)
}

func (c *Cache) store(ctx context.Context, key, moduleName, debugPath string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO resolved_paths (key, module_name, debug_path) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     module_name = excluded.module_name,
		     debug_path  = excluded.debug_path,
		     resolved_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		key, moduleName, debugPath,
	)
	if err != nil {
		return fmt.Errorf("resolvecache: store %q: %w", key, err)
	}
	return nil
}

// Forget removes moduleName's cached build-ID and name entries, used
// when a previously cached path no longer opens (e.g. after a system
// upgrade replaced the debug package).
func (c *Cache) Forget(ctx context.Context, buildID []byte, moduleName string) error {
	keys := []string{keyForName(moduleName)}
	if len(buildID) > 0 {
		keys = append(keys, keyForBuildID(buildID))
	}
	for _, key := range keys {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM resolved_paths WHERE key = ?`, key); err != nil {
			return fmt.Errorf("resolvecache: forget %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the underlying database connection. Subsequent calls to
// any method are undefined; callers must not use the cache after Close
// returns.
func (c *Cache) Close() error {
	return c.db.Close()
}
