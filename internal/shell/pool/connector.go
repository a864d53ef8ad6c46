package pool

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// SQLite Connector
// =============================================================================

// SQLiteConnector opens connections to per-resource SQLite databases under
// a base directory: resource "api-db" maps to <baseDir>/api-db.db. One
// sqlx.DB handle is kept per resource; each Open pins a dedicated
// connection from it so the pool's in-use accounting holds.
type SQLiteConnector struct {
	baseDir string

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
}

// NewSQLiteConnector creates a connector rooted at baseDir.
func NewSQLiteConnector(baseDir string) *SQLiteConnector {
	return &SQLiteConnector{
		baseDir: baseDir,
		dbs:     make(map[string]*sqlx.DB),
	}
}

// Open pins a dedicated connection to the resource's database.
func (c *SQLiteConnector) Open(ctx context.Context, resource string) (Conn, error) {
	db, err := c.database(resource)
	if err != nil {
		return nil, err
	}

	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection for %s: %w", resource, err)
	}
	return &SQLiteConn{resource: resource, conn: conn}, nil
}

// Close closes every cached database handle.
func (c *SQLiteConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for resource, db := range c.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database %s: %w", resource, err)
		}
		delete(c.dbs, resource)
	}
	return firstErr
}

func (c *SQLiteConnector) database(resource string) (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.dbs[resource]; ok {
		return db, nil
	}

	name := sanitizeResource(resource)
	if name == "" {
		return nil, fmt.Errorf("invalid resource name %q", resource)
	}

	dsn := filepath.Join(c.baseDir, name+".db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database for %s: %w", resource, err)
	}

	c.dbs[resource] = db
	return db, nil
}

// sanitizeResource keeps resource-derived file names flat and boring.
func sanitizeResource(resource string) string {
	var b strings.Builder
	for _, r := range resource {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r == '.':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// =============================================================================
// SQLite Connection
// =============================================================================

// SQLiteConn is one pinned SQLite connection. Pool operations that need the
// query surface assert to this type.
type SQLiteConn struct {
	resource string
	conn     *sqlx.Conn
}

// Exec runs a statement on the pinned connection.
func (c *SQLiteConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// Get scans a single row into dest.
func (c *SQLiteConn) Get(ctx context.Context, dest any, query string, args ...any) error {
	return c.conn.GetContext(ctx, dest, query, args...)
}

// Select scans all rows into dest.
func (c *SQLiteConn) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.conn.SelectContext(ctx, dest, query, args...)
}

// Resource returns the resource name this connection belongs to.
func (c *SQLiteConn) Resource() string {
	return c.resource
}

// Close returns the pinned connection to its database handle.
func (c *SQLiteConn) Close() error {
	return c.conn.Close()
}
