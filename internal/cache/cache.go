// Package cache is the durable local store mapping
// (account, mailbox, uid) to envelopes and sync cursors. It is mutated
// exclusively by the synchronization coordinator; jobs only read it.
//
// Full-text search needs go-sqlite3 compiled with the sqlite_fts5 build
// tag. Without it the cache still opens and syncs normally; only Search
// degrades, reporting ErrSearchUnavailable.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DB wraps a sql.DB connection to the SQLite cache.
type DB struct {
	db     *sql.DB
	path   string
	fts    bool
	logger *logrus.Logger
}

// New opens the cache at the given DSN and runs migrations. Use
// ":memory:" for an in-memory cache. A corrupt on-disk cache is
// discarded and recreated empty: the cache is derived state and is
// rebuilt from the backends on the next sync. Failures that are not
// corruption leave the file alone.
func New(dsn string, logger *logrus.Logger) (*DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, fts, err := open(dsn)
	if err != nil {
		if dsn == ":memory:" || !isCorrupt(err) {
			return nil, err
		}
		logger.WithError(err).WithField("path", dsn).
			Warn("cache corrupt, rebuilding from scratch")
		if rmErr := os.Remove(dsn); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove corrupt cache: %w", rmErr)
		}
		db, fts, err = open(dsn)
		if err != nil {
			return nil, err
		}
	}
	if !fts {
		logger.Warn("sqlite built without fts5, local full-text search disabled")
	}

	return &DB{db: db, path: dsn, fts: fts, logger: logger}, nil
}

func open(dsn string) (*sql.DB, bool, error) {
	connStr := dsn
	if dsn != ":memory:" {
		connStr = dsn + "?_journal_mode=WAL&_foreign_keys=on"
	} else {
		connStr = ":memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open cache: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to ping cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to apply schema: %w", err)
	}
	fts := true
	if _, err := db.Exec(ftsSchema); err != nil {
		if !strings.Contains(err.Error(), "no such module: fts5") {
			db.Close()
			return nil, false, fmt.Errorf("failed to apply FTS schema: %w", err)
		}
		fts = false
	}
	return db, fts, nil
}

// isCorrupt reports whether err indicates a damaged database file, as
// opposed to a locked file, bad permissions or a missing module.
func isCorrupt(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "not a database")
}

// Close closes the underlying database connection.
func (c *DB) Close() error {
	return c.db.Close()
}
