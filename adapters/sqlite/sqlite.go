// Package sqlite persists the event log, snapshots and projection
// checkpoints in SQLite through the pure Go modernc.org/sqlite driver.
//
// The handle is limited to one connection and transactions start
// IMMEDIATE, so appends are serialized by the database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

type Config struct {
	Path string       // Path of the database file, created if missing
	Log  *slog.Logger // Log for diagnostics (optional)
}

// DB is an open SQLite database. The stores it hands out share it.
type DB struct {
	sqlDB *sql.DB
	log   *slog.Logger
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	cleanPath := filepath.Clean(cfg.Path)
	dsn := "file:" + cleanPath +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log = log.With(slog.String("store", "sqlite"), slog.String("path", cleanPath))
	log.Debug("opened")
	return &DB{sqlDB: sqlDB, log: log}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT ||
		code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
