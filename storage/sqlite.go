package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections backing the aggregation store.
// Separate read and write pools leverage WAL mode's concurrent reads: the
// write pool is capped at a single connection (WAL single writer), the read
// pool allows concurrent readers. In-memory databases share one pool so
// both handles see the same data.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	logger  *zap.SugaredLogger
}

// configureConnection applies the standard pragmas to a pool: WAL mode for
// crash-safe concurrent access, foreign keys, and a busy timeout so writers
// back off instead of failing with SQLITE_BUSY immediately.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory", not "wal"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	return nil
}

// NewSQLite opens the database at dbPath, creating parent directories as
// needed. Use ":memory:" for an in-memory database (tests).
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	if err := configureConnection(writeDB, dbPath); err != nil {
		writeDB.Close()
		return nil, err
	}

	s := &SQLite{
		WriteDB: writeDB,
		Path:    dbPath,
		logger:  logger,
	}

	if dbPath == ":memory:" {
		// a second handle would be a different database entirely
		s.ReadDB = writeDB
		return s, nil
	}

	readDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	if err := configureConnection(readDB, dbPath); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, err
	}
	s.ReadDB = readDB

	logger.Infow("SQLite opened", "path", dbPath)
	return s, nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var firstErr error
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		if err := s.ReadDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
