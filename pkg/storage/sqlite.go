package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store manages SQLite database operations
type Store struct {
	db         *sql.DB
	observers  []Observer
	observerMu sync.RWMutex
}

// ErrStoreClosed indicates the underlying database connection is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

// New creates a new store and initializes the database
func New(dbPath string) (*Store, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		// Ensure parent directory exists for on-disk databases. (Traces and
		// generated eval code can be sensitive; default to private permissions.)
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite
	// SQLite supports one writer at a time, but multiple readers with WAL mode
	db.SetMaxOpenConns(10)   // Allow multiple concurrent reads
	db.SetMaxIdleConns(5)    // Keep connections alive for reuse
	db.SetConnMaxLifetime(0) // Connections never expire

	// Enable WAL mode for better concurrent access
	// WAL allows multiple readers and one writer simultaneously
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds - wait instead of immediately returning SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("db path cannot be empty")
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddObserver registers a new observer that will receive storage events.
func (s *Store) AddObserver(observer Observer) {
	s.observerMu.Lock()
	s.observers = append(s.observers, observer)
	s.observerMu.Unlock()
}

// notify fans out events to observers without blocking the writer.
func (s *Store) notify(event Event) {
	s.observerMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observerMu.RUnlock()

	for _, observer := range observers {
		observer := observer
		go observer.HandleStorageEvent(event)
	}
}

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Apply   func(db *sql.DB) error
}

// migrations is the ordered list of all migrations
var migrations = []Migration{
	{1, "initial_schema", func(db *sql.DB) error { return nil }}, // Base schema from schemaSQL
	{2, "jobs_metadata_column", ensureJobsSchema},
	{3, "evals_result_columns", ensureEvalsSchema},
}

// runMigrations runs the schema migrations with version tracking
func runMigrations(db *sql.DB) error {
	// First apply the base schema (idempotent via CREATE TABLE IF NOT EXISTS)
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	// Get current schema version
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	// Apply any pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if err := recordMigration(db, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version (0 if no migrations applied)
func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table might not exist yet (first run before schemaSQL applied)
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// recordMigration records that a migration was applied
func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		version, name,
	)
	return err
}

// GetSchemaVersion returns the current schema version for external use
func (s *Store) GetSchemaVersion() (int, error) {
	return getSchemaVersion(s.db)
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("%s pragma: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan %s pragma: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func ensureJobsSchema(db *sql.DB) error {
	cols, err := tableColumns(db, "jobs")
	if err != nil {
		return err
	}

	if !cols["metadata"] {
		if _, err := db.Exec(`ALTER TABLE jobs ADD COLUMN metadata TEXT`); err != nil {
			return fmt.Errorf("add jobs.metadata: %w", err)
		}
	}
	return nil
}

func ensureEvalsSchema(db *sql.DB) error {
	cols, err := tableColumns(db, "evals")
	if err != nil {
		return err
	}

	if !cols["confusion_matrix"] {
		if _, err := db.Exec(`ALTER TABLE evals ADD COLUMN confusion_matrix TEXT`); err != nil {
			return fmt.Errorf("add evals.confusion_matrix: %w", err)
		}
	}
	if !cols["per_trace_results"] {
		if _, err := db.Exec(`ALTER TABLE evals ADD COLUMN per_trace_results TEXT`); err != nil {
			return fmt.Errorf("add evals.per_trace_results: %w", err)
		}
	}
	return nil
}
