// Package storage persists the durable records the session manager consults:
// which runtime an entity launches, team-member activation status, and a
// bounded history of sessions.
package storage

import (
	"database/sql"
	"sync"

	"go.uber.org/zap"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	_ "modernc.org/sqlite"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// SQLiteStore implements RuntimeStore, MemberStore and HistoryStore using
// SQLite. It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db     *sql.DB      // Database connection handle.
	mu     sync.RWMutex // Guards all database operations for thread safety.
	logger *zap.Logger
}

var (
	_ RuntimeStore = (*SQLiteStore)(nil)
	_ MemberStore  = (*SQLiteStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "storage"))
	logger.Debug("opening database", zap.String("path", path))

	// busy_timeout covers the CLI (doctor) reading while serve is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	logger.Info("database ready", zap.Int("schema_version", currentSchemaVersion))
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Debug("closing database")
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "read schema version", err)
	}
	return version, nil
}
