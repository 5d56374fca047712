package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// RuntimeFor returns the runtime stored for entity, or "" if none.
func (s *SQLiteStore) RuntimeFor(entity string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runtime string
	err := s.db.QueryRow(`SELECT runtime FROM runtime_settings WHERE entity = ?`, entity).Scan(&runtime)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageQueryFailed, "read runtime", err)
	}
	return runtime, nil
}

// SetRuntime stores the runtime for entity. An empty runtime deletes the
// entry so the default applies again.
func (s *SQLiteStore) SetRuntime(entity, runtime string) error {
	if strings.TrimSpace(entity) == "" {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "entity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if runtime == "" {
		if _, err := s.db.Exec(`DELETE FROM runtime_settings WHERE entity = ?`, entity); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "clear runtime", err)
		}
		return nil
	}

	const query = `
		INSERT INTO runtime_settings (entity, runtime, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET runtime = excluded.runtime, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, entity, runtime, time.Now().Format(time.RFC3339Nano)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save runtime", err)
	}
	s.logger.Debug("runtime saved", zap.String("entity", entity), zap.String("runtime", runtime))
	return nil
}
