package storage

// history.go contains SQLiteStore methods for session history.
// Each created session gets a row; the row is closed when the session is
// killed or exits.

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// maxHistory is the maximum number of history rows to retain.
// Older rows are deleted when this limit is exceeded.
const maxHistory = 500

// defaultHistoryLimit is used by ListSessionHistory when limit <= 0.
const defaultHistoryLimit = 50

// RecordSessionStarted inserts a running history row.
// Enforces retention: keeps only the most recent maxHistory rows.
func (s *SQLiteStore) RecordSessionStarted(rec SessionRecord) error {
	if rec.Name == "" {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "session name is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = HistoryRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO session_history (name, backend, cwd, pid, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, rec.Name, rec.Backend, rec.Cwd, rec.PID, string(rec.Status),
		rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record session start", err)
	}

	const cleanupQuery = `
		DELETE FROM session_history WHERE id IN (
			SELECT id FROM session_history ORDER BY id DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxHistory); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "enforce history retention", err)
	}

	s.logger.Debug("session start recorded", zap.String("session", rec.Name))
	return nil
}

// RecordSessionEnded closes the newest running row for name. It returns
// storage.not_found when there is no running row.
func (s *SQLiteStore) RecordSessionEnded(name string, status HistoryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE session_history SET status = ?, ended_at = ?
		WHERE id = (
			SELECT id FROM session_history
			WHERE name = ? AND status = ?
			ORDER BY id DESC LIMIT 1
		)
	`
	res, err := s.db.Exec(query, string(status), time.Now().Format(time.RFC3339Nano), name, string(HistoryRunning))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record session end", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record session end", err)
	}
	if n == 0 {
		return apperrors.NotFound(fmt.Sprintf("running session '%s'", name))
	}
	return nil
}

// ListSessionHistory returns history rows newest first.
func (s *SQLiteStore) ListSessionHistory(limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	const query = `
		SELECT id, name, backend, cwd, pid, status, created_at, ended_at
		FROM session_history
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list session history", err)
	}
	defer rows.Close()

	records := make([]*SessionRecord, 0)
	for rows.Next() {
		rec, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate history rows", err)
	}
	return records, nil
}

func scanHistoryRow(rows *sql.Rows) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		status    string
		createdAt string
		endedAt   sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.Name, &rec.Backend, &rec.Cwd, &rec.PID, &status, &createdAt, &endedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan history row", err)
	}
	rec.Status = HistoryStatus(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "parse created_at", err)
	}
	rec.CreatedAt = t

	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "parse ended_at", err)
		}
		rec.EndedAt = &t
	}
	return &rec, nil
}
