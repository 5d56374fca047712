package storage

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// SetMemberStatus upserts a member's status. An empty role keeps the stored
// one.
func (s *SQLiteStore) SetMemberStatus(id, role string, status MemberStatus, sessionName, lastError string) error {
	if id == "" {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "member id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO team_members (id, role, status, session_name, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = CASE WHEN excluded.role = '' THEN team_members.role ELSE excluded.role END,
			status = excluded.status,
			session_name = excluded.session_name,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, id, role, string(status), sessionName, lastError, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save member status", err)
	}

	s.logger.Debug("member status saved",
		zap.String("member", id),
		zap.String("status", string(status)),
		zap.String("session", sessionName))
	return nil
}

// GetMember returns the member, or nil, nil if it does not exist.
func (s *SQLiteStore) GetMember(id string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, role, status, session_name, last_error, updated_at
		FROM team_members WHERE id = ?
	`
	var (
		m         Member
		status    string
		updatedAt string
	)
	err := s.db.QueryRow(query, id).Scan(&m.ID, &m.Role, &status, &m.SessionName, &m.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get member", err)
	}

	m.Status = MemberStatus(status)
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "parse updated_at", err)
	}
	m.UpdatedAt = t
	return &m, nil
}
