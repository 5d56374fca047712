package storage

import "time"

// MemberStatus is the externally visible activation state of a team member.
type MemberStatus string

const (
	// MemberInactive means no session is associated with the member.
	MemberInactive MemberStatus = "inactive"

	// MemberActivating means a session is being created for the member.
	MemberActivating MemberStatus = "activating"

	// MemberActive means the member's agent registered successfully.
	MemberActive MemberStatus = "active"
)

// Member is a team member's persisted status.
type Member struct {
	// ID is the caller-chosen identity (e.g. "backend-dev").
	ID string `json:"id"`

	// Role selects the registration timeout (e.g. "developer").
	Role string `json:"role"`

	Status MemberStatus `json:"status"`

	// SessionName is empty unless a session is associated.
	SessionName string `json:"session_name"`

	// LastError holds the most recent activation failure.
	LastError string `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStatus is the final or current state of a recorded session.
type HistoryStatus string

const (
	HistoryRunning HistoryStatus = "running"
	HistoryKilled  HistoryStatus = "killed"
	HistoryExited  HistoryStatus = "exited"
	HistoryFailed  HistoryStatus = "failed"
)

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Backend   string        `json:"backend"`
	Cwd       string        `json:"cwd"`
	PID       int           `json:"pid"`
	Status    HistoryStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`

	// EndedAt is nil while the session is running.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// RuntimeStore reads and writes the program type an entity launches.
type RuntimeStore interface {
	// RuntimeFor returns the runtime for entity, or "" when none is stored.
	RuntimeFor(entity string) (string, error)
	SetRuntime(entity, runtime string) error
}

// MemberStore persists team-member activation state.
type MemberStore interface {
	SetMemberStatus(id, role string, status MemberStatus, sessionName, lastError string) error
	// GetMember returns nil, nil when the member is unknown.
	GetMember(id string) (*Member, error)
}

// HistoryStore records session starts and ends.
type HistoryStore interface {
	RecordSessionStarted(rec SessionRecord) error
	RecordSessionEnded(name string, status HistoryStatus) error
	ListSessionHistory(limit int) ([]*SessionRecord, error)
}
