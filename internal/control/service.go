// Package control is the control-plane boundary of the host. Every call
// returns a Response instead of an error so callers always get a
// structured {success, error|data} result, whatever the session name.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/session"
)

// DefaultCaptureLines is used by CaptureOutput when lines <= 0.
const DefaultCaptureLines = 100

// MaxSessionNameLength is the maximum allowed length for session names.
const MaxSessionNameLength = 100

// Lifecycle is the part of session.Manager the service drives.
type Lifecycle interface {
	CreateSession(ctx context.Context, cfg session.Config) (*session.Result, error)
	StartTeamMember(ctx context.Context, req session.MemberRequest) (*session.Result, error)
	StartOrchestrator(ctx context.Context, req session.OrchestratorRequest) (*session.Result, error)
	DestroySession(name string) error
	ListSessions() []string
	Sessions() []session.Info
	SendInput(name, text string) error
	SendKey(name, key string) error
	CaptureOutput(name string, lines int) (string, error)
	ConfirmRegistration(name, token string) error
	Stats() session.Stats
}

// EventStats reports event counters.
type EventStats interface {
	Stats() events.Stats
}

// Response is the result of every control call.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Summary is the getStats payload.
type Summary struct {
	TotalWatched   int        `json:"totalWatched"`
	ActiveProjects int        `json:"activeProjects"`
	EventsToday    int64      `json:"eventsToday"`
	LastEvent      *time.Time `json:"lastEvent"`

	Initializing int `json:"initializing"`
	Queued       int `json:"queued"`
}

// Service adapts a Lifecycle to Responses.
type Service struct {
	lifecycle Lifecycle
	events    EventStats
	logger    *zap.Logger
}

// NewService creates a Service. stats may be nil.
func NewService(lc Lifecycle, stats EventStats, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		lifecycle: lc,
		events:    stats,
		logger:    logger.With(zap.String("component", "control")),
	}
}

// CreateSession creates a shell session named name in path.
func (s *Service) CreateSession(ctx context.Context, name, path string) Response {
	if err := ValidateSessionName(name); err != nil {
		return failure(err)
	}
	res, err := s.lifecycle.CreateSession(ctx, session.Config{Name: name, Cwd: path})
	if err != nil {
		s.logger.Warn("create session failed", zap.String("session", name), zap.Error(err))
		return failure(err)
	}
	return success(map[string]any{
		"session": res,
		"stats":   s.summary(),
	})
}

// MemberParams are the inputs of StartTeamMember.
type MemberParams struct {
	MemberID string `json:"member_id"`
	Role     string `json:"role"`
	Session  string `json:"session,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// StartTeamMember starts a team member's agent with retries.
func (s *Service) StartTeamMember(ctx context.Context, p MemberParams) Response {
	name := p.Session
	if name == "" {
		name = p.MemberID
	}
	if err := ValidateSessionName(name); err != nil {
		return failure(err)
	}
	res, err := s.lifecycle.StartTeamMember(ctx, session.MemberRequest{
		MemberID:    p.MemberID,
		Role:        p.Role,
		SessionName: p.Session,
		Runtime:     launch.ParseRuntime(p.Runtime),
		Cwd:         p.Cwd,
		Prompt:      p.Prompt,
	})
	if err != nil {
		return failure(err)
	}
	return success(res)
}

// OrchestratorParams are the inputs of StartOrchestrator.
type OrchestratorParams struct {
	Session string `json:"session,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// StartOrchestrator starts the orchestrator agent.
func (s *Service) StartOrchestrator(ctx context.Context, p OrchestratorParams) Response {
	if p.Session != "" {
		if err := ValidateSessionName(p.Session); err != nil {
			return failure(err)
		}
	}
	res, err := s.lifecycle.StartOrchestrator(ctx, session.OrchestratorRequest{
		SessionName: p.Session,
		Cwd:         p.Cwd,
		Prompt:      p.Prompt,
	})
	if err != nil {
		return failure(err)
	}
	return success(res)
}

// DestroySession kills a session.
func (s *Service) DestroySession(name string) Response {
	if err := s.lifecycle.DestroySession(name); err != nil {
		return failure(err)
	}
	return success(map[string]any{"stats": s.summary()})
}

// ListSessions returns the session names.
func (s *Service) ListSessions() Response {
	return success(s.lifecycle.ListSessions())
}

// GetStats returns the summary.
func (s *Service) GetStats() Response {
	return success(s.summary())
}

// SendInput writes text into a session.
func (s *Service) SendInput(name, text string) Response {
	if err := s.lifecycle.SendInput(name, text); err != nil {
		return failure(err)
	}
	return success(nil)
}

// SendKey sends a named key into a session.
func (s *Service) SendKey(name, key string) Response {
	if err := s.lifecycle.SendKey(name, key); err != nil {
		return failure(err)
	}
	return success(nil)
}

// CaptureOutput returns the last lines of a session's output. lines <= 0
// means DefaultCaptureLines.
func (s *Service) CaptureOutput(name string, lines int) Response {
	if lines <= 0 {
		lines = DefaultCaptureLines
	}
	out, err := s.lifecycle.CaptureOutput(name, lines)
	if err != nil {
		return failure(err)
	}
	return success(out)
}

// ConfirmReady delivers an agent's ready callback.
func (s *Service) ConfirmReady(name, token string) Response {
	if err := s.lifecycle.ConfirmRegistration(name, token); err != nil {
		return failure(err)
	}
	return success(nil)
}

func (s *Service) summary() Summary {
	infos := s.lifecycle.Sessions()
	projects := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		if info.Cwd != "" {
			projects[info.Cwd] = struct{}{}
		}
	}
	st := s.lifecycle.Stats()
	sum := Summary{
		TotalWatched:   len(infos),
		ActiveProjects: len(projects),
		Initializing:   st.Initializing,
		Queued:         st.Queued,
	}
	if s.events != nil {
		es := s.events.Stats()
		sum.EventsToday = es.EventsToday
		sum.LastEvent = es.LastEvent
	}
	return sum
}

// ValidateSessionName rejects names a backend cannot host. tmux treats ':'
// and '.' as target separators.
func ValidateSessionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.New(apperrors.CodeSessionCreateFailed, "session name is required")
	}
	if len(name) > MaxSessionNameLength {
		return apperrors.New(apperrors.CodeSessionCreateFailed,
			fmt.Sprintf("session name too long (max %d characters)", MaxSessionNameLength))
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == ':' || r == '.' {
			return apperrors.New(apperrors.CodeSessionCreateFailed, "session name contains invalid characters")
		}
	}
	return nil
}

func success(data any) Response {
	return Response{Success: true, Data: data}
}

func failure(err error) Response {
	code, _ := apperrors.ToCodeAndMessage(err)
	return Response{Success: false, Error: err.Error(), Code: code}
}
