package session

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/handshake"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/storage"
)

// OrchestratorEntity is the RuntimeStore key for the orchestrator.
const OrchestratorEntity = "orchestrator"

// DefaultOrchestratorSession is used when OrchestratorRequest has no name.
const DefaultOrchestratorSession = "orchestrator"

// MemberRequest starts one team member's agent.
type MemberRequest struct {
	MemberID string
	Role     string

	// SessionName defaults to MemberID.
	SessionName string

	// Runtime defaults to Settings.DefaultRuntime.
	Runtime launch.Runtime

	Cwd    string
	Prompt string
	Env    map[string]string
}

// OrchestratorRequest starts the orchestrator agent.
type OrchestratorRequest struct {
	SessionName string
	Cwd         string
	Prompt      string
	Env         map[string]string
}

// StartTeamMember creates the member's session with retries and keeps the
// member store in step: activating while in flight, active on success, and
// inactive with no session name once every attempt has failed.
//
// If ctx ends first the creation keeps running in the queue; the member stays
// activating and takes its final status from the queued outcome.
func (m *Manager) StartTeamMember(ctx context.Context, req MemberRequest) (*Result, error) {
	if req.MemberID == "" {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, "member id is required")
	}
	name := req.SessionName
	if name == "" {
		name = req.MemberID
	}
	runtime := req.Runtime
	if runtime == "" {
		runtime = m.settings.DefaultRuntime
	}

	m.setMember(req.MemberID, req.Role, storage.MemberActivating, name, "")

	outcome := m.Enqueue(Config{
		Name:     name,
		Cwd:      req.Cwd,
		Role:     req.Role,
		Runtime:  runtime,
		Prompt:   req.Prompt,
		Env:      req.Env,
		Attempts: m.settings.CreateAttempts,
	})
	select {
	case out := <-outcome:
		return m.settleMember(req, name, out)
	case <-ctx.Done():
		m.logger.Info("caller gave up on member start, creation continues",
			zap.String("member", req.MemberID), zap.String("session", name))
		go func() {
			_, _ = m.settleMember(req, name, <-outcome)
		}()
		return nil, ctx.Err()
	}
}

func (m *Manager) settleMember(req MemberRequest, name string, out Outcome) (*Result, error) {
	if out.Err != nil {
		m.setMember(req.MemberID, req.Role, storage.MemberInactive, "", out.Err.Error())
		return nil, out.Err
	}
	m.setMember(req.MemberID, req.Role, storage.MemberActive, name, "")
	return out.Result, nil
}

// StartOrchestrator creates the orchestrator session. Its runtime is read
// from the RuntimeStore on every call and defaults to
// Settings.DefaultRuntime.
func (m *Manager) StartOrchestrator(ctx context.Context, req OrchestratorRequest) (*Result, error) {
	name := req.SessionName
	if name == "" {
		name = DefaultOrchestratorSession
	}
	return m.CreateSession(ctx, Config{
		Name:     name,
		Cwd:      req.Cwd,
		Role:     OrchestratorEntity,
		Runtime:  m.orchestratorRuntime(),
		Prompt:   req.Prompt,
		Env:      req.Env,
		Attempts: m.settings.CreateAttempts,
	})
}

func (m *Manager) orchestratorRuntime() launch.Runtime {
	if m.runtimes == nil {
		return m.settings.DefaultRuntime
	}
	stored, err := m.runtimes.RuntimeFor(OrchestratorEntity)
	if err != nil {
		m.logger.Warn("read orchestrator runtime failed, using default", zap.Error(err))
		return m.settings.DefaultRuntime
	}
	if stored == "" {
		return m.settings.DefaultRuntime
	}
	return launch.ParseRuntime(stored)
}

// Reinitialize runs the handshake again inside a live session, for example
// after the agent crashed back to the shell. It takes a cap slot like a
// creation does but bypasses the queue. Name, Cwd, Role, Runtime, Prompt,
// Env and Timeout are read from cfg; an empty Runtime keeps the session's.
func (m *Manager) Reinitialize(ctx context.Context, name string, cfg Config) (*handshake.Result, error) {
	c, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	cfg.Name = name
	c.mu.Lock()
	if cfg.Runtime == "" {
		cfg.Runtime = c.runtime
	}
	if cfg.Role == "" {
		cfg.Role = c.role
	}
	if cfg.Cwd == "" {
		cfg.Cwd = c.cwd
	}
	c.mu.Unlock()

	release, err := m.throttleCtx(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	prog, ok := m.launcher.Lookup(cfg.Runtime)
	if !ok {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, "unknown runtime '"+string(cfg.Runtime)+"'")
	}
	token := handshake.NewToken()
	launchBytes, err := m.launcher.Build(launch.Params{
		SessionName:       name,
		Role:              cfg.Role,
		Runtime:           cfg.Runtime,
		Cwd:               cfg.Cwd,
		Prompt:            cfg.Prompt,
		Env:               cfg.Env,
		ReadyMarker:       m.settings.ReadyMarker,
		RegistrationToken: token,
	})
	if err != nil {
		return nil, err
	}

	sig := handshake.Signal{MarkerFile: cfg.ReadyFile}
	if prog.Ready == launch.ReadyOnCallback {
		sig.Callback = true
		sig.Token = token
	} else {
		sig.Marker = launch.MarkerLine(m.settings.ReadyMarker, token)
	}

	res, err := m.registrar.Run(ctx, handshake.Record{
		SessionName: name,
		Role:        cfg.Role,
		Runtime:     string(cfg.Runtime),
		Timeout:     m.settings.timeoutFor(cfg),
		Attempt:     1,
	}, launchBytes, sig)
	if err != nil {
		m.sink.Publish(events.New(events.TypeSessionFailed, name, map[string]any{
			"error":  err.Error(),
			"code":   apperrors.GetCode(err),
			"reason": "reinitialize",
		}))
		return nil, err
	}

	c.mu.Lock()
	c.runtime = cfg.Runtime
	c.role = cfg.Role
	c.mu.Unlock()
	m.logger.Info("session reinitialized", zap.String("session", name), zap.String("via", res.Via))
	return res, nil
}

func (m *Manager) setMember(id, role string, status storage.MemberStatus, sessionName, lastError string) {
	if m.members == nil {
		return
	}
	if err := m.members.SetMemberStatus(id, role, status, sessionName, lastError); err != nil {
		m.logger.Warn("save member status failed",
			zap.String("member", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
