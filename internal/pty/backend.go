package pty

import (
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/termbuf"
)

// DefaultMaxSessions is the default maximum number of concurrent sessions.
// This prevents resource exhaustion from creating too many PTY sessions.
const DefaultMaxSessions = 20

// DefaultKillGrace is how long KillSession waits after SIGTERM before
// escalating to SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Options configures a Backend.
type Options struct {
	MaxSessions     int
	Cols            int
	Rows            int
	HistoryBytes    int
	ScrollbackLines int
	KillGrace       time.Duration

	// Shell is run when CreateOptions.Command is empty.
	// Default: $SHELL, then /bin/sh.
	Shell string

	Logger *zap.Logger
}

// Backend hosts sessions as PTY children of this process.
//
// It keeps one Session per name. When a program exits on its own, the exit
// goroutine removes the name from the map and disposes the buffer in one
// step, then fires the OnSessionExit callback. KillSession removes the name
// first, so a killed session never triggers the callback.
type Backend struct {
	opts   Options
	logger *zap.Logger

	// mu protects sessions and onExit.
	mu       sync.RWMutex
	sessions map[string]*Session
	onExit   func(name string)
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty PTY backend.
func New(opts Options) *Backend {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		opts:     opts,
		logger:   logger.With(zap.String("component", "pty-backend")),
		sessions: make(map[string]*Session),
	}
}

// Type implements backend.Backend.
func (b *Backend) Type() backend.Type { return backend.TypePTY }

// CreateSession spawns a program in a new PTY under name.
func (b *Backend) CreateSession(name string, opts backend.CreateOptions) (*backend.Session, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = b.opts.Cols
	}
	if rows <= 0 {
		rows = b.opts.Rows
	}
	command := opts.Command
	if command == "" {
		command = b.opts.Shell
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[name]; exists {
		return nil, apperrors.SessionAlreadyExists(name)
	}
	if len(b.sessions) >= b.opts.MaxSessions {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, "maximum number of PTY sessions reached")
	}

	buf := termbuf.New(termbuf.Options{
		Cols:               cols,
		Rows:               rows,
		MaxHistoryBytes:    b.opts.HistoryBytes,
		MaxScrollbackLines: b.opts.ScrollbackLines,
	})
	s := NewSession(SessionConfig{
		Name:   name,
		Cwd:    opts.Cwd,
		Env:    opts.Env,
		Cols:   cols,
		Rows:   rows,
		Buffer: buf,
	})
	if err := s.Start(command, opts.Args...); err != nil {
		buf.Dispose()
		return nil, apperrors.BackendUnavailable("pty", err)
	}

	b.sessions[name] = s
	go b.watch(s)

	b.logger.Info("session started",
		zap.String("session", name),
		zap.Int("pid", s.PID()),
		zap.String("command", command))
	return b.describe(s), nil
}

// watch waits for a session to end and cleans up if it exited on its own.
func (b *Backend) watch(s *Session) {
	<-s.Done()

	b.mu.Lock()
	current, tracked := b.sessions[s.Name]
	exitedOnItsOwn := tracked && current == s
	if exitedOnItsOwn {
		delete(b.sessions, s.Name)
	}
	onExit := b.onExit
	b.mu.Unlock()

	if !exitedOnItsOwn {
		return
	}

	s.Buffer().Dispose()
	b.logger.Info("session exited",
		zap.String("session", s.Name),
		zap.Int("exit_code", s.ExitCode()))
	if onExit != nil {
		onExit(s.Name)
	}
}

// KillSession terminates the session's process group and disposes its buffer.
func (b *Backend) KillSession(name string) error {
	b.mu.Lock()
	s, exists := b.sessions[name]
	if !exists {
		b.mu.Unlock()
		return apperrors.SessionNotFound(name)
	}
	// Remove first so the exit watcher treats this as a kill.
	delete(b.sessions, name)
	b.mu.Unlock()

	err := s.Stop(b.opts.KillGrace)
	s.Buffer().Dispose()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSessionKillFailed, "failed to kill session '"+name+"'", err)
	}
	b.logger.Info("session killed", zap.String("session", name))
	return nil
}

// SessionExists reports whether name is tracked and still running.
func (b *Backend) SessionExists(name string) bool {
	b.mu.RLock()
	s, ok := b.sessions[name]
	b.mu.RUnlock()
	return ok && s.IsRunning()
}

// ListSessions returns tracked session names in sorted order.
func (b *Backend) ListSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSession returns a snapshot of the named session.
func (b *Backend) GetSession(name string) (*backend.Session, bool) {
	s, ok := b.get(name)
	if !ok {
		return nil, false
	}
	return b.describe(s), true
}

func (b *Backend) describe(s *Session) *backend.Session {
	cols, rows := s.Size()
	return &backend.Session{
		Name:      s.Name,
		PID:       s.PID(),
		Cwd:       s.Cwd,
		Type:      backend.TypePTY,
		CreatedAt: s.CreatedAt,
		Cols:      cols,
		Rows:      rows,
	}
}

func (b *Backend) get(name string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[name]
	return s, ok
}

// CaptureOutput renders the last maxLines lines from the session's buffer.
func (b *Backend) CaptureOutput(name string, maxLines int) (string, error) {
	s, ok := b.get(name)
	if !ok {
		return "", apperrors.SessionNotFound(name)
	}
	return s.Buffer().Content(maxLines), nil
}

// GetTerminalBuffer returns the session's buffer.
func (b *Backend) GetTerminalBuffer(name string) (*termbuf.Buffer, error) {
	s, ok := b.get(name)
	if !ok {
		return nil, apperrors.SessionNotFound(name)
	}
	return s.Buffer(), nil
}

// Write sends raw bytes to the session.
func (b *Backend) Write(name string, data []byte) error {
	s, ok := b.get(name)
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	if _, err := s.Write(data); err != nil {
		return apperrors.Wrap(apperrors.CodeSessionWriteFailed, "failed to write to session '"+name+"'", err)
	}
	return nil
}

// SendKey translates a key name to its terminal sequence and writes it.
// Unknown names are written literally.
func (b *Backend) SendKey(name, key string) error {
	seq, ok := backend.KeySequence(key)
	if !ok {
		seq = []byte(key)
	}
	return b.Write(name, seq)
}

// Resize changes the session's PTY and buffer dimensions.
func (b *Backend) Resize(name string, cols, rows int) error {
	s, ok := b.get(name)
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	return s.Resize(cols, rows)
}

// OnSessionExit implements backend.Backend.
func (b *Backend) OnSessionExit(fn func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExit = fn
}

// Destroy stops every session concurrently and waits for them to exit.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(b.opts.KillGrace); err != nil {
				b.logger.Warn("stop session", zap.String("session", s.Name), zap.Error(err))
			}
			s.Buffer().Dispose()
		}(s)
	}
	wg.Wait()
	return nil
}
