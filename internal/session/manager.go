// Package session owns the lifecycle of agent sessions: a serialized
// creation queue, a cap on concurrent initializations, the readiness
// handshake, per-session output streaming and teardown.
//
// A session name is either fully present in the Manager (creation and
// handshake completed) or fully absent. Sessions that are still being
// created are visible to the backend but not to Manager callers.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/handshake"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/storage"
	"github.com/agentfleet/host/internal/termbuf"
)

// Registrar runs the readiness handshake for a freshly created session.
type Registrar interface {
	Run(ctx context.Context, rec handshake.Record, launch []byte, sig handshake.Signal) (*handshake.Result, error)
	Confirm(name, token string) error
	Forget(name string)
}

// Launcher turns launch parameters into the bytes typed into a session.
type Launcher interface {
	Build(p launch.Params) ([]byte, error)
	Lookup(r launch.Runtime) (launch.Program, bool)
}

// Options configures a Manager. Backend is required; every other
// collaborator is optional.
type Options struct {
	Backend   backend.Backend
	Registrar Registrar
	Launcher  Launcher
	Events    events.Sink

	Runtimes storage.RuntimeStore
	Members  storage.MemberStore
	History  storage.HistoryStore

	Settings Settings
	Logger   *zap.Logger
}

// Config describes one session to create.
type Config struct {
	Name    string
	Cwd     string
	Role    string
	Runtime launch.Runtime
	Prompt  string
	Env     map[string]string

	// Command overrides the program the backend hosts. Empty is the shell.
	Command string
	Args    []string

	Cols int
	Rows int

	// Timeout overrides the role's registration timeout.
	Timeout time.Duration

	// ReadyFile is an optional marker file that also counts as ready.
	ReadyFile string

	// Attempts is the number of creation attempts for transient failures.
	// Zero means one.
	Attempts int
}

// Result is the outcome of a successful creation.
type Result struct {
	Success     bool             `json:"success"`
	SessionName string           `json:"session_name"`
	Message     string           `json:"message"`
	Attempts    int              `json:"attempts"`
	Session     *backend.Session `json:"session,omitempty"`
}

// Info describes a tracked session.
type Info struct {
	Name      string         `json:"name"`
	Cwd       string         `json:"cwd"`
	Role      string         `json:"role,omitempty"`
	Runtime   launch.Runtime `json:"runtime"`
	PID       int            `json:"pid"`
	Streaming bool           `json:"streaming"`
	CreatedAt time.Time      `json:"created_at"`
}

// Stats is a point-in-time view of the Manager.
type Stats struct {
	Sessions         int   `json:"sessions"`
	Streaming        int   `json:"streaming"`
	Initializing     int   `json:"initializing"`
	PeakInitializing int   `json:"peak_initializing"`
	Queued           int   `json:"queued"`
	Created          int64 `json:"created"`
	Failed           int64 `json:"failed"`
}

// Manager owns every agent session. It is safe for concurrent use.
type Manager struct {
	backend   backend.Backend
	registrar Registrar
	launcher  Launcher
	sink      events.Sink
	runtimes  storage.RuntimeStore
	members   storage.MemberStore
	history   storage.HistoryStore
	settings  Settings
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards conns, queue and closed.
	mu     sync.Mutex
	conns  map[string]*connection
	queue  []*request
	closed bool

	wake      chan struct{}
	drainDone chan struct{}

	initMu       sync.Mutex
	initializing map[string]struct{}
	peakInit     int

	created atomic.Int64
	failed  atomic.Int64
}

// NewManager creates a Manager and starts its creation queue.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := opts.Settings.withDefaults()

	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = launch.NewBuilder()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:      opts.Backend,
		launcher:     launcher,
		sink:         sink,
		runtimes:     opts.Runtimes,
		members:      opts.Members,
		history:      opts.History,
		settings:     settings,
		logger:       logger.With(zap.String("component", "session-manager")),
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[string]*connection),
		wake:         make(chan struct{}, 1),
		drainDone:    make(chan struct{}),
		initializing: make(map[string]struct{}),
	}

	m.registrar = opts.Registrar
	if m.registrar == nil {
		m.registrar = handshake.NewRegistrar(opts.Backend, handshake.Options{
			PollInterval: settings.RegistrationPoll,
			Observer:     m.observeRegistration,
			Logger:       logger,
		})
	}

	opts.Backend.OnSessionExit(m.handleExit)
	go m.drain()
	return m
}

func (m *Manager) observeRegistration(name string, from, to handshake.State) {
	m.logger.Debug("registration state",
		zap.String("session", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// CreateSession queues cfg and waits for its outcome. Cancelling ctx stops
// the wait but not the creation; a queued request is always processed.
func (m *Manager) CreateSession(ctx context.Context, cfg Config) (*Result, error) {
	select {
	case out := <-m.Enqueue(cfg):
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DestroySession stops streaming, kills the session and forgets it.
func (m *Manager) DestroySession(name string) error {
	m.mu.Lock()
	c, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.SessionNotFound(name)
	}

	c.halt()
	<-c.done

	err := m.backend.KillSession(name)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		m.logger.Warn("kill session failed", zap.String("session", name), zap.Error(err))
	}
	m.registrar.Forget(name)
	m.recordEnded(name, storage.HistoryKilled)
	m.sink.Publish(events.New(events.TypeSessionKilled, name, nil))
	m.logger.Info("session destroyed", zap.String("session", name))

	if err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		return err
	}
	return nil
}

// SendInput writes text to the session.
func (m *Manager) SendInput(name, text string) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return apperrors.InputRateLimited(name)
	}
	if err := m.backend.Write(name, []byte(text)); err != nil {
		return err
	}
	m.sink.Publish(events.New(events.TypeMessageSent, name, map[string]any{"text": text}))
	return nil
}

// SendKey sends a named key such as "Enter" or "C-c".
func (m *Manager) SendKey(name, key string) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return apperrors.InputRateLimited(name)
	}
	if err := m.backend.SendKey(name, key); err != nil {
		return err
	}
	m.sink.Publish(events.New(events.TypeKeySent, name, map[string]any{"key": key}))
	return nil
}

// CaptureOutput returns the last lines of rendered output.
func (m *Manager) CaptureOutput(name string, lines int) (string, error) {
	if _, err := m.lookup(name); err != nil {
		return "", err
	}
	return m.backend.CaptureOutput(name, lines)
}

// Resize changes the session's terminal dimensions.
func (m *Manager) Resize(name string, cols, rows int) error {
	if _, err := m.lookup(name); err != nil {
		return err
	}
	return m.backend.Resize(name, cols, rows)
}

// Buffer returns the session's terminal buffer.
func (m *Manager) Buffer(name string) (*termbuf.Buffer, error) {
	if _, err := m.lookup(name); err != nil {
		return nil, err
	}
	return m.backend.GetTerminalBuffer(name)
}

// ListSessions returns the tracked session names in sorted order.
func (m *Manager) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions describes every tracked session, sorted by name.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SessionExists reports whether name is a fully created session.
func (m *Manager) SessionExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[name]
	return ok
}

// ConfirmRegistration delivers a ready callback for a pending handshake.
func (m *Manager) ConfirmRegistration(name, token string) error {
	return m.registrar.Confirm(name, token)
}

// Initializing returns how many sessions currently hold a cap slot.
func (m *Manager) Initializing() int {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return len(m.initializing)
}

// PeakInitializing returns the highest Initializing value observed.
func (m *Manager) PeakInitializing() int {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.peakInit
}

// Stats returns counters for the Manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{Sessions: len(m.conns), Queued: len(m.queue)}
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.isStreaming() {
			st.Streaming++
		}
	}
	m.initMu.Lock()
	st.Initializing = len(m.initializing)
	st.PeakInitializing = m.peakInit
	m.initMu.Unlock()
	st.Created = m.created.Load()
	st.Failed = m.failed.Load()
	return st
}

// Shutdown closes the queue, abandons pending requests with queue.closed,
// stops every streaming loop and kills every tracked session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	m.cancel()
	<-m.drainDone

	for name, c := range conns {
		c.halt()
		<-c.done
		if err := m.backend.KillSession(name); err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
			m.logger.Warn("kill session on shutdown failed", zap.String("session", name), zap.Error(err))
		}
		m.recordEnded(name, storage.HistoryKilled)
		m.sink.Publish(events.New(events.TypeSessionKilled, name, map[string]any{"reason": "shutdown"}))
	}
	m.logger.Info("session manager stopped", zap.Int("sessions_killed", len(conns)))
}

func (m *Manager) lookup(name string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	if !ok {
		return nil, apperrors.SessionNotFound(name)
	}
	return c, nil
}

// handleExit is the backend's exit callback. The session is removed before
// session_exited is published.
func (m *Manager) handleExit(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.halt()
	m.registrar.Forget(name)
	m.recordEnded(name, storage.HistoryExited)
	m.sink.Publish(events.New(events.TypeSessionExited, name, nil))
	m.logger.Info("session exited", zap.String("session", name))
}

func (m *Manager) recordEnded(name string, status storage.HistoryStatus) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordSessionEnded(name, status); err != nil && !apperrors.IsCode(err, apperrors.CodeStorageNotFound) {
		m.logger.Warn("record session end failed", zap.String("session", name), zap.Error(err))
	}
}

// connection is the Manager's record of one created session.
type connection struct {
	name      string
	cwd       string
	role      string
	runtime   launch.Runtime
	pid       int
	createdAt time.Time
	limiter   *rate.Limiter

	mu         sync.Mutex
	streaming  bool
	lastOutput string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newConnection(cfg Config, sess *backend.Session, limit rate.Limit, burst int) *connection {
	c := &connection{
		name:      cfg.Name,
		cwd:       cfg.Cwd,
		role:      cfg.Role,
		runtime:   cfg.Runtime,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(limit, burst),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if sess != nil {
		c.pid = sess.PID
		c.createdAt = sess.CreatedAt
		if c.cwd == "" {
			c.cwd = sess.Cwd
		}
	}
	return c
}

// halt signals the streaming loop to stop. It does not wait.
func (c *connection) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *connection) isStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Name:      c.name,
		Cwd:       c.cwd,
		Role:      c.role,
		Runtime:   c.runtime,
		PID:       c.pid,
		Streaming: c.streaming,
		CreatedAt: c.createdAt,
	}
}
