package session

import (
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/storage"
	"github.com/agentfleet/host/internal/termbuf"
)

var launchToken = regexp.MustCompile(`AGENTFLEET_REGISTRATION_TOKEN='([^']*)'`)

type fakeSession struct {
	info   backend.Session
	buf    *termbuf.Buffer
	writes []string
	keys   []string
	screen string
}

// fakeBackend is an in-memory backend. When a launch command is written it
// answers the way a shell would: the ready marker appears in the output
// after readyDelay, unless ready is false or onLaunch takes over.
type fakeBackend struct {
	mu sync.Mutex

	sessions map[string]*fakeSession
	creates  []string
	kills    []string

	// createErrs are returned by successive CreateSession calls; a nil
	// entry lets that call succeed.
	createErrs []error

	ready      bool
	readyDelay time.Duration
	onLaunch   func(name, token string)
	captureErr error

	exitFn func(name string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sessions: make(map[string]*fakeSession), ready: true}
}

func (f *fakeBackend) Type() backend.Type { return "fake" }

func (f *fakeBackend) CreateSession(name string, opts backend.CreateOptions) (*backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates = append(f.creates, name)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := f.sessions[name]; ok {
		return nil, apperrors.SessionAlreadyExists(name)
	}
	s := &fakeSession{
		info: backend.Session{
			Name:      name,
			PID:       1000 + len(f.creates),
			Cwd:       opts.Cwd,
			Type:      "fake",
			CreatedAt: time.Now(),
			Cols:      120,
			Rows:      40,
		},
		buf: termbuf.New(termbuf.Options{}),
	}
	f.sessions[name] = s
	info := s.info
	return &info, nil
}

func (f *fakeBackend) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, name)
	s, ok := f.sessions[name]
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	delete(f.sessions, name)
	s.buf.Dispose()
	return nil
}

func (f *fakeBackend) SessionExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeBackend) ListSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for n := range f.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fakeBackend) GetSession(name string) (*backend.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, false
	}
	info := s.info
	return &info, true
}

func (f *fakeBackend) CaptureOutput(name string, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return "", apperrors.SessionNotFound(name)
	}
	if f.captureErr != nil {
		return "", f.captureErr
	}
	if s.screen != "" {
		return s.screen, nil
	}
	return s.buf.Content(maxLines), nil
}

func (f *fakeBackend) GetTerminalBuffer(name string) (*termbuf.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, apperrors.SessionNotFound(name)
	}
	return s.buf, nil
}

func (f *fakeBackend) Write(name string, data []byte) error {
	f.mu.Lock()
	s, ok := f.sessions[name]
	if !ok {
		f.mu.Unlock()
		return apperrors.SessionNotFound(name)
	}
	s.writes = append(s.writes, string(data))
	ready, delay, hook := f.ready, f.readyDelay, f.onLaunch
	f.mu.Unlock()

	match := launchToken.FindStringSubmatch(string(data))
	if match == nil {
		return nil
	}
	token := match[1]
	switch {
	case hook != nil:
		go hook(name, token)
	case ready:
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			f.emit(name, launch.MarkerLine(launch.DefaultReadyMarker, token)+"\r\n")
		}()
	}
	return nil
}

func (f *fakeBackend) SendKey(name, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	s.keys = append(s.keys, key)
	return nil
}

func (f *fakeBackend) Resize(name string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	s.info.Cols, s.info.Rows = cols, rows
	return s.buf.Resize(cols, rows)
}

func (f *fakeBackend) OnSessionExit(fn func(name string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitFn = fn
}

func (f *fakeBackend) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, s := range f.sessions {
		s.buf.Dispose()
		delete(f.sessions, name)
	}
	return nil
}

func (f *fakeBackend) emit(name, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		_ = s.buf.Write([]byte(text))
	}
}

func (f *fakeBackend) setScreen(name, screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.screen = screen
	}
}

// exit removes the session as if its process ended and fires the callback.
func (f *fakeBackend) exit(name string) {
	f.mu.Lock()
	delete(f.sessions, name)
	fn := f.exitFn
	f.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

// vanish removes the session without any notification.
func (f *fakeBackend) vanish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

func (f *fakeBackend) createCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...)
}

func (f *fakeBackend) killCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kills...)
}

func (f *fakeBackend) writesTo(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([]string(nil), s.writes...)
	}
	return nil
}

func (f *fakeBackend) keysTo(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([]string(nil), s.keys...)
	}
	return nil
}

// recorder is an events.Sink that keeps everything.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) sessionsOf(t events.Type) []string {
	var names []string
	for _, e := range r.ofType(t) {
		names = append(names, e.SessionName)
	}
	return names
}

type memberCall struct {
	id          string
	role        string
	status      storage.MemberStatus
	sessionName string
	lastError   string
}

type fakeMembers struct {
	mu    sync.Mutex
	calls []memberCall
}

func (f *fakeMembers) SetMemberStatus(id, role string, status storage.MemberStatus, sessionName, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, memberCall{id, role, status, sessionName, lastError})
	return nil
}

func (f *fakeMembers) GetMember(id string) (*storage.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		c := f.calls[i]
		if c.id == id {
			return &storage.Member{ID: c.id, Role: c.role, Status: c.status, SessionName: c.sessionName, LastError: c.lastError}, nil
		}
	}
	return nil, nil
}

func (f *fakeMembers) statuses() []storage.MemberStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.MemberStatus, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.status
	}
	return out
}

type fakeRuntimes struct {
	mu      sync.Mutex
	runtime string
	reads   int
}

func (f *fakeRuntimes) RuntimeFor(entity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.runtime, nil
}

func (f *fakeRuntimes) SetRuntime(entity, runtime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtime = runtime
	return nil
}

func testSettings() Settings {
	return Settings{
		MaxConcurrentInit:   2,
		CreateAttempts:      3,
		CreateRetryDelay:    time.Millisecond,
		CapPollInitial:      time.Millisecond,
		CapPollMax:          5 * time.Millisecond,
		StreamInterval:      time.Hour,
		RegistrationTimeout: 2 * time.Second,
		RegistrationPoll:    2 * time.Millisecond,
		InputRatePerSec:     1000,
		DefaultRuntime:      launch.RuntimeShell,
	}
}

func newTestManager(t *testing.T, fb *fakeBackend, configure func(*Options)) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := Options{
		Backend:  fb,
		Events:   rec,
		Settings: testSettings(),
	}
	if configure != nil {
		configure(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(m.Shutdown)
	return m, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
