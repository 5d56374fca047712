package tmux

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/termbuf"
)

const (
	// DefaultPollInterval is how often a pipe log is checked for new output.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultLivenessInterval is how often the tailer asks tmux whether the
	// session still exists.
	DefaultLivenessInterval = time.Second

	// DefaultLogMaxBytes is the pipe log size at which the tailer truncates
	// it after catching up.
	DefaultLogMaxBytes = 1 << 20
)

// Options configures a Backend.
type Options struct {
	// Socket is passed to tmux as -L. Empty uses the default server.
	Socket string

	// LogDir receives one pipe-pane log per session.
	// Default: $TMPDIR/agentfleet-tmux
	LogDir string

	Cols            int
	Rows            int
	HistoryBytes    int
	ScrollbackLines int

	PollInterval     time.Duration
	LivenessInterval time.Duration

	// LogMaxBytes bounds each pipe log on disk. Default: DefaultLogMaxBytes
	LogMaxBytes int64

	Logger *zap.Logger
}

// tracked is the per-session bookkeeping owned by the Backend.
type tracked struct {
	info    backend.Session
	buffer  *termbuf.Buffer
	logPath string

	// stop ends the tailer; done is closed when it has returned.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (t *tracked) halt() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Backend hosts sessions in tmux.
//
// tmux itself renders the screen, so CaptureOutput asks tmux directly. The
// raw byte stream is still needed for replay, so every session's pane is
// piped to a log file that a tailer goroutine copies into a termbuf Buffer.
// The same goroutine notices when the session disappears (the program
// exited or someone ran kill-session by hand) and fires OnSessionExit.
type Backend struct {
	mgr    *Manager
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*tracked
	onExit   func(name string)
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a tmux backend. It fails with backend.unavailable when
// tmux is not installed or the log directory cannot be created.
func NewBackend(opts Options) (*Backend, error) {
	return newBackend(NewManager(opts.Socket), opts)
}

func newBackend(mgr *Manager, opts Options) (*Backend, error) {
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "agentfleet-tmux")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}
	if opts.LogMaxBytes <= 0 {
		opts.LogMaxBytes = DefaultLogMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := mgr.Version(); err != nil {
		return nil, apperrors.BackendUnavailable("tmux", err)
	}
	if err := os.MkdirAll(opts.LogDir, 0700); err != nil {
		return nil, apperrors.BackendUnavailable("tmux", err)
	}

	return &Backend{
		mgr:      mgr,
		opts:     opts,
		logger:   logger.With(zap.String("component", "tmux-backend")),
		sessions: make(map[string]*tracked),
	}, nil
}

// Manager exposes the underlying tmux driver.
func (b *Backend) Manager() *Manager { return b.mgr }

// Type implements backend.Backend.
func (b *Backend) Type() backend.Type { return backend.TypeTmux }

// CreateSession starts a detached tmux session and begins mirroring its
// output.
func (b *Backend) CreateSession(name string, opts backend.CreateOptions) (*backend.Session, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = b.opts.Cols
	}
	if rows <= 0 {
		rows = b.opts.Rows
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[name]; exists {
		return nil, apperrors.SessionAlreadyExists(name)
	}

	err := b.mgr.NewSession(name, NewSessionOptions{
		Cwd:     opts.Cwd,
		Cols:    cols,
		Rows:    rows,
		Env:     opts.Env,
		Command: ShellJoin(opts.Command, opts.Args),
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeSessionAlreadyExists) {
			return nil, err
		}
		return nil, apperrors.BackendUnavailable("tmux", err)
	}

	logPath := filepath.Join(b.opts.LogDir, sanitizeFileName(name)+".log")
	if err := os.WriteFile(logPath, nil, 0600); err != nil {
		_ = b.mgr.KillSession(name)
		return nil, apperrors.BackendUnavailable("tmux", err)
	}
	if err := b.mgr.PipePane(name, logPath); err != nil {
		_ = b.mgr.KillSession(name)
		return nil, err
	}

	pid, err := b.mgr.PanePID(name)
	if err != nil {
		b.logger.Debug("pane pid unavailable", zap.String("session", name), zap.Error(err))
	}

	t := &tracked{
		info: backend.Session{
			Name:      name,
			PID:       pid,
			Cwd:       opts.Cwd,
			Type:      backend.TypeTmux,
			CreatedAt: time.Now(),
			Cols:      cols,
			Rows:      rows,
		},
		buffer: termbuf.New(termbuf.Options{
			Cols:               cols,
			Rows:               rows,
			MaxHistoryBytes:    b.opts.HistoryBytes,
			MaxScrollbackLines: b.opts.ScrollbackLines,
		}),
		logPath: logPath,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.sessions[name] = t
	go b.tail(t)

	b.logger.Info("session started", zap.String("session", name), zap.Int("pid", pid))
	info := t.info
	return &info, nil
}

// tail copies new bytes from the pipe log into the buffer until stopped or
// until the session disappears.
func (b *Backend) tail(t *tracked) {
	defer close(t.done)

	f, err := os.Open(t.logPath)
	if err != nil {
		b.logger.Warn("open pipe log", zap.String("session", t.info.Name), zap.Error(err))
		return
	}
	defer f.Close()

	poll := time.NewTicker(b.opts.PollInterval)
	defer poll.Stop()
	lastCheck := time.Now()
	buf := make([]byte, 32*1024)
	var offset int64

	for {
		offset = b.drainLog(t, f, buf, offset)

		select {
		case <-t.stop:
			return
		case <-poll.C:
		}

		if time.Since(lastCheck) < b.opts.LivenessInterval {
			continue
		}
		lastCheck = time.Now()

		alive, err := b.mgr.HasSession(t.info.Name)
		if err != nil || alive {
			continue
		}
		b.handleExit(t)
		return
	}
}

// drainLog copies everything past offset into the buffer and returns the new
// offset. Once the log holds LogMaxBytes and nothing new has arrived, it is
// truncated; tmux opened it with O_APPEND so the next write lands at zero.
func (b *Backend) drainLog(t *tracked, f *os.File, buf []byte, offset int64) int64 {
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_ = t.buffer.Write(buf[:n])
			offset += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Warn("read pipe log", zap.String("session", t.info.Name), zap.Error(err))
				return offset
			}
			break
		}
	}

	if offset < b.opts.LogMaxBytes {
		return offset
	}
	st, err := f.Stat()
	if err != nil || st.Size() != offset {
		return offset
	}
	if err := os.Truncate(t.logPath, 0); err != nil {
		b.logger.Warn("truncate pipe log", zap.String("session", t.info.Name), zap.Error(err))
		return offset
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		b.logger.Warn("rewind pipe log", zap.String("session", t.info.Name), zap.Error(err))
		return offset
	}
	b.logger.Debug("pipe log truncated", zap.String("session", t.info.Name), zap.Int64("bytes", offset))
	return 0
}

// handleExit removes a session that vanished on its own.
func (b *Backend) handleExit(t *tracked) {
	b.mu.Lock()
	current, ok := b.sessions[t.info.Name]
	owned := ok && current == t
	if owned {
		delete(b.sessions, t.info.Name)
	}
	onExit := b.onExit
	b.mu.Unlock()

	if !owned {
		return
	}

	t.buffer.Dispose()
	_ = os.Remove(t.logPath)
	b.logger.Info("session exited", zap.String("session", t.info.Name))
	if onExit != nil {
		onExit(t.info.Name)
	}
}

// KillSession kills the tmux session and disposes its buffer. A same-named
// session on the socket that this backend does not track, typically left by
// an earlier host process, is killed too.
func (b *Backend) KillSession(name string) error {
	b.mu.Lock()
	t, exists := b.sessions[name]
	if exists {
		delete(b.sessions, name)
	}
	b.mu.Unlock()

	if !exists {
		return b.killLeftover(name)
	}

	t.halt()
	<-t.done
	t.buffer.Dispose()
	_ = os.Remove(t.logPath)

	err := b.mgr.KillSession(name)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		return err
	}
	b.logger.Info("session killed", zap.String("session", name))
	return nil
}

func (b *Backend) killLeftover(name string) error {
	alive, err := b.mgr.HasSession(name)
	if err != nil {
		return err
	}
	if !alive {
		return apperrors.SessionNotFound(name)
	}
	if err := b.mgr.KillSession(name); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(b.opts.LogDir, sanitizeFileName(name)+".log"))
	b.logger.Info("leftover session killed", zap.String("session", name))
	return nil
}

// SessionExists reports whether name is tracked by this backend or exists
// untracked on its tmux socket.
func (b *Backend) SessionExists(name string) bool {
	if _, ok := b.get(name); ok {
		return true
	}
	alive, err := b.mgr.HasSession(name)
	return err == nil && alive
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
	t, ok := b.get(name)
	if !ok {
		return nil, false
	}
	b.mu.RLock()
	info := t.info
	b.mu.RUnlock()
	return &info, true
}

func (b *Backend) get(name string) (*tracked, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.sessions[name]
	return t, ok
}

// CaptureOutput asks tmux for the pane's rendered content.
func (b *Backend) CaptureOutput(name string, maxLines int) (string, error) {
	if _, ok := b.get(name); !ok {
		return "", apperrors.SessionNotFound(name)
	}
	out, err := b.mgr.CapturePane(name, maxLines)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(out, "\n "), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// GetTerminalBuffer returns the session's mirrored buffer.
func (b *Backend) GetTerminalBuffer(name string) (*termbuf.Buffer, error) {
	t, ok := b.get(name)
	if !ok {
		return nil, apperrors.SessionNotFound(name)
	}
	return t.buffer, nil
}

// Write types data into the pane literally.
func (b *Backend) Write(name string, data []byte) error {
	if _, ok := b.get(name); !ok {
		return apperrors.SessionNotFound(name)
	}
	return b.mgr.SendLiteral(name, string(data))
}

// SendKey sends a named key. Names are translated to tmux's spelling.
func (b *Backend) SendKey(name, key string) error {
	if _, ok := b.get(name); !ok {
		return apperrors.SessionNotFound(name)
	}
	return b.mgr.SendKeys(name, tmuxKeyName(key))
}

// Resize changes the window size and the mirrored buffer's size.
func (b *Backend) Resize(name string, cols, rows int) error {
	t, ok := b.get(name)
	if !ok {
		return apperrors.SessionNotFound(name)
	}
	if err := b.mgr.ResizeWindow(name, cols, rows); err != nil {
		return err
	}
	b.mu.Lock()
	t.info.Cols, t.info.Rows = cols, rows
	b.mu.Unlock()
	return t.buffer.Resize(cols, rows)
}

// OnSessionExit implements backend.Backend.
func (b *Backend) OnSessionExit(fn func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExit = fn
}

// Destroy kills every tracked session.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*tracked)
	b.mu.Unlock()

	var errs []error
	for name, t := range sessions {
		t.halt()
		<-t.done
		t.buffer.Dispose()
		_ = os.Remove(t.logPath)
		if err := b.mgr.KillSession(name); err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// tmuxKeyNames maps common key spellings to tmux key names.
var tmuxKeyNames = map[string]string{
	"enter":     "Enter",
	"return":    "Enter",
	"escape":    "Escape",
	"esc":       "Escape",
	"tab":       "Tab",
	"btab":      "BTab",
	"backspace": "BSpace",
	"bspace":    "BSpace",
	"space":     "Space",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "PPage",
	"ppage":     "PPage",
	"pagedown":  "NPage",
	"npage":     "NPage",
	"delete":    "DC",
	"dc":        "DC",
}

func tmuxKeyName(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if name, ok := tmuxKeyNames[k]; ok {
		return name
	}
	for _, prefix := range []string{"ctrl-", "ctrl+", "c-"} {
		if rest, ok := strings.CutPrefix(k, prefix); ok && len(rest) == 1 {
			return "C-" + rest
		}
	}
	return key
}

// sanitizeFileName keeps a session name safe for use as a file name.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
