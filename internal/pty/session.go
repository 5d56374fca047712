// Package pty hosts sessions in pseudo-terminals spawned by this process.
// A PTY lets an interactive program run as if a person sat at a real
// terminal, so we capture colors, cursor movement and prompts exactly.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/agentfleet/host/internal/termbuf"
)

// Session manages one program running in a PTY.
//
// A PTY is a pair of virtual devices: a "master" (ptmx) and a "slave". The
// program runs attached to the slave and believes it owns a terminal; we
// read its output from the master and write input into it.
//
// Every chunk read from the master is written to the session's termbuf
// Buffer. The program is started in its own session (setsid), so its pid is
// also its process group id and Stop can signal the whole tree.
type Session struct {
	// Name is the caller-chosen identity of the session.
	Name string

	// Command and Args describe the program being run.
	Command string
	Args    []string

	// Cwd is the working directory the program was started in.
	Cwd string

	// CreatedAt is set by Start.
	CreatedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File
	env  []string

	cols int
	rows int

	buffer *termbuf.Buffer

	// done is closed when the program has exited and the PTY is closed.
	done chan struct{}

	// outputDone is closed when output capture finishes.
	outputDone chan struct{}

	// err stores any unexpected read error from the PTY.
	err error

	exitCode int

	mu      sync.Mutex
	running bool
}

// SessionConfig holds configuration for a PTY session.
type SessionConfig struct {
	Name     string
	Cwd      string
	Env      []string // Extra KEY=VALUE pairs on top of the host environment
	Cols     int
	Rows     int
	Buffer   *termbuf.Buffer // Receives all output; created if nil
}

// NewSession allocates a Session. Call Start to run a program.
func NewSession(cfg SessionConfig) *Session {
	buf := cfg.Buffer
	if buf == nil {
		buf = termbuf.New(termbuf.Options{Cols: cfg.Cols, Rows: cfg.Rows})
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = buf.Size()
	}

	return &Session{
		Name:       cfg.Name,
		Cwd:        cfg.Cwd,
		env:        cfg.Env,
		cols:       cols,
		rows:       rows,
		buffer:     buf,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}
}

// Start spawns command in a PTY sized to the session's dimensions and
// launches the output and exit goroutines.
func (s *Session) Start(command string, args ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("session already running")
	}

	s.Command = command
	s.Args = args
	s.CreatedAt = time.Now()

	s.cmd = exec.Command(command, args...)
	s.cmd.Dir = s.Cwd
	s.cmd.Env = buildEnv(os.Environ(), s.env)

	// StartWithSize puts the child in a new session with the PTY as its
	// controlling terminal, so pid == pgid.
	ptmx, err := pty.StartWithSize(s.cmd, &pty.Winsize{
		Cols: uint16(s.cols),
		Rows: uint16(s.rows),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	s.ptmx = ptmx
	s.running = true

	go s.captureOutput()
	go s.waitForExit()

	return nil
}

// buildEnv appends extra to base and makes sure TERM is set.
func buildEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	env = append(env, base...)
	env = append(env, extra...)

	hasTerm := false
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "TERM=" {
			hasTerm = true
			break
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

// captureOutput copies PTY output into the buffer until the PTY closes.
func (s *Session) captureOutput() {
	defer close(s.outputDone)

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			// A disposed buffer means the session is being torn down.
			_ = s.buffer.Write(buf[:n])
		}

		if err != nil {
			// Linux reports EIO on the master once the slave side is gone.
			if err != io.EOF && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// waitForExit waits for the program to finish and closes the PTY.
func (s *Session) waitForExit() {
	exitCode := -1
	if s.cmd != nil && s.cmd.Process != nil {
		err := s.cmd.Wait()
		exitCode = 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	// Drain the remaining output before closing the master.
	<-s.outputDone

	s.mu.Lock()
	s.running = false
	s.exitCode = exitCode
	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()

	close(s.done)
}

// Write sends input to the program.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return 0, fmt.Errorf("session not started")
	}
	return ptmx.Write(p)
}

// Resize changes the PTY dimensions, which delivers SIGWINCH to the
// foreground process group, and resizes the rendering buffer to match.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d, rows=%d", cols, rows)
	}

	// Hold the lock so Stop cannot close the fd mid-call.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.ptmx == nil {
		return fmt.Errorf("session not running")
	}

	size := &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}
	if err := pty.Setsize(s.ptmx, size); err != nil {
		return fmt.Errorf("resize failed: %w", err)
	}
	s.cols, s.rows = cols, rows
	return s.buffer.Resize(cols, rows)
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Buffer returns the session's terminal buffer.
func (s *Session) Buffer() *termbuf.Buffer {
	return s.buffer
}

// Done returns a channel that is closed when the session exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsRunning returns true if the program is still executing.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PID returns the program's process id, or 0 before Start.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ExitCode returns the program's exit status once Done is closed.
// It is -1 if the program was killed by a signal.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Error returns any unexpected error from output capture.
func (s *Session) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop terminates the program's whole process group: SIGTERM first, then
// SIGKILL if it is still alive after grace. It returns once the session
// has fully exited.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	pgid := s.cmd.Process.Pid
	s.mu.Unlock()

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", pgid, err)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(grace):
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	<-s.done
	return nil
}
