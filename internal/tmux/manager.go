// Package tmux hosts sessions inside the tmux terminal multiplexer.
//
// Manager is a thin driver over the tmux CLI: every operation is one tmux
// invocation whose output is classified into coded errors. Backend builds the
// session contract on top of it, mirroring each session's output into a
// termbuf Buffer through `tmux pipe-pane`.
package tmux

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// DefaultCaptureLines is the default number of lines to capture from a pane.
const DefaultCaptureLines = 1000

// SessionInfo contains metadata about a tmux session, as reported by
// `tmux list-sessions`.
type SessionInfo struct {
	// Name is the tmux session name (e.g., "main", "dev", "0").
	Name string `json:"name"`

	// Windows is the number of windows in this session.
	Windows int `json:"windows"`

	// Attached indicates whether a client is currently attached.
	Attached bool `json:"attached"`

	// CreatedAt is when this tmux session was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionOptions configures `tmux new-session`.
type NewSessionOptions struct {
	Cwd     string
	Cols    int
	Rows    int
	Env     []string // KEY=VALUE pairs passed with -e
	Command string   // Shell command line; empty runs the default shell
}

// Manager handles interaction with tmux.
type Manager struct {
	// execCommand is a function that creates exec.Cmd instances.
	// This allows tests to inject mock command execution.
	// In production, this is exec.Command.
	execCommand func(name string, arg ...string) *exec.Cmd

	// socket, if set, is passed as -L so all sessions live on a private
	// tmux server.
	socket string
}

// NewManager creates a Manager using the real exec.Command.
func NewManager(socket string) *Manager {
	return &Manager{
		execCommand: exec.Command,
		socket:      socket,
	}
}

// run executes one tmux command and returns its combined output.
func (m *Manager) run(args ...string) (string, error) {
	if m.socket != "" {
		args = append([]string{"-L", m.socket}, args...)
	}
	cmd := m.execCommand("tmux", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Version returns the output of `tmux -V`.
func (m *Manager) Version() (string, error) {
	output, err := m.execCommand("tmux", "-V").CombinedOutput()
	if err != nil {
		if isCommandNotFound(err) {
			return "", apperrors.TmuxNotInstalled()
		}
		return "", apperrors.Wrap(apperrors.CodeInternal, "failed to query tmux version", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ListSessions returns all sessions on the tmux server.
//
// It runs `tmux list-sessions -F` with a tab-delimited format. The tab
// delimiter avoids parsing issues with session names that contain colons.
//
// Error handling:
//   - If tmux is not installed, returns errors.TmuxNotInstalled().
//   - If no tmux server is running, returns an empty slice with nil error.
//     "No sessions" is a normal state, not an error condition.
//   - Malformed lines are skipped.
func (m *Manager) ListSessions() ([]SessionInfo, error) {
	format := "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}"

	output, err := m.run("list-sessions", "-F", format)
	if err != nil {
		if isCommandNotFound(err) {
			return nil, apperrors.TmuxNotInstalled()
		}
		if isNoServerRunning(output, err) {
			return []SessionInfo{}, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to list tmux sessions", err)
	}

	return parseTmuxListOutput(output)
}

// NewSession starts a detached session.
//
// The command line is run by tmux through the default shell, so callers
// must quote it themselves (see ShellJoin).
func (m *Manager) NewSession(name string, opts NewSessionOptions) error {
	if name == "" {
		return apperrors.New(apperrors.CodeSessionCreateFailed, "session name is required")
	}

	args := []string{"new-session", "-d", "-s", name}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	if opts.Cols > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Cols))
	}
	if opts.Rows > 0 {
		args = append(args, "-y", strconv.Itoa(opts.Rows))
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}

	output, err := m.run(args...)
	if err != nil {
		if isCommandNotFound(err) {
			return apperrors.TmuxNotInstalled()
		}
		if strings.Contains(strings.ToLower(output), "duplicate session") {
			return apperrors.SessionAlreadyExists(name)
		}
		return apperrors.Wrap(apperrors.CodeSessionCreateFailed,
			fmt.Sprintf("tmux new-session failed: %s", strings.TrimSpace(output)), err)
	}
	return nil
}

// HasSession reports whether a session with exactly this name exists.
// A missing server counts as "no".
func (m *Manager) HasSession(name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	output, err := m.run("has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if isCommandNotFound(err) {
		return false, apperrors.TmuxNotInstalled()
	}
	if isSessionMissing(output) || isNoServerRunning(output, err) {
		return false, nil
	}
	// has-session exits 1 without output on some versions.
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CodeInternal, "failed to check tmux session", err)
}

// KillSession terminates a tmux session with `tmux kill-session`.
//
// Error handling:
//   - If tmux is not installed, returns errors.TmuxNotInstalled()
//   - If the session doesn't exist, returns errors.SessionNotFound(name)
//   - Other errors return wrapped kill errors
func (m *Manager) KillSession(name string) error {
	if name == "" {
		return apperrors.SessionNotFound("")
	}

	output, err := m.run("kill-session", "-t", "="+name)
	if err != nil {
		if isCommandNotFound(err) {
			return apperrors.TmuxNotInstalled()
		}
		if isSessionMissing(output) || isNoServerRunning(output, err) {
			return apperrors.SessionNotFound(name)
		}
		return apperrors.Wrap(apperrors.CodeSessionKillFailed, "failed to kill tmux session", err)
	}
	return nil
}

// CapturePane returns the last lines of the session's active pane as
// rendered text (`capture-pane -p -S -N`). Lines <= 0 uses DefaultCaptureLines.
func (m *Manager) CapturePane(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = DefaultCaptureLines
	}

	output, err := m.run("capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", m.paneError(name, "capture-pane", output, err)
	}
	return output, nil
}

// SendLiteral types text into the pane without key-name interpretation.
// tmux treats a bare ";" as a command separator, so text containing one is
// sent as hex bytes instead.
func (m *Manager) SendLiteral(name, text string) error {
	if text == "" {
		return nil
	}

	var args []string
	if strings.Contains(text, ";") {
		args = []string{"send-keys", "-t", name, "-H"}
		for _, b := range []byte(text) {
			args = append(args, fmt.Sprintf("%02x", b))
		}
	} else {
		args = []string{"send-keys", "-t", name, "-l", text}
	}

	output, err := m.run(args...)
	if err != nil {
		return m.paneError(name, "send-keys", output, err)
	}
	return nil
}

// SendKeys sends tmux key names (e.g. "Enter", "C-c") to the pane.
func (m *Manager) SendKeys(name string, keys ...string) error {
	args := append([]string{"send-keys", "-t", name}, keys...)
	output, err := m.run(args...)
	if err != nil {
		return m.paneError(name, "send-keys", output, err)
	}
	return nil
}

// ResizeWindow sets a manual window size for the session.
func (m *Manager) ResizeWindow(name string, cols, rows int) error {
	output, err := m.run("resize-window", "-t", name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if err != nil {
		return m.paneError(name, "resize-window", output, err)
	}
	return nil
}

// PanePID returns the pid of the process running in the session's pane.
func (m *Manager) PanePID(name string) (int, error) {
	output, err := m.run("display-message", "-p", "-t", name, "#{pane_pid}")
	if err != nil {
		return 0, m.paneError(name, "display-message", output, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "invalid pane pid", err)
	}
	return pid, nil
}

// PipePane appends everything the pane prints to path.
func (m *Manager) PipePane(name, path string) error {
	output, err := m.run("pipe-pane", "-o", "-t", name, "cat >> "+ShellQuote(path))
	if err != nil {
		return m.paneError(name, "pipe-pane", output, err)
	}
	return nil
}

// paneError classifies a failed pane-targeted command. The tmux output is
// kept in the cause so "can't find pane" stays visible to IsTransient.
func (m *Manager) paneError(name, op, output string, err error) error {
	if isCommandNotFound(err) {
		return apperrors.TmuxNotInstalled()
	}
	detail := strings.TrimSpace(output)
	if isSessionMissing(output) || isNoServerRunning(output, err) {
		return apperrors.Wrap(apperrors.CodeSessionNotFound,
			fmt.Sprintf("session '%s' not found", name), fmt.Errorf("%s: %s", op, detail))
	}
	return apperrors.Wrap(apperrors.CodeInternal,
		fmt.Sprintf("tmux %s failed for session '%s'", op, name), fmt.Errorf("%s: %w", detail, err))
}

// ShellQuote wraps s in single quotes for /bin/sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellJoin quotes command and args into one shell command line.
func ShellJoin(command string, args []string) string {
	if command == "" {
		return ""
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, ShellQuote(command))
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// parseTmuxListOutput parses the tab-delimited output from tmux list-sessions.
// Each line contains: session_name\twindows\tattached\tcreated_at
func parseTmuxListOutput(output string) ([]SessionInfo, error) {
	var sessions []SessionInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		info, err := parseTmuxSessionLine(line)
		if err != nil {
			continue
		}
		sessions = append(sessions, info)
	}

	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "error reading tmux output", err)
	}

	return sessions, nil
}

// parseTmuxSessionLine parses a single line of tmux list-sessions output.
func parseTmuxSessionLine(line string) (SessionInfo, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != 4 {
		return SessionInfo{}, apperrors.New(apperrors.CodeInternal, "invalid tmux session line format")
	}

	windows, err := strconv.Atoi(parts[1])
	if err != nil {
		return SessionInfo{}, apperrors.Wrap(apperrors.CodeInternal, "invalid window count", err)
	}

	createdAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return SessionInfo{}, apperrors.Wrap(apperrors.CodeInternal, "invalid created_at timestamp", err)
	}

	return SessionInfo{
		Name:      parts[0],
		Windows:   windows,
		Attached:  parts[2] == "1",
		CreatedAt: time.Unix(createdAt, 0),
	}, nil
}

// isCommandNotFound checks if the error indicates tmux is not installed.
func isCommandNotFound(err error) bool {
	if err == nil {
		return false
	}
	if err == exec.ErrNotFound {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "executable file not found") ||
		strings.Contains(errMsg, "no such file or directory")
}

// isNoServerRunning checks if the tmux output indicates no server is running.
func isNoServerRunning(output string, err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no server running") ||
		strings.Contains(lower, "error connecting to") ||
		strings.Contains(lower, "no sessions")
}

// isSessionMissing checks for tmux's "target does not exist" messages.
func isSessionMissing(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "can't find session") ||
		strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "can't find pane") ||
		strings.Contains(lower, "pane not found") ||
		strings.Contains(lower, "can't find window")
}
