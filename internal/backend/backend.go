// Package backend defines the contract every session-hosting strategy
// implements and the factory that owns the process-wide active backend.
//
// A backend hosts named interactive sessions. Two strategies exist today:
// pty (a pseudoterminal spawned directly by this process) and tmux (sessions
// inside an external terminal multiplexer). Callers only ever see Backend, so
// adding a third strategy means registering one more Constructor.
package backend

import (
	"strings"
	"time"

	"github.com/agentfleet/host/internal/termbuf"
)

// Type identifies a session-hosting strategy.
type Type string

const (
	TypePTY  Type = "pty"
	TypeTmux Type = "tmux"
)

// ParseType normalizes a configured backend name. "multiplexer" is accepted
// as an alias of tmux. Unknown names are returned lowercased so the factory
// can report them as unsupported.
func ParseType(name string) Type {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "multiplexer" {
		return TypeTmux
	}
	return Type(name)
}

// Session describes one live session owned by a backend.
type Session struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Cwd       string    `json:"cwd"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// Cwd is the working directory. Empty means the host's cwd.
	Cwd string

	// Command is the program to run. Empty means the user's shell.
	Command string
	Args    []string

	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string

	// Cols and Rows default to the backend's configured size when zero.
	Cols int
	Rows int
}

// Backend is the capability set shared by every hosting strategy.
//
// Implementations must be safe for concurrent use. A session name is unique
// per backend instance; CreateSession on a taken name fails with
// session.already_exists, and a spawn failure is backend.unavailable.
type Backend interface {
	Type() Type

	CreateSession(name string, opts CreateOptions) (*Session, error)
	KillSession(name string) error
	SessionExists(name string) bool
	ListSessions() []string
	GetSession(name string) (*Session, bool)

	// CaptureOutput returns the last maxLines rendered lines.
	CaptureOutput(name string, maxLines int) (string, error)
	GetTerminalBuffer(name string) (*termbuf.Buffer, error)

	// Write sends raw bytes to the session's input.
	Write(name string, data []byte) error
	// SendKey sends a named key such as "Enter" or "C-c".
	SendKey(name, key string) error
	Resize(name string, cols, rows int) error

	// OnSessionExit registers a callback fired once per session when its
	// process ends on its own. It is not fired for KillSession.
	OnSessionExit(fn func(name string))

	// Destroy kills every session owned by this instance.
	Destroy() error
}

// keySequences maps key names to the bytes a terminal sends for them.
var keySequences = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"tab":       "\t",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"bspace":    "\x7f",
	"space":     " ",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"ppage":     "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"npage":     "\x1b[6~",
	"delete":    "\x1b[3~",
	"dc":        "\x1b[3~",
	"btab":      "\x1b[Z",
}

// KeySequence translates a key name into the bytes to write to a terminal.
// Control chords are written "C-x" or "ctrl-x". The second result is false
// for names that are not recognized.
func KeySequence(key string) ([]byte, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	if seq, ok := keySequences[k]; ok {
		return []byte(seq), true
	}

	for _, prefix := range []string{"c-", "ctrl-", "ctrl+"} {
		if rest, ok := strings.CutPrefix(k, prefix); ok && len(rest) == 1 {
			c := rest[0]
			switch {
			case c >= 'a' && c <= 'z':
				return []byte{c - 'a' + 1}, true
			case c == '[':
				return []byte{0x1b}, true
			case c == '\\':
				return []byte{0x1c}, true
			}
		}
	}
	return nil, false
}
