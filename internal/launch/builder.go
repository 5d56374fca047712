// Package launch turns structured launch parameters into the literal bytes
// typed into a freshly created session.
package launch

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// Runtime names the program that runs inside a session.
type Runtime string

const (
	RuntimeShell      Runtime = "shell"
	RuntimeClaudeCode Runtime = "claude-code"
	RuntimeCodex      Runtime = "codex"
)

// DefaultRuntime is used when neither the caller nor storage names one.
const DefaultRuntime = RuntimeClaudeCode

// DefaultReadyMarker is the prefix a program prints to announce readiness.
const DefaultReadyMarker = "AGENTFLEET_READY"

// Environment markers exported into every session before the program starts.
const (
	EnvSession           = "AGENTFLEET_SESSION"
	EnvRole              = "AGENTFLEET_ROLE"
	EnvRegistrationToken = "AGENTFLEET_REGISTRATION_TOKEN"
	EnvReadyMarker       = "AGENTFLEET_READY_MARKER"
)

// ReadyMode is how a runtime tells the host it is ready.
type ReadyMode int

const (
	// ReadyOnMarker means a "<marker>:<token>" line appears in the output.
	ReadyOnMarker ReadyMode = iota
	// ReadyOnCallback means the program calls back with its token.
	ReadyOnCallback
)

func (m ReadyMode) String() string {
	if m == ReadyOnCallback {
		return "callback"
	}
	return "marker"
}

// Program describes how to start one runtime.
type Program struct {
	Command string
	Args    []string

	// PromptFlag precedes the prompt argument. Empty passes the prompt as
	// the last positional argument.
	PromptFlag string

	Ready ReadyMode
}

// Params are the inputs for one launch.
type Params struct {
	SessionName string
	Role        string
	Runtime     Runtime
	Cwd         string
	Prompt      string

	// Env holds extra variables exported alongside the markers.
	Env map[string]string

	// ReadyMarker overrides DefaultReadyMarker.
	ReadyMarker string

	RegistrationToken string
}

// Builder holds the runtime registry.
type Builder struct {
	programs map[Runtime]Program
}

// NewBuilder returns a Builder that knows the shell, claude-code and codex
// runtimes.
func NewBuilder() *Builder {
	return &Builder{
		programs: map[Runtime]Program{
			RuntimeShell:      {Ready: ReadyOnMarker},
			RuntimeClaudeCode: {Command: "claude", Ready: ReadyOnCallback},
			RuntimeCodex:      {Command: "codex", Ready: ReadyOnCallback},
		},
	}
}

// Register adds or replaces a runtime.
func (b *Builder) Register(r Runtime, p Program) {
	b.programs[r] = p
}

// Lookup returns the program registered for r.
func (b *Builder) Lookup(r Runtime) (Program, bool) {
	p, ok := b.programs[ParseRuntime(string(r))]
	return p, ok
}

// Runtimes lists registered runtimes in sorted order.
func (b *Builder) Runtimes() []Runtime {
	out := make([]Runtime, 0, len(b.programs))
	for r := range b.programs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build returns the bytes to type into the session, ending with a carriage
// return so the shell runs them.
//
// The shape is:
//
//	export K='v' ...; cd '<cwd>' && <program>
//
// For marker runtimes the program line prints the marker split across two
// printf arguments, so the echoed command line never contains the full
// marker and only real execution can satisfy the handshake.
func (b *Builder) Build(p Params) ([]byte, error) {
	rt := ParseRuntime(string(p.Runtime))
	if rt == "" {
		rt = DefaultRuntime
	}
	prog, ok := b.programs[rt]
	if !ok {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, fmt.Sprintf("unknown runtime '%s'", p.Runtime))
	}
	if p.SessionName == "" {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, "session name is required")
	}

	marker := p.ReadyMarker
	if marker == "" {
		marker = DefaultReadyMarker
	}

	var sb strings.Builder
	sb.WriteString("export ")
	sb.WriteString(exportList(p, marker))
	sb.WriteString("; ")

	if p.Cwd != "" {
		sb.WriteString("cd ")
		sb.WriteString(Quote(p.Cwd))
		sb.WriteString(" && ")
	}

	sb.WriteString(programLine(prog, p, marker))
	sb.WriteString("\r")
	return []byte(sb.String()), nil
}

func exportList(p Params, marker string) string {
	vars := map[string]string{
		EnvSession:           p.SessionName,
		EnvRole:              p.Role,
		EnvRegistrationToken: p.RegistrationToken,
		EnvReadyMarker:       marker,
	}
	for k, v := range p.Env {
		if _, reserved := vars[k]; reserved {
			continue
		}
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+Quote(vars[k]))
	}
	return strings.Join(parts, " ")
}

func programLine(prog Program, p Params, marker string) string {
	var parts []string
	if prog.Command != "" {
		parts = append(parts, Quote(prog.Command))
		for _, a := range prog.Args {
			parts = append(parts, Quote(a))
		}
		if p.Prompt != "" {
			if prog.PromptFlag != "" {
				parts = append(parts, prog.PromptFlag)
			}
			parts = append(parts, Quote(p.Prompt))
		}
	}

	// A marker runtime without a command of its own prints the marker
	// directly.
	if prog.Ready == ReadyOnMarker && len(parts) == 0 {
		return fmt.Sprintf("printf '%%s%%s\\n' %s %s", Quote(marker), Quote(":"+p.RegistrationToken))
	}
	return strings.Join(parts, " ")
}

// MarkerLine is the exact text a ready program prints.
func MarkerLine(marker, token string) string {
	if marker == "" {
		marker = DefaultReadyMarker
	}
	return marker + ":" + token
}

// ParseRuntime normalizes a runtime name. Empty stays empty.
func ParseRuntime(name string) Runtime {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "claude", "claudecode", "claude_code":
		return RuntimeClaudeCode
	case "sh", "bash":
		return RuntimeShell
	}
	return Runtime(n)
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
