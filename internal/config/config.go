// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.agentfleet/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Backend is the preferred session backend: "pty" or "tmux".
	// "multiplexer" is accepted as an alias of "tmux".
	// Default: tmux
	Backend string `toml:"backend"`

	// DisabledBackend names a backend type that must never be constructed.
	// Requests for it fail fast with backend.disabled.
	DisabledBackend string `toml:"disabled_backend"`

	// StateDir holds the lock file, tmux pipe logs and the database.
	// Default: ~/.agentfleet
	StateDir string `toml:"state_dir"`

	// DBPath is the path to the SQLite database.
	// Default: <state_dir>/agentfleet.db
	DBPath string `toml:"db_path"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// EventsAddr is the host:port for the websocket events hub.
	// Empty disables the hub.
	EventsAddr string `toml:"events_addr"`

	// TmuxSocket is passed to tmux as -L so agentfleet sessions live on
	// their own server. Empty uses the default tmux server.
	TmuxSocket string `toml:"tmux_socket"`

	// MaxConcurrentInit caps how many sessions may be initializing at once.
	// Default: 2
	MaxConcurrentInit int `toml:"max_concurrent_init"`

	// CreationDelayMs is the pause between two queued creations.
	// Default: 3000
	CreationDelayMs int `toml:"creation_delay_ms"`

	// RestartDelayMs is the pause after killing an existing session of the
	// same name before recreating it.
	// Default: 1000
	RestartDelayMs int `toml:"restart_delay_ms"`

	// CreateAttempts is the number of attempts for team-member sessions.
	// Default: 3
	CreateAttempts int `toml:"create_attempts"`

	// CreateRetryDelayMs is the pause between two attempts.
	// Default: 1000
	CreateRetryDelayMs int `toml:"create_retry_delay_ms"`

	// StreamIntervalMs is the base interval of the output streaming loop.
	// Default: 3000
	StreamIntervalMs int `toml:"stream_interval_ms"`

	// StreamJitterMs is the maximum random jitter added to each tick.
	// Default: 1000
	StreamJitterMs int `toml:"stream_jitter_ms"`

	// StreamCaptureLines is how many lines each streaming tick captures.
	// Default: 50
	StreamCaptureLines int `toml:"stream_capture_lines"`

	// HistoryBytes bounds the raw output history kept per session.
	// Default: 10485760 (10 MiB)
	HistoryBytes int `toml:"history_bytes"`

	// ScrollbackLines bounds the rendered scrollback kept per session.
	// Default: 10000
	ScrollbackLines int `toml:"scrollback_lines"`

	// Cols and Rows are the default terminal dimensions.
	// Default: 120x40
	Cols int `toml:"cols"`
	Rows int `toml:"rows"`

	// RegistrationTimeoutMs is the readiness timeout for roles without an
	// entry in RoleTimeouts.
	// Default: 120000
	RegistrationTimeoutMs int `toml:"registration_timeout_ms"`

	// RegistrationPollMs is how often the handshake checks for readiness.
	// Default: 500
	RegistrationPollMs int `toml:"registration_poll_ms"`

	// InputRatePerSec bounds input messages per session per second.
	// Default: 20
	InputRatePerSec int `toml:"input_rate_per_sec"`

	// RoleTimeouts maps an agent role to its readiness timeout in ms.
	RoleTimeouts map[string]int `toml:"role_timeouts"`
}

// DefaultConfigPath returns the default config file location: ~/.agentfleet/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultStateDirName, "config.toml"), nil
}

// WriteDefault creates a commented starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# agentfleet host configuration

# Session backend: "tmux" or "pty"
backend = %q

# At most this many sessions initialize at the same time
max_concurrent_init = %d

# Pause between queued session creations (ms)
creation_delay_ms = %d

# Default terminal size
cols = %d
rows = %d

# Websocket events hub; leave empty to disable
# events_addr = "127.0.0.1:7071"

[role_timeouts]
orchestrator = %d
developer = %d
reviewer = %d
`, DefaultBackend, DefaultMaxConcurrentInit, DefaultCreationDelayMs,
		DefaultCols, DefaultRows,
		DefaultRoleTimeouts["orchestrator"], DefaultRoleTimeouts["developer"], DefaultRoleTimeouts["reviewer"])

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.agentfleet/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// The returned Config is not defaulted; call WithDefaults before use.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Encode writes c to w as TOML.
func Encode(w io.Writer, c Config) error {
	return toml.NewEncoder(w).Encode(c)
}

// WithDefaults returns a copy of c with every zero value replaced by its
// default. Role timeouts from the file are merged over the defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.Backend == "" {
		out.Backend = DefaultBackend
	}
	if out.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			out.StateDir = filepath.Join(home, DefaultStateDirName)
		} else {
			out.StateDir = DefaultStateDirName
		}
	}
	if out.DBPath == "" {
		out.DBPath = filepath.Join(out.StateDir, DefaultDBName)
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	setDefault(&out.MaxConcurrentInit, DefaultMaxConcurrentInit)
	setDefault(&out.CreationDelayMs, DefaultCreationDelayMs)
	setDefault(&out.RestartDelayMs, DefaultRestartDelayMs)
	setDefault(&out.CreateAttempts, DefaultCreateAttempts)
	setDefault(&out.CreateRetryDelayMs, DefaultCreateRetryDelayMs)
	setDefault(&out.StreamIntervalMs, DefaultStreamIntervalMs)
	setDefault(&out.StreamJitterMs, DefaultStreamJitterMs)
	setDefault(&out.StreamCaptureLines, DefaultStreamCaptureLines)
	setDefault(&out.HistoryBytes, DefaultHistoryBytes)
	setDefault(&out.ScrollbackLines, DefaultScrollbackLines)
	setDefault(&out.Cols, DefaultCols)
	setDefault(&out.Rows, DefaultRows)
	setDefault(&out.RegistrationTimeoutMs, DefaultRegistrationTimeoutMs)
	setDefault(&out.RegistrationPollMs, DefaultRegistrationPollMs)
	setDefault(&out.InputRatePerSec, DefaultInputRatePerSec)

	roles := make(map[string]int, len(DefaultRoleTimeouts)+len(c.RoleTimeouts))
	for role, ms := range DefaultRoleTimeouts {
		roles[role] = ms
	}
	for role, ms := range c.RoleTimeouts {
		roles[strings.ToLower(role)] = ms
	}
	out.RoleTimeouts = roles
	return out
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks a defaulted Config for values the host cannot run with.
func (c Config) Validate() error {
	preferred := normalizeBackend(c.Backend)
	if !knownBackend(preferred) {
		return apperrors.ConfigInvalid(fmt.Sprintf("unknown backend %q", c.Backend))
	}
	if c.DisabledBackend != "" {
		disabled := normalizeBackend(c.DisabledBackend)
		if !knownBackend(disabled) {
			return apperrors.ConfigInvalid(fmt.Sprintf("unknown disabled_backend %q", c.DisabledBackend))
		}
		if disabled == preferred {
			return apperrors.ConfigInvalid(fmt.Sprintf("preferred backend %q is disabled", c.Backend))
		}
	}

	positive := []struct {
		key string
		val int
	}{
		{"max_concurrent_init", c.MaxConcurrentInit},
		{"create_attempts", c.CreateAttempts},
		{"stream_interval_ms", c.StreamIntervalMs},
		{"stream_capture_lines", c.StreamCaptureLines},
		{"history_bytes", c.HistoryBytes},
		{"scrollback_lines", c.ScrollbackLines},
		{"cols", c.Cols},
		{"rows", c.Rows},
		{"registration_timeout_ms", c.RegistrationTimeoutMs},
		{"registration_poll_ms", c.RegistrationPollMs},
		{"input_rate_per_sec", c.InputRatePerSec},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return apperrors.ConfigInvalid(fmt.Sprintf("%s must be positive, got %d", p.key, p.val))
		}
	}

	nonNegative := []struct {
		key string
		val int
	}{
		{"creation_delay_ms", c.CreationDelayMs},
		{"restart_delay_ms", c.RestartDelayMs},
		{"create_retry_delay_ms", c.CreateRetryDelayMs},
		{"stream_jitter_ms", c.StreamJitterMs},
	}
	for _, p := range nonNegative {
		if p.val < 0 {
			return apperrors.ConfigInvalid(fmt.Sprintf("%s must not be negative, got %d", p.key, p.val))
		}
	}

	for role, ms := range c.RoleTimeouts {
		if ms <= 0 {
			return apperrors.ConfigInvalid(fmt.Sprintf("role_timeouts.%s must be positive, got %d", role, ms))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.ConfigInvalid(fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	return nil
}

// RegistrationTimeout returns the readiness timeout for role, falling back
// to RegistrationTimeoutMs for unknown roles.
func (c Config) RegistrationTimeout(role string) time.Duration {
	if ms, ok := c.RoleTimeouts[strings.ToLower(role)]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return Millis(c.RegistrationTimeoutMs)
}

// Millis converts a millisecond config value to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func normalizeBackend(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "multiplexer" {
		return "tmux"
	}
	return name
}

func knownBackend(name string) bool {
	return name == "pty" || name == "tmux"
}
