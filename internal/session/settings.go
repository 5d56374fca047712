package session

import (
	"strings"
	"time"

	"github.com/agentfleet/host/internal/config"
	"github.com/agentfleet/host/internal/launch"
)

// Settings holds the Manager's timing and limit knobs.
type Settings struct {
	// MaxConcurrentInit caps sessions in Initializing or AwaitingReady.
	MaxConcurrentInit int

	// CreationDelay separates two queued creations.
	CreationDelay time.Duration

	// RestartDelay follows the kill of a same-named session.
	RestartDelay time.Duration

	CreateAttempts   int
	CreateRetryDelay time.Duration

	// CapPollInitial and CapPollMax bound the backoff while waiting for a
	// cap slot.
	CapPollInitial time.Duration
	CapPollMax     time.Duration

	StreamInterval     time.Duration
	StreamJitter       time.Duration
	StreamCaptureLines int

	RegistrationTimeout time.Duration
	RegistrationPoll    time.Duration
	// RoleTimeouts override RegistrationTimeout per lowercased role.
	RoleTimeouts map[string]time.Duration

	InputRatePerSec float64
	InputBurst      int

	DefaultRuntime launch.Runtime
	ReadyMarker    string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		CreationDelay:    config.Millis(config.DefaultCreationDelayMs),
		RestartDelay:     config.Millis(config.DefaultRestartDelayMs),
		CreateRetryDelay: config.Millis(config.DefaultCreateRetryDelayMs),
		StreamJitter:     config.Millis(config.DefaultStreamJitterMs),
	}.withDefaults()
}

// SettingsFromConfig converts a defaulted config.Config.
func SettingsFromConfig(c config.Config) Settings {
	roles := make(map[string]time.Duration, len(c.RoleTimeouts))
	for role, ms := range c.RoleTimeouts {
		roles[strings.ToLower(role)] = config.Millis(ms)
	}
	return Settings{
		MaxConcurrentInit:   c.MaxConcurrentInit,
		CreationDelay:       config.Millis(c.CreationDelayMs),
		RestartDelay:        config.Millis(c.RestartDelayMs),
		CreateAttempts:      c.CreateAttempts,
		CreateRetryDelay:    config.Millis(c.CreateRetryDelayMs),
		StreamInterval:      config.Millis(c.StreamIntervalMs),
		StreamJitter:        config.Millis(c.StreamJitterMs),
		StreamCaptureLines:  c.StreamCaptureLines,
		RegistrationTimeout: config.Millis(c.RegistrationTimeoutMs),
		RegistrationPoll:    config.Millis(c.RegistrationPollMs),
		RoleTimeouts:        roles,
		InputRatePerSec:     float64(c.InputRatePerSec),
	}.withDefaults()
}

// withDefaults fills zero values. Delays may legitimately be zero, so only
// negative delays are reset.
func (s Settings) withDefaults() Settings {
	if s.MaxConcurrentInit <= 0 {
		s.MaxConcurrentInit = config.DefaultMaxConcurrentInit
	}
	if s.CreationDelay < 0 {
		s.CreationDelay = 0
	}
	if s.RestartDelay < 0 {
		s.RestartDelay = 0
	}
	if s.CreateAttempts <= 0 {
		s.CreateAttempts = config.DefaultCreateAttempts
	}
	if s.CreateRetryDelay < 0 {
		s.CreateRetryDelay = 0
	}
	if s.CapPollInitial <= 0 {
		s.CapPollInitial = 100 * time.Millisecond
	}
	if s.CapPollMax <= 0 {
		s.CapPollMax = time.Second
	}
	if s.StreamInterval <= 0 {
		s.StreamInterval = config.Millis(config.DefaultStreamIntervalMs)
	}
	if s.StreamJitter < 0 {
		s.StreamJitter = 0
	}
	if s.StreamCaptureLines <= 0 {
		s.StreamCaptureLines = config.DefaultStreamCaptureLines
	}
	if s.RegistrationTimeout <= 0 {
		s.RegistrationTimeout = config.Millis(config.DefaultRegistrationTimeoutMs)
	}
	if s.RegistrationPoll <= 0 {
		s.RegistrationPoll = config.Millis(config.DefaultRegistrationPollMs)
	}
	if s.InputRatePerSec <= 0 {
		s.InputRatePerSec = config.DefaultInputRatePerSec
	}
	if s.InputBurst <= 0 {
		s.InputBurst = int(s.InputRatePerSec)
		if s.InputBurst < 1 {
			s.InputBurst = 1
		}
	}
	if s.DefaultRuntime == "" {
		s.DefaultRuntime = launch.DefaultRuntime
	}
	if s.ReadyMarker == "" {
		s.ReadyMarker = launch.DefaultReadyMarker
	}
	return s
}

// timeoutFor returns the registration timeout for cfg.
func (s Settings) timeoutFor(cfg Config) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	if d, ok := s.RoleTimeouts[strings.ToLower(cfg.Role)]; ok && d > 0 {
		return d
	}
	return s.RegistrationTimeout
}
