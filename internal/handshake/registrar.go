// Package handshake drives a freshly created session from "process started"
// to "agent confirmed ready".
//
// A registration moves through
//
//	Created -> Initializing -> AwaitingReady -> Ready
//	Created -> Initializing -> Failed
//	Created -> Initializing -> AwaitingReady -> Failed
//
// In Initializing the launch bytes are typed into the session. In
// AwaitingReady the registrar waits for one of three signals: a marker line
// in the session output, a marker file on disk, or a Confirm call carrying
// the registration token.
package handshake

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/termbuf"
)

// State is a registration state.
type State string

const (
	StateCreated       State = "created"
	StateInitializing  State = "initializing"
	StateAwaitingReady State = "awaiting_ready"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Active reports whether s counts against the initialization cap.
func (s State) Active() bool {
	return s == StateInitializing || s == StateAwaitingReady
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// DefaultPollInterval is how often readiness is checked.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultTimeout applies when a Record has no timeout.
const DefaultTimeout = 2 * time.Minute

// Target is the part of a backend the registrar needs.
type Target interface {
	SessionExists(name string) bool
	Write(name string, data []byte) error
	GetTerminalBuffer(name string) (*termbuf.Buffer, error)
}

// Record is the context for one initialization attempt.
type Record struct {
	SessionName string
	Role        string
	Runtime     string
	Timeout     time.Duration
	Attempt     int
	LastError   error
}

// Signal selects which readiness signals are accepted. Any one suffices.
type Signal struct {
	// Marker is searched for in the session output, escape sequences removed.
	Marker string

	// MarkerFile is ready once it exists.
	MarkerFile string

	// Callback enables Confirm for this registration; Token must match.
	Callback bool
	Token    string
}

// Result describes a successful registration.
type Result struct {
	SessionName string
	State       State
	Via         string // "marker", "file" or "callback"
	Message     string
	Duration    time.Duration
}

// Observer receives every state transition.
type Observer func(name string, from, to State)

// Options configures a Registrar.
type Options struct {
	PollInterval time.Duration
	Observer     Observer
	Logger       *zap.Logger
}

type pending struct {
	token string
	ready chan struct{}
	once  sync.Once
}

// Registrar runs registrations. It is safe for concurrent use; each session
// name has at most one registration in flight.
type Registrar struct {
	target   Target
	poll     time.Duration
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	states  map[string]State
	pending map[string]*pending
}

// NewRegistrar creates a Registrar for sessions hosted by target.
func NewRegistrar(target Target, opts Options) *Registrar {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		target:   target,
		poll:     opts.PollInterval,
		observer: opts.Observer,
		logger:   logger.With(zap.String("component", "handshake")),
		states:   make(map[string]State),
		pending:  make(map[string]*pending),
	}
}

// NewToken returns a fresh registration token.
func NewToken() string {
	return uuid.NewString()
}

// Run performs one registration attempt. It returns a
// registration.transient error when the session vanished, registration.fatal
// for other failures, and registration.timeout when no signal arrived in time.
func (r *Registrar) Run(ctx context.Context, rec Record, launch []byte, sig Signal) (*Result, error) {
	name := rec.SessionName
	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	log := r.logger.With(zap.String("session", name), zap.Int("attempt", rec.Attempt))

	var p *pending
	if sig.Callback {
		p = &pending{token: sig.Token, ready: make(chan struct{})}
	}

	r.mu.Lock()
	from, ok := r.states[name]
	if ok && (from.Active() || from == StateCreated) {
		r.mu.Unlock()
		return nil, apperrors.RegistrationFatal(name, "registration already in progress", nil)
	}
	r.states[name] = StateCreated
	if p != nil {
		r.pending[name] = p
	}
	obs := r.observer
	r.mu.Unlock()
	defer r.clearPending(name, p)

	if obs != nil {
		obs(name, from, StateCreated)
	}
	r.transition(name, StateInitializing)

	if !r.target.SessionExists(name) {
		return nil, r.fail(name, apperrors.RegistrationTransient(name, "session disappeared before initialization", nil))
	}
	if len(launch) > 0 {
		if err := r.target.Write(name, launch); err != nil {
			if apperrors.IsTransient(err) || apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
				return nil, r.fail(name, apperrors.RegistrationTransient(name, "pane not found while writing launch command", err))
			}
			return nil, r.fail(name, apperrors.RegistrationFatal(name, "write launch command", err))
		}
	}

	r.transition(name, StateAwaitingReady)
	log.Debug("awaiting ready signal", zap.Duration("timeout", timeout))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var callback <-chan struct{}
	if p != nil {
		callback = p.ready
	}
	var scan markerScan

	for {
		if via, ok := r.check(name, sig, &scan); ok {
			return r.succeed(name, via, start), nil
		}

		select {
		case <-ctx.Done():
			return nil, r.fail(name, apperrors.RegistrationFatal(name, "registration cancelled", ctx.Err()))
		case <-callback:
			return r.succeed(name, "callback", start), nil
		case <-deadline.C:
			// A last look so a signal that landed with the deadline still counts.
			if via, ok := r.check(name, sig, &scan); ok {
				return r.succeed(name, via, start), nil
			}
			return nil, r.fail(name, apperrors.RegistrationTimeout(name, timeout.Milliseconds()))
		case <-ticker.C:
		}

		if !r.target.SessionExists(name) {
			return nil, r.fail(name, apperrors.RegistrationTransient(name, "pane not found while awaiting ready", nil))
		}
	}
}

// markerOverlap is how much raw output is carried between scans, on top of
// the marker length, so a marker split by a write boundary or wrapped in
// escape sequences is still found.
const markerOverlap = 256

// markerScan searches a session's raw output incrementally. Each check only
// strips and searches what was written since the previous one.
type markerScan struct {
	buf   *termbuf.Buffer
	pos   int64
	carry string
}

func (s *markerScan) found(buf *termbuf.Buffer, marker string) bool {
	if buf != s.buf {
		*s = markerScan{buf: buf}
	}
	tail, next := buf.Since(s.pos)
	s.pos = next
	if tail == "" {
		return false
	}
	window := s.carry + tail
	if strings.Contains(ansi.Strip(window), marker) {
		return true
	}
	if keep := len(marker) + markerOverlap; len(window) > keep {
		window = window[len(window)-keep:]
	}
	s.carry = window
	return false
}

// check looks for the marker and the marker file.
func (r *Registrar) check(name string, sig Signal, scan *markerScan) (string, bool) {
	if sig.Marker != "" {
		if buf, err := r.target.GetTerminalBuffer(name); err == nil {
			if buf.Contains(sig.Marker) || scan.found(buf, sig.Marker) {
				return "marker", true
			}
		}
	}
	if sig.MarkerFile != "" {
		if _, err := os.Stat(sig.MarkerFile); err == nil {
			return "file", true
		}
	}
	return "", false
}

func (r *Registrar) succeed(name, via string, start time.Time) *Result {
	r.transition(name, StateReady)
	d := time.Since(start)
	r.logger.Info("agent ready", zap.String("session", name), zap.String("via", via), zap.Duration("took", d))
	return &Result{
		SessionName: name,
		State:       StateReady,
		Via:         via,
		Message:     fmt.Sprintf("agent in session '%s' is ready (%s after %s)", name, via, d.Round(time.Millisecond)),
		Duration:    d,
	}
}

func (r *Registrar) fail(name string, err error) error {
	r.transition(name, StateFailed)
	r.logger.Warn("registration failed", zap.String("session", name), zap.Error(err))
	return err
}

func (r *Registrar) transition(name string, to State) {
	r.mu.Lock()
	from := r.states[name]
	r.states[name] = to
	obs := r.observer
	r.mu.Unlock()

	if obs != nil {
		obs(name, from, to)
	}
}

func (r *Registrar) clearPending(name string, p *pending) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[name] == p {
		delete(r.pending, name)
	}
}

// Confirm delivers the callback signal for name. It fails with
// registration.not_pending when no callback registration is waiting or the
// token does not match.
func (r *Registrar) Confirm(name, token string) error {
	r.mu.Lock()
	p, ok := r.pending[name]
	r.mu.Unlock()

	if !ok || p.token != token {
		return apperrors.RegistrationNotPending(name)
	}
	p.once.Do(func() { close(p.ready) })
	return nil
}

// State returns the latest state recorded for name.
func (r *Registrar) State(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	return st, ok
}

// Forget drops the recorded state for name.
func (r *Registrar) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, name)
}

// ActiveCount returns how many registrations are Initializing or
// AwaitingReady.
func (r *Registrar) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st.Active() {
			n++
		}
	}
	return n
}
