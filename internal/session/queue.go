package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentfleet/host/internal/backend"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/handshake"
	"github.com/agentfleet/host/internal/launch"
	"github.com/agentfleet/host/internal/storage"
)

// Outcome is delivered once per queued request.
type Outcome struct {
	Result *Result
	Err    error
}

type request struct {
	cfg    Config
	result chan Outcome
}

func (r *request) finish(res *Result, err error) {
	r.result <- Outcome{Result: res, Err: err}
}

// Enqueue adds cfg to the creation queue. The returned channel receives
// exactly one Outcome. Requests are processed one at a time in FIFO order.
func (m *Manager) Enqueue(cfg Config) <-chan Outcome {
	req := &request{cfg: cfg, result: make(chan Outcome, 1)}
	if cfg.Name == "" {
		req.finish(nil, apperrors.New(apperrors.CodeSessionCreateFailed, "session name is required"))
		return req.result
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		req.finish(nil, apperrors.QueueClosed())
		return req.result
	}
	m.queue = append(m.queue, req)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return req.result
}

func (m *Manager) next() *request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	req := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return req
}

// abandon answers every queued request with queue.closed.
func (m *Manager) abandon() {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, req := range pending {
		req.finish(nil, apperrors.QueueClosed())
	}
	if len(pending) > 0 {
		m.logger.Info("abandoned queued creations", zap.Int("count", len(pending)))
	}
}

// drain is the single consumer of the creation queue.
func (m *Manager) drain() {
	defer close(m.drainDone)

	var last time.Time
	for {
		if m.ctx.Err() != nil {
			m.abandon()
			return
		}

		req := m.next()
		if req == nil {
			select {
			case <-m.ctx.Done():
				m.abandon()
				return
			case <-m.wake:
			}
			continue
		}

		if !last.IsZero() {
			if wait := m.settings.CreationDelay - time.Since(last); wait > 0 {
				select {
				case <-m.ctx.Done():
					req.finish(nil, apperrors.QueueClosed())
					m.abandon()
					return
				case <-time.After(wait):
				}
			}
		}

		res, err := m.process(req.cfg)
		req.finish(res, err)
		last = time.Now()
	}
}

// process runs one request. A panic fails the request, not the queue.
func (m *Manager) process(cfg Config) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session creation panicked", zap.String("session", cfg.Name), zap.Any("panic", r))
			res, err = nil, apperrors.Internal(fmt.Sprintf("creating session '%s'", cfg.Name), fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = m.createWithRetry(cfg)
	if err != nil {
		m.failed.Add(1)
		m.logger.Warn("session creation failed", zap.String("session", cfg.Name), zap.Error(err))
		m.sink.Publish(events.New(events.TypeSessionFailed, cfg.Name, map[string]any{
			"error": err.Error(),
			"code":  apperrors.GetCode(err),
		}))
		return nil, err
	}
	m.created.Add(1)
	return res, nil
}

// createWithRetry retries transient failures up to cfg.Attempts times.
// Non-transient errors are returned unchanged after the first failure.
func (m *Manager) createWithRetry(cfg Config) (*Result, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	log := m.logger.With(zap.String("session", cfg.Name))

	for attempt := 1; ; attempt++ {
		res, err := m.createOnce(cfg, attempt)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		if attempt >= attempts {
			if attempts == 1 {
				return nil, err
			}
			return nil, apperrors.Wrap(apperrors.CodeSessionCreateFailed,
				fmt.Sprintf("session '%s' failed after %d attempts", cfg.Name, attempt), err)
		}

		log.Info("retrying session creation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		select {
		case <-m.ctx.Done():
			return nil, apperrors.QueueClosed()
		case <-time.After(m.settings.CreateRetryDelay):
		}
	}
}

// createOnce is one attempt: clean restart, cap slot, backend creation,
// launch and handshake. Any failure after the backend created the session
// kills it again.
func (m *Manager) createOnce(cfg Config, attempt int) (*Result, error) {
	name := cfg.Name
	log := m.logger.With(zap.String("session", name), zap.Int("attempt", attempt))

	if err := m.ensureFresh(name); err != nil {
		return nil, err
	}

	release, err := m.throttle(name)
	if err != nil {
		return nil, err
	}
	defer release()

	runtime := cfg.Runtime
	if runtime == "" {
		runtime = launch.RuntimeShell
	}
	prog, ok := m.launcher.Lookup(runtime)
	if !ok {
		return nil, apperrors.New(apperrors.CodeSessionCreateFailed, fmt.Sprintf("unknown runtime '%s'", runtime))
	}

	token := handshake.NewToken()
	launchBytes, err := m.launcher.Build(launch.Params{
		SessionName:       name,
		Role:              cfg.Role,
		Runtime:           runtime,
		Cwd:               cfg.Cwd,
		Prompt:            cfg.Prompt,
		Env:               cfg.Env,
		ReadyMarker:       m.settings.ReadyMarker,
		RegistrationToken: token,
	})
	if err != nil {
		return nil, err
	}

	sess, err := m.backend.CreateSession(name, backend.CreateOptions{
		Cwd:     cfg.Cwd,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     envList(cfg.Env),
		Cols:    cfg.Cols,
		Rows:    cfg.Rows,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("backend session created", zap.Int("pid", sess.PID))

	sig := handshake.Signal{MarkerFile: cfg.ReadyFile}
	if prog.Ready == launch.ReadyOnCallback {
		sig.Callback = true
		sig.Token = token
	} else {
		sig.Marker = launch.MarkerLine(m.settings.ReadyMarker, token)
	}

	hs, err := m.registrar.Run(m.ctx, handshake.Record{
		SessionName: name,
		Role:        cfg.Role,
		Runtime:     string(runtime),
		Timeout:     m.settings.timeoutFor(cfg),
		Attempt:     attempt,
	}, launchBytes, sig)
	if err != nil {
		m.killQuietly(name)
		return nil, err
	}

	cfg.Runtime = runtime
	c := newConnection(cfg, sess, rate.Limit(m.settings.InputRatePerSec), m.settings.InputBurst)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.killQuietly(name)
		return nil, apperrors.QueueClosed()
	}
	m.conns[name] = c
	m.mu.Unlock()

	m.startStreaming(c)
	m.recordStarted(c, sess)
	m.sink.Publish(events.New(events.TypeSessionCreated, name, map[string]any{
		"cwd":      c.cwd,
		"pid":      c.pid,
		"runtime":  string(runtime),
		"backend":  string(sess.Type),
		"attempts": attempt,
	}))
	log.Info("session created", zap.String("runtime", string(runtime)), zap.String("via", hs.Via))

	return &Result{
		Success:     true,
		SessionName: name,
		Message:     hs.Message,
		Session:     sess,
	}, nil
}

// ensureFresh removes any existing session with the same name, tracked or
// not, and waits RestartDelay after killing it.
func (m *Manager) ensureFresh(name string) error {
	m.mu.Lock()
	c, tracked := m.conns[name]
	if tracked {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if tracked {
		c.halt()
		<-c.done
		m.registrar.Forget(name)
		m.recordEnded(name, storage.HistoryKilled)
		m.sink.Publish(events.New(events.TypeSessionKilled, name, map[string]any{"reason": "restart"}))
	}
	if !tracked && !m.backend.SessionExists(name) {
		return nil
	}

	m.logger.Info("restarting existing session", zap.String("session", name))
	if err := m.backend.KillSession(name); err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		return err
	}

	select {
	case <-m.ctx.Done():
		return apperrors.QueueClosed()
	case <-time.After(m.settings.RestartDelay):
	}
	return nil
}

var errCapReached = errors.New("initialization cap reached")

// throttle waits with backoff until fewer than MaxConcurrentInit sessions
// are initializing, then marks name. The returned release must be called
// when the attempt finishes, successfully or not.
func (m *Manager) throttle(name string) (func(), error) {
	return m.throttleCtx(m.ctx, name)
}

func (m *Manager) throttleCtx(ctx context.Context, name string) (func(), error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.settings.CapPollInitial
	b.MaxInterval = m.settings.CapPollMax
	b.MaxElapsedTime = 0
	b.Reset()

	waited := false
	op := func() error {
		if m.tryMark(name) {
			return nil
		}
		if !waited {
			waited = true
			m.logger.Debug("waiting for initialization slot", zap.String("session", name))
		}
		return errCapReached
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if m.ctx.Err() != nil {
			return nil, apperrors.QueueClosed()
		}
		return nil, err
	}
	return func() { m.unmark(name) }, nil
}

func (m *Manager) tryMark(name string) bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if _, busy := m.initializing[name]; busy {
		return false
	}
	if len(m.initializing) >= m.settings.MaxConcurrentInit {
		return false
	}
	m.initializing[name] = struct{}{}
	if n := len(m.initializing); n > m.peakInit {
		m.peakInit = n
	}
	return true
}

func (m *Manager) unmark(name string) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	delete(m.initializing, name)
}

func (m *Manager) killQuietly(name string) {
	if err := m.backend.KillSession(name); err != nil && !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		m.logger.Warn("cleanup of half-created session failed", zap.String("session", name), zap.Error(err))
	}
}

func (m *Manager) recordStarted(c *connection, sess *backend.Session) {
	if m.history == nil {
		return
	}
	err := m.history.RecordSessionStarted(storage.SessionRecord{
		Name:      c.name,
		Backend:   string(sess.Type),
		Cwd:       c.cwd,
		PID:       c.pid,
		CreatedAt: c.createdAt,
	})
	if err != nil {
		m.logger.Warn("record session start failed", zap.String("session", c.name), zap.Error(err))
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
