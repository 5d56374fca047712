package session

import (
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/agentfleet/host/internal/events"
)

// startStreaming launches the output loop for c. Every tracked connection
// gets exactly one loop; c.done is closed when it returns.
func (m *Manager) startStreaming(c *connection) {
	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	go m.stream(c)
}

// stream captures the session tail every StreamInterval plus jitter and
// publishes an output event when the text, ignoring escape sequences,
// differs from the previous tick. It stops when halted, when the session
// is gone, or on the first capture error.
func (m *Manager) stream(c *connection) {
	log := m.logger.With(zap.String("session", c.name))
	defer func() {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		timer := time.NewTimer(m.nextTick())
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.backend.SessionExists(c.name) {
			log.Debug("session gone, streaming stopped")
			m.handleExit(c.name)
			return
		}

		out, err := m.backend.CaptureOutput(c.name, m.settings.StreamCaptureLines)
		if err != nil {
			log.Warn("capture failed, streaming stopped", zap.Error(err))
			return
		}

		stripped := ansi.Strip(out)
		c.mu.Lock()
		changed := stripped != c.lastOutput
		if changed {
			c.lastOutput = stripped
		}
		c.mu.Unlock()

		if changed {
			m.sink.Publish(events.New(events.TypeOutput, c.name, map[string]any{"content": out}))
		}
	}
}

func (m *Manager) nextTick() time.Duration {
	d := m.settings.StreamInterval
	if j := m.settings.StreamJitter; j > 0 {
		d += rand.N(j)
	}
	return d
}
