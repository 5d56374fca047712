package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agentfleet/host/internal/events"
)

func newStreamingManager(t *testing.T) (*Manager, *fakeBackend, *recorder) {
	t.Helper()
	fb := newFakeBackend()
	m, rec := newTestManager(t, fb, func(o *Options) {
		o.Settings.StreamInterval = 5 * time.Millisecond
		o.Settings.StreamJitter = 0
	})
	if _, err := m.CreateSession(context.Background(), Config{Name: "dev"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	return m, fb, rec
}

func outputsWith(rec *recorder, content string) int {
	n := 0
	for _, e := range rec.ofType(events.TypeOutput) {
		if e.Data["content"] == content {
			n++
		}
	}
	return n
}

func TestStream_EmitsOnlyOnChange(t *testing.T) {
	m, fb, rec := newStreamingManager(t)

	fb.setScreen("dev", "hello")
	waitFor(t, "output hello", func() bool { return outputsWith(rec, "hello") == 1 })

	// Same text with different styling is not a change.
	fb.setScreen("dev", "\x1b[1mhello\x1b[0m")
	time.Sleep(60 * time.Millisecond)
	if n := outputsWith(rec, "\x1b[1mhello\x1b[0m"); n != 0 {
		t.Errorf("restyled output emitted %d times, want 0", n)
	}
	if n := outputsWith(rec, "hello"); n != 1 {
		t.Errorf("unchanged output emitted %d times, want 1", n)
	}

	fb.setScreen("dev", "world")
	waitFor(t, "output world", func() bool { return outputsWith(rec, "world") == 1 })

	for _, e := range rec.ofType(events.TypeOutput) {
		if e.SessionName != "dev" {
			t.Errorf("output event for %q, want dev", e.SessionName)
		}
	}
	if st := m.Stats(); st.Streaming != 1 {
		t.Errorf("Stats().Streaming = %d, want 1", st.Streaming)
	}
}

func TestStream_StopsOnCaptureError(t *testing.T) {
	m, fb, _ := newStreamingManager(t)

	fb.mu.Lock()
	fb.captureErr = errors.New("capture-pane failed")
	fb.mu.Unlock()

	waitFor(t, "streaming to stop", func() bool { return m.Stats().Streaming == 0 })
	if !m.SessionExists("dev") {
		t.Error("a capture error should stop streaming, not remove the session")
	}
	if err := m.DestroySession("dev"); err != nil {
		t.Errorf("DestroySession() after stopped stream error: %v", err)
	}
}

func TestStream_StopsWhenSessionGone(t *testing.T) {
	m, fb, rec := newStreamingManager(t)

	fb.vanish("dev")

	waitFor(t, "session removal", func() bool { return !m.SessionExists("dev") })
	waitFor(t, "session_exited", func() bool {
		return reflect.DeepEqual(rec.sessionsOf(events.TypeSessionExited), []string{"dev"})
	})
	if st := m.Stats(); st.Streaming != 0 || st.Sessions != 0 {
		t.Errorf("Stats() = %+v, want no sessions streaming", st)
	}
}

func TestStream_DestroyStopsLoop(t *testing.T) {
	m, fb, rec := newStreamingManager(t)

	fb.setScreen("dev", "busy")
	waitFor(t, "first output", func() bool { return outputsWith(rec, "busy") == 1 })

	if err := m.DestroySession("dev"); err != nil {
		t.Fatalf("DestroySession() error: %v", err)
	}
	before := len(rec.ofType(events.TypeOutput))
	time.Sleep(30 * time.Millisecond)
	if after := len(rec.ofType(events.TypeOutput)); after != before {
		t.Errorf("output events grew from %d to %d after destroy", before, after)
	}
}

func TestNextTickStaysInRange(t *testing.T) {
	m := &Manager{settings: Settings{StreamInterval: 10 * time.Millisecond, StreamJitter: 5 * time.Millisecond}}
	for i := 0; i < 100; i++ {
		d := m.nextTick()
		if d < 10*time.Millisecond || d >= 15*time.Millisecond {
			t.Fatalf("nextTick() = %v, want [10ms, 15ms)", d)
		}
	}
}
