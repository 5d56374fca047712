package pty

import (
	"strings"
	"testing"
	"time"

	"github.com/agentfleet/host/internal/termbuf"
)

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit in time")
	}
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// =============================================================================
// Start and metadata
// =============================================================================

func TestSession_CommandAndArgs(t *testing.T) {
	s := NewSession(SessionConfig{Name: "meta"})

	if err := s.Start("/bin/sh", "-c", "echo test"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if s.Command != "/bin/sh" {
		t.Errorf("Expected Command '/bin/sh', got %q", s.Command)
	}
	if len(s.Args) != 2 || s.Args[1] != "echo test" {
		t.Errorf("Args = %v", s.Args)
	}
	if s.PID() <= 0 {
		t.Errorf("PID() = %d, want > 0", s.PID())
	}

	waitDone(t, s)
}

func TestSession_CreatedAt(t *testing.T) {
	s := NewSession(SessionConfig{})
	if !s.CreatedAt.IsZero() {
		t.Error("CreatedAt should be zero before Start")
	}

	before := time.Now()
	if err := s.Start("/bin/sh", "-c", "true"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	after := time.Now()

	if s.CreatedAt.Before(before) || s.CreatedAt.After(after) {
		t.Errorf("CreatedAt %v should be between %v and %v", s.CreatedAt, before, after)
	}
	waitDone(t, s)
}

func TestSession_StartTwice(t *testing.T) {
	s := NewSession(SessionConfig{})
	if err := s.Start("/bin/sh", "-c", "sleep 1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(100 * time.Millisecond)

	if err := s.Start("/bin/sh"); err == nil {
		t.Error("second Start should fail")
	}
}

// =============================================================================
// Output capture
// =============================================================================

func TestSession_OutputReachesBuffer(t *testing.T) {
	buf := termbuf.New(termbuf.Options{Cols: 80, Rows: 10})
	s := NewSession(SessionConfig{Name: "out", Buffer: buf})

	if err := s.Start("/bin/sh", "-c", "printf 'one\\ntwo\\n'"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	if got := normalizeNewlines(buf.HistoryString()); got != "one\ntwo\n" {
		t.Errorf("HistoryString() = %q, want %q", got, "one\ntwo\n")
	}
	if got := buf.Content(2); got != "one\ntwo" {
		t.Errorf("Content(2) = %q, want %q", got, "one\ntwo")
	}
}

func TestSession_RawOutputReachesHistory(t *testing.T) {
	buf := termbuf.New(termbuf.Options{Cols: 80, Rows: 10})
	s := NewSession(SessionConfig{Name: "raw", Buffer: buf})
	if err := s.Start("/bin/sh", "-c", "printf '\\033[1mline1\\033[0m\\nline2\\n'"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	// The buffer is the only output sink; escapes survive in the raw history.
	if got := normalizeNewlines(buf.HistoryString()); got != "\x1b[1mline1\x1b[0m\nline2\n" {
		t.Errorf("history = %q", got)
	}
}

func TestSession_EnvAndCwd(t *testing.T) {
	dir := t.TempDir()
	buf := termbuf.New(termbuf.Options{Cols: 200, Rows: 10})
	s := NewSession(SessionConfig{
		Cwd:    dir,
		Env:    []string{"AGENTFLEET_SESSION=envtest"},
		Buffer: buf,
	})

	if err := s.Start("/bin/sh", "-c", "echo $AGENTFLEET_SESSION; pwd"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	out := buf.AllContent()
	if !strings.Contains(out, "envtest") {
		t.Errorf("output %q should contain env value", out)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("output %q should contain cwd %q", out, dir)
	}
}

func TestSession_Write(t *testing.T) {
	buf := termbuf.New(termbuf.Options{Cols: 80, Rows: 10})
	s := NewSession(SessionConfig{Buffer: buf})

	// cat echoes stdin back until EOF (Ctrl-D).
	if err := s.Start("/bin/cat"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := s.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := s.Write([]byte{0x04}); err != nil {
		t.Fatalf("Write EOF failed: %v", err)
	}
	waitDone(t, s)

	if !buf.Contains("ping") {
		t.Errorf("buffer should contain echoed input, got %q", buf.AllContent())
	}
}

func TestSession_WriteBeforeStart(t *testing.T) {
	s := NewSession(SessionConfig{})
	if _, err := s.Write([]byte("x")); err == nil {
		t.Error("Write before Start should fail")
	}
}

// =============================================================================
// Resize, exit, stop
// =============================================================================

func TestSession_Resize(t *testing.T) {
	s := NewSession(SessionConfig{Cols: 80, Rows: 24})
	if err := s.Start("/bin/sh", "-c", "sleep 5"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(100 * time.Millisecond)

	if err := s.Resize(100, 30); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if cols, rows := s.Size(); cols != 100 || rows != 30 {
		t.Errorf("Size() = %dx%d, want 100x30", cols, rows)
	}
	if cols, rows := s.Buffer().Size(); cols != 100 || rows != 30 {
		t.Errorf("Buffer().Size() = %dx%d, want 100x30", cols, rows)
	}
	if err := s.Resize(0, 10); err == nil {
		t.Error("Resize(0, 10) should fail")
	}
}

func TestSession_ExitCode(t *testing.T) {
	s := NewSession(SessionConfig{})
	if err := s.Start("/bin/sh", "-c", "exit 3"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	if s.IsRunning() {
		t.Error("IsRunning() should be false after exit")
	}
	if got := s.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
}

func TestSession_StopKillsProcessGroup(t *testing.T) {
	s := NewSession(SessionConfig{})
	// The background sleep is a grandchild in the same process group.
	if err := s.Start("/bin/sh", "-c", "sleep 30 & sleep 30"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	if err := s.Stop(500 * time.Millisecond); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Stop took too long")
	}
	waitDone(t, s)

	// Stopping again is a no-op.
	if err := s.Stop(time.Millisecond); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestBuildEnv_AddsTerm(t *testing.T) {
	env := buildEnv([]string{"HOME=/root"}, []string{"A=1"})
	if env[len(env)-1] != "TERM=xterm-256color" {
		t.Errorf("buildEnv should append TERM, got %v", env)
	}

	env = buildEnv([]string{"TERM=dumb"}, nil)
	if len(env) != 1 {
		t.Errorf("buildEnv should keep existing TERM, got %v", env)
	}
}
