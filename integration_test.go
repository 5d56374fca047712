//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "agentfleet-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "agentfleet")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build agentfleet: %v\n%s", err, out)
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	addr   string
	waited bool
}

// startHost runs `agentfleet serve` on the pty backend with fast streaming.
func startHost(t *testing.T, extraArgs ...string) *hostProcess {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	cfg := fmt.Sprintf(`backend = "pty"
state_dir = %q
stream_interval_ms = 100
stream_jitter_ms = 1
creation_delay_ms = 10
registration_timeout_ms = 10000
registration_poll_ms = 50
`, filepath.Join(dir, "state"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	addr := getFreeAddr(t)
	args := append([]string{"serve", "--config", cfgPath, "--events-addr", addr}, extraArgs...)
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = dir

	hp := &hostProcess{cmd: cmd, addr: addr}
	cmd.Stdout = &hp.stdout
	cmd.Stderr = &hp.stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start host failed: %v", err)
	}
	t.Cleanup(func() { hp.stop(t) })

	waitForHealth(t, addr, 5*time.Second)
	return hp
}

func (h *hostProcess) stop(t *testing.T) {
	t.Helper()
	if h.waited {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	if err := h.wait(10 * time.Second); err != nil {
		t.Errorf("host did not stop: %v\nstderr:\n%s", err, h.stderr.String())
		_ = h.cmd.Process.Kill()
	}
}

func (h *hostProcess) wait(timeout time.Duration) error {
	if h.waited {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case err := <-done:
		h.waited = true
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for host exit")
	}
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func waitForHealth(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("host at %s not healthy after %v", addr, timeout)
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func post(t *testing.T, addr, path string, body any) apiResponse {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post("http://"+addr+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("POST %s: decode: %v", path, err)
	}
	return out
}

type wireEvent struct {
	Type        string         `json:"type"`
	SessionName string         `json:"session_name"`
	Data        map[string]any `json:"data"`
}

// waitEvent reads events until match returns true.
func waitEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(wireEvent) bool) wireEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var e wireEvent
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("waiting for event: %v", err)
		}
		if match(e) {
			return e
		}
	}
}

func TestServe_SessionLifecycleOverAPI(t *testing.T) {
	host := startHost(t, "--session", "dev:"+t.TempDir())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+host.addr+"/events?session=dev", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	waitEvent(t, conn, 15*time.Second, func(e wireEvent) bool { return e.Type == "session_created" })

	if resp := post(t, host.addr, "/api/session/dev/input", map[string]string{"text": "echo fleet-$((40+2))"}); !resp.Success {
		t.Fatalf("input: %+v", resp)
	}
	if resp := post(t, host.addr, "/api/session/dev/key", map[string]string{"key": "Enter"}); !resp.Success {
		t.Fatalf("key: %+v", resp)
	}
	waitEvent(t, conn, 10*time.Second, func(e wireEvent) bool {
		content, _ := e.Data["content"].(string)
		return e.Type == "output" && strings.Contains(content, "fleet-42")
	})

	if resp := post(t, host.addr, "/api/session/dev/kill", nil); !resp.Success {
		t.Fatalf("kill: %+v", resp)
	}
	waitEvent(t, conn, 5*time.Second, func(e wireEvent) bool { return e.Type == "session_killed" })

	resp := post(t, host.addr, "/api/session/dev/kill", nil)
	if resp.Success || resp.Code != "session.not_found" {
		t.Errorf("second kill = %+v, want session.not_found", resp)
	}
}

func TestServe_ShutdownOnSIGTERM(t *testing.T) {
	host := startHost(t)

	_ = host.cmd.Process.Signal(syscall.SIGTERM)
	if err := host.wait(10 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.Contains(host.stdout.String(), "Stopping") {
		t.Errorf("stdout = %q, want shutdown message", host.stdout.String())
	}
}
