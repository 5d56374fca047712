package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// stubTmux overrides the tmux probe for the duration of the test.
func stubTmux(t *testing.T, version string, err error) {
	t.Helper()
	orig := doctorTmuxVersion
	t.Cleanup(func() { doctorTmuxVersion = orig })
	doctorTmuxVersion = func(socket string) (string, error) { return version, err }
}

func checkByID(t *testing.T, result DoctorResult, id string) DoctorCheck {
	t.Helper()
	for _, c := range result.Checks {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", id, result.Checks)
	return DoctorCheck{}
}

func TestDoctor_HealthyPTYHost(t *testing.T) {
	stubTmux(t, "", apperrors.TmuxNotInstalled())
	path, _ := writeTestConfig(t, "")

	result := runDoctorChecks(&globalOptions{configPath: path})

	if result.Version != "1" {
		t.Errorf("Version = %q, want 1", result.Version)
	}
	want := map[string]string{
		checkIDConfig:   statusPass,
		checkIDTmux:     statusWarn,
		checkIDStateDir: statusPass,
		checkIDHostLock: statusWarn,
		checkIDDatabase: statusPass,
	}
	for id, status := range want {
		if got := checkByID(t, result, id).Status; got != status {
			t.Errorf("%s status = %q, want %q", id, got, status)
		}
	}
	if result.Summary != (DoctorSummary{Pass: 3, Warn: 2}) {
		t.Errorf("Summary = %+v, want 3 pass 2 warn", result.Summary)
	}
	if tm := checkByID(t, result, checkIDTmux); !strings.Contains(tm.NextAction, "Install tmux") {
		t.Errorf("tmux next action = %q", tm.NextAction)
	}
}

func TestDoctor_MissingTmuxFailsTmuxBackend(t *testing.T) {
	stubTmux(t, "", apperrors.TmuxNotInstalled())
	path, _ := writeTestConfig(t, "")
	cfg, err := loadConfig(&globalOptions{configPath: path})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Backend = "tmux"

	if got := evalTmux(cfg).Status; got != statusFail {
		t.Errorf("evalTmux() status = %q, want fail", got)
	}
}

func TestDoctor_TmuxPresent(t *testing.T) {
	stubTmux(t, "tmux 3.4", nil)
	path, _ := writeTestConfig(t, "")

	result := runDoctorChecks(&globalOptions{configPath: path})
	if c := checkByID(t, result, checkIDTmux); c.Status != statusPass || c.Message != "tmux 3.4" {
		t.Errorf("tmux check = %+v", c)
	}
}

func TestDoctor_RunningHostHoldsLock(t *testing.T) {
	stubTmux(t, "tmux 3.4", nil)
	path, stateDir := writeTestConfig(t, "")
	if c := evalStateDir(stateDir); c.Status != statusPass {
		t.Fatalf("evalStateDir() = %+v", c)
	}

	lock := flock.New(filepath.Join(stateDir, LockFileName))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer lock.Unlock()

	result := runDoctorChecks(&globalOptions{configPath: path})
	if c := checkByID(t, result, checkIDHostLock); c.Status != statusPass {
		t.Errorf("host check = %+v, want pass while locked", c)
	}
}

func TestDoctor_DatabaseOpenFailure(t *testing.T) {
	orig := doctorOpenStore
	t.Cleanup(func() { doctorOpenStore = orig })
	doctorOpenStore = func(path string) (doctorStore, error) {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", errors.New("disk I/O error"))
	}

	c := evalDatabase("/nonexistent/agentfleet.db")
	if c.Status != statusFail || !strings.Contains(c.Message, "disk I/O error") {
		t.Errorf("evalDatabase() = %+v, want fail", c)
	}
}

func TestDoctor_InvalidConfigJSON(t *testing.T) {
	path, _ := writeTestConfig(t, "log_level = \"loud\"\n")

	code, out, _ := runWithArgs("doctor", "--json", "--config", path)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	var result DoctorResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	if len(result.Checks) != 1 || result.Checks[0].ID != checkIDConfig || result.Checks[0].Status != statusFail {
		t.Errorf("checks = %+v, want a single failed config check", result.Checks)
	}
	if result.Summary.Fail != 1 {
		t.Errorf("Summary.Fail = %d, want 1", result.Summary.Fail)
	}
}

func TestDoctor_HumanOutput(t *testing.T) {
	stubTmux(t, "tmux 3.4", nil)
	path, _ := writeTestConfig(t, "")

	code, out, _ := runWithArgs("doctor", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	for _, want := range []string{"agentfleet doctor", "[PASS] backend.tmux: tmux 3.4", "[WARN] host.running", "Summary: 4 passed, 1 warnings, 0 failures"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
