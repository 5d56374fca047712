package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentfleet/host/internal/backend"
	"github.com/agentfleet/host/internal/config"
	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/storage"
	"github.com/agentfleet/host/internal/tmux"
)

// DoctorResult is the top-level JSON output for `agentfleet doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string        `json:"version"`
	Checks  []DoctorCheck `json:"checks"`
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check in the doctor output.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier, e.g. "backend.tmux".
	ID         string `json:"id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	NextAction string `json:"next_action,omitempty"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs. These are part of the CLI contract.
const (
	checkIDConfig   = "config.valid"
	checkIDTmux     = "backend.tmux"
	checkIDStateDir = "state.directory"
	checkIDHostLock = "host.running"
	checkIDDatabase = "storage.database"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Function-variable seams for testability.
var (
	// doctorTmuxVersion returns `tmux -V` for the configured socket.
	doctorTmuxVersion = func(socket string) (string, error) {
		return tmux.NewManager(socket).Version()
	}

	// doctorOpenStore opens the history database.
	doctorOpenStore = func(path string) (doctorStore, error) {
		s, err := storage.NewSQLiteStore(path, zap.NewNop())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
)

// doctorStore is the part of the storage layer doctor reads.
type doctorStore interface {
	SchemaVersion() (int, error)
	ListSessionHistory(limit int) ([]*storage.SessionRecord, error)
	Close() error
}

func newDoctorCmd(g *globalOptions) *cobra.Command {
	var jsonMode bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the host environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := runDoctorChecks(g)
			out := cmd.OutOrStdout()
			if jsonMode {
				if err := renderDoctorJSON(out, result); err != nil {
					return err
				}
			} else {
				renderDoctorHuman(out, result)
			}
			if result.Summary.Fail > 0 {
				return fmt.Errorf("%d check(s) failed", result.Summary.Fail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")
	return cmd
}

// runDoctorChecks evaluates every check in a fixed order. A config error
// stops the run since later checks depend on it.
func runDoctorChecks(g *globalOptions) DoctorResult {
	var checks []DoctorCheck

	cfg, err := loadConfig(g)
	if err != nil {
		checks = append(checks, DoctorCheck{
			ID:         checkIDConfig,
			Status:     statusFail,
			Message:    err.Error(),
			NextAction: "Fix the config file or run 'agentfleet config init' to create one",
		})
		return summarize(checks)
	}
	checks = append(checks, DoctorCheck{
		ID:      checkIDConfig,
		Status:  statusPass,
		Message: fmt.Sprintf("Configuration valid (backend %s)", cfg.Backend),
	})

	checks = append(checks,
		evalTmux(cfg),
		evalStateDir(cfg.StateDir),
		evalHostLock(cfg.StateDir),
		evalDatabase(cfg.DBPath),
	)
	return summarize(checks)
}

func summarize(checks []DoctorCheck) DoctorResult {
	result := DoctorResult{Version: "1", Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			result.Summary.Pass++
		case statusWarn:
			result.Summary.Warn++
		case statusFail:
			result.Summary.Fail++
		}
	}
	return result
}

// evalTmux fails only when tmux is the preferred backend.
func evalTmux(cfg config.Config) DoctorCheck {
	version, err := doctorTmuxVersion(cfg.TmuxSocket)
	if err == nil {
		return DoctorCheck{ID: checkIDTmux, Status: statusPass, Message: version}
	}
	check := DoctorCheck{ID: checkIDTmux, Message: err.Error()}
	if apperrors.IsCode(err, apperrors.CodeTmuxNotInstalled) {
		check.NextAction = "Install tmux, or set backend = \"pty\""
	} else {
		check.NextAction = "Check that tmux runs for this user"
	}
	if backend.ParseType(cfg.Backend) == backend.TypeTmux {
		check.Status = statusFail
	} else {
		check.Status = statusWarn
	}
	return check
}

func evalStateDir(dir string) DoctorCheck {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return DoctorCheck{
			ID:         checkIDStateDir,
			Status:     statusFail,
			Message:    fmt.Sprintf("Cannot create %s: %v", dir, err),
			NextAction: "Set state_dir to a writable directory",
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return DoctorCheck{
			ID:         checkIDStateDir,
			Status:     statusFail,
			Message:    fmt.Sprintf("%s is not writable: %v", dir, err),
			NextAction: "Fix the permissions of " + dir,
		}
	}
	f.Close()
	os.Remove(f.Name())
	return DoctorCheck{ID: checkIDStateDir, Status: statusPass, Message: dir + " is writable"}
}

// evalHostLock reports whether a serve process holds the state lock.
func evalHostLock(dir string) DoctorCheck {
	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return DoctorCheck{
			ID:         checkIDHostLock,
			Status:     statusWarn,
			Message:    fmt.Sprintf("Cannot probe lock: %v", err),
			NextAction: "Check the permissions of " + lock.Path(),
		}
	}
	if !locked {
		return DoctorCheck{ID: checkIDHostLock, Status: statusPass, Message: "A host is running"}
	}
	_ = lock.Unlock()
	return DoctorCheck{
		ID:         checkIDHostLock,
		Status:     statusWarn,
		Message:    "No host is running",
		NextAction: "Start one with 'agentfleet serve'",
	}
}

func evalDatabase(path string) DoctorCheck {
	store, err := doctorOpenStore(path)
	if err != nil {
		return DoctorCheck{
			ID:         checkIDDatabase,
			Status:     statusFail,
			Message:    err.Error(),
			NextAction: "Check db_path, or move the database aside to recreate it",
		}
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		return DoctorCheck{ID: checkIDDatabase, Status: statusFail, Message: err.Error()}
	}
	recent, err := store.ListSessionHistory(50)
	if err != nil {
		return DoctorCheck{ID: checkIDDatabase, Status: statusFail, Message: err.Error()}
	}
	running := 0
	for _, rec := range recent {
		if rec.Status == storage.HistoryRunning {
			running++
		}
	}
	return DoctorCheck{
		ID:      checkIDDatabase,
		Status:  statusPass,
		Message: fmt.Sprintf("Schema v%d, %d recent sessions, %d running", version, len(recent), running),
	}
}

// renderDoctorJSON writes only valid JSON to w.
func renderDoctorJSON(w io.Writer, result DoctorResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "agentfleet doctor")
	fmt.Fprintln(w, "=================")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass && c.NextAction != "" {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
