package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentfleet/host/internal/backend"
	"github.com/agentfleet/host/internal/config"
	"github.com/agentfleet/host/internal/control"
	"github.com/agentfleet/host/internal/events"
	"github.com/agentfleet/host/internal/pty"
	"github.com/agentfleet/host/internal/session"
	"github.com/agentfleet/host/internal/storage"
	"github.com/agentfleet/host/internal/tmux"
)

// LockFileName is created in the state directory while serve runs.
const LockFileName = "agentfleet.lock"

type serveOptions struct {
	backend    string
	eventsAddr string
	sessions   []string
}

// sessionSpec is one --session flag value.
type sessionSpec struct {
	Name string
	Path string
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host until interrupted",
		Long: `Run the agentfleet host. Sessions given with --session are queued at
startup. The websocket event hub and the loopback control API listen on
events_addr when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Session backend: tmux or pty")
	cmd.Flags().StringVar(&opts.eventsAddr, "events-addr", "", "Listen address for the event hub and control API")
	cmd.Flags().StringArrayVar(&opts.sessions, "session", nil, "Session to start as name[:path] (repeatable)")
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, opts *serveOptions, stdout io.Writer) error {
	specs, err := parseSessionSpecs(opts.sessions)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if opts.eventsAddr != "" {
		cfg.EventsAddr = opts.eventsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel, g.dev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.StateDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another agentfleet host is running (lock held on %s)", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	store, err := storage.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	factory := newBackendFactory(cfg, logger)
	be, err := factory.Get()
	if err != nil {
		return err
	}
	defer func() { _ = factory.Reset() }()

	bus := events.NewBus(events.BusOptions{Logger: logger})
	defer bus.Close()

	mgr := session.NewManager(session.Options{
		Backend:  be,
		Events:   bus,
		Runtimes: store,
		Members:  store,
		History:  store,
		Settings: session.SettingsFromConfig(cfg),
		Logger:   logger,
	})
	defer mgr.Shutdown()

	svc := control.NewService(mgr, bus, logger)

	if cfg.EventsAddr != "" {
		hub := events.NewHub(bus, events.HubOptions{
			Addr:   cfg.EventsAddr,
			Mount:  map[string]http.Handler{"/api/": control.NewHandler(svc)},
			Logger: logger,
		})
		if err := <-hub.StartAsync(); err != nil {
			return err
		}
		defer func() { _ = hub.Stop() }()
		fmt.Fprintf(stdout, "Events: ws://%s/events\n", hub.Addr())
		fmt.Fprintf(stdout, "Control API: http://%s/api/\n", hub.Addr())
	}

	fmt.Fprintf(stdout, "agentfleet host running with %s backend. Press Ctrl+C to stop.\n", be.Type())

	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec sessionSpec) {
			defer wg.Done()
			resp := svc.CreateSession(ctx, spec.Name, spec.Path)
			if !resp.Success {
				logger.Warn("startup session failed",
					zap.String("session", spec.Name), zap.String("code", resp.Code), zap.String("error", resp.Error))
				return
			}
			logger.Info("startup session ready", zap.String("session", spec.Name))
		}(spec)
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "\nStopping...")

	// Shutdown abandons the queue, so pending startup sessions return now.
	mgr.Shutdown()
	wg.Wait()
	return nil
}

// newBackendFactory registers the pty and tmux constructors.
func newBackendFactory(cfg config.Config, logger *zap.Logger) *backend.Factory {
	return backend.NewFactory(backend.FactoryOptions{
		Constructors: map[backend.Type]backend.Constructor{
			backend.TypePTY: func() (backend.Backend, error) {
				return pty.New(pty.Options{
					Cols:            cfg.Cols,
					Rows:            cfg.Rows,
					HistoryBytes:    cfg.HistoryBytes,
					ScrollbackLines: cfg.ScrollbackLines,
					Logger:          logger,
				}), nil
			},
			backend.TypeTmux: func() (backend.Backend, error) {
				b, err := tmux.NewBackend(tmux.Options{
					Socket:          cfg.TmuxSocket,
					LogDir:          filepath.Join(cfg.StateDir, "tmux"),
					Cols:            cfg.Cols,
					Rows:            cfg.Rows,
					HistoryBytes:    cfg.HistoryBytes,
					ScrollbackLines: cfg.ScrollbackLines,
					Logger:          logger,
				})
				if err != nil {
					return nil, err
				}
				return b, nil
			},
		},
		Preferred: backend.ParseType(cfg.Backend),
		Disabled:  backend.ParseType(cfg.DisabledBackend),
		Logger:    logger,
	})
}

// parseSessionSpecs parses name[:path] values. The path is split at the
// first colon since session names may not contain one.
func parseSessionSpecs(values []string) ([]sessionSpec, error) {
	specs := make([]sessionSpec, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		name, path, _ := strings.Cut(v, ":")
		if err := control.ValidateSessionName(name); err != nil {
			return nil, fmt.Errorf("--session %q: %w", v, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("--session %q: duplicate session name", v)
		}
		seen[name] = true
		specs = append(specs, sessionSpec{Name: name, Path: path})
	}
	return specs, nil
}
