// Package main is the agentfleet host CLI. It builds the logger, loads the
// configuration and wires the backend factory, storage, event hub and session
// manager together.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentfleet/host/internal/config"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	dev        bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command tree and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:     "agentfleet",
		Short:   "Host for supervised AI agent terminal sessions",
		Version: Version,
		Long: `agentfleet hosts AI coding agents inside terminal sessions (tmux or PTY),
queues and throttles their startup, waits for each agent to report ready,
and streams their output to observers over websocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default ~/.agentfleet/config.toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.dev, "dev", false, "Human-readable development logging")

	root.AddCommand(
		newServeCmd(g),
		newSessionCmd(g),
		newDoctorCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentfleet %s\n", Version)
		},
	}
}

// loadConfig reads the config file, applies flag overrides and defaults, and
// validates the result. CLI flags always win over file values.
func loadConfig(g *globalOptions) (config.Config, error) {
	fileCfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg := *fileCfg
	if g.logLevel != "" {
		cfg.LogLevel = strings.ToLower(g.logLevel)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// buildLogger returns a production JSON logger at level, or a development
// console logger when dev is set.
func buildLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
