package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfleet/host/internal/control"
)

// controlClient calls a running host's loopback control API.
type controlClient struct {
	addr string
	http *http.Client
}

func newControlClient(addr string) *controlClient {
	return &controlClient{addr: addr, http: &http.Client{Timeout: 5 * time.Minute}}
}

// call sends body as JSON (nil for none) and decodes the Response. A
// non-success Response is returned as an error carrying its code.
func (c *controlClient) call(method, path string, body any) (*control.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://"+c.addr+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host not reachable at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out control.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if !out.Success {
		return &out, fmt.Errorf("%s (%s)", out.Error, out.Code)
	}
	return &out, nil
}

// clientFor resolves the API address from --addr or events_addr.
func clientFor(g *globalOptions, addr string) (*controlClient, error) {
	if addr == "" {
		cfg, err := loadConfig(g)
		if err != nil {
			return nil, err
		}
		addr = cfg.EventsAddr
	}
	if addr == "" {
		return nil, fmt.Errorf("no host address: set events_addr in the config or pass --addr")
	}
	return newControlClient(addr), nil
}

func sessionPath(name, action string) string {
	return "/api/session/" + url.PathEscape(name) + "/" + action
}

func newSessionCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions on a running host",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Host control address (default: events_addr)")

	// with wraps a client call with address resolution.
	with := func(fn func(cmd *cobra.Command, c *controlClient, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(g, addr)
			if err != nil {
				return err
			}
			return fn(cmd, c, args)
		}
	}

	var path string
	newCmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a shell session",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			if _, err := c.call(http.MethodPost, "/api/session/new", map[string]string{"name": args[0], "path": path}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s ready\n", args[0])
			return nil
		}),
	}
	newCmd.Flags().StringVar(&path, "path", "", "Working directory")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			resp, err := c.call(http.MethodGet, "/api/session/list", nil)
			if err != nil {
				return err
			}
			names, _ := resp.Data.([]any)
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME")
			for _, n := range names {
				fmt.Fprintf(w, "%v\n", n)
			}
			return w.Flush()
		}),
	}

	killCmd := &cobra.Command{
		Use:   "kill <name>",
		Short: "Kill a session",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			if _, err := c.call(http.MethodPost, sessionPath(args[0], "kill"), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s killed\n", args[0])
			return nil
		}),
	}

	sendCmd := &cobra.Command{
		Use:   "send <name> <text>",
		Short: "Type text into a session",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			_, err := c.call(http.MethodPost, sessionPath(args[0], "input"), map[string]string{"text": args[1]})
			return err
		}),
	}

	keyCmd := &cobra.Command{
		Use:   "key <name> <key>",
		Short: "Send a named key (Enter, Escape, C-c, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			_, err := c.call(http.MethodPost, sessionPath(args[0], "key"), map[string]string{"key": args[1]})
			return err
		}),
	}

	var lines int
	outputCmd := &cobra.Command{
		Use:   "output <name>",
		Short: "Print the last lines of a session",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			resp, err := c.call(http.MethodGet, sessionPath(args[0], "output")+"?lines="+strconv.Itoa(lines), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Data)
			return nil
		}),
	}
	outputCmd.Flags().IntVar(&lines, "lines", control.DefaultCaptureLines, "Number of lines")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show host statistics",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			resp, err := c.call(http.MethodGet, "/api/stats", nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Data)
		}),
	}

	var member control.MemberParams
	memberCmd := &cobra.Command{
		Use:   "member <member-id>",
		Short: "Start a team member's agent",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			member.MemberID = args[0]
			if _, err := c.call(http.MethodPost, "/api/team/member", member); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Member %s active\n", args[0])
			return nil
		}),
	}
	memberCmd.Flags().StringVar(&member.Role, "role", "developer", "Agent role")
	memberCmd.Flags().StringVar(&member.Session, "session", "", "Session name (default: member id)")
	memberCmd.Flags().StringVar(&member.Runtime, "runtime", "", "Program type (claude-code, shell, ...)")
	memberCmd.Flags().StringVar(&member.Cwd, "cwd", "", "Working directory")
	memberCmd.Flags().StringVar(&member.Prompt, "prompt", "", "Initial prompt")

	var orch control.OrchestratorParams
	orchCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Start the orchestrator agent",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, c *controlClient, args []string) error {
			if _, err := c.call(http.MethodPost, "/api/team/orchestrator", orch); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Orchestrator active")
			return nil
		}),
	}
	orchCmd.Flags().StringVar(&orch.Session, "session", "", "Session name")
	orchCmd.Flags().StringVar(&orch.Cwd, "cwd", "", "Working directory")
	orchCmd.Flags().StringVar(&orch.Prompt, "prompt", "", "Initial prompt")

	cmd.AddCommand(newCmd, listCmd, killCmd, sendCmd, keyCmd, outputCmd, statsCmd, memberCmd, orchCmd)
	return cmd
}
