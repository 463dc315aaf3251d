// Package cmd provides the CLI for mcp-secure-server, grounded on the
// teacher's cmd/sentinel-gate/cmd/root.go: a cobra root command with a
// persistent --policy flag and a run behavior when invoked with no
// subcommand.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agileandy/mcp-secure-server/internal/dispatcher"
	"github.com/agileandy/mcp-secure-server/internal/metrics"
	"github.com/agileandy/mcp-secure-server/internal/plugin/echo"
	"github.com/agileandy/mcp-secure-server/internal/policy"
	"github.com/agileandy/mcp-secure-server/internal/security"
	"github.com/agileandy/mcp-secure-server/internal/server"
	"github.com/agileandy/mcp-secure-server/internal/transport"
)

var (
	policyPath  string
	devMode     bool
	versionFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "mcp-secure-server",
	Short: "A local-only, fail-closed MCP security server",
	Long: `mcp-secure-server brokers tool invocations from an MCP host over a
line-delimited JSON-RPC 2.0 channel on stdin/stdout. Every tool call passes
through a fail-closed security pipeline: network allowlist firewall,
filesystem glob policy, JSON-Schema input validation and sanitization, a
per-tool rate limiter, and an append-only audit log.

Configuration:
  --policy selects the policy YAML file (default: ./policy.yaml).

Commands:
  version    Print version information`,
	RunE: runServe,
}

// Execute runs the root command. Any argument parsing error exits
// non-zero with a diagnostic written to stderr, per §6's CLI surface.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "policy.yaml", "path to the policy YAML file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "relax ergonomics (audit log defaults to a temp directory); never weakens security checks")
	rootCmd.Flags().BoolVar(&versionFlag, "version", false, "print the server version and exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	if versionFlag {
		fmt.Printf("mcp-secure-server %s\n", Version)
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pol, err := policy.Load(policyPath)
	if err != nil {
		if devMode {
			logger.Warn("policy load failed, dev mode: continuing is not supported, exiting", "error", err)
		}
		return fmt.Errorf("loading policy: %w", err)
	}
	if devMode && pol.Audit.LogPath == policy.DefaultAuditLogPath {
		devPol := *pol
		devPol.Audit.LogPath = os.TempDir() + "/mcp-secure-server-audit.jsonl"
		pol = &devPol
	}

	counters := metrics.New()
	engine, err := security.OpenPolicy(pol, nil, counters, logger)
	if err != nil {
		return fmt.Errorf("opening security engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("error during engine shutdown", "error", err)
		}
		stats := engine.Stats()
		logger.Info("audit log stats", "written", stats.Written, "dropped", stats.Dropped)
	}()

	disp := dispatcher.New()
	disp.Register(echo.Definition(), echo.New())

	timeout := time.Duration(pol.TimeoutSeconds()) * time.Second
	srv := server.New(disp, engine, timeout, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t := transport.New(os.Stdin, os.Stdout)
	if err := t.Run(ctx, srv.Handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}
