// Package main provides the CLI entry point for the dispatch tool
// execution runtime.
//
// Run a batch of tool calls:
//
//	dispatch run --calls calls.json
//
// Manage pending approvals from another terminal or process:
//
//	dispatch approvals list
//	dispatch approvals approve <tool-call-id>
//	dispatch approvals deny <tool-call-id>
//
// Approvals are durable: a decision recorded by one process resolves a
// call waiting in another.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/dispatch/internal/approval"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/store"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch - approval-gated concurrent tool execution",
		Long: `Dispatch runs batches of tool calls through an approval gate and a
resilient concurrent execution engine with retries and per-tool
circuit breakers.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildApprovalsCmd(),
	)
	return rootCmd
}

// openStore builds the configured store backend.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	default:
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// openGate loads config and builds a gate over the durable store.
func openGate(configPath string) (*approval.Gate, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return newGate(st, cfg, logger, nil), cfg, closeStore, nil
}

// newGate builds the approval gate from config.
func newGate(st store.Store, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *approval.Gate {
	return approval.NewGate(st, approval.Config{
		Rules: approval.Rules{
			Denylist:  cfg.Approval.Denylist,
			Allowlist: cfg.Approval.Allowlist,
		},
		DefaultPolicy: cfg.Approval.DefaultPolicy,
		PollInterval:  cfg.Approval.PollInterval,
	}, logger, metrics)
}
