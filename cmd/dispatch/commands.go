package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/dispatch/internal/circuit"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/engine"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/retry"
	"github.com/haasonsaas/dispatch/internal/tools"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// callSpec is one entry in the --calls input file. A missing ID gets a
// generated one.
type callSpec struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	ThreadID string          `json:"thread_id,omitempty"`
}

func buildRunCmd() *cobra.Command {
	var (
		configPath  string
		callsPath   string
		concurrency int
		threadID    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch of tool calls",
		Long: `Execute a JSON batch of tool calls through the approval gate and the
concurrent execution engine.

The input file is a JSON array of {"name": ..., "input": {...}} objects.
Calls that require approval suspend until a decision is recorded, e.g.
via "dispatch approvals approve" from another terminal.`,
		Example: `  dispatch run --calls calls.json
  dispatch run --calls - < calls.json
  dispatch run --calls calls.json --concurrency 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, configPath, callsPath, concurrency, threadID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&callsPath, "calls", "", "Path to JSON file with tool calls (\"-\" for stdin)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Max in-flight calls (0 uses the configured default)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread ID attached to calls without one")
	_ = cmd.MarkFlagRequired("calls")
	return cmd
}

func runBatch(cmd *cobra.Command, configPath, callsPath string, concurrency int, threadID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gate := newGate(st, cfg, logger, metrics)

	registry := tools.NewRegistry()
	if err := registerBuiltinTools(registry); err != nil {
		return err
	}

	eng := engine.New(registry, gate, engine.Config{
		Concurrency:    cfg.Engine.Concurrency,
		PerToolTimeout: cfg.Engine.ToolTimeout,
		Retry: retry.Config{
			MaxRetries:        cfg.Engine.Retry.MaxRetries,
			BaseDelay:         cfg.Engine.Retry.BaseDelay,
			BackoffMultiplier: cfg.Engine.Retry.BackoffMultiplier,
			MaxDelay:          cfg.Engine.Retry.MaxDelay,
		},
		Circuit: circuit.Config{
			FailureThreshold: cfg.Engine.Circuit.FailureThreshold,
			Cooldown:         cfg.Engine.Circuit.Cooldown,
		},
	}, logger, metrics)
	for tool, override := range cfg.Engine.Tools {
		eng.SetToolRetryConfig(tool, override)
	}

	calls, err := readCalls(callsPath, threadID)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No calls to run.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes, summary := eng.ExecuteBatch(ctx, calls, concurrency)

	out := cmd.OutOrStdout()
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(outcomes); err != nil {
		return err
	}
	fmt.Fprintf(out, "Total: %d  Succeeded: %d  Failed: %d\n",
		summary.Total, summary.Succeeded, summary.Failed)
	if summary.SequentialFallback {
		fmt.Fprintln(out, "Sequential fallback pass ran.")
	}
	if summary.Canceled {
		fmt.Fprintln(out, "Batch canceled; partial outcomes above.")
	}

	if summary.Total > 0 && summary.Succeeded == 0 {
		return fmt.Errorf("all %d calls failed", summary.Total)
	}
	return nil
}

func readCalls(path, threadID string) ([]models.ToolCall, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read calls: %w", err)
	}

	var specs []callSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse calls: %w", err)
	}

	calls := make([]models.ToolCall, 0, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("call %d: name is required", i)
		}
		thread := spec.ThreadID
		if thread == "" {
			thread = threadID
		}
		call := models.NewToolCall(spec.Name, spec.Input, thread)
		if spec.ID != "" {
			call.ID = spec.ID
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and decide pending approvals",
	}
	cmd.AddCommand(
		buildApprovalsListCmd(),
		buildApprovalsApproveCmd(),
		buildApprovalsDenyCmd(),
	)
	return cmd
}

func buildApprovalsListCmd() *cobra.Command {
	var (
		configPath string
		threadID   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, _, closeStore, err := openGate(configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			pending, err := gate.PendingApprovals(cmd.Context(), threadID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending approvals.")
				return nil
			}
			fmt.Fprintln(out, "Pending approvals:")
			for _, p := range pending {
				fmt.Fprintf(out, "  %s  %s  requested %s\n",
					p.ToolCallID, p.ToolName, p.RequestedAt.Format("2006-01-02 15:04:05"))
				if len(p.Input) > 0 {
					input := string(p.Input)
					if len(input) > 120 {
						input = input[:117] + "..."
					}
					fmt.Fprintf(out, "    input: %s\n", input)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&threadID, "thread", "", "Filter by thread ID")
	return cmd
}

func buildApprovalsApproveCmd() *cobra.Command {
	var (
		configPath string
		decidedBy  string
		session    bool
	)
	cmd := &cobra.Command{
		Use:   "approve <tool-call-id>",
		Short: "Approve a pending tool call",
		Long: `Approve a pending tool call. With --session the tool's session policy
is durably upgraded to allow, so later calls skip the gate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, _, closeStore, err := openGate(configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			decision := models.DecisionAllowOnce
			if session {
				decision = models.DecisionAllowSession
			}
			if err := gate.Decide(cmd.Context(), args[0], decision, decidedBy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s)\n", args[0], decision)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&decidedBy, "by", "cli", "Identity recorded with the decision")
	cmd.Flags().BoolVar(&session, "session", false, "Allow the tool for the rest of the session")
	return cmd
}

func buildApprovalsDenyCmd() *cobra.Command {
	var (
		configPath string
		decidedBy  string
	)
	cmd := &cobra.Command{
		Use:   "deny <tool-call-id>",
		Short: "Deny a pending tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, _, closeStore, err := openGate(configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := gate.Decide(cmd.Context(), args[0], models.DecisionDeny, decidedBy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Denied %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&decidedBy, "by", "cli", "Identity recorded with the decision")
	return cmd
}
