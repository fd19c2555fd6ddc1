// Command flowmesh runs flow definitions from the command line: validate a
// flow file, execute it against file backed stores, or inspect the status
// projection of a past run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/document"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/logging"
	"github.com/flowmesh/flowmesh/memory"
	"github.com/flowmesh/flowmesh/scheduler"
	"github.com/flowmesh/flowmesh/status"
	"github.com/flowmesh/flowmesh/workunit"
	"github.com/flowmesh/flowmesh/workunit/anthropic"
	"github.com/flowmesh/flowmesh/workunit/openai"
)

var (
	flagDataDir  string
	flagLogLevel string

	flagSession  string
	flagPolicy   string
	flagProvider string

	flagRunID string
)

var rootCmd = &cobra.Command{
	Use:   "flowmesh",
	Short: "Flow orchestration for agent task graphs",
	Long: `FlowMesh executes directed graphs of agent tasks with durable scoped
memory, document handoff and append-only status tracking.`,
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate <flow.yaml>",
	Short: "Load a flow definition and report structural problems",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flow, err := definition.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("flow %q: %d tasks, ok\n", flow.Name, len(flow.Tasks))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <flow.yaml>",
	Short: "Execute a flow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch flagPolicy {
		case "wait", "skip", "error":
		default:
			return fmt.Errorf("unknown policy %q (wait, skip, error)", flagPolicy)
		}

		flow, err := definition.LoadFile(args[0])
		if err != nil {
			return err
		}

		logger := logging.NewLogger(logging.Config{Level: parseLevel(flagLogLevel), Format: "text", Output: os.Stderr})

		mem, err := memory.NewFileStore(dataPath("memory"))
		if err != nil {
			return err
		}
		docs, err := document.NewFileStore(dataPath("documents"))
		if err != nil {
			return err
		}
		tracker, err := status.NewFileTracker(dataPath("status"))
		if err != nil {
			return err
		}

		invoker, err := buildInvoker(flagProvider)
		if err != nil {
			return err
		}

		e := engine.New(invoker, func(o *engine.Options) {
			o.MemoryStore = mem
			o.DocumentStore = docs
			o.StatusStore = tracker
			o.Policy = scheduler.MissingDocPolicy(flagPolicy)
			o.Logger = logger
		})
		if err := e.RegisterFlow(flow); err != nil {
			return err
		}

		run, res, err := e.Run(cmd.Context(), flow.Name, flagSession)
		if err != nil {
			return err
		}
		return printOutcome(run, res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest task states of a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRunID == "" {
			return fmt.Errorf("--run is required")
		}
		tracker, err := status.NewFileTracker(dataPath("status"))
		if err != nil {
			return err
		}
		latest := tracker.All(flagRunID)
		if len(latest) == 0 {
			return fmt.Errorf("no records for run %s", flagRunID)
		}
		for task, rec := range latest {
			fmt.Printf("%-24s %-12s %s\n", task, rec.State, rec.Summary)
		}
		return nil
	},
}

func dataPath(sub string) string {
	return filepath.Join(flagDataDir, sub)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildInvoker selects the work unit backend. The echo provider exists so
// flows can be exercised end to end without API credentials.
func buildInvoker(provider string) (core.Invoker, error) {
	switch provider {
	case "anthropic":
		return anthropic.New(), nil
	case "openai":
		return openai.New(), nil
	case "echo":
		return workunit.Func(func(ctx context.Context, in core.Input) (core.Result, error) {
			return core.Result{State: core.StateCompleted, Content: workunit.BuildPrompt(in), Summary: in.TaskID + " echoed"}, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (anthropic, openai, echo)", provider)
	}
}

func printOutcome(run *core.FlowRun, res core.FlowResult) error {
	out := struct {
		RunID   string                 `json:"run"`
		Status  core.RunStatus         `json:"status"`
		Pending core.Pending           `json:"pending,omitempty"`
		Results map[string]core.Result `json:"results"`
	}{
		RunID:   run.RunID,
		Status:  res.Status,
		Pending: res.Pending,
		Results: res.Results,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data", ".flowmesh", "base directory for memory, documents and status")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&flagSession, "session", "default", "session id")
	runCmd.Flags().StringVar(&flagPolicy, "policy", "wait", "missing document policy (wait, skip, error)")
	runCmd.Flags().StringVar(&flagProvider, "provider", "echo", "work unit provider (anthropic, openai, echo)")

	statusCmd.Flags().StringVar(&flagRunID, "run", "", "run id to inspect")

	rootCmd.AddCommand(validateCmd, runCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
