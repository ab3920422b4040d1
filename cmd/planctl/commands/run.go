package commands

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/executor"
	"github.com/planforge/planforge/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		concurrencyLimit int
		deadlineMs       float64
		seed             int64
	)

	cmd := &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Compile and execute a plan graph against its tool manifest",
		Long: `run compiles the plan the same way "compile" does, then dispatches
every node through the executor against the tools declared in the
manifest. Manifest tools have no real Invoke implementation behind
them: each call returns a fixed dry-run value, exercising the
executor's scheduling, locking, retry, circuit-breaker, and
compensation paths without touching any real system.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if toolsPath == "" {
				return fmt.Errorf("--tools is required")
			}
			manifest, err := loadManifest(toolsPath)
			if err != nil {
				return err
			}
			nodes, err := loadPlanNodes(args[0])
			if err != nil {
				return err
			}
			plan, err := buildAndCheck(nodes, manifest.Registry)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			logger := telemetry.Logger(telemetry.NewNoopLogger())
			if verbose {
				logger = telemetry.NewConsoleLogger()
			}
			metrics := telemetry.NewNoopMetrics()
			logger.Info(cmd.Context(), "starting run", "run_id", runID, "plan", args[0])

			comp := compiler.New(registryLatency{reg: manifest.Registry}, compiler.Config{
				ConcurrencyLimit: concurrencyLimit,
				DeadlineMs:       deadlineMs,
				RateLimits:       manifest.RateLimits,
				RateBursts:       manifest.RateBursts,
			}, logger)
			compiled, err := comp.Compile(plan)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}

			execCfg := executor.DefaultExecutionConfig(concurrencyLimit)
			execCfg.Seed = seed
			exec := executor.New(manifest.Registry, manifest.RateLimits, manifest.RateBursts, execCfg, logger, metrics)

			result, err := exec.Execute(cmd.Context(), compiled)
			if err != nil {
				return fmt.Errorf("execute: %w", err)
			}
			return printResult(runID, result)
		},
	}

	cmd.Flags().IntVar(&concurrencyLimit, "concurrency", 4, "maximum concurrently running nodes")
	cmd.Flags().Float64Var(&deadlineMs, "deadline-ms", 60000, "schedule deadline in milliseconds")
	cmd.Flags().Int64Var(&seed, "seed", 0, "retry-jitter random seed (0 picks a fresh seed)")
	return cmd
}

func printResult(runID string, result *executor.ExecutionResult) error {
	out := struct {
		RunID      string                `json:"run_id"`
		Outputs    map[string]any        `json:"outputs"`
		Failures   map[string]string     `json:"failures"`
		DurationMs float64               `json:"duration_ms"`
		Traces     []executor.TraceEvent `json:"traces"`
	}{
		RunID:      runID,
		Outputs:    result.Outputs,
		DurationMs: result.DurationMs,
		Traces:     result.Traces,
	}
	if len(result.Failures) > 0 {
		out.Failures = make(map[string]string, len(result.Failures))
		for id, err := range result.Failures {
			out.Failures[id] = err.Error()
		}
	}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("render result: %w", err)
	}
	fmt.Println(string(enc))
	if len(result.Failures) > 0 {
		return fmt.Errorf("%d node(s) failed", len(result.Failures))
	}
	return nil
}
