package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/telemetry"
)

func newCompileCommand() *cobra.Command {
	var (
		concurrencyLimit int
		deadlineMs       float64
	)

	cmd := &cobra.Command{
		Use:   "compile <plan.json>",
		Short: "Compile a plan graph into a scheduled, penalty-scored timeline",
		Args:  cobra.ExactArgs(1),
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

			logger := telemetry.Logger(telemetry.NewNoopLogger())
			if verbose {
				logger = telemetry.NewConsoleLogger()
			}
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
			return printCompiled(compiled)
		},
	}

	cmd.Flags().IntVar(&concurrencyLimit, "concurrency", 4, "maximum concurrently running nodes")
	cmd.Flags().Float64Var(&deadlineMs, "deadline-ms", 60000, "schedule deadline in milliseconds")
	return cmd
}

func printCompiled(compiled *compiler.CompiledPlan) error {
	out := struct {
		Schedule       map[string]compiler.ScheduledNode `json:"schedule"`
		CriticalPathMs float64                            `json:"critical_path_ms"`
		RatePenalty    float64                            `json:"rate_penalty"`
		RetryPenalty   float64                            `json:"retry_penalty"`
	}{
		Schedule:       compiled.Schedule,
		CriticalPathMs: compiled.CriticalPathMs,
		RatePenalty:    compiled.RatePenalty,
		RetryPenalty:   compiled.RetryPenalty,
	}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("render schedule: %w", err)
	}
	fmt.Println(string(enc))
	return nil
}
