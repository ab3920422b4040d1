package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planforge/planforge/planir"
	"github.com/planforge/planforge/registry"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Build a plan graph and check it for cycles and resource conflicts",
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
			fmt.Printf("ok: %d nodes, %d data edges\n", len(plan.Nodes), len(plan.DataEdges))
			return nil
		},
	}
	return cmd
}

func loadPlanNodes(path string) ([]*planir.PlanNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	nodes, err := planir.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return nodes, nil
}

func buildAndCheck(nodes []*planir.PlanNode, reg *registry.Registry) (*planir.PlanIR, error) {
	plan, err := planir.BuildPlanIR(nodes, reg)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	if err := planir.CheckSemanticConsistency(plan, reg, nil); err != nil {
		return nil, fmt.Errorf("consistency check: %w", err)
	}
	return plan, nil
}
