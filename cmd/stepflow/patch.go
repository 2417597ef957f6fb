package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/spf13/cobra"
)

func patchCmd() *cobra.Command {
	var graphPath, patchPath string
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply a graph patch and print the resulting graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			compiled, err := loadCompiled(graphPath, false)
			if err != nil {
				return err
			}
			p, err := loadPatch(patchPath)
			if err != nil {
				return err
			}
			patched, err := graph.ApplyPatch(compiled, p)
			if err != nil {
				return fmt.Errorf("apply patch: %w", err)
			}
			if _, err := graph.TopologicalOrder(patched); err != nil {
				return fmt.Errorf("schedule patched graph: %w", err)
			}
			data, err := json.MarshalIndent(patched, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal graph: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "step graph file (JSON or YAML)")
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "patch file {op, mode, anchor_step, steps, edges}")
	_ = cmd.MarkFlagRequired("graph")
	_ = cmd.MarkFlagRequired("patch")
	return cmd
}

func loadPatch(path string) (graph.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Patch{}, fmt.Errorf("read patch: %w", err)
	}
	var p graph.Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return graph.Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	sub, err := graph.Compile(p.Subgraph)
	if err != nil {
		return graph.Patch{}, fmt.Errorf("compile patch subgraph: %w", err)
	}
	p.Subgraph = sub
	return p, nil
}
