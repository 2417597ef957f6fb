package main

import (
	"fmt"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var graphPath string
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile a step graph and print its execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			compiled, err := loadCompiled(graphPath, strict)
			if err != nil {
				return err
			}
			order, err := graph.TopologicalOrder(compiled)
			if err != nil {
				return fmt.Errorf("schedule graph: %w", err)
			}
			out := cmd.OutOrStdout()
			for i, id := range order {
				fmt.Fprintf(out, "%d. %s: %s\n", i+1, id, compiled.Steps[id].Goal)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "step graph file (JSON or YAML)")
	cmd.Flags().BoolVar(&strict, "strict", false, "reject invariants that cannot be parsed")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
