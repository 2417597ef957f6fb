package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/metalagman/stepflow/internal/config"
	"github.com/metalagman/stepflow/internal/engine"
	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/inputs"
	"github.com/metalagman/stepflow/internal/ledger"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// autorunSuffix is appended to the run id of a graph produced by the run.
const autorunSuffix = "-autorun"

type runFlags struct {
	graphPath     string
	runID         string
	kv            []string
	files         []string
	filesB64      []string
	filesJSON     []string
	stdinTo       string
	autorun       bool
	noInteractive bool
	pretty        bool
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a step graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runGraph(cmd.Context(), cmd, cfg, f)
		},
	}
	cmd.Flags().StringVarP(&f.graphPath, "graph", "g", "", "step graph file (JSON or YAML)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().StringArrayVar(&f.kv, "kv", nil, "seed input key=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "seed input key=path as text (repeatable)")
	cmd.Flags().StringArrayVar(&f.filesB64, "fileb", nil, "seed input key=path as base64 (repeatable)")
	cmd.Flags().StringArrayVar(&f.filesJSON, "filejson", nil, "seed input key=path as parsed JSON (repeatable)")
	cmd.Flags().StringVar(&f.stdinTo, "stdin-to", "", "seed piped stdin into this key")
	cmd.Flags().BoolVar(&f.autorun, "autorun", false, "run a step graph produced by the last step")
	cmd.Flags().BoolVar(&f.noInteractive, "no-interactive", false, "never prompt for missing inputs")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "render the final store as styled markdown")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func runGraph(ctx context.Context, cmd *cobra.Command, cfg config.Config, f runFlags) error {
	compiled, err := loadCompiled(f.graphPath, cfg.Invariants.Strict)
	if err != nil {
		return err
	}
	order, err := graph.TopologicalOrder(compiled)
	if err != nil {
		return fmt.Errorf("schedule graph: %w", err)
	}
	if len(order) == 0 {
		return errors.New("graph has no steps")
	}

	set, err := collectInputs(cfg, f)
	if err != nil {
		return err
	}
	interactive := !f.noInteractive && inputs.IsTerminal(os.Stdin)
	if err := promptMissing(ctx, interactive, compiled.Steps[order[0]], set.Has, set.Values); err != nil {
		return err
	}
	st := store.New()
	inputs.Seed(st, set)

	runID := f.runID
	if runID == "" {
		runID = cfg.RunID
	}
	if runID == "" {
		runID = ulid.Make().String()
	}

	if cfg.Artifacts.Enabled {
		lock, err := ledger.AcquireLock(cfg.Artifacts.Dir, false)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	var rt deps
	app := newApp(cfg, &rt)
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("stop app")
		}
	}()

	sum, runErr := execute(ctx, rt, runID, f.graphPath, compiled, st)
	if runErr == nil && f.autorun {
		runErr = autorun(ctx, rt, interactive, runID+autorunSuffix, sum.Graph, st)
	}
	if err := printStore(cmd.OutOrStdout(), st, f.pretty); err != nil {
		log.Warn().Err(err).Msg("print store")
	}
	return runErr
}

func loadCompiled(path string, strict bool) (graph.StepGraph, error) {
	draft, key, err := graph.LoadFile(path)
	if err != nil {
		return graph.StepGraph{}, err
	}
	if key != "" {
		log.Info().Str("field", key).Msg("unwrapped step graph")
	}
	compiled, err := graph.Compile(draft, graph.WithStrictInvariants(strict))
	if err != nil {
		return graph.StepGraph{}, fmt.Errorf("compile graph: %w", err)
	}
	return compiled, nil
}

func collectInputs(cfg config.Config, f runFlags) (inputs.Set, error) {
	var files []inputs.FileSpec
	for _, group := range []struct {
		pairs []string
		mode  inputs.Mode
	}{
		{f.files, inputs.ModeText},
		{f.filesB64, inputs.ModeBase64},
		{f.filesJSON, inputs.ModeJSON},
	} {
		specs, err := inputs.ParseFileSpecs(group.pairs, group.mode)
		if err != nil {
			return inputs.Set{}, err
		}
		files = append(files, specs...)
	}
	return inputs.Collect(inputs.Options{
		KV:           f.kv,
		Files:        files,
		StdinKey:     f.stdinTo,
		Stdin:        os.Stdin,
		StdinIsTTY:   inputs.IsTerminal(os.Stdin),
		MaxFileBytes: cfg.Inputs.MaxFileBytes(),
	})
}

// promptMissing asks for the first step's missing required inputs and stores the answers in dst.
func promptMissing(ctx context.Context, interactive bool, first graph.StepContract, provided func(string) bool, dst map[string]any) error {
	if !interactive {
		return nil
	}
	missing := inputs.MissingRequired(first, provided)
	if len(missing) == 0 {
		return nil
	}
	answers, err := inputs.TerminalPrompter{In: os.Stdin, Out: os.Stderr}.Ask(ctx, missing)
	if err != nil {
		return fmt.Errorf("prompt inputs: %w", err)
	}
	for k, v := range answers {
		dst[k] = v
	}
	return nil
}

func execute(ctx context.Context, rt deps, runID, graphPath string, g graph.StepGraph, st *store.Store) (engine.Summary, error) {
	runDir := ""
	if rt.Sink != nil {
		runDir = rt.Sink.RunDir(runID)
	}
	if rt.Ledger != nil {
		if err := rt.Ledger.CreateRun(ctx, runID, graphPath, runDir); err != nil {
			return engine.Summary{}, err
		}
	}
	log.Info().Str("run_id", runID).Int("steps", g.Len()).Msg("run started")
	sum, runErr := rt.Engines(runID).Run(ctx, g, st)
	if rt.Ledger != nil {
		if err := rt.Ledger.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("finish run record")
		}
	}
	if runErr != nil {
		return sum, runErr
	}
	log.Info().Str("run_id", runID).Int("executed", len(sum.Steps)).Int("branches", sum.Branches).
		Int("patches", sum.Patches).Msg("run finished")
	return sum, nil
}

// autorun executes a step graph found in the last step's outputs.
func autorun(ctx context.Context, rt deps, interactive bool, runID string, g graph.StepGraph, st *store.Store) error {
	produced, source, ok := findProducedGraph(g, st)
	if !ok {
		log.Info().Msg("autorun: no step graph found in last step outputs")
		return nil
	}
	log.Info().Str("source", source).Msg("autorun: executing produced step graph")
	compiled, err := graph.Compile(produced)
	if err != nil {
		return fmt.Errorf("compile autorun graph: %w", err)
	}
	order, err := graph.TopologicalOrder(compiled)
	if err != nil {
		return fmt.Errorf("schedule autorun graph: %w", err)
	}
	if len(order) == 0 {
		return errors.New("autorun graph has no steps")
	}
	answers := map[string]any{}
	if err := promptMissing(ctx, interactive, compiled.Steps[order[0]], st.Exists, answers); err != nil {
		return err
	}
	inputs.Seed(st, inputs.Set{Values: answers})
	_, err = execute(ctx, rt, runID, source, compiled, st)
	return err
}

// findProducedGraph looks for a step graph among the declared outputs of the
// last step in topological order.
func findProducedGraph(g graph.StepGraph, st store.Reader) (graph.StepGraph, string, bool) {
	order, err := graph.TopologicalOrder(g)
	if err != nil || len(order) == 0 {
		return graph.StepGraph{}, "", false
	}
	last := order[len(order)-1]
	for _, field := range g.Steps[last].OutputsSchema.Names() {
		key := last + "." + field
		v, ok := st.Read(key)
		if !ok {
			continue
		}
		if produced, _, ok := graph.FromValue(v); ok {
			return produced, key, true
		}
	}
	return graph.StepGraph{}, "", false
}
