package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/metalagman/stepflow/internal/config"
	"github.com/metalagman/stepflow/internal/ledger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage recorded runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsPruneCmd())
	return cmd
}

func openLedger(cfg config.Config) (*ledger.Ledger, func(), error) {
	db, err := ledger.Open(cfg.Artifacts.Ledger)
	if err != nil {
		return nil, func() {}, err
	}
	return ledger.New(db), func() { _ = db.Close() }, nil
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			l, closeFn, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := l.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tSTATUS\tSTEPS\tGRAPH")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.CreatedAt, r.Status, r.StepsExecuted, r.Graph)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func runsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old runs from disk and the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policy := ledger.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = ledger.RetentionPolicy{
					KeepLast: cfg.Retention.KeepLast,
					KeepDays: cfg.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return errors.New("set --keep-last or --keep-days (or configure retention in the config file)")
			}

			lock, ok, err := ledger.TryAcquireExclusive(cfg.Artifacts.Dir)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("runs are in progress; try again later")
			}
			defer func() { _ = lock.Release() }()

			l, closeFn, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := l.PruneRuns(context.WithoutCancel(cmd.Context()), cfg.Artifacts.Dir, policy, dryRun)
			if err != nil {
				return fmt.Errorf("prune runs: %w", err)
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d runs (kept %d, skipped %d)", mode, res.Deleted, res.Kept, res.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
