package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/stores"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded experiments and runs",
		Long: `Inspect the experiments, runs and resource transitions recorded in the
database given with --db.`,
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsTransitionsCommand(opts))

	return cmd
}

// withStore opens the environment and requires a store.
func withStore(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, store *stores.SQLiteStore) error) error {
	if opts.dbPath == "" {
		return errors.New("--db is required")
	}
	env, err := newEnvironment(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(context.Background()) }()
	return fn(cmd.Context(), env.store)
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recorded experiments",
		Example: `  nepi runs list --db nepi.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store *stores.SQLiteStore) error {
				experiments, err := store.ListExperiments(ctx, limit, offset)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(w, experiments)
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED\tUPDATED")
				for _, exp := range experiments {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", exp.ID, exp.Name,
						exp.CreatedAt.Format(time.RFC3339), exp.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of experiments")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of experiments to skip")

	return cmd
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "show <experiment-id>",
		Short:   "Show the runs of an experiment",
		Example: `  nepi runs show --db nepi.db 0b6f2c1e-5d1c-4a8e-9f57-1c2f3e4d5a6b`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store *stores.SQLiteStore) error {
				exp, err := store.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := store.ListRuns(ctx, exp.ID, limit, offset)
				if err != nil {
					return err
				}
				samples, err := store.Samples(ctx, exp.ID)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(w, struct {
						Experiment *stores.Experiment `json:"experiment"`
						Runs       []*stores.Run      `json:"runs"`
						Samples    []float64          `json:"samples"`
					}{exp, runs, samples})
				}

				fmt.Fprintf(w, "Experiment %s (%s), %d sample(s)\n", exp.ID, exp.Name, len(samples))
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tNUMBER\tSTATUS\tSTARTED\tDURATION\tMETRIC\tERROR")
				for _, run := range runs {
					duration, metric, msg := "-", "-", ""
					if run.CompletedAt != nil {
						duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
					}
					if run.Metric != nil {
						metric = fmt.Sprintf("%g", *run.Metric)
					}
					if run.Error != nil {
						msg = *run.Error
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", run.ID, run.Number, run.Status,
						run.StartedAt.Format(time.RFC3339), duration, metric, msg)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsTransitionsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transitions <run-id>",
		Short:   "Show the resource state changes of a run",
		Example: `  nepi runs transitions --db nepi.db 7d1e9a40-3c55-4a0b-8a57-2f7b9c1d0e3f`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store *stores.SQLiteStore) error {
				transitions, err := store.ListTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(w, transitions)
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tGUID\tTYPE\tFROM\tTO\tERROR")
				for _, tr := range transitions {
					msg := ""
					if tr.Error != nil {
						msg = *tr.Error
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", tr.Timestamp.Format(time.RFC3339Nano),
						tr.Guid, tr.RType, tr.From, tr.To, msg)
				}
				return tw.Flush()
			})
		},
	}

	return cmd
}
