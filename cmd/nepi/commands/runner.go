package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/execution"
)

func newRunnerCommand(opts *globalOptions) *cobra.Command {
	var (
		scriptArgs  map[string]string
		minRuns     int
		maxRuns     int
		waitTime    time.Duration
		convergence string
	)

	cmd := &cobra.Command{
		Use:   "runner <experiment>",
		Short: "Repeat an experiment until it converges",
		Long: `Run an experiment repeatedly. Every run deploys a fresh copy of the
experiment, waits for it to finish and releases it.

The runner stops after --max-runs, or once --min-runs were done and the
convergence check holds. Scripts may define compute_metric(ec, run) to
produce one sample per run and converged(ec, run, samples) to decide when
enough samples were collected; min_runs, max_runs and wait globals override
the flags.`,
		Example: `  # Run an experiment ten times
  nepi runner ping.yaml --max-runs 10

  # Run until the script's samples converge, at least five runs
  nepi runner --db nepi.db ping.star --min-runs 5 --convergence normal`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(context.Background()) }()
			env.watchPolicies(ctx)

			ec, res, err := env.load(ctx, args[0], scriptArgs)
			if err != nil {
				return err
			}
			defer shutdown(ec)

			ropts := execution.RunnerOptions{
				MinRuns:  minRuns,
				MaxRuns:  maxRuns,
				WaitTime: waitTime,
				OnRun: func(runEC *execution.ExperimentController, run int) {
					log.Info().
						Int("run", run).
						Str("run_id", runEC.RunID()).
						Str("failure_level", runEC.FailureLevel().String()).
						Msg("Run finished")
				},
			}
			switch convergence {
			case "", "none":
			case "normal":
				ropts.EvaluateConvergence = execution.NormalConvergence
			default:
				return fmt.Errorf("unknown convergence check %q", convergence)
			}
			if res != nil {
				ropts = res.RunnerOptions(ropts)
			}

			runs, err := execution.NewRunner(env.logger).Run(ctx, ec, ropts)
			if opts.jsonOutput {
				out := struct {
					ExperimentID string `json:"experiment_id"`
					Runs         int    `json:"runs"`
					Error        string `json:"error,omitempty"`
				}{ExperimentID: ec.ID(), Runs: runs}
				if err != nil {
					out.Error = err.Error()
				}
				if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
					return werr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s: %d run(s)\n", ec.ID(), runs)
			}
			return err
		},
	}

	cmd.Flags().StringToStringVarP(&scriptArgs, "arg", "a", nil, "script arguments (key=value)")
	cmd.Flags().IntVar(&minRuns, "min-runs", 0, "runs before convergence is evaluated")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "maximum number of runs (0 means unbounded)")
	cmd.Flags().DurationVar(&waitTime, "wait", 0, "time to keep resources up after each run finished")
	cmd.Flags().StringVar(&convergence, "convergence", "none", "convergence check (none, normal)")

	return cmd
}
