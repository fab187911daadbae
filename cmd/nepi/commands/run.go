package commands

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/description"
	"github.com/nepi-go/nepi/pkg/execution"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		scriptArgs map[string]string
		waitTime   time.Duration
		allReady   bool
		savePath   string
	)

	cmd := &cobra.Command{
		Use:   "run <experiment>",
		Short: "Deploy an experiment once and release it",
		Long: `Deploy every resource of an experiment, wait until the resources finished
running and release them.

A resource finished when it is STOPPED, FAILED or RELEASED. Resources that
never stop on their own, such as nodes, count as finished once STARTED.
Scripts may narrow the resources waited for with a global 'wait' list.

The exit status reflects the worst failure:
  0  no failure, or only non-critical resources failed
  1  a critical resource failed
  2  the controller failed (e.g. a policy rejected the design)`,
		Example: `  # Run a description file
  nepi run ping.yaml

  # Run a script with arguments, recording the run
  nepi run --db nepi.db ping.star --arg host=node1.example.org

  # Keep the resources up for a minute after they finished
  nepi run ping.yaml --wait 1m`,
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
			if savePath != "" {
				if err := description.SaveFile(savePath, description.FromDesign(experimentName(args[0]), ec.Design())); err != nil {
					return err
				}
				log.Info().Str("path", savePath).Msg("Experiment saved")
			}

			var wait []execution.Guid
			if res != nil {
				wait = res.RunnerOptions(execution.RunnerOptions{}).WaitGuids
			}

			log.Info().
				Str("experiment", ec.ID()).
				Int("resources", len(ec.Guids())).
				Int("workers", opts.workers).
				Msg("Deploying experiment")

			runErr := runExperiment(ctx, ec, execution.DeployOptions{WaitAllReady: allReady}, wait, waitTime)
			shutdown(ec)
			if runErr != nil {
				log.Error().Err(runErr).Msg("Experiment interrupted")
			}

			if err := printReport(cmd.OutOrStdout(), opts.jsonOutput, ec); err != nil {
				return err
			}
			if code := ec.FailureManager().ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return runErr
		},
	}

	cmd.Flags().StringToStringVarP(&scriptArgs, "arg", "a", nil, "script arguments (key=value)")
	cmd.Flags().DurationVar(&waitTime, "wait", 0, "time to keep resources up after they finished")
	cmd.Flags().BoolVar(&allReady, "wait-all-ready", true, "start resources only after all of them are READY")
	cmd.Flags().StringVar(&savePath, "save", "", "save the experiment as a description file before deploying")

	return cmd
}

// runExperiment deploys ec and waits for the given resources, or all of
// them, to finish. A controller failure is not an error here; it is read
// from the failure manager afterwards.
func runExperiment(ctx context.Context, ec *execution.ExperimentController, opts execution.DeployOptions, wait []execution.Guid, waitTime time.Duration) error {
	if err := ec.Deploy(ctx, opts); err != nil {
		if ec.Abort() {
			return nil
		}
		return err
	}
	if err := ec.WaitFinished(ctx, wait...); err != nil {
		return err
	}
	if waitTime > 0 && !ec.Abort() {
		log.Info().Dur("wait", waitTime).Msg("Resources finished, waiting before release")
		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// shutdown releases ec regardless of the command context.
func shutdown(ec *execution.ExperimentController) {
	ctx, cancel := context.WithTimeout(context.Background(), ec.Config().ShutdownTimeout+time.Second)
	defer cancel()
	if err := ec.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

func experimentName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
