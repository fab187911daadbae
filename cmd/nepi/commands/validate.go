package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/policy"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var scriptArgs map[string]string

	cmd := &cobra.Command{
		Use:   "validate <experiment>",
		Short: "Validate an experiment without deploying it",
		Long: `Validate an experiment description or script.

This command checks:
  - description syntax and schema
  - resource types, attributes and connections
  - conditions referring to unknown resources
  - cycles among deploy conditions
  - policy compliance (built-in and --policy Rego policies)`,
		Example: `  # Validate a description
  nepi validate ping.yaml

  # Validate against site policies
  nepi validate --policy ./policies ping.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(context.Background()) }()

			ec, _, err := env.load(ctx, args[0], scriptArgs)
			if err != nil {
				return err
			}
			defer shutdown(ec)

			engine := env.policies
			if engine == nil {
				if engine, err = policy.NewEngine(env.logger); err != nil {
					return err
				}
			}

			graph, graphErr := execution.BuildConditionGraph(ec)
			result, err := engine.EvaluateController(ctx, ec, "validate")
			if err != nil {
				return err
			}

			report := validationReport{Policy: result}
			if graph != nil {
				report.Warnings = graph.Warnings
			}
			if graphErr != nil {
				report.Errors = append(report.Errors, graphErr.Error())
			}
			for _, v := range result.Violations {
				report.Errors = append(report.Errors, v.String())
			}
			report.Valid = len(report.Errors) == 0

			if err := report.print(cmd, opts.jsonOutput); err != nil {
				return err
			}
			if !report.Valid {
				return &ExitError{Code: 1}
			}
			log.Info().Str("experiment", args[0]).Int("resources", len(ec.Guids())).Msg("Experiment is valid")
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&scriptArgs, "arg", "a", nil, "script arguments (key=value)")

	return cmd
}

type validationReport struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Policy   *policy.Result `json:"policy"`
}

func (r validationReport) print(cmd *cobra.Command, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, r)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	for _, v := range r.Policy.Warnings {
		fmt.Fprintf(w, "warning: %s\n", v)
	}
	fmt.Fprintf(w, "%d policies evaluated, %d error(s), %d warning(s)\n",
		len(r.Policy.EvaluatedPolicies), len(r.Errors), len(r.Warnings)+len(r.Policy.Warnings))
	return nil
}
