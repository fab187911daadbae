package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/execution"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var (
		scriptArgs map[string]string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "graph <experiment>",
		Short: "Export the experiment graph",
		Long: `Export the connections and conditions of an experiment as a Graphviz DOT
graph, or as JSON with --json. Resources are ranked by deploy dependency
depth.`,
		Example: `  # Render with Graphviz
  nepi graph ping.yaml | dot -Tsvg > ping.svg

  # Write the graph to a file
  nepi graph ping.star -o ping.dot`,
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

			graph, err := execution.BuildConditionGraph(ec)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if opts.jsonOutput {
				return writeJSON(w, graph)
			}
			_, err = fmt.Fprint(w, graph.ToDOT())
			return err
		},
	}

	cmd.Flags().StringToStringVarP(&scriptArgs, "arg", "a", nil, "script arguments (key=value)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to a file")

	return cmd
}
