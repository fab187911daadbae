package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/execution"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	workers       int
	dbPath        string
	metricsAddr   string
	policyPaths   []string
	traceExporter string
	traceEndpoint string
	logFormat     string
	verbose       bool
	jsonOutput    bool
}

// ExitError carries a non-zero process exit status without being reported
// as a command failure.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "nepi",
		Short: "nepi - network experiment orchestration",
		Long: `nepi deploys, runs and releases network experiments described as a graph
of typed resources.

Experiments are loaded from:
  - description files (.yaml, .yml, .json, .cue)
  - Starlark scripts (.star)

Resource lifecycles are ordered by conditions, deployed by a bounded worker
pool and checked against Rego policies before every deploy.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&opts.workers, "workers", "w", defaultWorkers(), "worker pool size (defaults to $NEPI_NTHREADS)")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database recording experiments and runs")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringSliceVarP(&opts.policyPaths, "policy", "p", nil, "Rego policy files or directories")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint")
	flags.StringVar(&opts.logFormat, "log-format", "console", "experiment log format (console, json)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newRunnerCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newTypesCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))

	return rootCmd
}

// defaultWorkers reads NEPI_NTHREADS.
func defaultWorkers() int {
	if n, err := strconv.Atoi(os.Getenv("NEPI_NTHREADS")); err == nil && n > 0 {
		return n
	}
	return execution.DefaultWorkers
}
