package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricFunc computes the sample of one run.
type MetricFunc func(ec *ExperimentController, run int) (float64, error)

// ConvergenceFunc decides whether enough samples were collected.
type ConvergenceFunc func(ec *ExperimentController, run int, samples []float64) (bool, error)

// RunnerOptions configures a Runner.Run call.
type RunnerOptions struct {
	// MinRuns is the number of runs before convergence is evaluated.
	MinRuns int

	// MaxRuns stops the runner unconditionally. Zero means unbounded, which
	// requires EvaluateConvergence or MinRuns.
	MaxRuns int

	// WaitTime is slept after the resources finished, before shutdown.
	WaitTime time.Duration

	// WaitGuids are the resources whose completion ends a run. Empty means
	// every resource.
	WaitGuids []Guid

	// ComputeMetric produces the sample for a finished run.
	ComputeMetric MetricFunc

	// EvaluateConvergence returns true to stop once MinRuns is reached.
	EvaluateConvergence ConvergenceFunc

	// OnRun is called after each run with the run's controller.
	OnRun func(ec *ExperimentController, run int)
}

// Validate checks that the options define a stop condition.
func (o RunnerOptions) Validate() error {
	if o.MinRuns < 0 || o.MaxRuns < 0 {
		return fmt.Errorf("run counts must not be negative")
	}
	if o.MaxRuns > 0 && o.MinRuns > o.MaxRuns {
		return fmt.Errorf("min runs (%d) exceeds max runs (%d)", o.MinRuns, o.MaxRuns)
	}
	if o.MaxRuns <= 0 && o.MinRuns <= 0 && o.EvaluateConvergence == nil {
		return fmt.Errorf("undefined stop condition: set max runs, min runs or a convergence function")
	}
	return nil
}

// Runner repeats whole experiment cycles until a stop rule holds.
type Runner struct {
	logger zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger.With().Str("component", "runner").Logger()}
}

// Run executes the experiment described by ec repeatedly and returns the
// number of runs. Each run deploys a fresh controller rebuilt from
// ec.Design(), so ec itself is never deployed.
func (r *Runner) Run(ctx context.Context, ec *ExperimentController, opts RunnerOptions) (int, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	minRuns := opts.MinRuns
	if minRuns <= 0 {
		minRuns = 1
	}

	design := ec.Design()
	ec.mu.RLock()
	validators := append([]Validator(nil), ec.validators...)
	ec.mu.RUnlock()

	var samples []float64
	run := 0
	for {
		run++
		logger := r.logger.With().Int("run", run).Logger()

		runEC, err := NewControllerFromDesign(ec.registry, ec.cfg, design)
		if err != nil {
			return run - 1, fmt.Errorf("run %d: %w", run, err)
		}
		for _, v := range validators {
			runEC.AddValidator(v)
		}

		sample, hasSample, err := r.runOnce(ctx, runEC, run, opts)
		if hasSample {
			samples = append(samples, sample)
		}
		if err != nil {
			return run, fmt.Errorf("run %d: %w", run, err)
		}

		if opts.MaxRuns > 0 && run >= opts.MaxRuns {
			logger.Info().Msg("Maximum number of runs reached")
			return run, nil
		}
		if run < minRuns {
			continue
		}
		if opts.EvaluateConvergence == nil {
			if opts.MaxRuns <= 0 {
				return run, nil
			}
			continue
		}
		converged, err := opts.EvaluateConvergence(runEC, run, samples)
		if err != nil {
			runEC.Fail(err)
			return run, fmt.Errorf("run %d: convergence: %w", run, err)
		}
		if converged {
			logger.Info().Int("samples", len(samples)).Msg("Experiment converged")
			return run, nil
		}
	}
}

// runOnce runs one iteration inside a span that parents the experiment span
// of ec.
func (r *Runner) runOnce(ctx context.Context, ec *ExperimentController, run int, opts RunnerOptions) (float64, bool, error) {
	ctx, span := ec.tracer.Start(ctx, "runner.run",
		trace.WithAttributes(
			attribute.String("nepi.experiment_id", ec.ID()),
			attribute.Int("nepi.run", run),
		),
	)
	defer span.End()

	sample, hasSample, err := r.execute(ctx, ec, run, opts)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case hasSample:
		span.SetAttributes(attribute.Float64("nepi.metric", sample))
	}
	return sample, hasSample, err
}

// execute deploys, drains and shuts down one controller.
func (r *Runner) execute(ctx context.Context, ec *ExperimentController, run int, opts RunnerOptions) (float64, bool, error) {
	logger := r.logger.With().Int("run", run).Str("run_id", ec.RunID()).Logger()
	logger.Info().Msg("Starting run")
	start := time.Now()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ec.cfg.ShutdownTimeout+time.Second)
		defer cancel()
		_ = ec.Shutdown(shutdownCtx)
	}()

	if err := ec.Deploy(ctx, DefaultDeployOptions()); err != nil {
		return 0, false, fmt.Errorf("deploy: %w", err)
	}
	if err := ec.WaitFinished(ctx, opts.WaitGuids...); err != nil {
		return 0, false, err
	}
	if opts.WaitTime > 0 {
		select {
		case <-time.After(opts.WaitTime):
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	if level := ec.FailureLevel(); level >= FailureCriticalRM {
		return 0, false, fmt.Errorf("experiment failed with %s", level)
	}

	var sample float64
	hasSample := false
	if opts.ComputeMetric != nil {
		v, err := opts.ComputeMetric(ec, run)
		if err != nil {
			ec.Fail(err)
			return 0, false, fmt.Errorf("compute metric: %w", err)
		}
		sample, hasSample = v, true
	}
	if opts.OnRun != nil {
		opts.OnRun(ec, run)
	}

	ev := &Event{Type: EventRunCompleted, Run: run, Duration: time.Since(start)}
	if hasSample {
		ev.Metric = &sample
	}
	ec.publish(ctx, ev)
	logger.Info().Dur("duration", time.Since(start)).Msg("Run completed")
	return sample, hasSample, nil
}

// NormalConvergence stops once twice the standard error of the samples is
// within 5% of their mean.
func NormalConvergence(_ *ExperimentController, _ int, samples []float64) (bool, error) {
	n := len(samples)
	if n < 2 {
		return false, nil
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(n)

	var sq float64
	for _, s := range samples {
		d := s - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n))
	stderr := std / math.Sqrt(float64(n))

	return math.Abs(mean)*0.05 >= 2*stderr, nil
}
