package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Names of the optional script globals read after execution.
const (
	MetricCallback      = "compute_metric"
	ConvergenceCallback = "converged"
	MinRunsGlobal       = "min_runs"
	MaxRunsGlobal       = "max_runs"
	WaitGlobal          = "wait"
)

// Experiment scripts loop over resources at top level.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// ErrTimeout is returned when a script or callback exceeds its time budget.
var ErrTimeout = errors.New("starlark execution timeout")

// Config configures an Evaluator.
type Config struct {
	// Timeout bounds the top-level script and each callback. Zero means 30s.
	Timeout time.Duration

	// MaxSteps bounds the number of Starlark computation steps. Zero means unbounded.
	MaxSteps uint64

	// Logger receives print() output at debug level.
	Logger zerolog.Logger
}

// Evaluator executes experiment scripts against a controller.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Evaluator{
		timeout:  cfg.Timeout,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger.With().Str("component", "script").Logger(),
	}
}

// Result is what an executed script left behind.
type Result struct {
	// Globals holds the exported script globals that have a Go representation.
	Globals map[string]any

	// ComputeMetric wraps the script's compute_metric(ec, run), if defined.
	ComputeMetric execution.MetricFunc

	// EvaluateConvergence wraps the script's converged(ec, run, samples), if defined.
	EvaluateConvergence execution.ConvergenceFunc

	// ExecutionTime is how long the top-level script took.
	ExecutionTime time.Duration
}

// RunnerOptions overlays the script's callbacks and run bounds on base.
func (r *Result) RunnerOptions(base execution.RunnerOptions) execution.RunnerOptions {
	opts := base
	if r.ComputeMetric != nil {
		opts.ComputeMetric = r.ComputeMetric
	}
	if r.EvaluateConvergence != nil {
		opts.EvaluateConvergence = r.EvaluateConvergence
	}
	if n, ok := r.Globals[MinRunsGlobal].(int64); ok {
		opts.MinRuns = int(n)
	}
	if n, ok := r.Globals[MaxRunsGlobal].(int64); ok {
		opts.MaxRuns = int(n)
	}
	if guids, ok := r.Globals[WaitGlobal].([]any); ok {
		opts.WaitGuids = opts.WaitGuids[:0:0]
		for _, g := range guids {
			if n, ok := g.(int64); ok {
				opts.WaitGuids = append(opts.WaitGuids, execution.Guid(n))
			}
		}
	}
	return opts
}

// ExecFile runs the script at path.
func (e *Evaluator) ExecFile(ctx context.Context, ec *execution.ExperimentController, path string, args map[string]any) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return e.Exec(ctx, ec, filepath.Base(path), string(src), args)
}

// Exec runs src with the controller bound to the global "ec" and args bound
// to "args". Resources registered by the script stay on ec.
func (e *Evaluator) Exec(ctx context.Context, ec *execution.ExperimentController, name, src string, args map[string]any) (*Result, error) {
	start := time.Now()

	starArgs, err := toStarlarkValue(args)
	if err != nil {
		return nil, fmt.Errorf("failed to convert script arguments: %w", err)
	}

	predeclared := starlark.StringDict{
		"ec":     newController(ec),
		"args":   starArgs,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
		"math":   starmath.Module,
		"time":   startime.Module,
	}

	var globals starlark.StringDict
	err = e.run(ctx, name, func(thread *starlark.Thread) error {
		var execErr error
		globals, execErr = starlark.ExecFileOptions(fileOptions, thread, name, src, predeclared)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Globals: make(map[string]any), ExecutionTime: time.Since(start)}
	for key, val := range globals {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		if fn, ok := val.(starlark.Callable); ok {
			switch key {
			case MetricCallback:
				result.ComputeMetric = e.metricFunc(ctx, fn)
			case ConvergenceCallback:
				result.EvaluateConvergence = e.convergenceFunc(ctx, fn)
			}
			continue
		}
		if goVal, err := fromStarlarkValue(val); err == nil {
			result.Globals[key] = goVal
		}
	}

	e.logger.Debug().
		Str("script", name).
		Int("resources", len(ec.Guids())).
		Dur("duration", result.ExecutionTime).
		Msg("Script executed")
	return result, nil
}

// run executes fn on a fresh thread bounded by the evaluator timeout.
func (e *Evaluator) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetLocal(contextKey, ctx)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	if err := fn(thread); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w after %v: %s", ErrTimeout, e.timeout, name)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return fmt.Errorf("starlark execution failed: %w", err)
	}
	return nil
}

func (e *Evaluator) metricFunc(ctx context.Context, fn starlark.Callable) execution.MetricFunc {
	return func(ec *execution.ExperimentController, run int) (float64, error) {
		var out starlark.Value
		err := e.run(context.WithoutCancel(ctx), fn.Name(), func(thread *starlark.Thread) error {
			var callErr error
			out, callErr = starlark.Call(thread, fn, starlark.Tuple{newController(ec), starlark.MakeInt(run)}, nil)
			return callErr
		})
		if err != nil {
			return 0, err
		}
		f, ok := starlark.AsFloat(out)
		if !ok {
			return 0, fmt.Errorf("%s returned %s, want a number", fn.Name(), out.Type())
		}
		return f, nil
	}
}

func (e *Evaluator) convergenceFunc(ctx context.Context, fn starlark.Callable) execution.ConvergenceFunc {
	return func(ec *execution.ExperimentController, run int, samples []float64) (bool, error) {
		list := make([]starlark.Value, len(samples))
		for i, s := range samples {
			list[i] = starlark.Float(s)
		}
		var out starlark.Value
		err := e.run(context.WithoutCancel(ctx), fn.Name(), func(thread *starlark.Thread) error {
			var callErr error
			out, callErr = starlark.Call(thread, fn,
				starlark.Tuple{newController(ec), starlark.MakeInt(run), starlark.NewList(list)}, nil)
			return callErr
		})
		if err != nil {
			return false, err
		}
		return bool(out.Truth()), nil
	}
}
