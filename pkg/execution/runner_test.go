package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

func setupRunnerExperiment(t *testing.T) (*execution.ExperimentController, execution.Guid) {
	t.Helper()
	ec, _ := newController(t, 4)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{
		dummy.AttrDuration: 0.01,
		dummy.AttrCommand:  "ping -c1 localhost",
	})
	connect(t, ec, node, app)
	return ec, app
}

// metricSequence returns a metric callback replaying values in order.
func metricSequence(values []float64) execution.MetricFunc {
	return func(_ *execution.ExperimentController, run int) (float64, error) {
		return values[(run-1)%len(values)], nil
	}
}

func TestRunnerStopRules(t *testing.T) {
	sequence := []float64{10, 10, 10, 10, 12, 10, 12, 10, 10, 11}

	tests := []struct {
		name string
		opts execution.RunnerOptions
		want int
	}{
		{
			name: "converges only at the last run",
			opts: execution.RunnerOptions{
				MinRuns:             5,
				MaxRuns:             10,
				ComputeMetric:       metricSequence(sequence),
				EvaluateConvergence: execution.NormalConvergence,
			},
			want: 10,
		},
		{
			name: "no convergence callback runs max runs",
			opts: execution.RunnerOptions{MinRuns: 5, MaxRuns: 10},
			want: 10,
		},
		{
			name: "no max runs runs min runs",
			opts: execution.RunnerOptions{MinRuns: 3},
			want: 3,
		},
		{
			name: "early convergence after min runs",
			opts: execution.RunnerOptions{
				MinRuns:       2,
				MaxRuns:       10,
				ComputeMetric: metricSequence([]float64{5}),
				EvaluateConvergence: func(_ *execution.ExperimentController, _ int, samples []float64) (bool, error) {
					return len(samples) >= 2, nil
				},
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, app := setupRunnerExperiment(t)
			opts := tt.opts
			opts.WaitGuids = []execution.Guid{app}

			var seen []int
			opts.OnRun = func(runEC *execution.ExperimentController, run int) {
				seen = append(seen, run)
				assert.NotSame(t, ec, runEC)
			}

			runs, err := execution.NewRunner(zerolog.Nop()).Run(testContext(t), ec, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, runs)
			assert.Len(t, seen, tt.want)
			requireState(t, ec, app, execution.StateNew)
		})
	}
}

func TestRunnerUndefinedStopCondition(t *testing.T) {
	ec, _ := setupRunnerExperiment(t)
	_, err := execution.NewRunner(zerolog.Nop()).Run(context.Background(), ec, execution.RunnerOptions{})
	assert.Error(t, err)
}

func TestRunnerAbortsOnFailedExperiment(t *testing.T) {
	ec, _ := newController(t, 2)
	node := register(t, ec, dummy.NodeType, map[string]any{dummy.AttrFailOn: "provision"})
	app := register(t, ec, dummy.ApplicationType, nil)
	connect(t, ec, node, app)

	runs, err := execution.NewRunner(zerolog.Nop()).Run(testContext(t), ec, execution.RunnerOptions{MaxRuns: 5})
	require.Error(t, err)
	assert.Equal(t, 1, runs)
}

func TestRunnerMetricError(t *testing.T) {
	ec, _ := setupRunnerExperiment(t)
	boom := errors.New("no samples in trace")

	var failed *execution.ExperimentController
	runs, err := execution.NewRunner(zerolog.Nop()).Run(testContext(t), ec, execution.RunnerOptions{
		MaxRuns: 3,
		ComputeMetric: func(runEC *execution.ExperimentController, _ int) (float64, error) {
			failed = runEC
			return 0, boom
		},
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, runs)
	require.NotNil(t, failed)
	assert.Equal(t, execution.FailureEC, failed.FailureLevel())
}

func TestNormalConvergence(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    bool
	}{
		{"single sample", []float64{10}, false},
		{"identical samples", []float64{10, 10, 10}, true},
		{"wide spread", []float64{1, 100, 1, 100}, false},
		{"first five of sequence", []float64{10, 10, 10, 10, 12}, false},
		{"full sequence", []float64{10, 10, 10, 10, 12, 10, 12, 10, 10, 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execution.NormalConvergence(nil, len(tt.samples), tt.samples)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunnerSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	cfg := execution.DefaultConfig()
	cfg.Workers = 4
	cfg.RescheduleDelay = 20 * time.Millisecond
	cfg.Tracer = tp.Tracer("test")
	ec, err := execution.NewController(newRegistry(t), cfg)
	require.NoError(t, err)

	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.01})
	connect(t, ec, node, app)

	runs, err := execution.NewRunner(zerolog.Nop()).Run(testContext(t), ec, execution.RunnerOptions{MaxRuns: 2})
	require.NoError(t, err)
	require.Equal(t, 2, runs)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, span := range sr.Ended() {
		byName[span.Name()] = append(byName[span.Name()], span)
	}
	require.Len(t, byName["runner.run"], 2)
	require.Len(t, byName["experiment.execute"], 2)

	runSpans := map[string]bool{}
	for _, span := range byName["runner.run"] {
		runSpans[span.SpanContext().SpanID().String()] = true
	}
	experimentSpans := map[string]bool{}
	for _, span := range byName["experiment.execute"] {
		assert.True(t, runSpans[span.Parent().SpanID().String()], "experiment span outside a run span")
		experimentSpans[span.SpanContext().SpanID().String()] = true
	}
	require.NotEmpty(t, byName["resource.deploy"])
	for _, span := range byName["resource.deploy"] {
		assert.True(t, experimentSpans[span.Parent().SpanID().String()], "hook span outside the experiment span")
	}
}
