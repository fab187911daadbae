package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

const pingScript = `
node = ec.register_resource("dummy::Node", hostname = args.get("host", "node-1"))
server = ec.register_resource("dummy::Application", command = "iperf -s", duration = 0.02)
client = ec.register_resource("dummy::Application", command = "iperf -c", duration = 0.01)

for app in [server, client]:
    ec.register_connection(node, app)

ec.register_condition(client, "start", [server], "started", after = "10ms")
ec.enable_trace(client, "stdout")

min_runs = 2
max_runs = 4
wait = [server, client]
_private = "hidden"
label = struct(name = "ping", runs = max_runs)

def compute_metric(ec, run):
    out = ec.trace(client, "stdout")
    return float(len(out) + run)

def converged(ec, run, samples):
    return len(samples) >= 3
`

func setupTestController(t *testing.T) *execution.ExperimentController {
	t.Helper()

	reg := execution.NewTypeRegistry()
	require.NoError(t, dummy.Register(reg))

	cfg := execution.DefaultConfig()
	cfg.Workers = 4
	cfg.RescheduleDelay = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second

	ec, err := execution.NewController(reg, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ec.Shutdown(context.Background()) })
	return ec
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExecRegistersExperiment(t *testing.T) {
	ec := setupTestController(t)
	ev := NewEvaluator(Config{Logger: zerolog.Nop()})

	result, err := ev.Exec(testContext(t), ec, "ping.star", pingScript, map[string]any{"host": "lab-7"})
	require.NoError(t, err)

	require.Equal(t, []execution.Guid{1, 2, 3}, ec.Guids())
	host, err := ec.Get(1, dummy.AttrHostname)
	require.NoError(t, err)
	assert.Equal(t, "lab-7", host)

	duration, err := ec.Get(2, dummy.AttrDuration)
	require.NoError(t, err)
	assert.Equal(t, 0.02, duration)

	design := ec.Design()
	client := design.Resources[2]
	require.Len(t, client.Conditions, 1)
	assert.Equal(t, execution.ActionStart, client.Conditions[0].Action)
	assert.Equal(t, []execution.Guid{2}, client.Conditions[0].Group)
	assert.Equal(t, 10*time.Millisecond, client.Conditions[0].After)
	assert.Equal(t, []string{"stdout"}, client.Traces)

	assert.Equal(t, int64(2), result.Globals["min_runs"])
	assert.NotContains(t, result.Globals, "_private")
	assert.NotContains(t, result.Globals, "compute_metric")
	assert.Equal(t, map[string]any{"name": "ping", "runs": int64(4)}, result.Globals["label"])
	assert.NotNil(t, result.ComputeMetric)
	assert.NotNil(t, result.EvaluateConvergence)

	opts := result.RunnerOptions(execution.RunnerOptions{MinRuns: 1, WaitTime: time.Second})
	assert.Equal(t, 2, opts.MinRuns)
	assert.Equal(t, 4, opts.MaxRuns)
	assert.Equal(t, time.Second, opts.WaitTime)
	assert.Equal(t, []execution.Guid{2, 3}, opts.WaitGuids)
}

func TestScriptDrivesRunner(t *testing.T) {
	ec := setupTestController(t)
	ev := NewEvaluator(Config{Logger: zerolog.Nop()})

	result, err := ev.Exec(testContext(t), ec, "ping.star", pingScript, nil)
	require.NoError(t, err)

	var metrics []float64
	opts := result.RunnerOptions(execution.RunnerOptions{})
	metric := opts.ComputeMetric
	opts.ComputeMetric = func(runEC *execution.ExperimentController, run int) (float64, error) {
		v, err := metric(runEC, run)
		metrics = append(metrics, v)
		return v, err
	}

	runs, err := execution.NewRunner(zerolog.Nop()).Run(testContext(t), ec, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
	require.Len(t, metrics, 3)

	// Length of the client output plus the run number.
	out := float64(len("dummy::Node(1): iperf -c"))
	assert.Equal(t, []float64{out + 1, out + 2, out + 3}, metrics)
}

func TestCallbacksReturnTypes(t *testing.T) {
	ec := setupTestController(t)
	ev := NewEvaluator(Config{Logger: zerolog.Nop()})

	result, err := ev.Exec(testContext(t), ec, "bad.star", `
def compute_metric(ec, run):
    return "fast"

def converged(ec, run, samples):
    return samples and samples[-1] > 10
`, nil)
	require.NoError(t, err)

	_, err = result.ComputeMetric(ec, 1)
	assert.ErrorContains(t, err, "want a number")

	done, err := result.EvaluateConvergence(ec, 1, []float64{1, 11})
	require.NoError(t, err)
	assert.True(t, done)

	done, err = result.EvaluateConvergence(ec, 1, nil)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestExecErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"syntax error", "def (", "starlark execution failed"},
		{"unknown type", `ec.register_resource("nope::Thing")`, "register_resource"},
		{"bad attribute", `ec.register_resource("dummy::Node", colour = "red")`, "colour"},
		{"bad connection", `
a = ec.register_resource("dummy::Node")
b = ec.register_resource("dummy::Node")
ec.register_connection(a, b)`, "register_connection"},
		{"bad action", `
a = ec.register_resource("dummy::Node")
ec.register_condition(a, "boot", a, "ready")`, "register_condition"},
		{"bad delay", `
a = ec.register_resource("dummy::Node")
ec.register_condition(a, "start", [a], "ready", after = "soon")`, "after"},
		{"unknown method", `ec.launch()`, "launch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := setupTestController(t)
			_, err := NewEvaluator(Config{Logger: zerolog.Nop()}).Exec(testContext(t), ec, "bad.star", tt.script, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecTimeout(t *testing.T) {
	ec := setupTestController(t)
	ev := NewEvaluator(Config{Timeout: 50 * time.Millisecond, Logger: zerolog.Nop()})

	_, err := ev.Exec(context.Background(), ec, "loop.star", `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

spin()
`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestExecMaxSteps(t *testing.T) {
	ec := setupTestController(t)
	ev := NewEvaluator(Config{MaxSteps: 1000, Logger: zerolog.Nop()})

	_, err := ev.Exec(testContext(t), ec, "loop.star", `
def spin():
    for i in range(100000):
        pass

spin()
`, nil)
	assert.ErrorContains(t, err, "too many steps")
}

func TestExecFileAndQueries(t *testing.T) {
	ec := setupTestController(t)
	path := filepath.Join(t.TempDir(), "query.star")
	require.NoError(t, os.WriteFile(path, []byte(`
node = ec.register_resource("dummy::Node")
app = ec.register_resource("dummy::Application")
ec.set(app, "command", "ping")
ec.register_connection(node, app)
ec.register_condition([app], "stop", [node], "started", after = 0.5)
ec.unregister_condition([app], [node], "stop")

apps = ec.resources("dummy::Application")
everything = ec.resources()
command = ec.get(app, "command")
state = ec.state(app)
decoded = json.decode('{"n": 3}')["n"]
root = math.sqrt(16)
`), 0o644))

	result, err := NewEvaluator(Config{Logger: zerolog.Nop()}).ExecFile(testContext(t), ec, path, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{int64(2)}, result.Globals["apps"])
	assert.Equal(t, []any{int64(1), int64(2)}, result.Globals["everything"])
	assert.Equal(t, "ping", result.Globals["command"])
	assert.Equal(t, "new", result.Globals["state"])
	assert.Equal(t, int64(3), result.Globals["decoded"])
	assert.Equal(t, 4.0, result.Globals["root"])

	rm, err := ec.Resource(2)
	require.NoError(t, err)
	assert.Empty(t, rm.Conditions(execution.ActionStop))
}
