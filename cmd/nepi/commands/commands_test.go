package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingYAML = `
name: ping
resources:
  - name: node
    type: dummy::Node
    attributes:
      hostname: node-1
  - name: server
    type: dummy::Application
    attributes:
      command: iperf -s
      duration: 0.02
    connections: [node]
  - name: client
    type: dummy::Application
    attributes:
      duration: 0.01
    connections: [node]
    conditions:
      - action: start
        state: started
        resources: [server]
`

const failingYAML = `
name: broken
resources:
  - name: node
    type: dummy::Node
    attributes:
      fail_on: start
`

const cyclicYAML = `
name: cyclic
resources:
  - name: a
    type: dummy::Node
    conditions:
      - action: deploy
        state: ready
        resources: [b]
  - name: b
    type: dummy::Node
    conditions:
      - action: deploy
        state: ready
        resources: [a]
`

const pingScript = `
node = ec.register_resource("dummy::Node", hostname = "node-1")
app = ec.register_resource("dummy::Application", duration = 0.01)
ec.register_connection(node, app)
max_runs = 2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--workers", "4"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunDescription(t *testing.T) {
	path := writeFile(t, "ping.yaml", pingYAML)
	db := filepath.Join(t.TempDir(), "nepi.db")
	saved := filepath.Join(t.TempDir(), "saved.cue")

	out, err := execute(t, "run", "--json", "--db", db, "--save", saved, path)
	require.NoError(t, err, out)

	var report experimentReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ok", report.FailureLevel)
	require.Len(t, report.Resources, 3)
	for _, r := range report.Resources {
		assert.Equal(t, "released", r.State.String())
	}
	assert.FileExists(t, saved)

	out, err = execute(t, "runs", "show", "--json", "--db", db, report.ExperimentID)
	require.NoError(t, err, out)
	var shown struct {
		Runs []struct {
			ID string `json:"id"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Runs, 1)
	assert.Equal(t, report.RunID, shown.Runs[0].ID)

	out, err = execute(t, "runs", "transitions", "--db", db, report.RunID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "dummy::Application")

	out, err = execute(t, "runs", "list", "--db", db)
	require.NoError(t, err, out)
	assert.Contains(t, out, report.ExperimentID)
}

func TestRunExitCode(t *testing.T) {
	path := writeFile(t, "broken.yaml", failingYAML)

	_, err := execute(t, "run", path)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
}

func TestRunnerScript(t *testing.T) {
	path := writeFile(t, "ping.star", pingScript)

	out, err := execute(t, "runner", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 run(s)")
}

func TestRunnerRequiresStopCondition(t *testing.T) {
	path := writeFile(t, "ping.yaml", pingYAML)

	_, err := execute(t, "runner", path)
	assert.ErrorContains(t, err, "stop condition")

	_, err = execute(t, "runner", "--convergence", "median", path)
	assert.ErrorContains(t, err, "unknown convergence")
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", writeFile(t, "ping.yaml", pingYAML))
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 error(s)")

	out, err = execute(t, "validate", writeFile(t, "cyclic.yaml", cyclicYAML))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, out, "error:")
}

func TestGraph(t *testing.T) {
	path := writeFile(t, "ping.yaml", pingYAML)

	out, err := execute(t, "graph", path)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")

	dot := filepath.Join(t.TempDir(), "ping.dot")
	_, err = execute(t, "graph", "-o", dot, path)
	require.NoError(t, err)
	assert.FileExists(t, dot)
}

func TestTypes(t *testing.T) {
	out, err := execute(t, "types")
	require.NoError(t, err)
	for _, name := range []string{"dummy::Node", "dummy::Application", "linux::Node", "linux::Application"} {
		assert.Contains(t, out, name)
	}

	out, err = execute(t, "types", "linux::Application")
	require.NoError(t, err)
	assert.Contains(t, out, "exit_code")

	_, err = execute(t, "types", "planetlab::Node")
	assert.Error(t, err)
}

func TestRunsRequiresDatabase(t *testing.T) {
	_, err := execute(t, "runs", "list")
	assert.ErrorContains(t, err, "--db")
}

func TestScriptArgsRejectedForDescriptions(t *testing.T) {
	_, err := execute(t, "run", "--arg", "host=a", writeFile(t, "ping.yaml", pingYAML))
	assert.ErrorContains(t, err, "--arg")
}
