package execution_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []execution.Event
}

func (r *recorder) Publish(_ context.Context, ev *execution.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

// states returns the states a resource entered, in order.
func (r *recorder) states(guid execution.Guid) []execution.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []execution.ResourceState
	for _, ev := range r.events {
		if ev.Type == execution.EventTransition && ev.Guid == guid {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *recorder) count(typ execution.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newRegistry(t *testing.T) *execution.TypeRegistry {
	t.Helper()
	reg := execution.NewTypeRegistry()
	require.NoError(t, dummy.Register(reg))
	return reg
}

func newController(t *testing.T, workers int) (*execution.ExperimentController, *recorder) {
	t.Helper()
	return newControllerWith(t, newRegistry(t), workers)
}

func newControllerWith(t *testing.T, reg *execution.TypeRegistry, workers int) (*execution.ExperimentController, *recorder) {
	t.Helper()

	rec := &recorder{}
	cfg := execution.DefaultConfig()
	cfg.Workers = workers
	cfg.RescheduleDelay = 20 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Publisher = rec

	ec, err := execution.NewController(reg, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ec.Shutdown(context.Background()) })
	return ec, rec
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func register(t *testing.T, ec *execution.ExperimentController, rtype string, attrs map[string]any) execution.Guid {
	t.Helper()
	guid, err := ec.RegisterResource(rtype)
	require.NoError(t, err)
	for name, value := range attrs {
		require.NoError(t, ec.Set(guid, name, value))
	}
	return guid
}

func connect(t *testing.T, ec *execution.ExperimentController, a, b execution.Guid) {
	t.Helper()
	require.NoError(t, ec.RegisterConnection(a, b))
}

func stateTime(t *testing.T, ec *execution.ExperimentController, guid execution.Guid, state execution.ResourceState) time.Time {
	t.Helper()
	rm, err := ec.Resource(guid)
	require.NoError(t, err)
	ts := rm.StateTime(state)
	require.False(t, ts.IsZero(), "%s never reached %s", rm, state)
	return ts
}

func requireState(t *testing.T, ec *execution.ExperimentController, guid execution.Guid, want execution.ResourceState) {
	t.Helper()
	got, err := ec.StateOf(guid)
	require.NoError(t, err)
	require.Equal(t, want, got, "guid %d", guid)
}

// assertMonotonic checks that a resource only moved forward, apart from
// entering FAILED and being released afterwards.
func assertMonotonic(t *testing.T, states []execution.ResourceState) {
	t.Helper()
	prev := execution.StateNew
	for _, s := range states {
		switch {
		case s == execution.StateFailed:
			assert.NotEqual(t, execution.StateReleased, prev, "FAILED after RELEASED in %v", states)
		case prev == execution.StateFailed:
			assert.Equal(t, execution.StateReleased, s, "only RELEASED may follow FAILED in %v", states)
		default:
			assert.Greater(t, s, prev, "state went backwards in %v", states)
		}
		prev = s
	}
}

func TestDeployOrder(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)

	slow := map[string]any{dummy.AttrDelay: 0.01}
	node1 := register(t, ec, dummy.NodeType, slow)
	node2 := register(t, ec, dummy.NodeType, slow)
	iface1 := register(t, ec, dummy.InterfaceType, slow)
	iface2 := register(t, ec, dummy.InterfaceType, slow)
	channel := register(t, ec, dummy.ChannelType, map[string]any{dummy.AttrDelay: 0.05})

	connect(t, ec, node1, iface1)
	connect(t, ec, node2, iface2)
	connect(t, ec, iface1, channel)
	connect(t, ec, iface2, channel)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitDeployed(ctx))

	for _, pair := range [][2]execution.Guid{{node1, iface1}, {node2, iface2}} {
		node, iface := pair[0], pair[1]
		channelReady := stateTime(t, ec, channel, execution.StateReady)
		ifaceReady := stateTime(t, ec, iface, execution.StateReady)
		nodeProvisioned := stateTime(t, ec, node, execution.StateProvisioned)
		nodeReady := stateTime(t, ec, node, execution.StateReady)

		assert.True(t, channelReady.Before(ifaceReady), "channel must be ready before interface %d", iface)
		assert.True(t, nodeProvisioned.Before(ifaceReady), "node %d must be provisioned before its interface is ready", node)
		assert.True(t, ifaceReady.Before(nodeReady), "interface %d must be ready before node %d", iface, node)
	}
	assert.Equal(t, execution.FailureOK, ec.FailureLevel())
}

// setupApplications registers a node with n applications plus one extra
// application that fails during deploy.
func setupApplications(t *testing.T, ec *execution.ExperimentController, n int, critical bool) (execution.Guid, []execution.Guid, execution.Guid) {
	t.Helper()
	node := register(t, ec, dummy.NodeType, nil)
	apps := make([]execution.Guid, 0, n)
	for i := 0; i < n; i++ {
		app := register(t, ec, dummy.ApplicationType, map[string]any{
			dummy.AttrDuration: 0.05,
			dummy.AttrCommand:  fmt.Sprintf("ping -c1 10.0.0.%d", i+1),
		})
		connect(t, ec, node, app)
		apps = append(apps, app)
	}
	failing := register(t, ec, dummy.ApplicationType, map[string]any{
		dummy.AttrFailOn:       "deploy",
		execution.AttrCritical: critical,
	})
	connect(t, ec, node, failing)
	return node, apps, failing
}

func TestNonCriticalFailureIsolation(t *testing.T) {
	ec, rec := newController(t, 4)
	ctx := testContext(t)
	node, apps, failing := setupApplications(t, ec, 10, false)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx, append(apps, failing)...))

	requireState(t, ec, failing, execution.StateFailed)
	for _, app := range apps {
		requireState(t, ec, app, execution.StateStopped)
	}
	requireState(t, ec, node, execution.StateStarted)

	assert.Equal(t, execution.FailureOK, ec.FailureLevel())
	assert.Equal(t, execution.FailureRM, ec.FailureManager().Worst())
	assert.Equal(t, 1, ec.FailureManager().NonCriticalFailures())
	assert.False(t, ec.Abort())

	require.NoError(t, ec.Shutdown(ctx))
	for _, guid := range ec.Guids() {
		requireState(t, ec, guid, execution.StateReleased)
		assertMonotonic(t, rec.states(guid))
	}
	assert.Equal(t, 1, rec.count(execution.EventResourceFailed))
}

func TestCriticalFailureEscalation(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)
	_, _, failing := setupApplications(t, ec, 10, true)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx))

	requireState(t, ec, failing, execution.StateFailed)
	assert.GreaterOrEqual(t, ec.FailureLevel(), execution.FailureCriticalRM)
	assert.True(t, ec.Abort())
	assert.Equal(t, execution.ControllerFailed, ec.State())
	assert.Equal(t, 1, ec.FailureManager().ExitCode())

	rm, err := ec.Resource(failing)
	require.NoError(t, err)
	var execErr *execution.ExecutionError
	require.ErrorAs(t, rm.Err(), &execErr)
	assert.Equal(t, failing, execErr.Guid)
	assert.Equal(t, "deploy", execErr.Action)
}

func TestFanOut(t *testing.T) {
	ec, _ := newController(t, 8)
	ctx := testContext(t)

	node := register(t, ec, dummy.NodeType, nil)
	apps := make([]execution.Guid, 0, 1000)
	for i := 0; i < 1000; i++ {
		app := register(t, ec, dummy.ApplicationType, nil)
		connect(t, ec, node, app)
		apps = append(apps, app)
	}

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx, apps...))
	require.NoError(t, ec.WaitStarted(ctx, node))

	for _, app := range apps {
		requireState(t, ec, app, execution.StateStopped)
	}
	requireState(t, ec, node, execution.StateStarted)
	assert.Equal(t, execution.FailureOK, ec.FailureLevel())
}

func TestStartConditionWithOffset(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)

	const offset = 300 * time.Millisecond
	node := register(t, ec, dummy.NodeType, nil)
	server := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.5})
	client := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.1})
	connect(t, ec, node, server)
	connect(t, ec, node, client)

	require.NoError(t, ec.RegisterCondition(
		[]execution.Guid{client}, execution.ActionStart,
		[]execution.Guid{server}, execution.StateStarted, offset,
	))

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx, server, client))

	serverStart := stateTime(t, ec, server, execution.StateStarted)
	clientStart := stateTime(t, ec, client, execution.StateStarted)
	assert.False(t, clientStart.Before(serverStart.Add(offset)),
		"client started %s after server, want at least %s", clientStart.Sub(serverStart), offset)
}

func TestStopCondition(t *testing.T) {
	ec, _ := newController(t, 2)
	ctx := testContext(t)

	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 60.0})
	connect(t, ec, node, app)

	require.NoError(t, ec.RegisterCondition(
		[]execution.Guid{app}, execution.ActionStop,
		[]execution.Guid{app}, execution.StateStarted, 100*time.Millisecond,
	))

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitStopped(ctx, app))

	started := stateTime(t, ec, app, execution.StateStarted)
	stopped := stateTime(t, ec, app, execution.StateStopped)
	assert.GreaterOrEqual(t, stopped.Sub(started), 100*time.Millisecond)
}

func TestWaitFinishedSkipsResourcesThatNeverStop(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.01})
	connect(t, ec, node, app)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx))

	requireState(t, ec, app, execution.StateStopped)
	requireState(t, ec, node, execution.StateStarted)
}

func TestWaitFinishedHonorsStopConditions(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)

	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.01})
	connect(t, ec, node, app)
	require.NoError(t, ec.RegisterCondition(
		[]execution.Guid{node}, execution.ActionStop,
		[]execution.Guid{app}, execution.StateStopped, 200*time.Millisecond,
	))

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx))

	requireState(t, ec, node, execution.StateStopped)
	appStopped := stateTime(t, ec, app, execution.StateStopped)
	nodeStopped := stateTime(t, ec, node, execution.StateStopped)
	assert.GreaterOrEqual(t, nodeStopped.Sub(appStopped), 200*time.Millisecond)
}

func TestShutdownIsIdempotent(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)
	setupApplications(t, ec, 3, true)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx))

	require.NoError(t, ec.Shutdown(ctx))
	require.NoError(t, ec.Shutdown(ctx))

	for _, guid := range ec.Guids() {
		requireState(t, ec, guid, execution.StateReleased)
	}
	assert.Equal(t, execution.ControllerReleased, ec.State())
	assert.ErrorIs(t, ec.Start(1), execution.ErrControllerShutdown)
}

func TestShutdownWithoutDeploy(t *testing.T) {
	ec, _ := newController(t, 2)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, nil)
	connect(t, ec, node, app)

	require.NoError(t, ec.Shutdown(ctx))
	requireState(t, ec, node, execution.StateReleased)
	requireState(t, ec, app, execution.StateReleased)
}

func TestShutdownForcesStragglers(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(execution.TypeInfo{
		Name: "test::Stubborn",
		New:  func() execution.Resource { return &stubborn{} },
	}))

	rec := &recorder{}
	cfg := execution.DefaultConfig()
	cfg.Workers = 2
	cfg.RescheduleDelay = 10 * time.Millisecond
	cfg.ShutdownTimeout = 200 * time.Millisecond
	cfg.Publisher = rec
	ec, err := execution.NewController(reg, cfg)
	require.NoError(t, err)

	guid := register(t, ec, "test::Stubborn", nil)
	require.NoError(t, ec.Shutdown(context.Background()))
	requireState(t, ec, guid, execution.StateReleased)
}

// stubborn never agrees to be released.
type stubborn struct {
	execution.BaseResource
}

func (s *stubborn) Release(context.Context, *execution.ResourceManager) error {
	return execution.ErrReschedule
}

func TestRedeployAfterShutdown(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.02})
	connect(t, ec, node, app)

	var runIDs []string
	for i := 0; i < 2; i++ {
		require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
		require.NoError(t, ec.WaitFinished(ctx, app))
		requireState(t, ec, app, execution.StateStopped)
		runIDs = append(runIDs, ec.RunID())
		require.NoError(t, ec.Shutdown(ctx))
		requireState(t, ec, app, execution.StateReleased)
	}
	assert.NotEqual(t, runIDs[0], runIDs[1])
}

func TestWaitObservesPastTransitions(t *testing.T) {
	ec, _ := newController(t, 2)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitStarted(ctx, node))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, ec.WaitDeployed(short, node))
	assert.NoError(t, ec.WaitStarted(short, node))
}

func TestWaitHonorsContext(t *testing.T) {
	ec, _ := newController(t, 2)
	node := register(t, ec, dummy.NodeType, nil)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ec.WaitDeployed(short, node), context.DeadlineExceeded)
	assert.ErrorIs(t, ec.WaitDeployed(short, 42), execution.ErrUnknownResource)
}

func TestReleaseWaitsForDependents(t *testing.T) {
	ec, _ := newController(t, 4)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 60.0})
	connect(t, ec, node, app)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitStarted(ctx, app))

	require.NoError(t, ec.Release(node))
	time.Sleep(100 * time.Millisecond)
	requireState(t, ec, node, execution.StateStarted)

	require.NoError(t, ec.Stop(app))
	require.NoError(t, ec.WaitReleased(ctx, node))

	assert.True(t, stateTime(t, ec, app, execution.StateStopped).Before(
		stateTime(t, ec, node, execution.StateReleased)))
}

func TestExplicitStartWithoutWaitAllReady(t *testing.T) {
	ec, _ := newController(t, 2)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrDuration: 0.01})
	connect(t, ec, node, app)

	require.NoError(t, ec.Deploy(ctx, execution.DeployOptions{WaitAllReady: false}))
	require.NoError(t, ec.WaitFinished(ctx, app))
	requireState(t, ec, app, execution.StateStopped)

	extra := register(t, ec, dummy.ApplicationType, nil)
	connect(t, ec, node, extra)
	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions(), extra))
	require.NoError(t, ec.WaitFinished(ctx, extra))
	requireState(t, ec, extra, execution.StateStopped)
}

func TestConnectionValidation(t *testing.T) {
	ec, _ := newController(t, 2)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, nil)
	channel := register(t, ec, dummy.ChannelType, nil)

	assert.ErrorIs(t, ec.RegisterConnection(app, channel), execution.ErrInvalidConnection)
	assert.ErrorIs(t, ec.RegisterConnection(node, node), execution.ErrInvalidConnection)
	assert.ErrorIs(t, ec.RegisterConnection(node, 99), execution.ErrUnknownResource)
	require.NoError(t, ec.RegisterConnection(node, app))

	rm, err := ec.Resource(app)
	require.NoError(t, err)
	peers := rm.GetConnected(dummy.NodeType)
	require.Len(t, peers, 1)
	assert.Equal(t, node, peers[0].Guid())

	require.NoError(t, ec.UnregisterConnection(node, app))
	assert.Empty(t, rm.Connections())
}

type panicky struct {
	execution.BaseResource
}

func (p *panicky) Deploy(context.Context, *execution.ResourceManager) error {
	panic("driver crashed")
}

func TestHookPanicIsContained(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(execution.TypeInfo{
		Name: "test::Panicky",
		New:  func() execution.Resource { return &panicky{} },
	}))
	ec, _ := newControllerWith(t, reg, 2)
	ctx := testContext(t)

	bad := register(t, ec, "test::Panicky", map[string]any{execution.AttrCritical: false})
	good := register(t, ec, dummy.ChannelType, nil)

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitStarted(ctx, bad, good))

	requireState(t, ec, bad, execution.StateFailed)
	requireState(t, ec, good, execution.StateStarted)

	rm, _ := ec.Resource(bad)
	var execErr *execution.ExecutionError
	require.ErrorAs(t, rm.Err(), &execErr)
	assert.Equal(t, execution.ErrCodeHookPanicked, execErr.Code)
}

func TestValidatorFailure(t *testing.T) {
	tests := []struct {
		name      string
		validator execution.Validator
	}{
		{"error", func(*execution.ExperimentController) error { return errors.New("no nodes allowed") }},
		{"panic", func(*execution.ExperimentController) error { panic("validator bug") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, rec := newController(t, 2)
			register(t, ec, dummy.NodeType, nil)
			ec.AddValidator(tt.validator)

			err := ec.Deploy(context.Background(), execution.DefaultDeployOptions())
			require.Error(t, err)
			assert.Equal(t, execution.FailureEC, ec.FailureLevel())
			assert.Equal(t, 2, ec.FailureManager().ExitCode())
			assert.Equal(t, 1, rec.count(execution.EventControllerFailed))
			requireState(t, ec, 1, execution.StateNew)
		})
	}
}

func TestTrace(t *testing.T) {
	ec, _ := newController(t, 2)
	ctx := testContext(t)
	node := register(t, ec, dummy.NodeType, nil)
	app := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrCommand: "uname -a"})
	connect(t, ec, node, app)
	require.NoError(t, ec.EnableTrace(app, "stdout"))

	require.NoError(t, ec.Deploy(ctx, execution.DefaultDeployOptions()))
	require.NoError(t, ec.WaitFinished(ctx, app))

	out, err := ec.Trace(ctx, app, "stdout", execution.TraceStream)
	require.NoError(t, err)
	assert.Contains(t, out, "uname -a")

	_, err = ec.Trace(ctx, node, "stdout", execution.TraceStream)
	assert.Error(t, err)
}

func TestRegisterUnknownType(t *testing.T) {
	ec, _ := newController(t, 1)
	_, err := ec.RegisterResource("planetlab::Node")
	assert.ErrorIs(t, err, execution.ErrUnknownType)
}
