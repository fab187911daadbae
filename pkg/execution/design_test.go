package execution_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

func TestDesignRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	ec, _ := newControllerWith(t, reg, 2)

	node := register(t, ec, dummy.NodeType, map[string]any{dummy.AttrHostname: "node-1"})
	server := register(t, ec, dummy.ApplicationType, map[string]any{
		dummy.AttrCommand:      "iperf -s",
		dummy.AttrDuration:     1.5,
		execution.AttrCritical: false,
	})
	client := register(t, ec, dummy.ApplicationType, map[string]any{dummy.AttrCommand: "iperf -c node-1"})
	connect(t, ec, node, server)
	connect(t, ec, node, client)
	require.NoError(t, ec.RegisterCondition([]execution.Guid{client}, execution.ActionStart,
		[]execution.Guid{server}, execution.StateStarted, 2*time.Second))
	require.NoError(t, ec.EnableTrace(client, "stdout"))

	design := ec.Design()
	require.Len(t, design.Resources, 3)
	assert.Equal(t, ec.ID(), design.ExperimentID)
	assert.Equal(t, "node-1", design.Resources[0].Attributes[dummy.AttrHostname])
	assert.Equal(t, "false", design.Resources[1].Attributes[execution.AttrCritical])
	assert.NotContains(t, design.Resources[1].Attributes, dummy.AttrOutput)

	cfg := ec.Config()
	cfg.ExperimentID = ""
	restored, err := execution.NewControllerFromDesign(reg, cfg, design)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Shutdown(context.Background()) })

	assert.Equal(t, ec.ID(), restored.ID())
	assert.Equal(t, design, restored.Design())

	rm, err := restored.Resource(client)
	require.NoError(t, err)
	conds := rm.Conditions(execution.ActionStart)
	require.Len(t, conds, 1)
	assert.Equal(t, []execution.Guid{server}, conds[0].Group)
	assert.Equal(t, 2*time.Second, conds[0].After)
	assert.True(t, rm.TraceEnabled("stdout"))

	next, err := restored.RegisterResource(dummy.ChannelType)
	require.NoError(t, err)
	assert.Equal(t, execution.Guid(4), next)
}

func TestConditionGraph(t *testing.T) {
	ec, _ := newController(t, 1)
	node := register(t, ec, dummy.NodeType, nil)
	server := register(t, ec, dummy.ApplicationType, nil)
	client := register(t, ec, dummy.ApplicationType, nil)
	connect(t, ec, node, server)
	connect(t, ec, node, client)

	require.NoError(t, ec.RegisterCondition([]execution.Guid{server}, execution.ActionDeploy,
		[]execution.Guid{node}, execution.StateReady, 0))
	require.NoError(t, ec.RegisterCondition([]execution.Guid{client}, execution.ActionDeploy,
		[]execution.Guid{server}, execution.StateReady, 0))
	require.NoError(t, ec.RegisterCondition([]execution.Guid{client}, execution.ActionStart,
		[]execution.Guid{server, 42}, execution.StateStarted, 0))

	g, err := execution.BuildConditionGraph(ec)
	require.NoError(t, err)

	require.Len(t, g.Levels, 3)
	assert.Equal(t, []execution.Guid{node}, g.Levels[0])
	assert.Equal(t, []execution.Guid{server}, g.Levels[1])
	assert.Equal(t, []execution.Guid{client}, g.Levels[2])
	require.Len(t, g.Warnings, 1)
	assert.Contains(t, g.Warnings[0], "unknown guid 42")

	dot := g.ToDOT()
	assert.True(t, strings.HasPrefix(dot, "digraph Experiment {"))
	assert.Contains(t, dot, "\"2\" -> \"3\" [label=\"deploy@ready\"")
	assert.Contains(t, dot, "[dir=none, color=gray]")
}

func TestConditionGraphCycle(t *testing.T) {
	ec, _ := newController(t, 1)
	a := register(t, ec, dummy.ChannelType, nil)
	b := register(t, ec, dummy.ChannelType, nil)
	require.NoError(t, ec.RegisterCondition([]execution.Guid{a}, execution.ActionDeploy,
		[]execution.Guid{b}, execution.StateReady, 0))
	require.NoError(t, ec.RegisterCondition([]execution.Guid{b}, execution.ActionDeploy,
		[]execution.Guid{a}, execution.StateReady, 0))

	_, err := execution.BuildConditionGraph(ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular deploy dependency")
}
