package statestore

import (
	"testing"

	"github.com/cuemby/ankor/internal/workload"
	"github.com/stretchr/testify/assert"
)

func inst(agent, name, id string) workload.InstanceName {
	return workload.InstanceName{AgentName: agent, WorkloadName: name, ID: id}
}

func TestProcessNewStatesUpsertsAndRemoves(t *testing.T) {
	s := New()
	s.ProcessNewStates([]Entry{
		{InstanceName: inst("agent_A", "nginx", "hash1"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
	})
	got, ok := s.Get(inst("agent_A", "nginx", "hash1"))
	assert.True(t, ok)
	assert.True(t, got.IsRunning())

	s.ProcessNewStates([]Entry{
		{InstanceName: inst("agent_A", "nginx", "hash1"), ExecutionState: workload.ExecutionState{Main: workload.StateRemoved}},
	})
	_, ok = s.Get(inst("agent_A", "nginx", "hash1"))
	assert.False(t, ok)
	assert.Empty(t, s.ForAgent("agent_A"))
}

func TestAgentDisconnectedOverwritesAllStatesUnderAgent(t *testing.T) {
	s := New()
	s.ProcessNewStates([]Entry{
		{InstanceName: inst("agent_A", "nginx", "hash1"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
		{InstanceName: inst("agent_A", "redis", "hash2"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
	})
	s.AgentDisconnected("agent_A")

	for _, e := range s.ForAgent("agent_A") {
		assert.Equal(t, workload.StateAgentDisconnected, e.ExecutionState.Main)
	}
}

func TestInitialStateSeedsNotScheduledOrPending(t *testing.T) {
	s := New()
	specs := map[string]workload.Spec{
		"nginx":     {WorkloadName: "nginx", Agent: "agent_A"},
		"orphaned":  {WorkloadName: "orphaned"},
	}
	s.InitialState(specs, func(name string, spec workload.Spec) string { return "id-" + name })

	scheduled, _ := s.Get(inst("agent_A", "nginx", "id-nginx"))
	assert.Equal(t, workload.StatePending, scheduled.Main)

	unscheduled, _ := s.Get(inst("", "orphaned", "id-orphaned"))
	assert.Equal(t, workload.StateNotScheduled, unscheduled.Main)
}

func TestExcludingAgent(t *testing.T) {
	s := New()
	s.ProcessNewStates([]Entry{
		{InstanceName: inst("agent_A", "nginx", "h1"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
		{InstanceName: inst("agent_B", "redis", "h2"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
	})
	entries := s.ExcludingAgent("agent_A")
	assert.Len(t, entries, 1)
	assert.Equal(t, "agent_B", entries[0].InstanceName.AgentName)
}

func TestByWorkloadNameAcrossAgents(t *testing.T) {
	s := New()
	s.ProcessNewStates([]Entry{
		{InstanceName: inst("agent_A", "nginx", "h1"), ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}},
		{InstanceName: inst("agent_B", "nginx", "h2"), ExecutionState: workload.ExecutionState{Main: workload.StateSucceeded}},
	})
	entries := s.ByWorkloadName("nginx")
	assert.Len(t, entries, 2)
}
