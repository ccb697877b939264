package server

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankor/internal/persist"
	"github.com/cuemby/ankor/internal/wire"
	"github.com/cuemby/ankor/internal/workload"
)

type fakeSink struct {
	sent []wire.FromServer
}

func (f *fakeSink) Send(msg wire.FromServer) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSink) updateWorkloads() []*wire.UpdateWorkload {
	var out []*wire.UpdateWorkload
	for _, msg := range f.sent {
		if msg.UpdateWorkload != nil {
			out = append(out, msg.UpdateWorkload)
		}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *persist.Store) {
	t.Helper()
	store := persist.New(filepath.Join(t.TempDir(), "state.yaml"))
	s, err := New(Config{Persist: store})
	require.NoError(t, err)
	return s, store
}

func TestUpdateStateAddsNewWorkloadAndDispatchesToAgent(t *testing.T) {
	s, store := newTestServer(t)
	agent := &fakeSink{}
	require.NoError(t, s.AgentConnected("agent_A", agent))
	agent.sent = nil // drop the initial (empty) resync

	req := wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", Runtime: "podman", RuntimeConfig: "image: nginx"},
		},
	}}}

	result, err := s.UpdateState(req)
	require.NoError(t, err)
	require.Len(t, result.AddedWorkloads, 1)
	assert.Equal(t, "nginx", result.AddedWorkloads[0].WorkloadName)
	assert.Empty(t, result.DeletedWorkloads)

	uws := agent.updateWorkloads()
	require.Len(t, uws, 1)
	require.Len(t, uws[0].Added, 1)
	assert.Equal(t, "nginx", uws[0].Added[0].InstanceName.WorkloadName)
	assert.Empty(t, uws[0].Deleted)

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, persisted.Workloads, "nginx")
}

func TestUpdateStateReplaceEmitsOneDeleteAndOneAdd(t *testing.T) {
	s, _ := newTestServer(t)
	agent := &fakeSink{}
	require.NoError(t, s.AgentConnected("agent_A", agent))

	_, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", RuntimeConfig: "image: nginx:1.0"},
		},
	}}})
	require.NoError(t, err)
	agent.sent = nil

	result, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", RuntimeConfig: "image: nginx:2.0"},
		},
	}}})
	require.NoError(t, err)
	require.Len(t, result.AddedWorkloads, 1)
	require.Len(t, result.DeletedWorkloads, 1)

	uws := agent.updateWorkloads()
	require.Len(t, uws, 1)
	require.Len(t, uws[0].Added, 1)
	require.Len(t, uws[0].Deleted, 1)
	assert.Equal(t, "nginx", uws[0].Added[0].InstanceName.WorkloadName)
	assert.Equal(t, "nginx", uws[0].Deleted[0].InstanceName.WorkloadName)
	assert.NotEqual(t, uws[0].Added[0].InstanceName.ID, uws[0].Deleted[0].InstanceName.ID)
}

func TestUpdateStateRejectsCycleAndLeavesDiskUnchanged(t *testing.T) {
	s, store := newTestServer(t)

	_, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"a": {WorkloadName: "a", Agent: "agent_A", RuntimeConfig: "a", Dependencies: map[string]workload.AddCondition{"b": workload.AddCondRunning}},
			"b": {WorkloadName: "b", Agent: "agent_A", RuntimeConfig: "b", Dependencies: map[string]workload.AddCondition{"a": workload.AddCondRunning}},
		},
	}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle from")

	persisted, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.Empty(t, persisted.Workloads)
}

func TestUpdateStateDefersDeleteUntilDependentNotPendingNorRunning(t *testing.T) {
	s, _ := newTestServer(t)
	agent := &fakeSink{}
	require.NoError(t, s.AgentConnected("agent_A", agent))

	_, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"db":  {WorkloadName: "db", Agent: "agent_A", RuntimeConfig: "db"},
			"web": {WorkloadName: "web", Agent: "agent_A", RuntimeConfig: "web", Dependencies: map[string]workload.AddCondition{"db": workload.AddCondRunning}},
		},
	}}})
	require.NoError(t, err)

	webID := workload.InstanceID("web")
	s.HandleUpdateWorkloadState("agent_A", wire.UpdateWorkloadState{WorkloadStates: []wire.WorkloadStateEntry{
		{
			InstanceName:   workload.InstanceName{AgentName: "agent_A", WorkloadName: "web", ID: webID},
			ExecutionState: workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk},
		},
	}})

	agent.sent = nil
	result, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"web": {WorkloadName: "web", Agent: "agent_A", RuntimeConfig: "web", Dependencies: map[string]workload.AddCondition{"db": workload.AddCondRunning}},
		},
	}}})
	require.NoError(t, err)
	require.Len(t, result.DeletedWorkloads, 1)
	assert.Equal(t, "db", result.DeletedWorkloads[0].WorkloadName)

	// db's dependent (web) is still Running, so the delete must not have
	// been forwarded yet.
	for _, uw := range agent.updateWorkloads() {
		for _, d := range uw.Deleted {
			assert.NotEqual(t, "db", d.InstanceName.WorkloadName)
		}
	}

	agent.sent = nil
	s.HandleUpdateWorkloadState("agent_A", wire.UpdateWorkloadState{WorkloadStates: []wire.WorkloadStateEntry{
		{
			InstanceName:   workload.InstanceName{AgentName: "agent_A", WorkloadName: "web", ID: webID},
			ExecutionState: workload.ExecutionState{Main: workload.StateSucceeded},
		},
	}})

	var flushedDB bool
	for _, uw := range agent.updateWorkloads() {
		for _, d := range uw.Deleted {
			if d.InstanceName.WorkloadName == "db" {
				flushedDB = true
			}
		}
	}
	assert.True(t, flushedDB, "db's delete should flush once web is no longer pending nor running")
}

func TestCompleteStateSubscriptionReceivesDeltaOnUpdate(t *testing.T) {
	s, _ := newTestServer(t)
	client := &fakeSink{}

	resp, err := s.CompleteState("client-1", client, wire.CompleteStateRequest{Subscribe: true})
	require.NoError(t, err)
	require.NotNil(t, resp.State)
	assert.Empty(t, resp.State.DesiredState.Workloads)

	_, err = s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", RuntimeConfig: "image: nginx"},
		},
	}}})
	require.NoError(t, err)

	require.NotEmpty(t, client.sent)
	last := client.sent[len(client.sent)-1]
	require.NotNil(t, last.Response)
	require.NotNil(t, last.Response.CompleteStateResponse)
	require.NotNil(t, last.Response.CompleteStateResponse.AlteredFields)
	assert.NotEmpty(t, last.Response.CompleteStateResponse.AlteredFields.Added)
}

func TestLogsRequestForwardsToHostingAgentAndRoutesEntriesBack(t *testing.T) {
	s, _ := newTestServer(t)
	agent := &fakeSink{}
	client := &fakeSink{}
	require.NoError(t, s.AgentConnected("agent_A", agent))

	_, err := s.UpdateState(wire.UpdateStateRequest{NewState: workload.CompleteState{DesiredState: workload.DesiredState{
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", RuntimeConfig: "image: nginx"},
		},
	}}})
	require.NoError(t, err)
	agent.sent = nil

	accepted, err := s.LogsRequest("client-1", client, "req-1", wire.LogsRequest{WorkloadNames: []string{"nginx"}, Tail: 10})
	require.NoError(t, err)
	require.Len(t, accepted.Workloads, 1)

	require.Len(t, agent.sent, 1)
	require.NotNil(t, agent.sent[0].LogsRequest)
	assert.Equal(t, "req-1", agent.sent[0].LogsRequest.RequestID)
	assert.Equal(t, []string{"nginx"}, agent.sent[0].LogsRequest.LogsRequest.WorkloadNames)

	s.AgentLogEntries(wire.AgentLogEntries{RequestID: "req-1", WorkloadName: "nginx", Lines: []string{"hello"}})
	require.Len(t, client.sent, 1)
	require.NotNil(t, client.sent[0].LogEntries)
	assert.Equal(t, []string{"hello"}, client.sent[0].LogEntries.Lines)
}
