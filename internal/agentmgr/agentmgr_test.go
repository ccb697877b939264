package agentmgr

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ankor/internal/fswrite"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/transport"
	"github.com/cuemby/ankor/internal/wire"
	"github.com/cuemby/ankor/internal/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct{}

func (f *fakeChecker) Stop() {}

type fakeAdapter struct {
	mu                sync.Mutex
	createCalls       []workload.Spec
	deleteCalls       []string
	startCheckerCalls []string
	reusable          []workload.InstanceName
	reusableErr       error
	nextID            int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Create(ctx context.Context, spec workload.Spec, controlInterfacePath string, sink runtime.StateSink) (string, runtime.StateChecker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, spec)
	f.nextID++
	return spec.WorkloadName + "-created", &fakeChecker{}, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, id)
	return nil
}

func (f *fakeAdapter) GetWorkloadID(ctx context.Context, name workload.InstanceName) (string, error) {
	return "", nil
}

func (f *fakeAdapter) StartStateChecker(ctx context.Context, id string, spec workload.Spec, sink runtime.StateSink) runtime.StateChecker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCheckerCalls = append(f.startCheckerCalls, id)
	return &fakeChecker{}
}

func (f *fakeAdapter) ListReusableWorkloads(ctx context.Context, agentName string) ([]workload.InstanceName, error) {
	return f.reusable, f.reusableErr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func loopbackPair(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *transport.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	client, err := transport.Dial("tcp", ln.Addr().String(), nil)
	require.NoError(t, err)
	server := <-accepted
	return client, server
}

func newTestManager(adapter runtime.Adapter, conn *transport.Conn, runFolder string) *Manager {
	return New(Config{
		AgentName: "agent_A",
		Adapter:   adapter,
		Conn:      conn,
		RunFolder: runFolder,
		Logger:    log.Nop(),
	})
}

func TestHandshakeSucceedsOnServerHello(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	m := newTestManager(&fakeAdapter{}, client, t.TempDir())

	done := make(chan error, 1)
	go func() { done <- m.handshake() }()

	payload, err := server.Recv()
	require.NoError(t, err)
	var hello wire.ToServer
	require.NoError(t, json.Unmarshal(payload, &hello))
	assert.Equal(t, wire.KindAgentHello, hello.Kind)
	assert.Equal(t, "agent_A", hello.AgentHello.AgentName)

	reply, err := json.Marshal(wire.FromServer{Kind: wire.KindServerHello, ServerHello: &wire.ServerHello{AgentName: "agent_A"}})
	require.NoError(t, err)
	require.NoError(t, server.Send(reply))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeFailsOnConnectionClosed(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	m := newTestManager(&fakeAdapter{}, client, t.TempDir())

	done := make(chan error, 1)
	go func() { done <- m.handshake() }()

	_, err := server.Recv()
	require.NoError(t, err)

	reply, err := json.Marshal(wire.FromServer{Kind: wire.KindConnectionClosed, ConnectionClosed: &wire.ConnectionClosed{Reason: "incompatible version"}})
	require.NoError(t, err)
	require.NoError(t, server.Send(reply))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incompatible version")
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestReconcileInitialResumesReplacesStartsAndDeletesOrphans(t *testing.T) {
	adapter := &fakeAdapter{
		reusable: []workload.InstanceName{
			{AgentName: "agent_A", WorkloadName: "keep", ID: "id-keep"},
			{AgentName: "agent_A", WorkloadName: "stale", ID: "id-stale"},
			{AgentName: "agent_A", WorkloadName: "orphan", ID: "id-orphan"},
		},
	}
	client, _ := loopbackPair(t)
	defer client.Close()
	m := newTestManager(adapter, client, t.TempDir())

	added := []workload.AddedWorkload{
		{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "keep", ID: "id-keep"}, Spec: workload.Spec{WorkloadName: "keep"}},
		{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "stale", ID: "id-new"}, Spec: workload.Spec{WorkloadName: "stale"}},
		{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "fresh", ID: "id-fresh"}, Spec: workload.Spec{WorkloadName: "fresh"}},
	}
	m.reconcileInitial(context.Background(), added)

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.supervisors) == 3
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Contains(t, adapter.startCheckerCalls, "id-keep", "resumed workload should start a state checker, not Create")
	assert.Contains(t, adapter.deleteCalls, "id-stale", "replace deletes the stale instance before creating the new one")
	assert.Contains(t, adapter.deleteCalls, "id-orphan", "workload no longer desired should be deleted")

	var createdNames []string
	for _, s := range adapter.createCalls {
		createdNames = append(createdNames, s.WorkloadName)
	}
	assert.Contains(t, createdNames, "stale", "replace must call Create for the new spec")
	assert.Contains(t, createdNames, "fresh", "workload with no reusable instance must start fresh")
}

func TestHandleUpdateWorkloadStartsUpdatesAndStops(t *testing.T) {
	adapter := &fakeAdapter{}
	client, _ := loopbackPair(t)
	defer client.Close()
	m := newTestManager(adapter, client, t.TempDir())

	m.handleUpdateWorkload(context.Background(), wire.UpdateWorkload{
		Added: []workload.AddedWorkload{
			{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "nginx", ID: "id-1"}, Spec: workload.Spec{WorkloadName: "nginx"}},
		},
	})
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.supervisors["nginx"]
		return ok
	})

	m.handleUpdateWorkload(context.Background(), wire.UpdateWorkload{
		Added: []workload.AddedWorkload{
			{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "nginx", ID: "id-1"}, Spec: workload.Spec{WorkloadName: "nginx", RuntimeConfig: "v2"}},
		},
	})

	m.handleUpdateWorkload(context.Background(), wire.UpdateWorkload{
		Deleted: []workload.DeletedWorkload{
			{InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "nginx", ID: "id-1"}},
		},
	})
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.supervisors["nginx"]
		return !ok
	})
}

func TestRouteResponseDeliversToRegisteredSink(t *testing.T) {
	client, _ := loopbackPair(t)
	defer client.Close()
	m := newTestManager(&fakeAdapter{}, client, t.TempDir())

	received := make(chan string, 1)
	m.router.Register("agent_A.nginx.id-1", func(requestID string, payload []byte) {
		received <- requestID
	})

	m.routeResponse(wire.Response{RequestID: "agent_A.nginx.id-1@req-42"})

	select {
	case id := <-received:
		assert.Equal(t, "req-42", id)
	case <-time.After(time.Second):
		t.Fatal("response was not routed")
	}
}

func TestFIFOPipesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ciPath, err := fswrite.ProvisionControlInterface(dir)
	require.NoError(t, err)

	pipes, err := newFIFOPipes(ciPath)
	require.NoError(t, err)
	defer pipes.Close()

	// simulate the workload side writing a Hello onto the input fifo
	workloadSide, err := os.OpenFile(filepath.Join(ciPath, fswrite.InputFIFO), os.O_RDWR, 0)
	require.NoError(t, err)
	defer workloadSide.Close()
	require.NoError(t, wire.Encode(wire.NewFrameWriter(workloadSide), wire.ToAnkaios{
		Kind:  wire.KindHello,
		Hello: &wire.Hello{ProtocolVersion: "0.1.0"},
	}))

	msg, err := pipes.ReadToAnkaios()
	require.NoError(t, err)
	assert.Equal(t, wire.KindHello, msg.Kind)
	require.NotNil(t, msg.Hello)
	assert.Equal(t, "0.1.0", msg.Hello.ProtocolVersion)

	// and the reverse direction: agent writes, a simulated workload reads.
	workloadReader, err := os.OpenFile(filepath.Join(ciPath, fswrite.OutputFIFO), os.O_RDWR, 0)
	require.NoError(t, err)
	defer workloadReader.Close()

	require.NoError(t, pipes.WriteFromAnkaios(wire.FromAnkaios{
		Kind:                     wire.KindControlInterfaceAccepted,
		ControlInterfaceAccepted: &wire.ControlInterfaceAccepted{},
	}))

	var reply wire.FromAnkaios
	require.NoError(t, wire.Decode(wire.NewFrameReader(workloadReader), &reply))
	assert.Equal(t, wire.KindControlInterfaceAccepted, reply.Kind)
}

func TestMaybeStartWorkloadParksAddWithUnsatisfiedDependencyAndReleasesOnDepState(t *testing.T) {
	adapter := &fakeAdapter{}
	client, _ := loopbackPair(t)
	defer client.Close()
	m := newTestManager(adapter, client, t.TempDir())
	m.runCtx = context.Background()

	web := workload.AddedWorkload{
		InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "web", ID: "id-web"},
		Spec: workload.Spec{
			WorkloadName: "web",
			Dependencies: map[string]workload.AddCondition{"db": workload.AddCondRunning},
		},
	}

	m.maybeStartWorkload(context.Background(), web)

	m.mu.Lock()
	_, parked := m.pending["web"]
	_, started := m.supervisors["web"]
	m.mu.Unlock()
	assert.True(t, parked, "add with an unfulfilled dependency must be parked, not started")
	assert.False(t, started)

	m.recordDepState("db", workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk})
	m.releaseEligiblePending(context.Background())

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.supervisors["web"]
		return ok
	})
	m.mu.Lock()
	_, stillParked := m.pending["web"]
	m.mu.Unlock()
	assert.False(t, stillParked, "eligible add must be removed from pending once released")
}

func TestMaybeStartWorkloadStartsImmediatelyWhenDependencyAlreadySatisfied(t *testing.T) {
	adapter := &fakeAdapter{}
	client, _ := loopbackPair(t)
	defer client.Close()
	m := newTestManager(adapter, client, t.TempDir())

	m.maybeStartWorkload(context.Background(), workload.AddedWorkload{
		InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "standalone", ID: "id-1"},
		Spec:         workload.Spec{WorkloadName: "standalone"},
	})

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.supervisors["standalone"]
		return ok
	})
	m.mu.Lock()
	_, parked := m.pending["standalone"]
	m.mu.Unlock()
	assert.False(t, parked)
}

type fakeLogAdapter struct {
	fakeAdapter
}

func (f *fakeLogAdapter) StreamLogs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("line one\nline two\n")), nil
}

func TestServiceLogsRequestSendsBackLogEntriesForHostedWorkload(t *testing.T) {
	adapter := &fakeLogAdapter{}
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()
	m := newTestManager(adapter, client, t.TempDir())
	m.mu.Lock()
	m.instanceIDs["nginx"] = workload.InstanceName{AgentName: "agent_A", WorkloadName: "nginx", ID: "id-nginx"}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.serviceLogsRequest(context.Background(), wire.ServerLogsRequest{
			RequestID:   "req-1",
			LogsRequest: wire.LogsRequest{WorkloadNames: []string{"nginx"}},
		})
		close(done)
	}()

	payload, err := server.Recv()
	require.NoError(t, err)
	var msg wire.ToServer
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, wire.KindLogEntries, msg.Kind)
	require.NotNil(t, msg.LogEntries)
	assert.Equal(t, "req-1", msg.LogEntries.RequestID)
	assert.Equal(t, "nginx", msg.LogEntries.WorkloadName)
	assert.Equal(t, []string{"line one", "line two"}, msg.LogEntries.Lines)
	assert.True(t, msg.LogEntries.Done)

	<-done
}

func TestAuthoriserForDeniesWithoutAllowRule(t *testing.T) {
	a := authoriserFor(workload.Spec{})
	require.NotNil(t, a)
	assert.False(t, a.AuthoriseLogs([]string{"nginx"}))
}
