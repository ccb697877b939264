package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct{ stopped bool }

func (f *fakeChecker) Stop() { f.stopped = true }

type fakeAdapter struct {
	mu           sync.Mutex
	createCalls  int
	deleteCalls  []string
	createErr    error
	deleteErr    error
	nextID       int
	lastSink     runtime.StateSink
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Create(ctx context.Context, spec workload.Spec, controlInterfacePath string, sink runtime.StateSink) (string, runtime.StateChecker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastSink = sink
	if f.createErr != nil {
		return "", nil, f.createErr
	}
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID), &fakeChecker{}, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, id)
	return f.deleteErr
}

func (f *fakeAdapter) GetWorkloadID(ctx context.Context, name workload.InstanceName) (string, error) {
	return "", fmt.Errorf("not found")
}

func (f *fakeAdapter) StartStateChecker(ctx context.Context, id string, spec workload.Spec, sink runtime.StateSink) runtime.StateChecker {
	f.mu.Lock()
	f.lastSink = sink
	f.mu.Unlock()
	return &fakeChecker{}
}

func (f *fakeAdapter) ListReusableWorkloads(ctx context.Context, agentName string) ([]workload.InstanceName, error) {
	return nil, nil
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

func TestStartReportsStartingThenObserverSeesRunning(t *testing.T) {
	adapter := &fakeAdapter{}
	var mu sync.Mutex
	var reported []workload.ExecutionState
	observer := func(name workload.InstanceName, state workload.ExecutionState) {
		mu.Lock()
		reported = append(reported, state)
		mu.Unlock()
	}

	cfg := Config{
		Adapter:      adapter,
		InstanceName: workload.InstanceName{AgentName: "agent_A", WorkloadName: "nginx", ID: "hash1"},
		Observer:     observer,
		Logger:       log.Nop(),
	}
	sup := Start(context.Background(), cfg, workload.Spec{WorkloadName: "nginx"})
	defer sup.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) >= 1
	})

	adapter.mu.Lock()
	sink := adapter.lastSink
	adapter.mu.Unlock()
	require.NotNil(t, sink)
	sink(workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range reported {
			if s.IsRunning() {
				return true
			}
		}
		return false
	})
}

func TestStopDeletesWorkload(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := Config{Adapter: adapter, InstanceName: workload.InstanceName{WorkloadName: "nginx"}, Logger: log.Nop()}
	sup := Start(context.Background(), cfg, workload.Spec{WorkloadName: "nginx"})

	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.createCalls == 1
	})

	sup.Stop()
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Len(t, adapter.deleteCalls, 1)
}

func TestUpdateDeleteFailureLeavesWorkloadFailedAndDoesNotStartNew(t *testing.T) {
	adapter := &fakeAdapter{deleteErr: fmt.Errorf("delete boom")}
	var mu sync.Mutex
	var reported []workload.ExecutionState
	cfg := Config{
		Adapter:      adapter,
		InstanceName: workload.InstanceName{WorkloadName: "nginx"},
		Observer: func(name workload.InstanceName, state workload.ExecutionState) {
			mu.Lock()
			reported = append(reported, state)
			mu.Unlock()
		},
		Logger: log.Nop(),
	}
	sup := Start(context.Background(), cfg, workload.Spec{WorkloadName: "nginx"})
	defer sup.Stop()

	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.createCalls == 1
	})

	sup.Update(workload.Spec{WorkloadName: "nginx", RuntimeConfig: "v2"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range reported {
			if s.IsFailed() {
				return true
			}
		}
		return false
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, 1, adapter.createCalls, "create must not be called again after delete failure")
}

func TestRestartPolicyAlwaysRestartsUntilBudgetExhausted(t *testing.T) {
	adapter := &fakeAdapter{}
	var mu sync.Mutex
	var reported []workload.ExecutionState
	cfg := Config{
		Adapter:            adapter,
		InstanceName:       workload.InstanceName{WorkloadName: "nginx"},
		MaxRestarts:        2,
		RestartBackoffBase: time.Millisecond,
		Observer: func(name workload.InstanceName, state workload.ExecutionState) {
			mu.Lock()
			reported = append(reported, state)
			mu.Unlock()
		},
		Logger: log.Nop(),
	}
	sup := Start(context.Background(), cfg, workload.Spec{WorkloadName: "nginx", RestartPolicy: workload.RestartAlways})
	defer sup.Stop()

	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.createCalls == 1
	})

	// Two restarts are within budget (createCalls: 1 -> 2 -> 3); the third
	// failure exhausts MaxRestarts=2 and reports StartingFailed instead of
	// calling Create again.
	for i, wantCreateCalls := range []int{2, 3} {
		adapter.mu.Lock()
		sink := adapter.lastSink
		adapter.mu.Unlock()
		sink(workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubExecFailed})
		waitFor(t, func() bool {
			adapter.mu.Lock()
			defer adapter.mu.Unlock()
			return adapter.createCalls == wantCreateCalls
		})
		_ = i
	}

	adapter.mu.Lock()
	sink := adapter.lastSink
	adapter.mu.Unlock()
	sink(workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubExecFailed})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range reported {
			if s.Main == workload.StatePending && s.Sub == workload.SubStartingFailed {
				return true
			}
		}
		return false
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, 3, adapter.createCalls)
}
