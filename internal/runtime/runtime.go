// Package runtime defines the adapter contract a workload supervisor calls
// through (§4.7): create/delete/get_workload_id/start_state_checker/
// list_reusable_workloads/name. Concrete adapters (e.g. internal/runtime/
// containerd) implement Adapter; tests use a fake.
package runtime

import (
	"context"
	"io"

	"github.com/cuemby/ankor/internal/workload"
)

// StateSink receives execution-state updates posted by a running
// StateChecker whenever the polled state changes.
type StateSink func(workload.ExecutionState)

// StateChecker is a background poll that periodically asks the adapter for
// an id's current execution state and posts it to its StateSink on change.
// Stop ends the poll loop.
type StateChecker interface {
	Stop()
}

// Adapter is the runtime collaborator a supervisor drives.
type Adapter interface {
	// Name identifies this adapter (e.g. "podman", "containerd").
	Name() string

	// Create starts a new instance of spec, optionally wiring
	// controlInterfacePath into the workload's filesystem view, and returns
	// its opaque id plus a running StateChecker.
	Create(ctx context.Context, spec workload.Spec, controlInterfacePath string, sink StateSink) (id string, checker StateChecker, err error)

	// Delete stops and removes the instance identified by id.
	Delete(ctx context.Context, id string) error

	// GetWorkloadID resolves name to its adapter-assigned id, e.g. after an
	// agent restart, for the resume/replace decision of §4.8.
	GetWorkloadID(ctx context.Context, name workload.InstanceName) (string, error)

	// StartStateChecker begins polling id's execution state without
	// creating it; used for resume/from_existing constructions. Before
	// starting, the adapter's per-adapter process-list cache is reset.
	StartStateChecker(ctx context.Context, id string, spec workload.Spec, sink StateSink) StateChecker

	// ListReusableWorkloads returns the instance names the adapter already
	// has running for agentName, used at agent startup to reconcile against
	// the initial desired state (§4.8 step 2).
	ListReusableWorkloads(ctx context.Context, agentName string) ([]workload.InstanceName, error)
}

// LogStreamer is an optional capability an Adapter may additionally
// implement; the agent manager type-asserts for it when servicing a
// LogsRequest (§4.9). Adapters that cannot stream logs simply don't
// implement it; the agent manager then answers the request with a single
// empty log batch marked done.
type LogStreamer interface {
	// StreamLogs opens a reader over id's log output. since/until
	// filtering is left to the caller (spec open question b); tail<=0
	// means "from the beginning". If follow is true the returned reader
	// blocks for new output until Close is called.
	StreamLogs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error)
}
