// Package server implements the reconciler of §4.9: the process that owns
// the authoritative desired state, accepts UpdateStateRequest/
// CompleteStateRequest/LogsRequest traffic from CLI clients, and drives
// UpdateWorkload/UpdateWorkloadState traffic to connected agents. Grounded
// on original_source's server/src/ankaios_server/server_state.rs for the
// accept-path ordering, and on the teacher's pkg/manager/manager.go
// Config+NewManager(cfg)+Apply(cmd) constructor/command idiom.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/ankor/internal/depgraph"
	"github.com/cuemby/ankor/internal/eventlog"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/persist"
	"github.com/cuemby/ankor/internal/render"
	"github.com/cuemby/ankor/internal/statecompare"
	"github.com/cuemby/ankor/internal/stateobj"
	"github.com/cuemby/ankor/internal/statestore"
	"github.com/cuemby/ankor/internal/wire"
	"github.com/cuemby/ankor/internal/workload"
)

// Sink delivers one FromServer envelope to a connected agent or client
// session. AgentSession and ClientSession (session.go) implement it over a
// transport.Conn; tests use an in-memory fake.
type Sink interface {
	Send(wire.FromServer) error
}

// Config bundles a Server's fixed collaborators.
type Config struct {
	Persist *persist.Store
	Events  *eventlog.Store
	Logger  *log.Logger
}

// subscription is one CompleteStateRequest{Subscribe: true} registration:
// the sink to push deltas to, the field_mask it was resolved against, and
// the last tree pushed, so notifySubscribers can diff against it.
type subscription struct {
	sink      Sink
	fieldMask []string
	lastTree  map[string]stateobj.Object
}

// Server is the reconciler: it owns the desired state, the three-level
// workload-state map, every connected agent's sink, and every subscribed
// client's sink. A single mutex guards everything but states, which is its
// own concurrency-safe store (§5 "Shared resources").
type Server struct {
	persist *persist.Store
	events  *eventlog.Store
	logger  *log.Logger

	states *statestore.Store

	mu      sync.Mutex
	desired workload.DesiredState
	agents  map[string]Sink
	loads   map[string]workload.NodeResources

	clients       map[string]Sink
	subscriptions map[string]*subscription

	pendingDeletes map[string]workload.DeletedWorkload // instance name -> delete still blocked by a dependent
	logStreams     map[string]string                   // request_id -> client_id, for routing AgentLogEntries back
}

// New constructs a Server, loading any previously persisted desired state
// and seeding the state store's initial entries for it (server restart).
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Persist == nil {
		return nil, fmt.Errorf("server: Config.Persist is required")
	}

	desired, err := cfg.Persist.Load()
	if err != nil {
		return nil, fmt.Errorf("server: load persisted state: %w", err)
	}

	s := &Server{
		persist:        cfg.Persist,
		events:         cfg.Events,
		logger:         logger,
		states:         statestore.New(),
		desired:        desired,
		agents:         make(map[string]Sink),
		loads:          make(map[string]workload.NodeResources),
		clients:        make(map[string]Sink),
		subscriptions:  make(map[string]*subscription),
		pendingDeletes: make(map[string]workload.DeletedWorkload),
		logStreams:     make(map[string]string),
	}

	rendered, err := render.Render(desired.Workloads, desired.Configs)
	if err != nil {
		return nil, fmt.Errorf("server: render persisted state: %w", err)
	}
	s.states.InitialState(rendered, instanceIDFor)

	return s, nil
}

func instanceIDFor(_ string, spec workload.Spec) string {
	return workload.InstanceID(spec.RuntimeConfig)
}

// AgentConnected registers agentName's sink and sends it the slice of the
// current desired state assigned to it, as an initial UpdateWorkload
// (§4.8 step 2).
func (s *Server) AgentConnected(agentName string, sink Sink) error {
	s.mu.Lock()
	s.agents[agentName] = sink
	rendered, err := render.Render(s.desired.Workloads, s.desired.Configs)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: render desired state for %s: %w", agentName, err)
	}
	var added []workload.AddedWorkload
	for name, spec := range rendered {
		if spec.Agent != agentName {
			continue
		}
		added = append(added, newAddedWorkload(name, spec))
	}
	s.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i].InstanceName.WorkloadName < added[j].InstanceName.WorkloadName })
	return sink.Send(wire.FromServer{Kind: wire.KindUpdateWorkload, UpdateWorkload: &wire.UpdateWorkload{Added: added}})
}

// AgentDisconnected drops agentName's sink and marks its workload states
// AgentDisconnected (§8 "Transport errors").
func (s *Server) AgentDisconnected(agentName string) {
	s.mu.Lock()
	delete(s.agents, agentName)
	delete(s.loads, agentName)
	s.mu.Unlock()

	s.states.AgentDisconnected(agentName)
	s.notifySubscribers()
}

// AgentLoadStatus records one agent's latest resource snapshot, surfaced
// later via CompleteState's Agents map.
func (s *Server) AgentLoadStatus(status wire.AgentLoadStatus) {
	s.mu.Lock()
	s.loads[status.AgentName] = workload.NodeResources{CPUPercent: status.CPUUsage, FreeMemoryBytes: status.FreeMemory}
	s.mu.Unlock()
}

// UpdateState implements the UpdateStateRequest accept path of §4.9:
// materialise the proposed state via update_mask, render it, reject on a
// dependency cycle, diff it against a freshly re-rendered copy of the
// current desired state, group the result per agent with delete-gating
// applied, and persist only once every prior step has succeeded.
func (s *Server) UpdateState(req wire.UpdateStateRequest) (wire.UpdateStateSuccess, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	s.mu.Lock()

	effective, err := materializeEffectiveState(s.desired, req)
	if err != nil {
		s.mu.Unlock()
		return wire.UpdateStateSuccess{}, err
	}

	newRendered, err := render.Render(effective.Workloads, effective.Configs)
	if err != nil {
		s.mu.Unlock()
		return wire.UpdateStateSuccess{}, err
	}

	newGraph := depgraph.Build(newRendered)
	if cycleErr := newGraph.Check(); cycleErr != nil {
		s.mu.Unlock()
		var ce *depgraph.CycleError
		if errors.As(cycleErr, &ce) {
			return wire.UpdateStateSuccess{}, fmt.Errorf("cycle from %s to %s", ce.From, ce.To)
		}
		return wire.UpdateStateSuccess{}, cycleErr
	}

	// R3: Render is a pure function of its inputs, so re-rendering the
	// still-current desired state here always reproduces what was last
	// accepted - no cached rendered copy is needed.
	oldRendered, err := render.Render(s.desired.Workloads, s.desired.Configs)
	if err != nil {
		s.mu.Unlock()
		return wire.UpdateStateSuccess{}, fmt.Errorf("server: re-render current state: %w", err)
	}
	oldGraph := depgraph.Build(oldRendered)

	addedByName, deletedByName := diffRendered(oldRendered, newRendered, oldGraph)

	toSend := make(map[string]*wire.UpdateWorkload)
	var addedNames, deletedNames []workload.InstanceName

	for _, aw := range addedByName {
		group := groupFor(toSend, aw.InstanceName.AgentName)
		group.Added = append(group.Added, aw)
		addedNames = append(addedNames, aw.InstanceName)
	}
	for _, dw := range deletedByName {
		deletedNames = append(deletedNames, dw.InstanceName)
		if depgraph.DeleteEligible(dw.Dependencies, s.lookupDependentState) {
			group := groupFor(toSend, dw.InstanceName.AgentName)
			group.Deleted = append(group.Deleted, dw)
		} else {
			s.pendingDeletes[dw.InstanceName.String()] = dw
		}
	}

	s.desired = effective
	s.states.InitialState(newRendered, instanceIDFor)

	if err := s.persist.Save(effective); err != nil {
		s.mu.Unlock()
		return wire.UpdateStateSuccess{}, fmt.Errorf("server: persist desired state: %w", err)
	}

	agentSinks := make(map[string]Sink, len(toSend))
	for agent := range toSend {
		if sink, ok := s.agents[agent]; ok {
			agentSinks[agent] = sink
		}
	}
	s.mu.Unlock()

	for agent, uw := range toSend {
		sink, ok := agentSinks[agent]
		if !ok {
			continue // not connected; AgentConnected's full resync covers it once it is
		}
		if err := sink.Send(wire.FromServer{Kind: wire.KindUpdateWorkload, UpdateWorkload: uw}); err != nil {
			s.logger.WithComponent("server").Warn().Err(err).Str("agent_name", agent).Msg("could not forward update_workload")
		}
	}

	metrics.ReconciliationCyclesTotal.Inc()
	sort.Slice(addedNames, func(i, j int) bool { return addedNames[i].String() < addedNames[j].String() })
	sort.Slice(deletedNames, func(i, j int) bool { return deletedNames[i].String() < deletedNames[j].String() })

	s.notifySubscribers()

	return wire.UpdateStateSuccess{AddedWorkloads: addedNames, DeletedWorkloads: deletedNames}, nil
}

func groupFor(byAgent map[string]*wire.UpdateWorkload, agent string) *wire.UpdateWorkload {
	uw, ok := byAgent[agent]
	if !ok {
		uw = &wire.UpdateWorkload{}
		byAgent[agent] = uw
	}
	return uw
}

// lookupDependentState returns the execution state the gating check should
// use for a dependent workload name, across whichever agent it runs on.
func (s *Server) lookupDependentState(name string) (workload.ExecutionState, bool) {
	entries := s.states.ByWorkloadName(name)
	if len(entries) == 0 {
		return workload.ExecutionState{}, false
	}
	return entries[0].ExecutionState, true
}

// flushPendingDeletesLocked re-checks every delete a prior UpdateState call
// deferred and returns, grouped per agent, the ones now eligible, removing
// them from s.pendingDeletes. Call with s.mu held.
func (s *Server) flushPendingDeletesLocked() map[string]*wire.UpdateWorkload {
	out := make(map[string]*wire.UpdateWorkload)
	for key, dw := range s.pendingDeletes {
		if !depgraph.DeleteEligible(dw.Dependencies, s.lookupDependentState) {
			continue
		}
		group := groupFor(out, dw.InstanceName.AgentName)
		group.Deleted = append(group.Deleted, dw)
		delete(s.pendingDeletes, key)
	}
	return out
}

// HandleUpdateWorkloadState implements §4.8 step 3's inbound path: it
// applies an agent's execution-state report, records a transition event
// per entry, flushes any delete that report just made eligible, broadcasts
// the report to every other connected agent (so their own add-gating
// checks observe cross-agent dependency state), and pushes subscriber
// deltas.
func (s *Server) HandleUpdateWorkloadState(agentName string, msg wire.UpdateWorkloadState) {
	entries := make([]statestore.Entry, 0, len(msg.WorkloadStates))
	for _, e := range msg.WorkloadStates {
		entries = append(entries, statestore.Entry{InstanceName: e.InstanceName, ExecutionState: e.ExecutionState})
		if s.events != nil {
			if err := s.events.RecordStateTransition(e.InstanceName, e.ExecutionState, time.Now()); err != nil {
				s.logger.WithComponent("server").Warn().Err(err).Msg("could not record state transition event")
			}
		}
	}
	s.states.ProcessNewStates(entries)

	s.mu.Lock()
	toSend := s.flushPendingDeletesLocked()
	sinks := make(map[string]Sink, len(s.agents))
	for name, sink := range s.agents {
		sinks[name] = sink
	}
	s.mu.Unlock()

	for agent, uw := range toSend {
		if sink, ok := sinks[agent]; ok {
			if err := sink.Send(wire.FromServer{Kind: wire.KindUpdateWorkload, UpdateWorkload: uw}); err != nil {
				s.logger.WithComponent("server").Warn().Err(err).Str("agent_name", agent).Msg("could not forward deferred delete")
			}
		}
	}

	for name, sink := range sinks {
		if name == agentName {
			continue
		}
		if err := sink.Send(wire.FromServer{Kind: wire.KindUpdateWorkloadState, UpdateWorkloadState: &msg}); err != nil {
			s.logger.WithComponent("server").Warn().Err(err).Str("agent_name", name).Msg("could not forward workload state")
		}
	}

	s.notifySubscribers()
}

// CompleteState implements the CompleteStateRequest resolution of §4.9: it
// returns the subset of the current snapshot selected by field_mask (the
// whole snapshot when empty), and, if Subscribe is set, registers sink to
// receive future deltas under clientID until Unsubscribe is called.
func (s *Server) CompleteState(clientID string, sink Sink, req wire.CompleteStateRequest) (wire.CompleteStateResponse, error) {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	tree, err := toObjectTree(snapshot)
	if err != nil {
		return wire.CompleteStateResponse{}, fmt.Errorf("server: marshal snapshot: %w", err)
	}
	filtered := filterTree(tree, req.FieldMask)

	var out workload.CompleteState
	if err := fromObjectTree(filtered, &out); err != nil {
		return wire.CompleteStateResponse{}, fmt.Errorf("server: decode filtered snapshot: %w", err)
	}

	if req.Subscribe {
		s.mu.Lock()
		s.clients[clientID] = sink
		s.subscriptions[clientID] = &subscription{sink: sink, fieldMask: req.FieldMask, lastTree: filtered}
		s.mu.Unlock()
	}

	return wire.CompleteStateResponse{State: &out}, nil
}

// Unsubscribe drops clientID's delta subscription and sink, called on
// client session disconnect.
func (s *Server) Unsubscribe(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	delete(s.subscriptions, clientID)
	s.mu.Unlock()
}

func (s *Server) snapshotLocked() workload.CompleteState {
	agents := make(map[string]workload.NodeResources, len(s.loads))
	for name, load := range s.loads {
		agents[name] = load
	}
	return workload.CompleteState{
		DesiredState:   s.desired.Clone(),
		WorkloadStates: s.workloadStatesSnapshot(),
		Agents:         agents,
	}
}

func (s *Server) workloadStatesSnapshot() workload.WorkloadStates {
	out := make(workload.WorkloadStates)
	for _, e := range s.states.All() {
		names, ok := out[e.InstanceName.AgentName]
		if !ok {
			names = make(map[string]map[string]workload.ExecutionState)
			out[e.InstanceName.AgentName] = names
		}
		ids, ok := names[e.InstanceName.WorkloadName]
		if !ok {
			ids = make(map[string]workload.ExecutionState)
			names[e.InstanceName.WorkloadName] = ids
		}
		ids[e.InstanceName.ID] = e.ExecutionState
	}
	return out
}

// notifySubscribers recomputes every subscriber's masked view of the
// current snapshot and pushes the statecompare delta since its last push
// (§4.11). Never called while s.mu is held: it takes its own short-lived
// locks around each snapshot read, so a subscriber's Send never blocks an
// in-flight UpdateState call.
func (s *Server) notifySubscribers() {
	s.mu.Lock()
	if len(s.subscriptions) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	subs := make(map[string]*subscription, len(s.subscriptions))
	for id, sub := range s.subscriptions {
		subs[id] = sub
	}
	s.mu.Unlock()

	tree, err := toObjectTree(snapshot)
	if err != nil {
		s.logger.WithComponent("server").Warn().Err(err).Msg("could not marshal snapshot for subscribers")
		return
	}

	for id, sub := range subs {
		filtered := filterTree(tree, sub.fieldMask)
		diffs := statecompare.Diff(sub.lastTree, filtered)
		if len(diffs) == 0 {
			continue
		}

		var added, updated, removed []string
		for _, d := range diffs {
			switch d.Kind {
			case statecompare.Added:
				added = append(added, string(d.Path))
			case statecompare.Updated:
				updated = append(updated, string(d.Path))
			case statecompare.Removed:
				removed = append(removed, string(d.Path))
			}
		}

		err := sub.sink.Send(wire.FromServer{Kind: wire.KindResponse, Response: &wire.Response{
			CompleteStateResponse: &wire.CompleteStateResponse{
				AlteredFields: &wire.AlteredFields{Added: added, Updated: updated, Removed: removed},
			},
		}})
		if err != nil {
			s.logger.WithComponent("server").Warn().Err(err).Str("client_id", id).Msg("could not push state delta")
			continue
		}

		s.mu.Lock()
		if cur, ok := s.subscriptions[id]; ok {
			cur.lastTree = filtered
		}
		s.mu.Unlock()
	}
}

// LogsRequest resolves req against the current desired state, forwarding
// it to every agent hosting a named workload and remembering which client
// session issued requestID so AgentLogEntries batches route back to it.
func (s *Server) LogsRequest(clientID string, sink Sink, requestID string, req wire.LogsRequest) (wire.LogsRequestAccepted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAgent := make(map[string][]string)
	var accepted []workload.InstanceName
	for _, name := range req.WorkloadNames {
		spec, ok := s.desired.Workloads[name]
		if !ok {
			continue
		}
		rendered, err := render.Render(map[string]workload.Spec{name: spec}, s.desired.Configs)
		if err != nil {
			continue
		}
		rSpec := rendered[name]
		instance := workload.InstanceName{AgentName: rSpec.Agent, WorkloadName: name, ID: workload.InstanceID(rSpec.RuntimeConfig)}
		byAgent[rSpec.Agent] = append(byAgent[rSpec.Agent], name)
		accepted = append(accepted, instance)
	}

	if len(accepted) == 0 {
		return wire.LogsRequestAccepted{}, fmt.Errorf("server: no matching workloads for logs request")
	}

	s.clients[clientID] = sink
	s.logStreams[requestID] = clientID

	for agent, names := range byAgent {
		agentSink, ok := s.agents[agent]
		if !ok {
			continue
		}
		forward := wire.FromServer{Kind: wire.KindLogsRequestForward, LogsRequest: &wire.ServerLogsRequest{
			RequestID:   requestID,
			LogsRequest: wire.LogsRequest{WorkloadNames: names, Follow: req.Follow, Tail: req.Tail, Since: req.Since, Until: req.Until},
		}}
		if err := agentSink.Send(forward); err != nil {
			s.logger.WithComponent("server").Warn().Err(err).Str("agent_name", agent).Msg("could not forward logs request")
		}
	}

	return wire.LogsRequestAccepted{Workloads: accepted}, nil
}

// LogsCancelRequest ends a previously accepted stream. It is forwarded to
// every currently connected agent rather than only the ones it was
// originally accepted against, since an agent with no matching stream
// simply ignores it.
func (s *Server) LogsCancelRequest(requestID string) {
	s.mu.Lock()
	delete(s.logStreams, requestID)
	sinks := make([]Sink, 0, len(s.agents))
	for _, sink := range s.agents {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		_ = sink.Send(wire.FromServer{Kind: wire.KindLogsCancelRequest, LogsCancelRequest: &wire.LogsCancelRequest{RequestID: requestID}})
	}
}

// AgentLogEntries relays one batch of streamed log lines from an agent to
// the client session that originally issued the request.
func (s *Server) AgentLogEntries(msg wire.AgentLogEntries) {
	s.mu.Lock()
	clientID, ok := s.logStreams[msg.RequestID]
	var sink Sink
	if ok {
		sink = s.clients[clientID]
	}
	if msg.Done {
		delete(s.logStreams, msg.RequestID)
	}
	s.mu.Unlock()

	if sink == nil {
		return
	}
	err := sink.Send(wire.FromServer{Kind: wire.KindLogEntries, LogEntries: &wire.LogEntriesResponse{
		WorkloadName: msg.WorkloadName,
		Lines:        msg.Lines,
	}})
	if err != nil {
		s.logger.WithComponent("server").Warn().Err(err).Str("request_id", msg.RequestID).Msg("could not deliver log entries")
	}
}

// Events resolves an EventsRequest against the event-log supplement,
// newest first, filtered to one workload name when given. It returns an
// empty response rather than an error when no event log is configured,
// since the feature is optional infrastructure (§4.9's core path never
// depends on it).
func (s *Server) Events(req wire.EventsRequest) (wire.EventsResponse, error) {
	if s.events == nil {
		return wire.EventsResponse{}, nil
	}

	var events []eventlog.Event
	var err error
	if req.WorkloadName != "" {
		events, err = s.events.ForWorkload(req.WorkloadName, req.Limit)
	} else {
		events, err = s.events.List(req.Limit)
	}
	if err != nil {
		return wire.EventsResponse{}, fmt.Errorf("server: list events: %w", err)
	}

	entries := make([]wire.EventsResponseEntry, 0, len(events))
	for _, evt := range events {
		entries = append(entries, wire.EventsResponseEntry{
			Timestamp:      evt.Timestamp.Format(time.RFC3339Nano),
			Kind:           string(evt.Kind),
			InstanceName:   evt.InstanceName,
			ExecutionState: evt.ExecutionState,
			Message:        evt.Message,
		})
	}
	return wire.EventsResponse{Events: entries}, nil
}

// materializeEffectiveState applies req against current per §4.9 step 1: a
// update_mask-less request replaces the whole desired state, otherwise each
// update_mask path is copied from the proposed state's tree into current's
// (or removed from it, if the proposed state has nothing at that path).
func materializeEffectiveState(current workload.DesiredState, req wire.UpdateStateRequest) (workload.DesiredState, error) {
	if len(req.UpdateMask) == 0 {
		return req.NewState.DesiredState.Clone(), nil
	}

	currentTree, err := toObjectTree(workload.CompleteState{DesiredState: current})
	if err != nil {
		return workload.DesiredState{}, fmt.Errorf("server: marshal current state: %w", err)
	}
	newTree, err := toObjectTree(req.NewState)
	if err != nil {
		return workload.DesiredState{}, fmt.Errorf("server: marshal proposed state: %w", err)
	}

	for _, mask := range req.UpdateMask {
		path := stateobj.Path(mask)
		value, ok := stateobj.Get(newTree, path)
		if !ok {
			if err := stateobj.Remove(currentTree, path); err != nil {
				return workload.DesiredState{}, fmt.Errorf("server: apply update_mask %q: %w", mask, err)
			}
			continue
		}
		if err := stateobj.Set(currentTree, path, value); err != nil {
			return workload.DesiredState{}, fmt.Errorf("server: apply update_mask %q: %w", mask, err)
		}
	}

	var effective workload.CompleteState
	if err := fromObjectTree(currentTree, &effective); err != nil {
		return workload.DesiredState{}, fmt.Errorf("server: decode effective state: %w", err)
	}
	if effective.DesiredState.Workloads == nil {
		effective.DesiredState.Workloads = make(map[string]workload.Spec)
	}
	if effective.DesiredState.Configs == nil {
		effective.DesiredState.Configs = make(map[string]string)
	}
	return effective.DesiredState, nil
}

// diffRendered compares two already-rendered workload maps by name: a name
// present only in new is Added, present only in old is Deleted, and a name
// whose rendered id or agent changed is both (one delete for the old
// instance, one add for the new).
func diffRendered(oldRendered, newRendered map[string]workload.Spec, oldGraph *depgraph.Graph) (map[string]workload.AddedWorkload, map[string]workload.DeletedWorkload) {
	added := make(map[string]workload.AddedWorkload)
	deleted := make(map[string]workload.DeletedWorkload)

	for _, name := range unionNames(oldRendered, newRendered) {
		oldSpec, hadOld := oldRendered[name]
		newSpec, hasNew := newRendered[name]
		switch {
		case !hadOld && hasNew:
			added[name] = newAddedWorkload(name, newSpec)
		case hadOld && !hasNew:
			deleted[name] = newDeletedWorkload(name, oldSpec, oldGraph)
		case hadOld && hasNew:
			oldID := workload.InstanceID(oldSpec.RuntimeConfig)
			newID := workload.InstanceID(newSpec.RuntimeConfig)
			if oldID != newID || oldSpec.Agent != newSpec.Agent {
				deleted[name] = newDeletedWorkload(name, oldSpec, oldGraph)
				added[name] = newAddedWorkload(name, newSpec)
			}
		}
	}
	return added, deleted
}

func newAddedWorkload(name string, spec workload.Spec) workload.AddedWorkload {
	return workload.AddedWorkload{
		InstanceName: workload.InstanceName{AgentName: spec.Agent, WorkloadName: name, ID: workload.InstanceID(spec.RuntimeConfig)},
		Spec:         spec,
	}
}

// newDeletedWorkload resolves name's dependents from graph. Every
// dependent uniformly gates the delete on DelCondNotPendingNorRunning,
// per workload.DependsOn's own instruction to callers that only track
// AddCondition: a dependent with no specially-declared delete condition is
// treated as blocking until it is no longer pending nor running.
func newDeletedWorkload(name string, spec workload.Spec, graph *depgraph.Graph) workload.DeletedWorkload {
	dependents := graph.Dependents(name)
	conditions := make(map[string]workload.DeleteCondition, len(dependents))
	for depender := range dependents {
		conditions[depender] = workload.DelCondNotPendingNorRunning
	}
	return workload.DeletedWorkload{
		InstanceName: workload.InstanceName{AgentName: spec.Agent, WorkloadName: name, ID: workload.InstanceID(spec.RuntimeConfig)},
		Dependencies: conditions,
	}
}

func unionNames(a, b map[string]workload.Spec) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var names []string
	for n := range a {
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for n := range b {
		if _, ok := seen[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func toObjectTree(v any) (map[string]stateobj.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree map[string]stateobj.Object
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromObjectTree(tree map[string]stateobj.Object, out any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func filterTree(tree map[string]stateobj.Object, fieldMask []string) map[string]stateobj.Object {
	if len(fieldMask) == 0 {
		return tree
	}
	filtered := make(map[string]stateobj.Object)
	for _, mask := range fieldMask {
		value, ok := stateobj.Get(tree, stateobj.Path(mask))
		if !ok {
			continue
		}
		_ = stateobj.Set(filtered, stateobj.Path(mask), value)
	}
	return filtered
}
