// Package statestore implements the three-level workload-state map of §4.10:
// agent -> name -> id -> ExecutionState. Grounded on original_source's
// common/src/objects/workload_states_map.rs.
package statestore

import (
	"sync"

	"github.com/cuemby/ankor/internal/workload"
)

// Entry pairs an instance name with its execution state, the flattened form
// lookups return.
type Entry struct {
	InstanceName   workload.InstanceName
	ExecutionState workload.ExecutionState
}

// Store is the concurrency-safe three-level state map. The server's state
// update handler is its single writer; other tasks take a snapshot per
// response (§5 "Shared resources").
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]workload.ExecutionState // agent -> name -> id -> state
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]map[string]map[string]workload.ExecutionState)}
}

// ProcessNewStates upserts each entry, or removes it (and cascades cleanup
// of now-empty inner maps) when its state is Removed.
func (s *Store) ProcessNewStates(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ExecutionState.IsRemoved() {
			s.removeLocked(e.InstanceName)
			continue
		}
		names, ok := s.data[e.InstanceName.AgentName]
		if !ok {
			names = make(map[string]map[string]workload.ExecutionState)
			s.data[e.InstanceName.AgentName] = names
		}
		ids, ok := names[e.InstanceName.WorkloadName]
		if !ok {
			ids = make(map[string]workload.ExecutionState)
			names[e.InstanceName.WorkloadName] = ids
		}
		ids[e.InstanceName.ID] = e.ExecutionState
	}
}

func (s *Store) removeLocked(name workload.InstanceName) {
	names, ok := s.data[name.AgentName]
	if !ok {
		return
	}
	ids, ok := names[name.WorkloadName]
	if !ok {
		return
	}
	delete(ids, name.ID)
	if len(ids) == 0 {
		delete(names, name.WorkloadName)
	}
	if len(names) == 0 {
		delete(s.data, name.AgentName)
	}
}

// AgentDisconnected overwrites every state under agent with
// AgentDisconnected. Entries remain until explicit removal, so resubscribing
// clients can still see the history.
func (s *Store) AgentDisconnected(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, ok := s.data[agent]
	if !ok {
		return
	}
	for wlName, ids := range names {
		for id := range ids {
			names[wlName][id] = workload.ExecutionState{Main: workload.StateAgentDisconnected}
		}
	}
}

// InitialState seeds each declared workload with Initial if it has an
// assigned agent, NotScheduled otherwise. Existing entries for the same
// instance are left untouched.
func (s *Store) InitialState(specs map[string]workload.Spec, instanceID func(name string, spec workload.Spec) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, spec := range specs {
		id := instanceID(name, spec)
		agent := spec.Agent

		names, ok := s.data[agent]
		if !ok {
			names = make(map[string]map[string]workload.ExecutionState)
			s.data[agent] = names
		}
		ids, ok := names[name]
		if !ok {
			ids = make(map[string]workload.ExecutionState)
			names[name] = ids
		}
		if _, exists := ids[id]; exists {
			continue
		}
		if agent == "" {
			ids[id] = workload.ExecutionState{Main: workload.StateNotScheduled}
		} else {
			ids[id] = workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubInitial}
		}
	}
}

// ForAgent returns every entry recorded under agent.
func (s *Store) ForAgent(agent string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for wlName, ids := range s.data[agent] {
		for id, state := range ids {
			out = append(out, Entry{
				InstanceName:   workload.InstanceName{AgentName: agent, WorkloadName: wlName, ID: id},
				ExecutionState: state,
			})
		}
	}
	return out
}

// ExcludingAgent returns every entry recorded under any agent other than
// excluding.
func (s *Store) ExcludingAgent(excluding string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for agent, names := range s.data {
		if agent == excluding {
			continue
		}
		for wlName, ids := range names {
			for id, state := range ids {
				out = append(out, Entry{
					InstanceName:   workload.InstanceName{AgentName: agent, WorkloadName: wlName, ID: id},
					ExecutionState: state,
				})
			}
		}
	}
	return out
}

// ByWorkloadName returns every entry recorded for name, across all agents.
func (s *Store) ByWorkloadName(name string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for agent, names := range s.data {
		ids, ok := names[name]
		if !ok {
			continue
		}
		for id, state := range ids {
			out = append(out, Entry{
				InstanceName:   workload.InstanceName{AgentName: agent, WorkloadName: name, ID: id},
				ExecutionState: state,
			})
		}
	}
	return out
}

// Get looks up the execution state of a single instance.
func (s *Store) Get(name workload.InstanceName) (workload.ExecutionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names, ok := s.data[name.AgentName]
	if !ok {
		return workload.ExecutionState{}, false
	}
	ids, ok := names[name.WorkloadName]
	if !ok {
		return workload.ExecutionState{}, false
	}
	state, ok := ids[name.ID]
	return state, ok
}

// All returns a flattened snapshot of the entire store.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for agent, names := range s.data {
		for wlName, ids := range names {
			for id, state := range ids {
				out = append(out, Entry{
					InstanceName:   workload.InstanceName{AgentName: agent, WorkloadName: wlName, ID: id},
					ExecutionState: state,
				})
			}
		}
	}
	return out
}
