// Package persist implements the write-through desired-state snapshot of
// §4.9 step 7 / §6: a single YAML file, the same camelCase/apiVersion
// shape as the apply manifest format, written atomically so a crash mid
// write never leaves a half-written file on disk. Grounded on the
// teacher's pkg/storage/boltdb.go JSON-marshal-per-record durability
// idiom, adapted to the spec's mandated single-file YAML format rather
// than a bbolt bucket (bbolt itself is used by internal/eventlog instead,
// see DESIGN.md).
package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankor/internal/workload"
)

// APIVersion is the only apiVersion this build understands, matching the
// manifest/apply format (§6).
const APIVersion = "v1"

const (
	dirPerm  = 0700
	filePerm = 0600
)

// Store owns the desired-state snapshot file at Path.
type Store struct {
	path string
}

// New returns a Store writing its snapshot to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot file, returning an empty v1 DesiredState if no
// snapshot has been written yet (first server start).
func (s *Store) Load() (workload.DesiredState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptyState(), nil
	}
	if err != nil {
		return workload.DesiredState{}, fmt.Errorf("persist: read %s: %w", s.path, err)
	}

	var state workload.DesiredState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return workload.DesiredState{}, fmt.Errorf("persist: decode %s: %w", s.path, err)
	}
	if state.APIVersion == "" {
		state.APIVersion = APIVersion
	}
	if state.Workloads == nil {
		state.Workloads = make(map[string]workload.Spec)
	}
	if state.Configs == nil {
		state.Configs = make(map[string]string)
	}
	return state, nil
}

// Save writes state to the snapshot path, replacing any prior contents in
// one atomic rename so a concurrent Load never observes a partial file.
// Save is the only mutator; a rejected UpdateStateRequest must never call
// it (S6's "desired_state unchanged on disk").
func (s *Store) Save(state workload.DesiredState) error {
	if state.APIVersion == "" {
		state.APIVersion = APIVersion
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("persist: create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("persist: encode desired state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}

func emptyState() workload.DesiredState {
	return workload.DesiredState{
		APIVersion: APIVersion,
		Workloads:  make(map[string]workload.Spec),
		Configs:    make(map[string]string),
	}
}
