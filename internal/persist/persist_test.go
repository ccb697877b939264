package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankor/internal/workload"
)

func TestLoadMissingFileReturnsEmptyV1State(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.yaml"))
	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, APIVersion, state.APIVersion)
	assert.Empty(t, state.Workloads)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := New(path)

	want := workload.DesiredState{
		APIVersion: APIVersion,
		Workloads: map[string]workload.Spec{
			"nginx": {WorkloadName: "nginx", Agent: "agent_A", Runtime: "podman", RuntimeConfig: "image: nginx"},
		},
		Configs: map[string]string{"env": "prod"},
	}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveUsesCamelCaseKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := New(path)
	require.NoError(t, s.Save(workload.DesiredState{
		Workloads: map[string]workload.Spec{"nginx": {WorkloadName: "nginx"}},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "apiVersion:")
	assert.Contains(t, content, "workloadName:")
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	s := New(path)
	require.NoError(t, s.Save(workload.DesiredState{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.yaml", entries[0].Name())
}

func TestSaveOverwritesPriorContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := New(path)
	require.NoError(t, s.Save(workload.DesiredState{
		Workloads: map[string]workload.Spec{"a": {WorkloadName: "a"}},
	}))
	require.NoError(t, s.Save(workload.DesiredState{
		Workloads: map[string]workload.Spec{"b": {WorkloadName: "b"}},
	}))

	got, err := s.Load()
	require.NoError(t, err)
	_, hasA := got.Workloads["a"]
	_, hasB := got.Workloads["b"]
	assert.False(t, hasA)
	assert.True(t, hasB)
}
