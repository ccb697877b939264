package authz

import (
	"testing"

	"github.com/cuemby/ankor/internal/stateobj"
	"github.com/cuemby/ankor/internal/workload"
	"github.com/stretchr/testify/assert"
)

func TestAuthoriseStateNoRulesDeniesEverything(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{})
	assert.False(t, a.AuthoriseState([]stateobj.Path{"desiredState.workloads.nginx"}, nil))
}

func TestAuthoriseStateAllowOverlapsPath(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.True(t, a.AuthoriseState([]stateobj.Path{"desiredState.workloads.nginx"}, nil))
}

func TestAuthoriseStateDenyOverlapsNarrowerPath(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
		DenyRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState.workloads.X"}},
		},
	})
	assert.False(t, a.AuthoriseState([]stateobj.Path{"desiredState"}, nil))
}

func TestAuthoriseStateWriteNeedsWriteRule(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.False(t, a.AuthoriseState(nil, []stateobj.Path{"desiredState.workloads.nginx"}))
}

func TestAuthoriseStateReadWriteRuleCoversBoth(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpReadWrite, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.True(t, a.AuthoriseState([]stateobj.Path{"desiredState.x"}, []stateobj.Path{"desiredState.y"}))
}

func TestAuthoriseLogsWildcard(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{IsLogRule: true, WorkloadNames: []string{"web-*"}},
		},
	})
	assert.True(t, a.AuthoriseLogs([]string{"web-frontend"}))
	assert.False(t, a.AuthoriseLogs([]string{"db"}))
}

func TestAuthoriseLogsExactName(t *testing.T) {
	a := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{{IsLogRule: true, WorkloadNames: []string{"nginx"}}},
	})
	assert.True(t, a.AuthoriseLogs([]string{"nginx"}))
	assert.False(t, a.AuthoriseLogs([]string{"nginx2"}))
}

func TestDecisionIsMonotoneInAllowRules(t *testing.T) {
	base := New(workload.ControlInterfaceAccess{})
	assert.False(t, base.AuthoriseState([]stateobj.Path{"desiredState"}, nil))

	withAllow := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.True(t, withAllow.AuthoriseState([]stateobj.Path{"desiredState"}, nil))
}

func TestDecisionIsAntitoneInDenyRules(t *testing.T) {
	allowed := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.True(t, allowed.AuthoriseState([]stateobj.Path{"desiredState"}, nil))

	withDeny := New(workload.ControlInterfaceAccess{
		AllowRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
		DenyRules: []workload.AccessRule{
			{Operation: workload.OpRead, FilterMasks: []string{"desiredState"}},
		},
	})
	assert.False(t, withDeny.AuthoriseState([]stateobj.Path{"desiredState"}, nil))
}
