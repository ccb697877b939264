package statecompare

import (
	"testing"

	"github.com/cuemby/ankor/internal/stateobj"
	"github.com/stretchr/testify/assert"
)

func TestDiffOfIdenticalTreesIsEmpty(t *testing.T) {
	x := map[string]stateobj.Object{
		"desiredState": map[string]stateobj.Object{
			"workloads": map[string]stateobj.Object{"nginx": "v1"},
		},
	}
	assert.Empty(t, Diff(x, x))
}

func TestDiffDetectsAddedRemovedUpdated(t *testing.T) {
	old := map[string]stateobj.Object{
		"desiredState": map[string]stateobj.Object{
			"workloads": map[string]stateobj.Object{
				"nginx": "v1",
				"redis": "v1",
			},
		},
	}
	new_ := map[string]stateobj.Object{
		"desiredState": map[string]stateobj.Object{
			"workloads": map[string]stateobj.Object{
				"nginx": "v2",
				"cron":  "v1",
			},
		},
	}
	diffs := Diff(old, new_)

	byPath := map[stateobj.Path]Kind{}
	for _, d := range diffs {
		byPath[d.Path] = d.Kind
	}
	assert.Equal(t, Updated, byPath["desiredState.workloads.nginx"])
	assert.Equal(t, Removed, byPath["desiredState.workloads.redis"])
	assert.Equal(t, Added, byPath["desiredState.workloads.cron"])
}

func TestDiffEveryElementAddressesAPathThatActuallyDiffers(t *testing.T) {
	old := map[string]stateobj.Object{"a": "1", "b": "2"}
	new_ := map[string]stateobj.Object{"a": "1", "b": "3"}
	diffs := Diff(old, new_)
	assert.Len(t, diffs, 1)
	assert.Equal(t, stateobj.Path("b"), diffs[0].Path)
	assert.Equal(t, Updated, diffs[0].Kind)
}

func TestDiffSequenceEmptyToNonEmptyIsAdded(t *testing.T) {
	old := map[string]stateobj.Object{"tags": []stateobj.Object{}}
	new_ := map[string]stateobj.Object{"tags": []stateobj.Object{"a"}}
	diffs := Diff(old, new_)
	assert.Len(t, diffs, 1)
	assert.Equal(t, Added, diffs[0].Kind)
}
