// Package statecompare implements the state comparator of §4.11: an
// iterative-DFS diff over two mapping trees, producing the compact
// Added/Updated/Removed path list that powers event subscriptions.
// Grounded on original_source's server/src/ankaios_server/state_comparator.rs.
package statecompare

import (
	"reflect"
	"sort"

	"github.com/cuemby/ankor/internal/stateobj"
)

// Kind classifies one FieldDifference.
type Kind string

const (
	Added   Kind = "ADDED"
	Updated Kind = "UPDATED"
	Removed Kind = "REMOVED"
)

// FieldDifference names one path that differs between two mappings.
type FieldDifference struct {
	Path stateobj.Path
	Kind Kind
}

type frame struct {
	path     stateobj.Path
	oldNode  any
	newNode  any
}

// Diff compares old and new (each a tree of map[string]any / []any / scalars)
// and returns the list of differences, traversed with an explicit stack
// (iterative DFS) in lock-step over both trees.
func Diff(old, new_ map[string]stateobj.Object) []FieldDifference {
	var diffs []FieldDifference
	stack := []frame{{path: "", oldNode: mapObj(old), newNode: mapObj(new_)}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		oldMap, oldIsMap := f.oldNode.(map[string]stateobj.Object)
		newMap, newIsMap := f.newNode.(map[string]stateobj.Object)

		if oldIsMap && newIsMap {
			keys := unionKeys(oldMap, newMap)
			for _, key := range keys {
				childPath := joinPath(f.path, key)
				oldChild, oldHas := oldMap[key]
				newChild, newHas := newMap[key]
				switch {
				case oldHas && !newHas:
					diffs = append(diffs, FieldDifference{Path: childPath, Kind: Removed})
				case !oldHas && newHas:
					diffs = append(diffs, FieldDifference{Path: childPath, Kind: Added})
				default:
					stack = append(stack, frame{path: childPath, oldNode: oldChild, newNode: newChild})
				}
			}
			continue
		}

		if kind, differs := compareScalar(f.oldNode, f.newNode); differs {
			diffs = append(diffs, FieldDifference{Path: f.path, Kind: kind})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs
}

func mapObj(m map[string]stateobj.Object) any {
	return m
}

// compareScalar compares a non-mapping pair. Sequences are treated as
// opaque values: an empty<->nonempty transition yields Added/Removed;
// otherwise an unequal pair yields a single Updated (§4.11).
func compareScalar(oldNode, newNode any) (Kind, bool) {
	oldLen, oldIsSeq := sequenceLen(oldNode)
	newLen, newIsSeq := sequenceLen(newNode)
	if oldIsSeq && newIsSeq {
		switch {
		case oldLen == 0 && newLen > 0:
			return Added, true
		case oldLen > 0 && newLen == 0:
			return Removed, true
		default:
			return Updated, !reflect.DeepEqual(oldNode, newNode)
		}
	}
	if !reflect.DeepEqual(oldNode, newNode) {
		return Updated, true
	}
	return "", false
}

func sequenceLen(v any) (int, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return 0, false
	}
	return rv.Len(), true
}

func joinPath(base stateobj.Path, key string) stateobj.Path {
	if base == "" {
		return stateobj.Path(key)
	}
	return stateobj.Join(string(base), key)
}

// unionKeys returns the sorted union of string keys in a and b. Non-string
// keys cannot occur here since both maps are map[string]Object already;
// this defensive note mirrors §4.11's "non-string keys are skipped".
func unionKeys(a, b map[string]stateobj.Object) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var keys []string
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
