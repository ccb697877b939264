// Package stateobj implements the path-addressable state object of §4.2: a
// tree of mappings addressable by dotted Path, used for field-mask
// filtering, update-mask application and diff computation.
package stateobj

import "strings"

// Path is a dotted sequence of keys, e.g. "desiredState.workloads.nginx".
type Path string

// Parts splits p into its ordered key segments. An empty Path has zero parts.
func (p Path) Parts() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Join builds a Path from segments.
func Join(parts ...string) Path {
	return Path(strings.Join(parts, "."))
}

// HasPrefix reports whether p starts with the segments of prefix.
func (p Path) HasPrefix(prefix Path) bool {
	pp, qp := p.Parts(), prefix.Parts()
	if len(qp) > len(pp) {
		return false
	}
	for i, seg := range qp {
		if pp[i] != seg {
			return false
		}
	}
	return true
}

// Overlaps reports whether p and other are prefixes of one another in
// either direction, the "mask matches path" rule used by the authoriser
// (§4.5): M matches P iff M is a prefix of P or P is a prefix of M.
func (p Path) Overlaps(other Path) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

// Object is a generic tree node: a map[string]any, a []any, or a scalar.
type Object = any

// Get walks path through obj, stopping at the first non-mapping node. It
// returns (value, true) when the full path resolves, else (nil, false).
func Get(obj Object, path Path) (Object, bool) {
	cur := obj
	parts := path.Parts()
	for _, key := range parts {
		m, ok := cur.(map[string]Object)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Set writes value at path inside obj (which must be a map[string]Object),
// creating intermediate mappings for missing keys. It fails if an existing
// intermediate segment is not a mapping, or if path is empty.
func Set(obj map[string]Object, path Path, value Object) error {
	parts := path.Parts()
	if len(parts) == 0 {
		return errEmptyPath
	}
	cur := obj
	for _, key := range parts[:len(parts)-1] {
		next, ok := cur[key]
		if !ok {
			m := make(map[string]Object)
			cur[key] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]Object)
		if !ok {
			return errNotAMapping(key)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// Remove deletes the value at path from obj's parent mapping. It fails if
// path is empty or an intermediate segment is not a mapping.
func Remove(obj map[string]Object, path Path) error {
	parts := path.Parts()
	if len(parts) == 0 {
		return errEmptyPath
	}
	cur := obj
	for _, key := range parts[:len(parts)-1] {
		next, ok := cur[key]
		if !ok {
			return nil // nothing to remove
		}
		m, ok := next.(map[string]Object)
		if !ok {
			return errNotAMapping(key)
		}
		cur = m
	}
	delete(cur, parts[len(parts)-1])
	return nil
}
