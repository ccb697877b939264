// Package authz implements the per-control-interface-session authoriser of
// §4.5: two ordered rule lists (allow/deny) deciding whether a request's
// read and write paths are permitted. Grounded on the allow/deny rule-list
// shape of original_source's common/src/objects/access_rights.rs, adapted to
// the spec's StateRule/LogRule variants and path-overlap matching.
package authz

import (
	"regexp"
	"strings"

	"github.com/cuemby/ankor/internal/stateobj"
	"github.com/cuemby/ankor/internal/workload"
)

// Authoriser holds one session's allow/deny rule lists.
type Authoriser struct {
	allow []workload.AccessRule
	deny  []workload.AccessRule
}

// New builds an Authoriser from a workload's declared control-interface
// access rules.
func New(access workload.ControlInterfaceAccess) *Authoriser {
	return &Authoriser{allow: access.AllowRules, deny: access.DenyRules}
}

// AuthoriseState decides a StateRule-governed request: readPaths and
// writePaths are the field-mask / update-mask paths the request touches.
// UpdateStateRequest supplies only writePaths, CompleteStateRequest only
// readPaths (§4.5 step 1).
func (a *Authoriser) AuthoriseState(readPaths, writePaths []stateobj.Path) bool {
	for _, p := range readPaths {
		if !a.pathAllowed(p, workload.OpRead) {
			return false
		}
	}
	for _, p := range writePaths {
		if !a.pathAllowed(p, workload.OpWrite) {
			return false
		}
	}
	return true
}

// AuthoriseLogs decides a LogRule-governed request for the given workload
// names.
func (a *Authoriser) AuthoriseLogs(workloadNames []string) bool {
	for _, name := range workloadNames {
		if !a.logNameAllowed(name) {
			return false
		}
	}
	return true
}

// pathAllowed reports whether path is allowed under op: at least one allow
// rule must match (with an overlapping operation) and no deny rule may
// match (§4.5 step 2).
func (a *Authoriser) pathAllowed(path stateobj.Path, op workload.Operation) bool {
	allowed := false
	for _, rule := range a.allow {
		if rule.IsLogRule {
			continue
		}
		if !operationCovers(rule.Operation, op) {
			continue
		}
		if matchesAnyMask(path, rule.FilterMasks) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, rule := range a.deny {
		if rule.IsLogRule {
			continue
		}
		if !operationCovers(rule.Operation, op) {
			continue
		}
		if matchesAnyMask(path, rule.FilterMasks) {
			return false
		}
	}
	return true
}

// operationCovers reports whether a rule declared with ruleOp covers a
// request that needs op (ReadWrite covers both Read and Write).
func operationCovers(ruleOp, op workload.Operation) bool {
	if ruleOp == workload.OpReadWrite {
		return true
	}
	return ruleOp == op
}

// matchesAnyMask reports whether path overlaps any of masks (§4.5 step 2:
// "M matches P iff M is a prefix of P or P is a prefix of M").
func matchesAnyMask(path stateobj.Path, masks []string) bool {
	for _, m := range masks {
		if path.Overlaps(stateobj.Path(m)) {
			return true
		}
	}
	return false
}

func (a *Authoriser) logNameAllowed(name string) bool {
	allowed := false
	for _, rule := range a.allow {
		if !rule.IsLogRule {
			continue
		}
		if matchesAnyWorkloadName(name, rule.WorkloadNames) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, rule := range a.deny {
		if !rule.IsLogRule {
			continue
		}
		if matchesAnyWorkloadName(name, rule.WorkloadNames) {
			return false
		}
	}
	return true
}

func matchesAnyWorkloadName(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if logNameMatches(name, pattern) {
			return true
		}
	}
	return false
}

// wildcardSegment is the character set a LogRule wildcard '*' may expand
// into, at a single position, subject to a 63-character length limit
// (§4.5 step 3).
var wildcardSegment = regexp.MustCompile(`^[A-Za-z0-9_-]{0,63}$`)

// logNameMatches reports whether name matches pattern, where pattern may
// contain a single '*' wildcard segment.
func logNameMatches(name, pattern string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return name == pattern
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return false
	}
	middle := name[len(prefix) : len(name)-len(suffix)]
	return wildcardSegment.MatchString(middle)
}
