// Package router implements the request_id prefix routing table of §4.12:
// a control-interface task prepends its own prefix to a forwarded request's
// request_id; on the reply path the outer prefix is peeled off and used to
// route the response back to its originating session.
package router

import (
	"fmt"
	"strings"
	"sync"
)

// Sink receives a response routed to a prefix. Implementations are typically
// a channel send or a pipe write owned by the session that registered it.
type Sink func(requestID string, payload []byte)

// separator joins a stacked prefix to the request_id it wraps, per §4.12's
// "<workload_instance>@" convention.
const separator = "@"

// Table owns the prefix -> sink registrations for one process (agent or
// server). Multiple prefixes may stack, reflecting nested forwarding.
type Table struct {
	mu    sync.Mutex
	sinks map[string]Sink
}

// New returns an empty Table.
func New() *Table {
	return &Table{sinks: make(map[string]Sink)}
}

// Register adds a prefix's sink, replacing any prior registration for it.
func (t *Table) Register(prefix string, sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[prefix] = sink
}

// Unregister removes a prefix's sink.
func (t *Table) Unregister(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, prefix)
}

// Prefix prepends prefix to requestID, stacking onto any prefix already
// present.
func Prefix(prefix, requestID string) string {
	return prefix + separator + requestID
}

// Route peels the outermost prefix off requestID and dispatches payload to
// its registered sink, returning the unwrapped request_id. It reports an
// error (the caller should log and drop) when the requestID carries no
// known prefix.
func (t *Table) Route(requestID string, payload []byte) (string, error) {
	idx := strings.Index(requestID, separator)
	if idx < 0 {
		return "", fmt.Errorf("router: request_id %q carries no prefix", requestID)
	}
	prefix, rest := requestID[:idx], requestID[idx+1:]

	t.mu.Lock()
	sink, ok := t.sinks[prefix]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("router: unknown prefix %q", prefix)
	}
	sink(rest, payload)
	return rest, nil
}
