package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteDispatchesToRegisteredPrefix(t *testing.T) {
	tbl := New()
	var gotID string
	var gotPayload []byte
	tbl.Register("agent_A.nginx.hash1", func(requestID string, payload []byte) {
		gotID = requestID
		gotPayload = payload
	})

	wrapped := Prefix("agent_A.nginx.hash1", "req-42")
	rest, err := tbl.Route(wrapped, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "req-42", rest)
	assert.Equal(t, "req-42", gotID)
	assert.Equal(t, []byte("payload"), gotPayload)
}

func TestRouteStacksMultiplePrefixes(t *testing.T) {
	tbl := New()
	var outer string
	tbl.Register("server", func(requestID string, payload []byte) { outer = requestID })

	inner := Prefix("agent_A.nginx.hash1", "req-1")
	stacked := Prefix("server", inner)

	rest, err := tbl.Route(stacked, nil)
	require.NoError(t, err)
	assert.Equal(t, inner, rest)
	assert.Equal(t, inner, outer)
}

func TestRouteUnknownPrefixErrors(t *testing.T) {
	tbl := New()
	_, err := tbl.Route("unknown@req-1", nil)
	assert.Error(t, err)
}

func TestRouteNoPrefixErrors(t *testing.T) {
	tbl := New()
	_, err := tbl.Route("bare-request-id", nil)
	assert.Error(t, err)
}

func TestUnregisterRemovesSink(t *testing.T) {
	tbl := New()
	tbl.Register("p", func(string, []byte) {})
	tbl.Unregister("p")
	_, err := tbl.Route(Prefix("p", "req"), nil)
	assert.Error(t, err)
}
