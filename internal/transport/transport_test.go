package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaintextRoundTrip(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	client, err := Dial("tcp", ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello")))
	payload, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	require.NoError(t, server.Send([]byte("world")))
	payload, err = client.Recv()
	require.NoError(t, err)
	assert.Equal(t, "world", string(payload))
}

func TestSendAfterCloseErrors(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	client, err := Dial("tcp", ln.Addr().String(), nil)
	require.NoError(t, err)
	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Close())
	time.Sleep(10 * time.Millisecond)
	assert.Error(t, client.Send([]byte("after close")))
}
