package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufReader(b *bytes.Buffer) *bufio.Reader {
	return bufio.NewReader(b)
}

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("x"),
		bytes.Repeat([]byte("a"), 300), // forces a multi-byte varint length
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))

		got, err := ReadFrame(newBufReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got))
		assert.Equal(t, string(payload), string(got))
	}
}

func TestReadFrameShortPayloadIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))
	truncated := bytes.NewBuffer(buf.Bytes()[:buf.Len()-3])

	_, err := ReadFrame(newBufReader(truncated))
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestReaderNeverConsumesPastFrameBoundary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	r := newBufReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
}
