package router

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello legion")))

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello legion"), got)
}

func TestReadFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, nil))

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, bytes.Repeat([]byte{0}, 0)))
	// Overwrite the length header with something past maxFrameBytes.
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0xff, 0xff, 0xff, 0xff

	_, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "exceeds limit"))
}

func TestReadFrameTruncatedHeaderErrors(t *testing.T) {
	_, err := readFrame(bufio.NewReader(bytes.NewReader([]byte{0, 1})))
	require.Error(t, err)
}
