package netcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferFlipAndClear(t *testing.T) {
	b := NewBuffer(16)
	require.Equal(t, 16, b.Capacity())
	require.Equal(t, 0, b.Position())
	require.Equal(t, 16, b.Limit())

	b.WriteSlice([]byte("hello"))
	require.Equal(t, 5, b.Position())

	b.Flip()
	require.Equal(t, 0, b.Position())
	require.Equal(t, 5, b.Limit())
	require.Equal(t, "hello", string(b.Bytes()))

	b.Clear()
	require.Equal(t, 0, b.Position())
	require.Equal(t, 16, b.Limit())
}

func TestBufferAdvanceAndRemaining(t *testing.T) {
	b := NewBuffer(10)
	b.SetLimit(6)
	require.Equal(t, 6, b.Remaining())
	b.Advance(4)
	require.Equal(t, 4, b.Position())
	require.Equal(t, 2, b.Remaining())
}

func TestBufferWriteSlicePanicsOnOverrun(t *testing.T) {
	b := NewBuffer(4)
	require.Panics(t, func() {
		b.WriteSlice([]byte("too long"))
	})
}

func TestLenPrefixRoundTrip(t *testing.T) {
	enc := WriteLenPrefixed(1234)
	require.Equal(t, uint16(1234), ReadLenPrefixed(enc[:]))
}
