package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeMarksSourceConsumed(t *testing.T) {
	src := NewShared([]byte("hello"))

	v := Take(src)
	require.Equal(t, "hello", v.String())
	require.Equal(t, 0, src.Readable())

	again := Take(src)
	require.Equal(t, 0, again.Len())
}

func TestTakeSharesBackingStorage(t *testing.T) {
	raw := []byte("abc")
	v := Take(NewShared(raw))

	raw[0] = 'x'
	require.Equal(t, "xbc", v.String())
}

func TestTakeAfterPartialSkip(t *testing.T) {
	src := NewShared([]byte("header:body"))
	src.Skip(len("header:"))

	v := Take(src)
	require.Equal(t, "body", v.String())
	require.Equal(t, 0, src.Readable())
}

func TestViewCapacityIsClamped(t *testing.T) {
	raw := make([]byte, 4, 16)
	copy(raw, "abcd")
	v := Wrap(raw[:2])

	b := append(v.Bytes(), 'z')
	require.Equal(t, "abz", string(b))
	require.Equal(t, "abcd", string(raw), "append through a view must not touch the source")
}

func TestSkipClamps(t *testing.T) {
	src := NewShared([]byte("ab"))
	src.Skip(10)
	require.Equal(t, 0, src.Readable())
	src.Skip(-1)
	require.Equal(t, 0, src.Readable())
}
