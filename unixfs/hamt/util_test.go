package hamt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBitsEvenSizes(t *testing.T) {
	buf := []byte{255, 127, 79, 45, 116, 99, 35, 17}
	hb := hashBits{b: buf}

	for _, v := range buf {
		got, err := hb.Next(8)
		require.NoError(t, err)
		require.Equal(t, int(v), got)
	}
	_, err := hb.Next(8)
	require.ErrorIs(t, err, ErrMaxDepth)
}

func TestHashBitsUneven(t *testing.T) {
	buf := []byte{255, 127, 79, 45, 116, 99, 35, 17}
	hb := hashBits{b: buf}

	next := func(i int) int {
		v, err := hb.Next(i)
		require.NoError(t, err)
		return v
	}

	require.Equal(t, 15, next(4))
	require.Equal(t, 15, next(4))
	require.Equal(t, 3, next(3))
	require.Equal(t, 7, next(3))
	require.Equal(t, 6, next(3))
	require.Equal(t, 20269, next(15))
	require.Equal(t, 116, next(8))
}

func TestLogTwo(t *testing.T) {
	v, err := logtwo(256)
	require.NoError(t, err)
	require.Equal(t, 8, v)

	_, err = logtwo(100)
	require.Error(t, err)
	_, err = logtwo(0)
	require.Error(t, err)
}

func TestMurmurKnownValue(t *testing.T) {
	// murmur3 x64_64 of the empty string with seed 0 is zero
	require.Equal(t, make([]byte, 8), hash(nil))
}
