package chunk

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// splitAll drains a splitter built by gen over data.
func splitAll(t testing.TB, gen SplitterGen, data []byte) [][]byte {
	s := gen(bytes.NewReader(data))
	var chunks [][]byte
	for {
		c, err := s.NextBytes()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func rabinGen(min, avg, max uint64) SplitterGen {
	return func(r io.Reader) Splitter { return NewRabinMinMax(r, min, avg, max) }
}

func TestRabinBounds(t *testing.T) {
	data := randBuf(t, 4<<20)
	const min, avg, max = 16 << 10, 64 << 10, 128 << 10

	chunks := splitAll(t, rabinGen(min, avg, max), data)
	require.Equal(t, data, bytes.Join(chunks, nil))
	for i, c := range chunks {
		require.LessOrEqual(t, len(c), max, "chunk %d too large", i)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, len(c), min, "chunk %d too small", i)
		}
	}
	t.Logf("%d chunks, average %d bytes", len(chunks), len(data)/len(chunks))
}

func TestRabinIsDeterministic(t *testing.T) {
	data := randBuf(t, 2<<20)
	gen := func(r io.Reader) Splitter { return NewRabin(r, 32<<10) }
	require.Equal(t, splitAll(t, gen, data), splitAll(t, gen, data))
}

// requireResync checks that a content defined chunker finds the same
// boundaries again after an insertion, so most chunks of the shifted input
// are shared with the original.
func requireResync(t *testing.T, gen SplitterGen) {
	data := randBuf(t, 8<<20)

	seen := make(map[string]struct{})
	for _, c := range splitAll(t, gen, data[1000:]) {
		seen[string(c)] = struct{}{}
	}
	var fresh int
	shifted := splitAll(t, gen, data)
	for _, c := range shifted {
		if _, ok := seen[string(c)]; !ok {
			fresh++
		}
	}
	require.Less(t, fresh, len(shifted)/2, "chunk boundaries did not resynchronize")
}

func TestRabinResynchronizes(t *testing.T) {
	requireResync(t, func(r io.Reader) Splitter { return NewRabin(r, 256<<10) })
}

func TestRabinReader(t *testing.T) {
	r := bytes.NewReader([]byte("abc"))
	require.Same(t, r, NewRabin(r, 1024).Reader())
}
