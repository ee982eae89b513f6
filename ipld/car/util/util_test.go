package util_test

import (
	"bytes"
	crand "crypto/rand"
	"io"
	"math/rand"
	"testing"

	"github.com/ipfs/dagkit/ipld/car/util"
	"github.com/stretchr/testify/require"
)

func TestLdSize(t *testing.T) {
	for i := 0; i < 5; i++ {
		var buf bytes.Buffer
		data := make([][]byte, 5)
		for j := 0; j < 5; j++ {
			data[j] = make([]byte, rand.Intn(30))
			_, err := crand.Read(data[j])
			require.NoError(t, err)
		}
		size := util.LdSize(data...)
		err := util.LdWrite(&buf, data...)
		require.NoError(t, err)
		require.Equal(t, uint64(len(buf.Bytes())), size)
		require.Equal(t, buf.Bytes(), util.LdAppend(nil, data...))
	}
}

func TestLdRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, util.LdWrite(&buf, []byte("hello"), []byte(" world")))
	require.NoError(t, util.LdWrite(&buf, make([]byte, 300)))

	r := util.ToBytesReader(bytes.NewReader(buf.Bytes()))
	d, err := util.LdRead(r, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), d)

	_, err = util.LdRead(r, 100)
	require.ErrorIs(t, err, util.ErrSectionTooLarge)

	_, err = util.LdRead(util.ToBytesReader(bytes.NewReader(nil)), 0)
	require.Equal(t, io.EOF, err)

	// prefix promises more than there is
	_, err = util.LdRead(util.ToBytesReader(bytes.NewReader([]byte{10, 1, 2})), 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
