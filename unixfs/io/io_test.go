package io_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/unixfs/importer"
	uio "github.com/ipfs/dagkit/unixfs/io"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	u "github.com/ipfs/go-ipfs-util"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() blockstore.Blockstore {
	return blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func addRandomFile(t testing.TB, bs blockstore.Blockstore, size int, opts ...importer.Option) (cid.Cid, []byte) {
	data := make([]byte, size)
	_, err := io.ReadFull(u.NewTimeSeededRand(), data)
	require.NoError(t, err)
	c, err := importer.AddBytes(context.Background(), bs, bytes.NewReader(data), opts...)
	require.NoError(t, err)
	return c, data
}

func TestCatMultiLevel(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	c, data := addRandomFile(t, bs, 50_000, importer.Chunker("size-100"), importer.MaxLinks(5))

	r, err := uio.Cat(ctx, bs, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), r.Size())

	var chunks int
	var out []byte
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 100)
		out = append(out, chunk...)
		chunks++
	}
	assert.Equal(t, data, out)
	assert.Equal(t, 500, chunks)
}

func TestCatRange(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	c, data := addRandomFile(t, bs, 10_000, importer.Chunker("size-64"), importer.MaxLinks(4), importer.RawLeaves(false))

	cases := []struct {
		offset, length uint64
	}{
		{0, 10},
		{63, 2},
		{64, 64},
		{1000, 5000},
		{9990, 100},
		{5000, 0},
	}
	for _, tc := range cases {
		r, err := uio.Cat(ctx, bs, c, uio.Offset(tc.offset), uio.Length(tc.length))
		require.NoError(t, err)
		out, err := io.ReadAll(r)
		require.NoError(t, err)

		end := tc.offset + tc.length
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		assert.Equal(t, data[tc.offset:end], out, "offset %d length %d", tc.offset, tc.length)
	}

	r, err := uio.Cat(ctx, bs, c, uio.Offset(20_000))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCatWriteTo(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	c, data := addRandomFile(t, bs, 3000, importer.Chunker("size-256"), importer.Layout(importer.Trickle))

	r, err := uio.Cat(ctx, bs, c, uio.Offset(100))
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-100), n)
	assert.Equal(t, data[100:], buf.Bytes())
}

func TestCatErrors(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	dir, err := importer.AddDirectory(ctx, bs, importer.Directory{})
	require.NoError(t, err)
	_, err = uio.Cat(ctx, bs, dir)
	assert.ErrorIs(t, err, uio.ErrIsDir)

	c, _ := addRandomFile(t, newStore(), 10)
	_, err = uio.Cat(ctx, bs, c)
	assert.True(t, ipld.IsNotFound(err))
}

func TestCatMissingLeaf(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	c, _ := addRandomFile(t, bs, 1000, importer.Chunker("size-100"))

	it, err := uio.Ls(ctx, bs, c, "")
	require.NoError(t, err)
	e, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, c.String(), e.Name)

	_, nd, err := uio.Resolve(ctx, bs, c, "")
	require.NoError(t, err)
	require.Len(t, nd.Links, 10)
	require.NoError(t, bs.DeleteBlock(ctx, nd.Links[3].Hash))

	r, err := uio.Cat(ctx, bs, c)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.True(t, ipld.IsNotFound(err))
}

func TestLsRaw(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	c, data := addRandomFile(t, bs, 11)

	it, err := uio.Ls(ctx, bs, c, "")
	require.NoError(t, err)
	entries, err := it.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uio.Entry{
		Name: c.String(),
		Cid:  c,
		Type: uio.TypeRaw,
		Path: c.String(),
		Size: uint64(len(data)),
	}, entries[0])
}

func TestLsPath(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	root, err := importer.AddFile(ctx, bs, importer.File{Path: "a/b/c.txt", Content: bytes.NewReader([]byte("hello"))})
	require.NoError(t, err)

	it, err := uio.Ls(ctx, bs, root, "/a/b/")
	require.NoError(t, err)
	entries, err := it.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, root.String()+"/a/b/c.txt", entries[0].Path)
	assert.Equal(t, uint64(5), entries[0].Size)

	it, err = uio.Ls(ctx, bs, root, "a")
	require.NoError(t, err)
	entries, err = it.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uio.TypeDirectory, entries[0].Type)
	assert.Equal(t, uint64(0), entries[0].Size)

	sym, err := importer.AddSymlink(ctx, bs, "a")
	require.NoError(t, err)
	_, err = uio.Ls(ctx, bs, sym, "")
	assert.ErrorIs(t, err, uio.ErrNotADirectory)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	root, err := importer.AddFile(ctx, bs, importer.File{Path: "a/file", Content: bytes.NewReader([]byte("x"))})
	require.NoError(t, err)

	_, _, err = uio.Resolve(ctx, bs, root, "a/missing")
	assert.ErrorIs(t, err, uio.ErrNotFound)

	_, _, err = uio.Resolve(ctx, bs, root, "a/file/deeper")
	assert.ErrorIs(t, err, uio.ErrNotADirectory)

	c, nd, err := uio.Resolve(ctx, bs, root, "./a//file")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), nd.Data())
	assert.Equal(t, nd.Cid, c)
}

func TestStatFileAndRaw(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	c, data := addRandomFile(t, bs, 1000, importer.Chunker("size-300"))
	st, err := uio.Stat(ctx, bs, c, "")
	require.NoError(t, err)
	assert.Equal(t, uio.TypeFile, st.Type)
	assert.Equal(t, uint64(len(data)), st.Size)
	assert.Equal(t, 5, st.Blocks)
	assert.Greater(t, st.DagSize, st.Size)
	assert.Equal(t, uint32(0o644), *st.Mode)
	assert.Nil(t, st.Mtime)

	raw, _ := addRandomFile(t, bs, 10)
	st, err = uio.Stat(ctx, bs, raw, "")
	require.NoError(t, err)
	assert.Equal(t, uio.TypeRaw, st.Type)
	assert.Nil(t, st.Mode)
	assert.Equal(t, uint64(10), st.DagSize)
}
