package index_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/ipld/car"
	"github.com/ipfs/dagkit/ipld/car/index"
	"github.com/ipfs/dagkit/ipld/car/util"
	"github.com/ipfs/dagkit/unixfs/importer"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	u "github.com/ipfs/go-ipfs-util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOffsets(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))

	var roots []cid.Cid
	for _, s := range []string{"one", "two", "three"} {
		c, err := importer.AddBytes(ctx, bs, bytes.NewReader([]byte(s)))
		require.NoError(t, err)
		roots = append(roots, c)
	}

	var buf bytes.Buffer
	require.NoError(t, car.Export(ctx, bs, roots, &buf))
	archive := buf.Bytes()

	idx, err := index.Generate(bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, uint64(1), idx.Version)

	hsize, err := car.HeaderSize(&car.CarHeader{Roots: roots, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, hsize, idx.DataOffset)

	// sections follow each other in export order
	offset := hsize
	for _, c := range roots {
		got, err := idx.Get(c)
		require.NoError(t, err)
		assert.Equal(t, offset, got)

		blk, err := bs.Get(ctx, c)
		require.NoError(t, err)
		offset += util.LdSize(c.Bytes(), blk.RawData())
	}
	assert.Equal(t, uint64(len(archive)), offset)

	_, err = idx.Get(cid.NewCidV1(cid.Raw, u.Hash([]byte("four"))))
	assert.ErrorIs(t, err, index.ErrNotFound)

	var seen int
	idx.ForEach(func(index.Record) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestGenerateEmptyIndex(t *testing.T) {
	var idx index.Index
	assert.Equal(t, 0, idx.Len())
	idx.ForEach(func(index.Record) bool {
		t.Fatal("no records expected")
		return false
	})
}
