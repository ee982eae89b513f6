package blockstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/dagkit/datastore/dshelp"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func newMemBlockstore() Blockstore {
	return NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore()))
}

func TestGetWhenKeyNotPresent(t *testing.T) {
	bs := newMemBlockstore()
	c := cid.NewCidV0(mustSum(t, []byte("stuff")))
	bl, err := bs.Get(bg, c)
	require.Nil(t, bl)
	require.True(t, ipld.IsNotFound(err))

	_, err = bs.GetSize(bg, c)
	require.True(t, ipld.IsNotFound(err))
}

func TestGetUndefinedCid(t *testing.T) {
	bs := newMemBlockstore()
	_, err := bs.Get(bg, cid.Cid{})
	require.True(t, ipld.IsNotFound(err))
}

func TestPutThenGetBlock(t *testing.T) {
	bs := newMemBlockstore()
	block := blocks.NewBlock([]byte("some data"))

	require.NoError(t, bs.Put(bg, block))

	blockFromBlockstore, err := bs.Get(bg, block.Cid())
	require.NoError(t, err)
	require.Equal(t, block.RawData(), blockFromBlockstore.RawData())

	size, err := bs.GetSize(bg, block.Cid())
	require.NoError(t, err)
	require.Equal(t, len(block.RawData()), size)
}

func TestCidCodecIsIgnored(t *testing.T) {
	bs := newMemBlockstore()
	block := blocks.NewBlock([]byte("some data"))
	require.NoError(t, bs.Put(bg, block))

	raw := cid.NewCidV1(cid.Raw, block.Cid().Hash())
	has, err := bs.Has(bg, raw)
	require.NoError(t, err)
	require.True(t, has)

	got, err := bs.Get(bg, raw)
	require.NoError(t, err)
	require.True(t, got.Cid().Equals(raw))
}

func TestHashOnRead(t *testing.T) {
	d := syncds.MutexWrap(ds.NewMapDatastore())
	bs := NewBlockstoreNoPrefix(d)

	block := blocks.NewBlock([]byte("some data"))
	bad := blocks.NewBlock([]byte("bad data"))
	// store bad's bytes under block's key
	require.NoError(t, d.Put(bg, dshelp.MultihashToDsKey(block.Cid().Hash()), bad.RawData()))

	bs.HashOnRead(true)
	_, err := bs.Get(bg, block.Cid())
	require.ErrorIs(t, err, ErrHashMismatch)

	bs.HashOnRead(false)
	_, err = bs.Get(bg, block.Cid())
	require.NoError(t, err)
}

func TestPutManyAndAllKeysChan(t *testing.T) {
	bs := newMemBlockstore()

	var blks []blocks.Block
	for i := 0; i < 100; i++ {
		blks = append(blks, blocks.NewBlock([]byte(fmt.Sprint(i))))
	}
	// duplicates are dropped
	require.NoError(t, bs.PutMany(bg, append(blks, blks[:10]...)))

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	ch, err := bs.AllKeysChan(ctx)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for k := range ch {
		require.Equal(t, uint64(cid.Raw), k.Type())
		seen[string(k.Hash())] = struct{}{}
	}
	require.Len(t, seen, len(blks))
	for _, b := range blks {
		require.Contains(t, seen, string(b.Cid().Hash()))
	}
}

func TestDeleteBlock(t *testing.T) {
	bs := newMemBlockstore()
	block := blocks.NewBlock([]byte("some data"))
	require.NoError(t, bs.Put(bg, block))
	require.NoError(t, bs.DeleteBlock(bg, block.Cid()))

	has, err := bs.Has(bg, block.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestIdStore(t *testing.T) {
	inner := newMemBlockstore()
	bs := NewIdStore(inner)

	data := []byte("inline")
	hash, err := mh.Sum(data, mh.IDENTITY, -1)
	require.NoError(t, err)
	idCid := cid.NewCidV1(cid.Raw, hash)

	idBlock, err := blocks.NewBlockWithCid(data, idCid)
	require.NoError(t, err)
	require.NoError(t, bs.Put(bg, idBlock))

	has, err := inner.Has(bg, idCid)
	require.NoError(t, err)
	require.False(t, has, "identity blocks must not reach the wrapped store")

	got, err := bs.Get(bg, idCid)
	require.NoError(t, err)
	require.Equal(t, data, got.RawData())

	size, err := bs.GetSize(bg, idCid)
	require.NoError(t, err)
	require.Equal(t, len(data), size)

	normal := blocks.NewBlock([]byte("normal"))
	require.NoError(t, bs.PutMany(bg, []blocks.Block{idBlock, normal}))
	has, err = inner.Has(bg, normal.Cid())
	require.NoError(t, err)
	require.True(t, has)

	blk, ok := IdentityBlock(normal.Cid())
	require.False(t, ok)
	require.Nil(t, blk)
}

func mustSum(t *testing.T, data []byte) mh.Multihash {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	require.NoError(t, err)
	return h
}
