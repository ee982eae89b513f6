package blockstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	syncds "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

func newBloomStores(t testing.TB, preload int) (*bloomcache, *callbackDatastore) {
	cd := &callbackDatastore{f: func() {}, ds: ds.NewMapDatastore()}
	bs := NewBlockstore(syncds.MutexWrap(cd))
	for i := 0; i < preload; i++ {
		require.NoError(t, bs.Put(bg, blocks.NewBlock([]byte(fmt.Sprintf("chunk %d", i)))))
	}

	ctx, cancel := context.WithTimeout(bg, 5*time.Second)
	t.Cleanup(cancel)

	opts := DefaultCacheOpts()
	opts.HasTwoQueueCacheSize = 0
	cbs, err := CachedBlockstore(ctx, bs, opts)
	require.NoError(t, err)
	bc := cbs.(*bloomcache)
	require.NoError(t, bc.Wait(ctx), "bloom filter did not build")
	return bc, cd
}

func TestBloomInvalidSize(t *testing.T) {
	bs := NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore()))
	_, err := bloomCached(bg, bs, -1, 1)
	require.Error(t, err)
}

func TestBloomWarmsFromExistingBlocks(t *testing.T) {
	cache, cd := newBloomStores(t, 500)
	require.EqualValues(t, 500, cache.bloom.ElementsAdded())

	// Every preloaded block must still reach the datastore.
	for i := 0; i < 500; i++ {
		has, err := cache.Has(bg, blocks.NewBlock([]byte(fmt.Sprintf("chunk %d", i))).Cid())
		require.NoError(t, err)
		require.True(t, has)
	}

	hits := cd.count(func() {
		for i := 0; i < 500; i++ {
			has, err := cache.Has(bg, blocks.NewBlock([]byte(fmt.Sprintf("absent %d", i))).Cid())
			require.NoError(t, err)
			require.False(t, has)
		}
	})
	require.LessOrEqual(t, hits, 25, "false positive rate above 5%%")
}

func TestBloomMissesAreAnsweredLocally(t *testing.T) {
	cache, cd := newBloomStores(t, 0)
	missing := blocks.NewBlock([]byte("never stored"))

	hits := cd.count(func() {
		_, err := cache.Get(bg, missing.Cid())
		require.True(t, ipld.IsNotFound(err))

		size, err := cache.GetSize(bg, missing.Cid())
		require.True(t, ipld.IsNotFound(err))
		require.Equal(t, -1, size)

		err = cache.View(bg, missing.Cid(), func([]byte) error {
			t.Fatal("callback called for a missing block")
			return nil
		})
		require.True(t, ipld.IsNotFound(err))

		require.NoError(t, cache.DeleteBlock(bg, missing.Cid()))
	})
	require.Zero(t, hits)
}

func TestBloomPutsAreRecorded(t *testing.T) {
	cache, cd := newBloomStores(t, 0)
	leaf := blocks.NewBlock([]byte("leaf"))
	empty := blocks.NewBlock(nil)

	// Has goes to the datastore, then the write.
	hits := cd.count(func() {
		require.NoError(t, cache.PutMany(bg, []blocks.Block{leaf, empty}))
	})
	require.Equal(t, 4, hits)

	for _, b := range []blocks.Block{leaf, empty} {
		has, err := cache.Has(bg, b.Cid())
		require.NoError(t, err)
		require.True(t, has)

		size, err := cache.GetSize(bg, b.Cid())
		require.NoError(t, err)
		require.Equal(t, len(b.RawData()), size)

		got, err := cache.Get(bg, b.Cid())
		require.NoError(t, err)
		require.Equal(t, b.RawData(), got.RawData())
	}

	single := blocks.NewBlock([]byte("single"))
	require.NoError(t, cache.Put(bg, single))
	require.True(t, cache.bloom.HasTS(single.Cid().Hash()))
}

func TestBloomWaitCanceled(t *testing.T) {
	cd := &callbackDatastore{f: func() {}, ds: ds.NewMapDatastore()}
	bs := NewBlockstore(syncds.MutexWrap(cd))
	bc, err := bloomCached(bg, bs, 512<<10, 7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	cancel()
	err = bc.Wait(ctx)
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

var _ ds.Batching = (*callbackDatastore)(nil)

// callbackDatastore runs f before every datastore operation so tests can
// see which calls reach storage.
type callbackDatastore struct {
	sync.Mutex
	f  func()
	ds ds.Datastore
}

func (c *callbackDatastore) SetFunc(f func()) {
	c.Lock()
	defer c.Unlock()
	c.f = f
}

// count returns how many datastore operations fn caused.
func (c *callbackDatastore) count(fn func()) int {
	var n int
	c.SetFunc(func() { n++ })
	defer c.SetFunc(func() {})
	fn()
	return n
}

func (c *callbackDatastore) call() {
	c.Lock()
	defer c.Unlock()
	c.f()
}

func (c *callbackDatastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	c.call()
	return c.ds.Put(ctx, key, value)
}

func (c *callbackDatastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	c.call()
	return c.ds.Get(ctx, key)
}

func (c *callbackDatastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	c.call()
	return c.ds.Has(ctx, key)
}

func (c *callbackDatastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	c.call()
	return c.ds.GetSize(ctx, key)
}

func (c *callbackDatastore) Delete(ctx context.Context, key ds.Key) error {
	c.call()
	return c.ds.Delete(ctx, key)
}

func (c *callbackDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	c.call()
	return c.ds.Query(ctx, q)
}

func (c *callbackDatastore) Sync(ctx context.Context, key ds.Key) error {
	c.call()
	return c.ds.Sync(ctx, key)
}

func (c *callbackDatastore) Close() error {
	return nil
}

func (c *callbackDatastore) Batch(_ context.Context) (ds.Batch, error) {
	return ds.NewBasicBatch(c), nil
}
