package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	metrics "github.com/ipfs/go-metrics-interface"
)

// presence is what the cache remembers about one multihash. size is -1 when
// the block is known to exist but its size was never observed.
type presence struct {
	have bool
	size int
}

// tqcache remembers block existence and size in a 2Q cache, never the
// block data. The importer asks Has for every chunk it writes, and repeated
// chunks are answered here.
type tqcache struct {
	cache   *lru.TwoQueueCache
	backing Blockstore
	viewer  Viewer

	hits  metrics.Counter
	total metrics.Counter
}

var _ Blockstore = (*tqcache)(nil)
var _ Viewer = (*tqcache)(nil)

func newTwoQueueCachedBS(ctx context.Context, bs Blockstore, lruSize int) (*tqcache, error) {
	cache, err := lru.New2Q(lruSize)
	if err != nil {
		return nil, err
	}
	c := &tqcache{
		cache:   cache,
		backing: bs,
		hits:    metrics.NewCtx(ctx, "twoqueue.hits_total", "Number of 2Q cache hits").Counter(),
		total:   metrics.NewCtx(ctx, "twoqueue_total", "Total number of 2Q cache requests").Counter(),
	}
	c.viewer, _ = bs.(Viewer)
	return c, nil
}

// lookup returns what is known about k. ok is false when the backing store
// has to be asked.
func (b *tqcache) lookup(k cid.Cid) (p presence, ok bool) {
	b.total.Inc()
	if !k.Defined() {
		// let the backing store produce the error
		return presence{}, false
	}
	v, ok := b.cache.Get(string(k.Hash()))
	if !ok {
		return presence{}, false
	}
	b.hits.Inc()
	return v.(presence), true
}

// knownMissing reports whether k is cached as absent.
func (b *tqcache) knownMissing(k cid.Cid) bool {
	p, ok := b.lookup(k)
	return ok && !p.have
}

func (b *tqcache) remember(k cid.Cid, have bool, size int) {
	b.cache.Add(string(k.Hash()), presence{have: have, size: size})
}

func (b *tqcache) DeleteBlock(ctx context.Context, k cid.Cid) error {
	if b.knownMissing(k) {
		return nil
	}
	b.cache.Remove(string(k.Hash()))
	if err := b.backing.DeleteBlock(ctx, k); err != nil {
		return err
	}
	b.remember(k, false, -1)
	return nil
}

func (b *tqcache) Has(ctx context.Context, k cid.Cid) (bool, error) {
	if p, ok := b.lookup(k); ok {
		return p.have, nil
	}
	has, err := b.backing.Has(ctx, k)
	if err != nil {
		return false, err
	}
	b.remember(k, has, -1)
	return has, nil
}

func (b *tqcache) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	p, ok := b.lookup(k)
	switch {
	case ok && !p.have:
		return -1, ipld.ErrNotFound{Cid: k}
	case ok && p.size >= 0:
		return p.size, nil
	}

	size, err := b.backing.GetSize(ctx, k)
	switch {
	case err == nil:
		b.remember(k, true, size)
	case ipld.IsNotFound(err):
		b.remember(k, false, -1)
	}
	return size, err
}

func (b *tqcache) View(ctx context.Context, k cid.Cid, callback func([]byte) error) error {
	if b.viewer == nil {
		blk, err := b.Get(ctx, k)
		if err != nil {
			return err
		}
		return callback(blk.RawData())
	}
	if !k.Defined() {
		log.Error("undefined cid in 2q cache")
		return ipld.ErrNotFound{Cid: k}
	}
	if b.knownMissing(k) {
		return ipld.ErrNotFound{Cid: k}
	}
	return b.viewer.View(ctx, k, callback)
}

func (b *tqcache) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	if !k.Defined() {
		log.Error("undefined cid in 2q cache")
		return nil, ipld.ErrNotFound{Cid: k}
	}
	if b.knownMissing(k) {
		return nil, ipld.ErrNotFound{Cid: k}
	}

	blk, err := b.backing.Get(ctx, k)
	switch {
	case blk != nil:
		b.remember(k, true, len(blk.RawData()))
	case ipld.IsNotFound(err):
		b.remember(k, false, -1)
	}
	return blk, err
}

func (b *tqcache) Put(ctx context.Context, blk blocks.Block) error {
	if p, ok := b.lookup(blk.Cid()); ok && p.have {
		return nil
	}
	if err := b.backing.Put(ctx, blk); err != nil {
		return err
	}
	b.remember(blk.Cid(), true, len(blk.RawData()))
	return nil
}

func (b *tqcache) PutMany(ctx context.Context, bs []blocks.Block) error {
	var fresh []blocks.Block
	for _, blk := range bs {
		if p, ok := b.lookup(blk.Cid()); !ok || !p.have {
			fresh = append(fresh, blk)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := b.backing.PutMany(ctx, fresh); err != nil {
		return err
	}
	for _, blk := range fresh {
		b.remember(blk.Cid(), true, len(blk.RawData()))
	}
	return nil
}

func (b *tqcache) HashOnRead(enabled bool) {
	b.backing.HashOnRead(enabled)
}

func (b *tqcache) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return b.backing.AllKeysChan(ctx)
}
