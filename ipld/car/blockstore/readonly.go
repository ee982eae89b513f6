// Package blockstore serves the blocks of an archive by random access,
// through an index of section offsets.
package blockstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	dagbs "github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/ipld/car"
	"github.com/ipfs/dagkit/ipld/car/index"
	"github.com/ipfs/dagkit/ipld/car/util"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"golang.org/x/exp/mmap"
)

var _ dagbs.Getter = (*ReadOnly)(nil)

// errUnsupported is returned for unsupported operations
var errUnsupported = errors.New("unsupported operation")

// ReadOnly provides a read-only block store over an archive.
type ReadOnly struct {
	backing io.ReaderAt
	idx     *index.Index
	opts    car.Options
	closer  io.Closer
}

// NewReadOnly serves blocks from backing, an archive indexed by idx.
func NewReadOnly(backing io.ReaderAt, idx *index.Index, opts ...car.Option) *ReadOnly {
	return &ReadOnly{backing: backing, idx: idx, opts: car.ApplyOptions(opts...)}
}

// OpenReadOnly maps the archive at path into memory and indexes it.
func OpenReadOnly(path string, opts ...car.Option) (*ReadOnly, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	idx, err := index.Generate(io.NewSectionReader(reader, 0, int64(reader.Len())), opts...)
	if err != nil {
		reader.Close()
		return nil, err
	}
	b := NewReadOnly(reader, idx, opts...)
	b.closer = reader
	return b, nil
}

// Roots returns the roots of the archive.
func (b *ReadOnly) Roots() []cid.Cid {
	return b.idx.Roots
}

func (b *ReadOnly) read(offset uint64) (cid.Cid, []byte, error) {
	r := bufio.NewReader(io.NewSectionReader(b.backing, int64(offset), 1<<62))
	return util.ReadNode(r, b.opts.MaxAllowedSectionSize)
}

// Has indicates if the store has a cid
func (b *ReadOnly) Has(_ context.Context, key cid.Cid) (bool, error) {
	if _, ok := dagbs.IdentityBlock(key); ok {
		return true, nil
	}
	_, err := b.idx.Get(key)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get gets a block from the store
func (b *ReadOnly) Get(ctx context.Context, key cid.Cid) (blocks.Block, error) {
	if blk, ok := dagbs.IdentityBlock(key); ok {
		return blk, nil
	}
	offset, err := b.idx.Get(key)
	if errors.Is(err, index.ErrNotFound) {
		return nil, ipld.ErrNotFound{Cid: key}
	}
	if err != nil {
		return nil, err
	}
	entry, data, err := b.read(offset)
	if err != nil {
		return nil, fmt.Errorf("%w: reading section at %d: %w", car.ErrMalformedRecord, offset, err)
	}
	if string(entry.Hash()) != string(key.Hash()) {
		return nil, fmt.Errorf("%w: section at %d holds %s, not %s", car.ErrMalformedRecord, offset, entry, key)
	}
	return blocks.NewBlockWithCid(data, key)
}

// GetSize gets how big a item is
func (b *ReadOnly) GetSize(ctx context.Context, key cid.Cid) (int, error) {
	blk, err := b.Get(ctx, key)
	if err != nil {
		return -1, err
	}
	return len(blk.RawData()), nil
}

// Put is unsupported and always returns an error
func (b *ReadOnly) Put(context.Context, blocks.Block) error {
	return errUnsupported
}

// DeleteBlock is unsupported and always returns an error
func (b *ReadOnly) DeleteBlock(context.Context, cid.Cid) error {
	return errUnsupported
}

// AllKeysChan returns the CIDs of all blocks as stored in the archive.
func (b *ReadOnly) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	records := make([]cid.Cid, 0, b.idx.Len())
	b.idx.ForEach(func(r index.Record) bool {
		records = append(records, r.Cid)
		return true
	})

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		for _, c := range records {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the mapping opened by OpenReadOnly.
func (b *ReadOnly) Close() error {
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}
