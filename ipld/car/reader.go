package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/ipld/car/util"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
)

// BlockReader facilitates iteration over the blocks of an archive. Blocks
// are not checked against their CIDs, see Verify.
type BlockReader struct {
	// The detected version of the CAR payload.
	Version uint64
	// The roots of the CAR payload.
	Roots []cid.Cid

	r    util.BytesReader
	opts Options
	err  error
}

// NewBlockReader reads the header of the archive in r. Use Next to read the
// blocks that follow it.
func NewBlockReader(r io.Reader, opts ...Option) (*BlockReader, error) {
	br := &BlockReader{
		r:    util.ToBytesReader(r),
		opts: ApplyOptions(opts...),
	}
	h, err := ReadHeader(br.r, br.opts.MaxAllowedHeaderSize)
	if err != nil {
		return nil, err
	}
	br.Version = h.Version
	br.Roots = h.Roots
	return br, nil
}

// Next returns the next block, or io.EOF at the clean end of the input.
// Errors are sticky.
func (br *BlockReader) Next() (blocks.Block, error) {
	if br.err != nil {
		return nil, br.err
	}
	blk, err := br.next()
	if err != nil {
		br.err = err
	}
	return blk, err
}

func (br *BlockReader) next() (blocks.Block, error) {
	data, err := util.LdRead(br.r, br.opts.MaxAllowedSectionSize)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	case len(data) == 0:
		if br.opts.ZeroLengthSectionAsEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: zero-length section", ErrMalformedRecord)
	}

	n, c, err := cid.CidFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cid: %w", ErrMalformedRecord, err)
	}
	return blocks.NewBlockWithCid(data[n:], c)
}

// LoadCar puts every block of the archive in r into bs and returns the
// roots. With VerifyBlocks the blocks are checked first and the first bad
// one ends the load.
func LoadCar(ctx context.Context, bs blockstore.Putter, r io.Reader, opts ...Option) ([]cid.Cid, error) {
	ctx, span := internal.StartSpan(ctx, "LoadCar")
	defer span.End()

	br, err := NewBlockReader(r, opts...)
	if err != nil {
		return nil, err
	}

	var count int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if br.opts.VerifyBlocks {
			if err := VerifyBlock(br.opts.Allowlist, blk); err != nil {
				return nil, err
			}
		}
		if err := bs.Put(ctx, blk); err != nil {
			return nil, err
		}
		count++
	}
	span.SetAttributes(attribute.Int("blocks", count))
	log.Debugw("loaded car", "roots", br.Roots, "blocks", count)
	return br.Roots, nil
}
