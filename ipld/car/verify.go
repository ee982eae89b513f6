package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/verifcid"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// VerifyBlock checks that the CID of blk uses an allowed hash function and
// that the data hashes to it. Mismatches return blockstore.ErrHashMismatch.
func VerifyBlock(allowlist verifcid.Allowlist, blk blocks.Block) error {
	c := blk.Cid()
	if err := verifcid.ValidateCid(allowlist, c); err != nil {
		return fmt.Errorf("block %s: %w", c, err)
	}
	rehash, err := c.Prefix().Sum(blk.RawData())
	if err != nil {
		return fmt.Errorf("block %s: %w", c, err)
	}
	if !rehash.Equals(c) {
		return fmt.Errorf("block %s: %w", c, blockstore.ErrHashMismatch)
	}
	return nil
}

// BadBlock is a block that failed VerifyBlock.
type BadBlock struct {
	Cid cid.Cid
	Err error
}

// VerifyReport summarizes an archive checked by Verify.
type VerifyReport struct {
	Roots  []cid.Cid
	Blocks int
	// Bytes is the total size of the block data.
	Bytes uint64
	// Bad lists every block that failed verification, in archive order.
	Bad []BadBlock
	// MissingRoots lists the roots with no section in the archive.
	MissingRoots []cid.Cid
}

// OK reports whether every block verified and every root is present.
func (r *VerifyReport) OK() bool {
	return len(r.Bad) == 0 && len(r.MissingRoots) == 0
}

// Verify reads the whole archive and checks every block. Structural errors
// end the pass and are returned; hash failures are collected in the report.
func Verify(ctx context.Context, r io.Reader, opts ...Option) (*VerifyReport, error) {
	_, span := internal.StartSpan(ctx, "Verify")
	defer span.End()

	br, err := NewBlockReader(r, opts...)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Roots: br.Roots}
	roots := cid.NewSet()
	for _, c := range br.Roots {
		roots.Add(c)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, err
		}

		report.Blocks++
		report.Bytes += uint64(len(blk.RawData()))
		roots.Remove(blk.Cid())
		if err := VerifyBlock(br.opts.Allowlist, blk); err != nil {
			report.Bad = append(report.Bad, BadBlock{Cid: blk.Cid(), Err: err})
		}
	}

	for _, c := range br.Roots {
		if roots.Has(c) {
			report.MissingRoots = append(report.MissingRoots, c)
		}
	}
	return report, nil
}
