package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/ipld/car/util"
	"github.com/ipfs/dagkit/unixfs"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// walker yields the blocks of one or more DAGs depth first, each node
// before its descendants and the links of a node in stored order. Every
// block is yielded once per walker.
type walker struct {
	ctx   context.Context
	bs    blockstore.Getter
	stack [][]cid.Cid
	seen  *cid.Set
	// maxSection bounds the section of every yielded block.
	maxSection uint64
}

func newWalker(ctx context.Context, bs blockstore.Getter, roots []cid.Cid, o Options) *walker {
	return &walker{
		ctx:        ctx,
		bs:         bs,
		stack:      [][]cid.Cid{append([]cid.Cid(nil), roots...)},
		seen:       cid.NewSet(),
		maxSection: o.MaxAllowedSectionSize,
	}
}

// next returns the next block or io.EOF once every DAG is exhausted.
func (w *walker) next() (blocks.Block, error) {
	for len(w.stack) > 0 {
		top := len(w.stack) - 1
		if len(w.stack[top]) == 0 {
			w.stack = w.stack[:top]
			continue
		}
		c := w.stack[top][0]
		w.stack[top] = w.stack[top][1:]
		if !w.seen.Visit(c) {
			continue
		}

		if err := w.ctx.Err(); err != nil {
			return nil, err
		}
		blk, ok := blockstore.IdentityBlock(c)
		if !ok {
			var err error
			if blk, err = w.bs.Get(w.ctx, c); err != nil {
				return nil, err
			}
		}

		if size := uint64(len(c.KeyString()) + len(blk.RawData())); w.maxSection > 0 && size > w.maxSection {
			return nil, fmt.Errorf("%w: section for %s is %d bytes", util.ErrSectionTooLarge, c, size)
		}
		links, err := linksOf(blk)
		if err != nil {
			return nil, err
		}
		if len(links) > 0 {
			w.stack = append(w.stack, links)
		}
		return blk, nil
	}
	return nil, io.EOF
}

// linksOf returns the CIDs a block links to, in stored order.
func linksOf(blk blocks.Block) ([]cid.Cid, error) {
	switch codec := multicodec.Code(blk.Cid().Type()); codec {
	case multicodec.Raw:
		return nil, nil
	case multicodec.DagPb:
		pbn, err := unixfs.UnmarshalPBNode(blk.RawData())
		if err != nil {
			return nil, err
		}
		links := make([]cid.Cid, len(pbn.Links))
		for i, l := range pbn.Links {
			links[i] = l.Hash
		}
		return links, nil
	default:
		return nil, fmt.Errorf("%w: cannot traverse %s blocks (%s)", unixfs.ErrUnsupportedNode, codec, blk.Cid())
	}
}

// Export writes an archive of the DAGs under roots to w. Errors from w are
// returned as is and end the export. The header and section size limits of
// opts apply, so a reader with the same options accepts the result.
func Export(ctx context.Context, bs blockstore.Getter, roots []cid.Cid, w io.Writer, opts ...Option) error {
	ctx, span := internal.StartSpan(ctx, "Export", trace.WithAttributes(attribute.Int("roots", len(roots))))
	defer span.End()

	o := ApplyOptions(opts...)
	hb, err := headerBytes(roots, o.MaxAllowedHeaderSize)
	if err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}

	wk := newWalker(ctx, bs, roots, o)
	var count int
	for {
		blk, err := wk.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := util.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return err
		}
		count++
	}
	log.Debugw("exported car", "roots", roots, "blocks", count)
	span.SetAttributes(attribute.Int("blocks", count))
	return nil
}

var _ io.Reader = (*StreamReader)(nil)

// StreamReader produces the same bytes as Export, one fragment per Next
// call: the header first, then one section per block. It reads a block only
// when the previous fragment has been consumed.
type StreamReader struct {
	w         *walker
	roots     []cid.Cid
	maxHeader uint64
	// pending is what Read has not returned yet of the current fragment.
	pending []byte
	started bool
	err     error
}

// Stream returns a StreamReader over the archive of the DAGs under roots.
func Stream(ctx context.Context, bs blockstore.Getter, roots []cid.Cid, opts ...Option) *StreamReader {
	o := ApplyOptions(opts...)
	return &StreamReader{
		w:         newWalker(ctx, bs, roots, o),
		roots:     roots,
		maxHeader: o.MaxAllowedHeaderSize,
	}
}

// Next returns the next fragment or io.EOF. Errors are sticky.
func (s *StreamReader) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) > 0 {
		f := s.pending
		s.pending = nil
		return f, nil
	}
	if !s.started {
		s.started = true
		hb, err := headerBytes(s.roots, s.maxHeader)
		if err != nil {
			s.err = err
			return nil, err
		}
		return hb, nil
	}

	blk, err := s.w.next()
	if err != nil {
		s.err = err
		return nil, err
	}
	return util.LdAppend(nil, blk.Cid().Bytes(), blk.RawData()), nil
}

// Read implements io.Reader.
func (s *StreamReader) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		f, err := s.Next()
		if err != nil {
			return 0, err
		}
		s.pending = f
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
