package io

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CatOption configures Cat.
type CatOption func(*catSettings) error

type catSettings struct {
	offset uint64
	length int64
}

// Offset starts reading n bytes into the file.
func Offset(n uint64) CatOption {
	return func(s *catSettings) error {
		s.offset = n
		return nil
	}
}

// Length stops reading after n bytes.
func Length(n uint64) CatOption {
	return func(s *catSettings) error {
		if n > 1<<62 {
			return fmt.Errorf("length %d out of range", n)
		}
		s.length = int64(n)
		return nil
	}
}

var _ io.Reader = (*Reader)(nil)
var _ io.WriterTo = (*Reader)(nil)

// Reader streams the content of a file DAG. Blocks are fetched as the walk
// reaches them, depth first in link order, and only the current path from
// the root is kept in memory.
type Reader struct {
	ctx  context.Context
	bs   blockstore.Getter
	size uint64

	stack []readFrame
	// pending is inline data of the last visited node not yet returned.
	pending []byte
	// buf is what Read left over of the last chunk.
	buf []byte

	skip      uint64
	remaining int64 // -1 means unbounded
}

type readFrame struct {
	nd *unixfs.Node
	i  int
}

// Cat opens the file, or raw block, c for reading. The span covers opening
// the root; reads fetch blocks under ctx.
func Cat(ctx context.Context, bs blockstore.Getter, c cid.Cid, opts ...CatOption) (*Reader, error) {
	sctx, span := internal.StartSpan(ctx, "Cat", trace.WithAttributes(attribute.Stringer("cid", c)))
	defer span.End()

	s := catSettings{length: -1}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	nd, err := load(sctx, bs, c)
	if err != nil {
		return nil, err
	}
	switch nd.Kind {
	case unixfs.KindDirectory, unixfs.KindShardedDirectory:
		return nil, ErrIsDir
	case unixfs.KindSymlink:
		return nil, ErrCantReadSymlinks
	}

	r := &Reader{
		ctx:       ctx,
		bs:        bs,
		size:      nd.FileSize(),
		skip:      s.offset,
		remaining: s.length,
	}
	if s.offset >= r.size {
		r.remaining = 0
		return r, nil
	}
	r.visit(nd)
	return r, nil
}

// Size is the size of the whole file, regardless of Offset and Length.
func (r *Reader) Size() uint64 {
	return r.size
}

// visit queues the inline data of nd and pushes its children.
func (r *Reader) visit(nd *unixfs.Node) {
	data := nd.Data()
	if r.skip >= uint64(len(data)) {
		r.skip -= uint64(len(data))
		data = nil
	} else {
		data = data[r.skip:]
		r.skip = 0
	}
	r.pending = data
	if len(nd.Links) > 0 {
		r.stack = append(r.stack, readFrame{nd: nd})
	}
}

// Next returns the next chunk of content, or io.EOF. The returned slice must
// not be modified.
func (r *Reader) Next() ([]byte, error) {
	if len(r.buf) > 0 {
		chunk := r.buf
		r.buf = nil
		return chunk, nil
	}
	for {
		if r.remaining == 0 {
			return nil, io.EOF
		}
		if len(r.pending) > 0 {
			chunk := r.pending
			r.pending = nil
			if r.remaining > 0 && int64(len(chunk)) > r.remaining {
				chunk = chunk[:r.remaining]
			}
			if r.remaining > 0 {
				r.remaining -= int64(len(chunk))
			}
			return chunk, nil
		}
		if len(r.stack) == 0 {
			return nil, io.EOF
		}

		top := &r.stack[len(r.stack)-1]
		if top.i >= len(top.nd.Links) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		i := top.i
		top.i++

		if bs := top.nd.FS.BlockSizes; r.skip > 0 && r.skip >= bs[i] {
			r.skip -= bs[i]
			continue
		}

		child, err := load(r.ctx, r.bs, top.nd.Links[i].Hash)
		if err != nil {
			return nil, err
		}
		if child.Kind != unixfs.KindRaw && child.Kind != unixfs.KindFile {
			return nil, fmt.Errorf("%w: file %s links to a %s", unixfs.ErrMalformedNode, top.nd.Cid, child.Kind)
		}
		r.visit(child)
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		chunk, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// WriteTo implements io.WriterTo.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
