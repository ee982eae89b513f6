package io

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/hamt"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one directory entry returned by Ls.
type Entry struct {
	Name string
	Cid  cid.Cid
	Type Type
	// Path is the root CID followed by the listed path and Name.
	Path string
	// Size is the content length of the entry, see Stat.Size.
	Size uint64
}

// LsIterator returns directory entries one at a time. Each entry costs one
// block read to learn its type and size.
type LsIterator struct {
	ctx    context.Context
	bs     blockstore.Getter
	prefix string

	// exactly one of these is used
	links  []unixfs.PBLink
	shard  *hamt.LinkIterator
	single *Entry
}

// Ls lists the node at path under root. Flat directories are listed in
// stored order, sharded ones in trie order. A raw or file node yields one
// entry describing itself, named by its CID. The span covers resolving p;
// later block reads run under ctx.
func Ls(ctx context.Context, bs blockstore.Getter, root cid.Cid, p string) (*LsIterator, error) {
	sctx, span := internal.StartSpan(ctx, "Ls", trace.WithAttributes(
		attribute.Stringer("root", root), attribute.String("path", p)))
	defer span.End()

	c, nd, err := Resolve(sctx, bs, root, p)
	if err != nil {
		return nil, err
	}

	it := &LsIterator{
		ctx:    ctx,
		bs:     bs,
		prefix: path.Join(append([]string{root.String()}, splitPath(p)...)...),
	}
	switch nd.Kind {
	case unixfs.KindDirectory:
		it.links = nd.Links
	case unixfs.KindShardedDirectory:
		shard, err := hamt.LoadShard(sctx, getterStore{bs}, nd)
		if err != nil {
			return nil, err
		}
		it.shard = shard.Iterator()
	case unixfs.KindRaw, unixfs.KindFile:
		it.single = &Entry{
			Name: c.String(),
			Cid:  c,
			Type: typeOf(nd.Kind),
			Path: c.String(),
			Size: nd.FileSize(),
		}
	default:
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotADirectory, c, nd.Kind)
	}
	return it, nil
}

// Next returns the next entry or io.EOF.
func (it *LsIterator) Next() (Entry, error) {
	if it.single != nil {
		e := *it.single
		it.single = nil
		it.links = nil
		return e, nil
	}

	var lnk unixfs.PBLink
	switch {
	case it.shard != nil:
		var err error
		if lnk, err = it.shard.Next(it.ctx); err != nil {
			return Entry{}, err
		}
	case len(it.links) > 0:
		lnk = it.links[0]
		it.links = it.links[1:]
	default:
		return Entry{}, io.EOF
	}

	nd, err := load(it.ctx, it.bs, lnk.Hash)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Name: lnk.Name,
		Cid:  lnk.Hash,
		Type: typeOf(nd.Kind),
		Path: it.prefix + "/" + lnk.Name,
	}
	if e.Type != TypeDirectory {
		e.Size = nd.FileSize()
	}
	return e, nil
}

// All drains the iterator.
func (it *LsIterator) All() ([]Entry, error) {
	var out []Entry
	for {
		e, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
