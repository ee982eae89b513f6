package io

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/hamt"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is returned when a path segment names no directory entry.
	ErrNotFound = errors.New("no link by that name")
	// ErrNotADirectory is returned when a path goes through, or a listing
	// starts at, a node that is not a directory or shard.
	ErrNotADirectory = errors.New("merkledag node was not a directory or shard")
	// ErrIsDir is returned when reading a directory as a file.
	ErrIsDir = errors.New("this dag node is a directory")
	// ErrCantReadSymlinks is returned when reading a symlink as a file.
	ErrCantReadSymlinks = errors.New("cannot currently read symlinks")
)

var errReadOnly = errors.New("read-only store")

// getterStore lets shards be loaded from a Getter. Navigation never writes.
type getterStore struct {
	blockstore.Getter
}

func (getterStore) Put(context.Context, blocks.Block) error {
	return errReadOnly
}

// Resolve follows path from root and returns the CID and the decoded node at
// its end. An empty path resolves to root itself.
func Resolve(ctx context.Context, bs blockstore.Getter, root cid.Cid, path string) (cid.Cid, *unixfs.Node, error) {
	ctx, span := internal.StartSpan(ctx, "Resolve", trace.WithAttributes(
		attribute.Stringer("root", root), attribute.String("path", path)))
	defer span.End()

	c := root
	nd, err := load(ctx, bs, c)
	if err != nil {
		return cid.Undef, nil, err
	}

	segs := splitPath(path)
	for i, seg := range segs {
		lnk, err := findLink(ctx, bs, nd, seg)
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("%w (resolving %s/%s)", err, root, strings.Join(segs[:i+1], "/"))
		}
		c = lnk.Hash
		if nd, err = load(ctx, bs, c); err != nil {
			return cid.Undef, nil, err
		}
	}
	return c, nd, nil
}

// findLink returns the entry named name of the directory nd.
func findLink(ctx context.Context, bs blockstore.Getter, nd *unixfs.Node, name string) (unixfs.PBLink, error) {
	switch nd.Kind {
	case unixfs.KindDirectory:
		for _, l := range nd.Links {
			if l.Name == name {
				return l, nil
			}
		}
		return unixfs.PBLink{}, ErrNotFound
	case unixfs.KindShardedDirectory:
		shard, err := hamt.LoadShard(ctx, getterStore{bs}, nd)
		if err != nil {
			return unixfs.PBLink{}, err
		}
		l, err := shard.Find(ctx, name)
		if errors.Is(err, os.ErrNotExist) {
			return unixfs.PBLink{}, ErrNotFound
		}
		return l, err
	default:
		return unixfs.PBLink{}, fmt.Errorf("%w: %s is a %s", ErrNotADirectory, nd.Cid, nd.Kind)
	}
}

// load reads and decodes c. Identity CIDs are answered from their digest.
func load(ctx context.Context, bs blockstore.Getter, c cid.Cid) (*unixfs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blk, ok := blockstore.IdentityBlock(c)
	if !ok {
		var err error
		if blk, err = bs.Get(ctx, c); err != nil {
			return nil, err
		}
	}
	return unixfs.DecodeBlock(blk)
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}
