package io

import (
	"context"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/go-cid"
)

// Type is the kind of a node as reported by Stat and Ls. Sharded and flat
// directories are both TypeDirectory.
type Type string

const (
	TypeRaw       Type = "raw"
	TypeFile      Type = "file"
	TypeDirectory Type = "directory"
	TypeSymlink   Type = "symlink"
)

func typeOf(k unixfs.Kind) Type {
	switch k {
	case unixfs.KindRaw:
		return TypeRaw
	case unixfs.KindDirectory, unixfs.KindShardedDirectory:
		return TypeDirectory
	case unixfs.KindSymlink:
		return TypeSymlink
	default:
		return TypeFile
	}
}

// StatResult describes a node.
type StatResult struct {
	Type Type
	Cid  cid.Cid
	// Size is the content length: the file size, the symlink target length,
	// and zero for directories.
	Size uint64
	// DagSize is the cumulative size of the DAG as recorded in the links.
	DagSize uint64
	// Blocks is the number of links of the node plus one for itself.
	Blocks int
	// Mode is nil for raw nodes. UnixFS nodes without an explicit mode
	// report the default for their type.
	Mode  *uint32
	Mtime *unixfs.Mtime
	// Sharded is set for HAMT directories.
	Sharded bool
}

// Stat resolves path under root and describes the node found there.
func Stat(ctx context.Context, bs blockstore.Getter, root cid.Cid, path string) (*StatResult, error) {
	c, nd, err := Resolve(ctx, bs, root, path)
	if err != nil {
		return nil, err
	}
	return statNode(c, nd), nil
}

func statNode(c cid.Cid, nd *unixfs.Node) *StatResult {
	st := &StatResult{
		Type:    typeOf(nd.Kind),
		Cid:     c,
		Size:    nd.FileSize(),
		DagSize: nd.DagSize(),
		Blocks:  len(nd.Links) + 1,
		Mtime:   nd.Mtime(),
		Sharded: nd.Kind == unixfs.KindShardedDirectory,
	}
	if st.Type == TypeDirectory {
		st.Size = 0
	}
	if m, ok := nd.Mode(); ok {
		st.Mode = &m
	}
	return st
}
