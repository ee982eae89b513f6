// Package importer builds UnixFS DAGs: files from byte streams, directories
// from name to CID mappings, and whole trees from a stream of entries.
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	chunk "github.com/ipfs/dagkit/chunker"
	"github.com/ipfs/dagkit/internal"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// File is a file to add under a path.
type File struct {
	// Path is slash separated. Every segment becomes a directory level
	// above the file, the last one naming the file itself.
	Path    string
	Content io.Reader
	Mode    *uint32
	Mtime   *unixfs.Mtime
}

// Directory is an empty directory to add, optionally under a path.
type Directory struct {
	Path  string
	Mode  *uint32
	Mtime *unixfs.Mtime
}

// AddBytes chunks r, stores the resulting DAG in bs and returns its root.
func AddBytes(ctx context.Context, bs blockstore.Putter, r io.Reader, opts ...Option) (cid.Cid, error) {
	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}
	n, err := addBytes(ctx, bs, r, settings)
	if err != nil {
		return cid.Undef, err
	}
	return n.cid, nil
}

func addBytes(ctx context.Context, bs blockstore.Putter, r io.Reader, settings *Settings) (dagNode, error) {
	ctx, span := internal.StartSpan(ctx, "AddBytes", trace.WithAttributes(
		attribute.String("layout", settings.Layout.String()),
		attribute.String("chunker", settings.Chunker),
	))
	defer span.End()

	gen, err := chunk.ParseGen(settings.Chunker)
	if err != nil {
		return dagNode{}, err
	}
	db := newDagBuilder(ctx, bs, gen(r), settings)

	first, err := db.nextLeaf()
	if err != nil {
		return dagNode{}, err
	}

	var root dagNode
	switch {
	case db.Done() && db.err != nil:
		return dagNode{}, db.err
	case db.Done() && settings.ReduceSingleLeafToSelf:
		root, err = db.singleLeafRoot(first)
	default:
		if err := db.put(first.blk); err != nil {
			return dagNode{}, err
		}
		if db.Done() {
			if db.err != nil {
				return dagNode{}, db.err
			}
			// a lone leaf that must not be its own root
			fn := newFileNode()
			fn.addChild(first.node)
			root, err = db.commitRoot(fn)
		} else if settings.Layout == Trickle {
			root, err = trickleLayout(db, first.node)
		} else {
			root, err = balancedLayout(db, first.node)
		}
	}
	if err != nil {
		return dagNode{}, err
	}

	span.SetAttributes(attribute.Stringer("cid", root.cid))
	log.Debugw("added bytes", "cid", root.cid, "size", root.fileSize, "leaves", db.nleaves)
	return root, nil
}

// AddFile adds f.Content and wraps it in one directory per segment of
// f.Path. The result is the outermost directory.
func AddFile(ctx context.Context, bs Store, f File, opts ...Option) (cid.Cid, error) {
	if f.Path == "" {
		return cid.Undef, ErrMissingPath
	}
	if f.Content == nil {
		return cid.Undef, ErrMissingContent
	}
	segs := splitPath(f.Path)
	if len(segs) == 0 {
		return cid.Undef, ErrMissingPath
	}

	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}
	fileSettings := *settings
	if f.Mode != nil {
		fileSettings.Mode = f.Mode
	}
	if f.Mtime != nil {
		if err := f.Mtime.Validate(); err != nil {
			return cid.Undef, err
		}
		fileSettings.Mtime = f.Mtime
	}

	n, err := addBytes(ctx, bs, f.Content, &fileSettings)
	if err != nil {
		return cid.Undef, err
	}
	return wrap(ctx, bs, settings, segs, n)
}

// AddDirectory adds an empty directory carrying d's metadata. With a path it
// is wrapped like AddFile.
func AddDirectory(ctx context.Context, bs Store, d Directory, opts ...Option) (cid.Cid, error) {
	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}

	dir, err := newDirectory(ctx, bs, settings)
	if err != nil {
		return cid.Undef, err
	}
	if err := dir.setStat(settings.Mode, settings.Mtime); err != nil {
		return cid.Undef, err
	}
	if err := dir.setStat(d.Mode, d.Mtime); err != nil {
		return cid.Undef, err
	}
	n, err := dir.node(ctx)
	if err != nil {
		return cid.Undef, err
	}

	segs := splitPath(d.Path)
	if len(segs) == 0 {
		return n.cid, nil
	}
	return wrap(ctx, bs, settings, segs, n)
}

// AddSymlink adds a symlink to target.
func AddSymlink(ctx context.Context, bs blockstore.Putter, target string, opts ...Option) (cid.Cid, error) {
	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}
	fs := unixfs.SymlinkData(target)
	settings.applyMetadata(fs)
	n, err := storeNode(ctx, bs, settings.CidBuilder(), nil, fs)
	if err != nil {
		return cid.Undef, err
	}
	return n.cid, nil
}

// wrap puts n into nested single entry directories, the innermost named by
// the last segment.
func wrap(ctx context.Context, bs Store, settings *Settings, segs []string, n dagNode) (cid.Cid, error) {
	wrapSettings := *settings
	wrapSettings.Mode = nil
	wrapSettings.Mtime = nil

	for i := len(segs) - 1; i >= 0; i-- {
		dir, err := newDirectory(ctx, bs, &wrapSettings)
		if err != nil {
			return cid.Undef, err
		}
		if err := dir.addChild(ctx, segs[i], n.link(segs[i])); err != nil {
			return cid.Undef, err
		}
		if n, err = dir.node(ctx); err != nil {
			return cid.Undef, err
		}
	}
	return n.cid, nil
}

// AddDirectoryEntry returns a new directory: dir with name pointing at
// child. dir may be cid.Undef for an empty directory. An existing entry of
// the same name is replaced unless Strict is set. Mode and Mtime options
// apply to the resulting directory.
func AddDirectoryEntry(ctx context.Context, bs Store, dir cid.Cid, name string, child cid.Cid, opts ...Option) (cid.Cid, error) {
	ctx, span := internal.StartSpan(ctx, "AddDirectoryEntry", trace.WithAttributes(
		attribute.Stringer("dir", dir), attribute.String("name", name)))
	defer span.End()

	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}
	if err := validateName(name); err != nil {
		return cid.Undef, err
	}

	d, err := openDirectory(ctx, bs, dir, settings)
	if err != nil {
		return cid.Undef, err
	}
	if settings.Strict {
		_, exists, err := d.find(ctx, name)
		if err != nil {
			return cid.Undef, err
		}
		if exists {
			return cid.Undef, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}

	lnk, err := childLink(ctx, bs, child)
	if err != nil {
		return cid.Undef, err
	}
	if err := d.addChild(ctx, name, lnk); err != nil {
		return cid.Undef, err
	}
	if err := d.setStat(settings.Mode, settings.Mtime); err != nil {
		return cid.Undef, err
	}

	n, err := d.node(ctx)
	if err != nil {
		return cid.Undef, err
	}
	return n.cid, nil
}

// RemoveDirectoryEntry returns a new directory: dir without name. A sharded
// directory stays sharded.
func RemoveDirectoryEntry(ctx context.Context, bs Store, dir cid.Cid, name string, opts ...Option) (cid.Cid, error) {
	settings, err := Options(opts...)
	if err != nil {
		return cid.Undef, err
	}
	d, err := loadDirectory(ctx, bs, dir, settings)
	if err != nil {
		return cid.Undef, err
	}
	if err := d.removeChild(ctx, name); err != nil {
		return cid.Undef, err
	}
	if err := d.setStat(settings.Mode, settings.Mtime); err != nil {
		return cid.Undef, err
	}

	n, err := d.node(ctx)
	if err != nil {
		return cid.Undef, err
	}
	return n.cid, nil
}

func openDirectory(ctx context.Context, bs Store, dir cid.Cid, settings *Settings) (*directory, error) {
	if !dir.Defined() {
		return newDirectory(ctx, bs, settings)
	}
	d, err := loadDirectory(ctx, bs, dir, settings)
	if err != nil {
		return nil, err
	}
	if settings.Shard && d.shard == nil {
		if err := d.switchToSharding(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}
