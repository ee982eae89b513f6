package importer

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ipfs/dagkit/unixfs"
	uio "github.com/ipfs/dagkit/unixfs/io"
	"github.com/ipfs/go-cid"
)

// Entry is one input of AddAll. An entry without Content is a directory.
type Entry struct {
	Path    string
	Content io.Reader
	Mode    *uint32
	Mtime   *unixfs.Mtime
}

// EntrySource yields entries until it returns io.EOF.
type EntrySource interface {
	Next() (Entry, error)
}

type sliceSource struct {
	entries []Entry
}

func (s *sliceSource) Next() (Entry, error) {
	if len(s.entries) == 0 {
		return Entry{}, io.EOF
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, nil
}

// EntriesFromSlice returns an EntrySource over entries.
func EntriesFromSlice(entries []Entry) EntrySource {
	return &sliceSource{entries: entries}
}

// Result is one output of AddAll.
type Result struct {
	// Path is the cleaned entry path, the CID text for entries added
	// without a path, and empty for the wrapping directory.
	Path string
	Cid  cid.Cid
	// Size is the cumulative size of the DAG under Cid.
	Size uint64
}

// AddAllIterator is returned by AddAll. Files are added and reported as
// their entries are read; directories are built once the source is
// exhausted and reported children first. Without WrapWithDirectory the
// top level directories are the last results, in the order they first
// appeared; with it, a directory holding every top level entry comes last
// with an empty Path.
type AddAllIterator struct {
	ctx      context.Context
	bs       Store
	settings *Settings
	source   EntrySource

	root    *treeDir
	queue   []Result
	flushed bool
	err     error
}

// treeDir is a directory of the tree assembled from entry paths.
type treeDir struct {
	entries map[string]*treeEntry
	order   []string
	mode    *uint32
	mtime   *unixfs.Mtime
}

type treeEntry struct {
	dir  *treeDir
	link unixfs.PBLink
}

func newTreeDir() *treeDir {
	return &treeDir{entries: make(map[string]*treeEntry)}
}

func (td *treeDir) set(name string, e *treeEntry) {
	if _, ok := td.entries[name]; !ok {
		td.order = append(td.order, name)
	}
	td.entries[name] = e
}

// AddAll adds every entry of source. Entries sharing path prefixes end up in
// the same directories.
func AddAll(ctx context.Context, bs Store, source EntrySource, opts ...Option) *AddAllIterator {
	it := &AddAllIterator{
		ctx:    ctx,
		bs:     bs,
		source: source,
		root:   newTreeDir(),
	}
	it.settings, it.err = Options(opts...)
	return it
}

// Next returns the next result, or io.EOF once everything was added.
func (it *AddAllIterator) Next() (Result, error) {
	for {
		if len(it.queue) > 0 {
			r := it.queue[0]
			it.queue = it.queue[1:]
			return r, nil
		}
		if it.err != nil {
			return Result{}, it.err
		}
		if it.flushed {
			return Result{}, io.EOF
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			continue
		}

		entry, err := it.source.Next()
		switch {
		case err == io.EOF:
			it.flushed = true
			it.err = it.flushAll()
		case err != nil:
			it.err = err
		default:
			it.err = it.add(entry)
		}
	}
}

func (it *AddAllIterator) add(e Entry) error {
	if e.Mtime != nil {
		if err := e.Mtime.Validate(); err != nil {
			return err
		}
	}
	segs := splitPath(e.Path)
	for _, s := range segs {
		if err := validateName(s); err != nil {
			return err
		}
	}

	if e.Content == nil {
		if len(segs) == 0 {
			return ErrMissingPath
		}
		td, err := it.mkdirs(segs)
		if err != nil {
			return err
		}
		if e.Mode != nil {
			td.mode = e.Mode
		}
		if e.Mtime != nil {
			td.mtime = e.Mtime
		}
		return nil
	}

	fileSettings := *it.settings
	if e.Mode != nil {
		fileSettings.Mode = e.Mode
	}
	if e.Mtime != nil {
		fileSettings.Mtime = e.Mtime
	}
	n, err := addBytes(it.ctx, it.bs, e.Content, &fileSettings)
	if err != nil {
		return err
	}

	if len(segs) == 0 {
		it.queue = append(it.queue, Result{Path: n.cid.String(), Cid: n.cid, Size: n.dagSize})
		return nil
	}

	parent, err := it.mkdirs(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.entries[name]; ok && existing.dir != nil {
		return fmt.Errorf("cannot replace directory %q with a file", path.Join(segs...))
	}
	parent.set(name, &treeEntry{link: n.link(name)})
	it.queue = append(it.queue, Result{Path: strings.Join(segs, "/"), Cid: n.cid, Size: n.dagSize})
	return nil
}

// mkdirs returns the tree directory at segs, creating missing levels.
func (it *AddAllIterator) mkdirs(segs []string) (*treeDir, error) {
	td := it.root
	for i, s := range segs {
		e, ok := td.entries[s]
		if !ok {
			e = &treeEntry{dir: newTreeDir()}
			td.set(s, e)
		}
		if e.dir == nil {
			return nil, fmt.Errorf("%w: %s", uio.ErrNotADirectory, path.Join(segs[:i+1]...))
		}
		td = e.dir
	}
	return td, nil
}

func (it *AddAllIterator) flushAll() error {
	if it.settings.WrapWithDirectory {
		_, err := it.flush(it.root, "")
		return err
	}
	for _, name := range it.root.order {
		if e := it.root.entries[name]; e.dir != nil {
			if _, err := it.flush(e.dir, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush stores td after its subdirectories and queues a result for each.
func (it *AddAllIterator) flush(td *treeDir, p string) (dagNode, error) {
	dirSettings := *it.settings
	dirSettings.Mode = nil
	dirSettings.Mtime = nil

	d, err := newDirectory(it.ctx, it.bs, &dirSettings)
	if err != nil {
		return dagNode{}, err
	}
	if err := d.setStat(td.mode, td.mtime); err != nil {
		return dagNode{}, err
	}

	for _, name := range td.order {
		e := td.entries[name]
		lnk := e.link
		if e.dir != nil {
			n, err := it.flush(e.dir, path.Join(p, name))
			if err != nil {
				return dagNode{}, err
			}
			lnk = n.link(name)
		}
		if err := d.addChild(it.ctx, name, lnk); err != nil {
			return dagNode{}, err
		}
	}

	n, err := d.node(it.ctx)
	if err != nil {
		return dagNode{}, err
	}
	it.queue = append(it.queue, Result{Path: p, Cid: n.cid, Size: n.dagSize})
	return n, nil
}
