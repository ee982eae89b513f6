package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/hamt"
	uio "github.com/ipfs/dagkit/unixfs/io"
	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Store is what directory edits need: they read the directory being changed
// and write its replacement.
type Store interface {
	blockstore.Getter
	blockstore.Putter
}

// directory is a directory under construction. It starts flat and switches
// to a HAMT for good once the size estimate crosses the threshold.
type directory struct {
	store    Store
	settings *Settings
	builder  cid.Builder

	links map[string]unixfs.PBLink
	// linksSize is the estimated size of the links, in the unit of the
	// configured SizeEstimationMode.
	linksSize int

	mode  *uint32
	mtime *unixfs.Mtime

	shard *hamt.Shard
}

func newDirectory(ctx context.Context, store Store, settings *Settings) (*directory, error) {
	d := &directory{
		store:    store,
		settings: settings,
		builder:  settings.CidBuilder(),
		links:    make(map[string]unixfs.PBLink),
	}
	if settings.Shard {
		if err := d.switchToSharding(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// loadDirectory opens the stored directory c for editing. New nodes keep the
// CID prefix of c.
func loadDirectory(ctx context.Context, store Store, c cid.Cid, settings *Settings) (*directory, error) {
	blk, err := store.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	nd, err := unixfs.DecodeBlock(blk)
	if err != nil {
		return nil, err
	}

	if nd.Kind != unixfs.KindDirectory && nd.Kind != unixfs.KindShardedDirectory {
		return nil, fmt.Errorf("%w: %s is a %s", uio.ErrNotADirectory, c, nd.Kind)
	}
	d := &directory{
		store:    store,
		settings: settings,
		builder:  c.Prefix(),
		links:    make(map[string]unixfs.PBLink),
		mode:     nd.FS.Mode,
		mtime:    nd.FS.Mtime,
	}
	switch nd.Kind {
	case unixfs.KindDirectory:
		for _, l := range nd.Links {
			d.links[l.Name] = l
			d.linksSize += d.linkSize(l)
		}
	case unixfs.KindShardedDirectory:
		d.shard, err = hamt.LoadShard(ctx, store, nd)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *directory) setStat(mode *uint32, mtime *unixfs.Mtime) error {
	if mtime != nil {
		if err := mtime.Validate(); err != nil {
			return err
		}
	}
	if mode != nil {
		fs := unixfs.FolderPBData()
		fs.SetMode(*mode)
		d.mode = fs.Mode
	}
	if mtime != nil {
		d.mtime = mtime
	}
	if d.shard != nil {
		if mode != nil {
			d.shard.SetMode(*mode)
		}
		if mtime != nil {
			return d.shard.SetMtime(*mtime)
		}
	}
	return nil
}

func (d *directory) find(ctx context.Context, name string) (unixfs.PBLink, bool, error) {
	if d.shard != nil {
		l, err := d.shard.Find(ctx, name)
		if errors.Is(err, os.ErrNotExist) {
			return unixfs.PBLink{}, false, nil
		}
		return l, err == nil, err
	}
	l, ok := d.links[name]
	return l, ok, nil
}

func (d *directory) addChild(ctx context.Context, name string, lnk unixfs.PBLink) error {
	if err := validateName(name); err != nil {
		return err
	}
	lnk.Name = name

	if d.shard == nil {
		old, exists := d.links[name]
		if !d.needsToSwitchToHAMTDir(lnk, old, exists) {
			if exists {
				d.linksSize -= d.linkSize(old)
			}
			d.links[name] = lnk
			d.linksSize += d.linkSize(lnk)
			return nil
		}
		if err := d.switchToSharding(ctx); err != nil {
			return err
		}
	}
	return d.shard.Set(ctx, name, lnk)
}

func (d *directory) removeChild(ctx context.Context, name string) error {
	if d.shard != nil {
		err := d.shard.Remove(ctx, name)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", uio.ErrNotFound, name)
		}
		return err
	}
	old, ok := d.links[name]
	if !ok {
		return fmt.Errorf("%w: %s", uio.ErrNotFound, name)
	}
	delete(d.links, name)
	d.linksSize -= d.linkSize(old)
	return nil
}

func (d *directory) needsToSwitchToHAMTDir(lnk, old unixfs.PBLink, replacing bool) bool {
	switchMaxLinks := !replacing && d.settings.MaxDirectoryLinks > 0 &&
		len(d.links)+1 > d.settings.MaxDirectoryLinks
	if d.settings.SizeEstimation == SizeEstimationDisabled || d.settings.ShardSplitThreshold == 0 {
		return switchMaxLinks
	}

	size := d.linksSize + d.linkSize(lnk)
	if replacing {
		size -= d.linkSize(old)
	}
	if d.settings.SizeEstimation == SizeEstimationBlock {
		size += d.dataFieldSize()
	}
	// A directory exactly at the threshold stays flat.
	return size > d.settings.ShardSplitThreshold || switchMaxLinks
}

// linkSize is the contribution of one link to the size estimate.
func (d *directory) linkSize(l unixfs.PBLink) int {
	switch d.settings.SizeEstimation {
	case SizeEstimationBlock:
		return linkSerializedSize(l.Name, l.Hash, l.Tsize)
	case SizeEstimationDisabled:
		return 0
	default:
		return len(l.Name) + l.Hash.ByteLen()
	}
}

// dataFieldSize is the encoded size of the PBNode.Data field of the flat
// form of this directory.
func (d *directory) dataFieldSize() int {
	fs := unixfs.FolderPBData()
	fs.Mode = d.mode
	fs.Mtime = d.mtime
	return protowire.SizeTag(1) + protowire.SizeBytes(len(fs.Bytes()))
}

// linkSerializedSize returns the exact number of bytes a link adds to a
// PBNode: the Hash, Name and Tsize fields wrapped in a Links entry.
func linkSerializedSize(name string, c cid.Cid, tsize uint64) int {
	linkLen := protowire.SizeTag(1) + protowire.SizeBytes(c.ByteLen()) +
		protowire.SizeTag(2) + protowire.SizeBytes(len(name)) +
		protowire.SizeTag(3) + protowire.SizeVarint(tsize)
	return protowire.SizeTag(2) + protowire.SizeBytes(linkLen)
}

func (d *directory) switchToSharding(ctx context.Context) error {
	shard, err := hamt.NewShard(d.store, d.settings.ShardFanout)
	if err != nil {
		return err
	}
	shard.SetCidBuilder(d.builder)
	if d.mode != nil {
		shard.SetMode(*d.mode)
	}
	if d.mtime != nil {
		if err := shard.SetMtime(*d.mtime); err != nil {
			return err
		}
	}
	for name, l := range d.links {
		if err := shard.Set(ctx, name, l); err != nil {
			return err
		}
	}
	log.Debugw("switched directory to HAMT", "entries", len(d.links), "estimate", d.linksSize)

	d.shard = shard
	d.links = nil
	d.linksSize = 0
	return nil
}

// node stores the directory and returns it.
func (d *directory) node(ctx context.Context) (dagNode, error) {
	if d.shard != nil {
		blk, err := d.shard.Node(ctx)
		if err != nil {
			return dagNode{}, err
		}
		return dagNode{cid: blk.Cid(), dagSize: d.shard.DagSize()}, nil
	}

	links := make([]unixfs.PBLink, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })

	fs := unixfs.FolderPBData()
	fs.Mode = d.mode
	fs.Mtime = d.mtime
	return storeNode(ctx, d.store, d.builder, links, fs)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// splitPath returns the non-empty segments of p, ignoring "." segments.
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

// childLink builds the link to an existing block, reading it to learn its
// cumulative size.
func childLink(ctx context.Context, store blockstore.Getter, c cid.Cid) (unixfs.PBLink, error) {
	blk, ok := blockstore.IdentityBlock(c)
	if !ok {
		var err error
		blk, err = store.Get(ctx, c)
		if err != nil {
			return unixfs.PBLink{}, err
		}
	}

	size := uint64(len(blk.RawData()))
	if c.Type() == cid.DagProtobuf {
		pbn, err := unixfs.UnmarshalPBNode(blk.RawData())
		if err != nil {
			return unixfs.PBLink{}, err
		}
		for _, l := range pbn.Links {
			size += l.Tsize
		}
	}
	return unixfs.PBLink{Hash: c, Tsize: size}, nil
}
