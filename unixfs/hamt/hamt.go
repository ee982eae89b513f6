// Package hamt implements the UnixFS sharded directory: a Hash Array Mapped
// Trie whose nodes are dag-pb blocks. Entry names are hashed with murmur3
// x64_64 and the hash is consumed log2(fanout) bits per level, most
// significant bits first.
//
// Each shard link is named by the hex slot index, padded to the width of
// fanout-1. A link to a directory entry appends the entry name to that
// prefix, a link to a sub-shard carries the prefix alone.
//
// Removing entries collapses a sub-shard left with a single value back into
// its parent so that the resulting tree depends only on the set of entries
// and not on the order they were added or removed in.
package hamt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ipfs/dagkit/unixfs"
	bitfield "github.com/ipfs/go-bitfield"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DefaultFanout is the shard width used when none is configured.
const DefaultFanout = 256

// Store is where shards are read from and written to.
type Store interface {
	Get(context.Context, cid.Cid) (blocks.Block, error)
	Put(context.Context, blocks.Block) error
}

var defaultBuilder = cid.V1Builder{Codec: cid.DagProtobuf, MhType: mh.SHA2_256}

func (ds *Shard) isValueNode() bool {
	return ds.key != "" && ds.val != nil
}

// A Shard represents the HAMT. It should be initialized with NewShard() or
// LoadShard().
type Shard struct {
	// cid and dagSize describe the last stored form of this shard. cid is
	// undefined while the shard has unsaved changes.
	cid     cid.Cid
	dagSize uint64

	childer *childer

	tableSize    int
	tableSizeLg2 int

	builder cid.Builder

	prefixPadStr string
	maxpadlen    int

	store Store

	// metadata of the directory, only meaningful at the root
	mode  *uint32
	mtime *unixfs.Mtime

	// leaf node
	key string
	val *unixfs.PBLink
}

// NewShard creates a new, empty HAMT shard with the given fanout.
func NewShard(store Store, size int) (*Shard, error) {
	return makeShard(store, size)
}

func makeShard(store Store, size int) (*Shard, error) {
	lg2s, err := logtwo(size)
	if err != nil {
		return nil, err
	}
	if size < 8 {
		return nil, fmt.Errorf("hamt size should be at least 8, got %d", size)
	}
	bf, err := bitfield.NewBitfield(size)
	if err != nil {
		return nil, err
	}
	maxpadding := fmt.Sprintf("%X", size-1)
	s := &Shard{
		tableSizeLg2: lg2s,
		prefixPadStr: fmt.Sprintf("%%0%dX", len(maxpadding)),
		maxpadlen:    len(maxpadding),
		childer:      &childer{bitfield: bf},
		tableSize:    size,
		store:        store,
	}
	s.childer.sd = s
	return s, nil
}

// LoadShard wraps a decoded sharded directory node. Children are loaded from
// store on demand.
func LoadShard(ctx context.Context, store Store, nd *unixfs.Node) (*Shard, error) {
	if nd.Kind != unixfs.KindShardedDirectory {
		return nil, fmt.Errorf("%w: %s is a %s, not a sharded directory", unixfs.ErrUnsupportedNode, nd.Cid, nd.Kind)
	}

	ds, err := makeShard(store, int(*nd.FS.Fanout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unixfs.ErrMalformedNode, err)
	}
	if err := ds.childer.makeChilder(nd.FS.Data, nd.Links); err != nil {
		return nil, fmt.Errorf("%w: shard %s: %w", unixfs.ErrMalformedNode, nd.Cid, err)
	}

	ds.cid = nd.Cid
	ds.dagSize = nd.DagSize()
	ds.builder = nd.Cid.Prefix()
	ds.mode = nd.FS.Mode
	ds.mtime = nd.FS.Mtime
	return ds, nil
}

// SetCidBuilder sets the CID Builder
func (ds *Shard) SetCidBuilder(builder cid.Builder) {
	ds.builder = builder
}

// CidBuilder gets the CID Builder, may be nil if unset
func (ds *Shard) CidBuilder() cid.Builder {
	return ds.builder
}

// DagSize is the cumulative size of the stored shard tree. It is only
// meaningful after Node or LoadShard.
func (ds *Shard) DagSize() uint64 {
	return ds.dagSize
}

// SetMode sets the permission bits recorded on the root shard.
func (ds *Shard) SetMode(m uint32) {
	fs := unixfs.NewFSNode(unixfs.THAMTShard)
	fs.SetMode(m)
	ds.mode = fs.Mode
	ds.cid = cid.Undef
}

// SetMtime sets the modification time recorded on the root shard.
func (ds *Shard) SetMtime(m unixfs.Mtime) error {
	if err := m.Validate(); err != nil {
		return err
	}
	ds.mtime = &m
	ds.cid = cid.Undef
	return nil
}

// Node serializes the HAMT into dag-pb blocks, stores every modified shard
// and returns the root block.
func (ds *Shard) Node(ctx context.Context) (blocks.Block, error) {
	links := make([]unixfs.PBLink, 0, ds.childer.length())
	cindex := 0
	for i := 0; i < ds.tableSize; i++ {
		if !ds.childer.has(i) {
			continue
		}

		var lnk unixfs.PBLink
		switch ch := ds.childer.child(cindex); {
		case ch == nil:
			// child unloaded, its stored link is still accurate
			lnk = ds.childer.link(cindex)
		case ch.isValueNode():
			lnk = *ch.val
			lnk.Name = ds.linkNamePrefix(i) + ch.key
		default:
			if !ch.cid.Defined() {
				if _, err := ch.Node(ctx); err != nil {
					return nil, err
				}
			}
			lnk = unixfs.PBLink{Hash: ch.cid, Name: ds.linkNamePrefix(i), Tsize: ch.dagSize}
		}
		links = append(links, lnk)
		cindex++
	}

	fs := unixfs.HAMTShardData(ds.childer.bitfield.Bytes(), uint64(ds.tableSize), unixfs.HashMurmur3)
	fs.Mode = ds.mode
	fs.Mtime = ds.mtime
	data := unixfs.Encode(links, fs)

	builder := ds.builder
	if builder == nil {
		builder = defaultBuilder
	}
	c, err := builder.Sum(data)
	if err != nil {
		return nil, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	if err := ds.store.Put(ctx, blk); err != nil {
		return nil, err
	}

	ds.cid = c
	ds.dagSize = uint64(len(data))
	for _, l := range links {
		ds.dagSize += l.Tsize
	}
	return blk, nil
}

func (ds *Shard) makeShardValue(lnk unixfs.PBLink) *Shard {
	return &Shard{
		key: lnk.Name[ds.maxpadlen:],
		val: &lnk,
	}
}

// Set sets 'name' = lnk in the HAMT. The block lnk points to must already be
// stored. An existing entry of the same name is replaced.
func (ds *Shard) Set(ctx context.Context, name string, lnk unixfs.PBLink) error {
	if name == "" {
		return fmt.Errorf("hamt: empty entry name")
	}
	hv := &hashBits{b: hash([]byte(name))}
	lnk.Name = ""
	return ds.modifyValue(ctx, hv, name, &lnk)
}

// Remove deletes the named entry. It returns os.ErrNotExist when there is no
// such entry.
func (ds *Shard) Remove(ctx context.Context, name string) error {
	hv := &hashBits{b: hash([]byte(name))}
	return ds.modifyValue(ctx, hv, name, nil)
}

// Find searches for a child node by 'name' within this hamt. The returned
// link is named by the entry name. It returns os.ErrNotExist when there is
// no such entry.
func (ds *Shard) Find(ctx context.Context, name string) (unixfs.PBLink, error) {
	hv := &hashBits{b: hash([]byte(name))}

	var out unixfs.PBLink
	err := ds.getValue(ctx, hv, name, func(sv *Shard) error {
		out = *sv.val
		out.Name = sv.key
		return nil
	})
	return out, err
}

type linkType int

const (
	invalidLink linkType = iota
	shardLink
	shardValueLink
)

func (ds *Shard) childLinkType(lnk unixfs.PBLink) (linkType, error) {
	if len(lnk.Name) < ds.maxpadlen {
		return invalidLink, fmt.Errorf("invalid link name '%s'", lnk.Name)
	}
	if len(lnk.Name) == ds.maxpadlen {
		return shardLink, nil
	}
	return shardValueLink, nil
}

func (ds *Shard) getValue(ctx context.Context, hv *hashBits, key string, cb func(*Shard) error) error {
	idx, err := hv.Next(ds.tableSizeLg2)
	if err != nil {
		return err
	}
	if ds.childer.has(idx) {
		child, err := ds.childer.get(ctx, ds.childer.index(idx))
		if err != nil {
			return err
		}

		if child.isValueNode() {
			if child.key == key {
				return cb(child)
			}
		} else {
			return child.getValue(ctx, hv, key, cb)
		}
	}

	return os.ErrNotExist
}

// ForEachLink walks the Shard in slot order, depth first, and calls f with
// each entry link named by the entry name.
func (ds *Shard) ForEachLink(ctx context.Context, f func(unixfs.PBLink) error) error {
	it := ds.Iterator()
	for {
		lnk, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(lnk); err != nil {
			return err
		}
	}
}

func (ds *Shard) modifyValue(ctx context.Context, hv *hashBits, key string, val *unixfs.PBLink) error {
	idx, err := hv.Next(ds.tableSizeLg2)
	if err != nil {
		return err
	}

	if !ds.childer.has(idx) {
		if val == nil {
			return os.ErrNotExist
		}
		ds.cid = cid.Undef
		ds.childer.insert(key, val, idx)
		return nil
	}

	i := ds.childer.index(idx)

	child, err := ds.childer.get(ctx, i)
	if err != nil {
		return err
	}

	if child.isValueNode() {
		if child.key == key {
			ds.cid = cid.Undef
			// value modification
			if val == nil {
				return ds.childer.rm(idx)
			}

			child.val = val
			return nil
		}

		if val == nil {
			return os.ErrNotExist
		}

		// replace value with another shard, one level deeper
		ns, err := makeShard(ds.store, ds.tableSize)
		if err != nil {
			return err
		}
		ns.builder = ds.builder
		chhv := &hashBits{
			b:        hash([]byte(child.key)),
			consumed: hv.consumed,
		}

		if err := ns.modifyValue(ctx, hv, key, val); err != nil {
			return err
		}
		if err := ns.modifyValue(ctx, chhv, child.key, child.val); err != nil {
			return err
		}

		ds.cid = cid.Undef
		ds.childer.set(ns, i)
		return nil
	}

	if err := child.modifyValue(ctx, hv, key, val); err != nil {
		return err
	}
	ds.cid = cid.Undef

	if val == nil {
		switch child.childer.length() {
		case 0:
			// empty sub-shard, prune it. Only malformed input gets here.
			return ds.childer.rm(idx)
		case 1:
			nchild, err := child.childer.get(ctx, 0)
			if err != nil {
				return err
			}
			if nchild.isValueNode() {
				// sub-shard with a single value element, collapse it
				ds.childer.set(nchild, i)
			}
		}
	}
	return nil
}

// linkNamePrefix takes in the bitfield index of an entry and returns its hex prefix
func (ds *Shard) linkNamePrefix(idx int) string {
	return fmt.Sprintf(ds.prefixPadStr, idx)
}

// childer wraps the links, children and bitfield
// and provides basic operation (get, rm, insert and set) of manipulating children.
// links holds the stored form of children that have not been loaded yet.
type childer struct {
	sd       *Shard
	bitfield bitfield.Bitfield
	links    []unixfs.PBLink
	children []*Shard
}

func (s *childer) makeChilder(data []byte, links []unixfs.PBLink) error {
	if len(data) > s.sd.tableSize/8 {
		return fmt.Errorf("bitfield of %d bytes for fanout %d", len(data), s.sd.tableSize)
	}
	s.bitfield.SetBytes(data)

	var slots []int
	for i := 0; i < s.sd.tableSize; i++ {
		if s.bitfield.Bit(i) {
			slots = append(slots, i)
		}
	}
	if len(slots) != len(links) {
		return fmt.Errorf("bitfield has %d entries but node has %d links", len(slots), len(links))
	}
	for i, lnk := range links {
		if _, err := s.sd.childLinkType(lnk); err != nil {
			return err
		}
		slot, err := strconv.ParseUint(lnk.Name[:s.sd.maxpadlen], 16, 32)
		if err != nil || int(slot) != slots[i] {
			return fmt.Errorf("link %q does not match slot %d", lnk.Name, slots[i])
		}
	}

	s.children = make([]*Shard, len(links))
	s.links = make([]unixfs.PBLink, len(links))
	copy(s.links, links)
	return nil
}

func (s *childer) index(idx int) int {
	return s.bitfield.OnesBefore(idx)
}

func (s *childer) child(i int) *Shard {
	return s.children[i]
}

func (s *childer) link(i int) unixfs.PBLink {
	return s.links[i]
}

func (s *childer) insert(key string, lnk *unixfs.PBLink, idx int) {
	i := s.index(idx)
	sd := &Shard{key: key, val: lnk}

	s.children = append(s.children[:i], append([]*Shard{sd}, s.children[i:]...)...)
	s.links = append(s.links[:i], append([]unixfs.PBLink{{}}, s.links[i:]...)...)
	s.bitfield.SetBit(idx)
}

func (s *childer) set(sd *Shard, i int) {
	s.children[i] = sd
}

func (s *childer) rm(idx int) error {
	i := s.index(idx)

	if err := s.check(i); err != nil {
		return err
	}

	copy(s.children[i:], s.children[i+1:])
	s.children = s.children[:len(s.children)-1]

	copy(s.links[i:], s.links[i+1:])
	s.links = s.links[:len(s.links)-1]

	s.bitfield.UnsetBit(idx)
	return nil
}

// get returns the i'th child of this shard. If it is cached in the
// children array, it will return it from there. Otherwise, it loads the child
// node from the store.
func (s *childer) get(ctx context.Context, i int) (*Shard, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}

	if c := s.child(i); c != nil {
		return c, nil
	}
	return s.loadChild(ctx, i)
}

// loadChild reads the i'th child node of this shard and caches it.
func (s *childer) loadChild(ctx context.Context, i int) (*Shard, error) {
	lnk := s.link(i)
	lnkLinkType, err := s.sd.childLinkType(lnk)
	if err != nil {
		return nil, err
	}

	var c *Shard
	if lnkLinkType == shardLink {
		blk, err := s.sd.store.Get(ctx, lnk.Hash)
		if err != nil {
			return nil, err
		}
		nd, err := unixfs.DecodeBlock(blk)
		if err != nil {
			return nil, err
		}
		if nd.Kind == unixfs.KindShardedDirectory && int(*nd.FS.Fanout) != s.sd.tableSize {
			return nil, fmt.Errorf("%w: sub-shard %s has fanout %d under a parent of fanout %d",
				unixfs.ErrMalformedNode, lnk.Hash, *nd.FS.Fanout, s.sd.tableSize)
		}
		c, err = LoadShard(ctx, s.sd.store, nd)
		if err != nil {
			return nil, err
		}
	} else {
		c = s.sd.makeShardValue(lnk)
	}

	s.set(c, i)
	return c, nil
}

func (s *childer) has(idx int) bool {
	return s.bitfield.Bit(idx)
}

func (s *childer) length() int {
	return len(s.children)
}

func (s *childer) check(i int) error {
	if i >= len(s.children) || i < 0 {
		return fmt.Errorf("invalid index passed to operate children (likely corrupt bitfield)")
	}

	if len(s.children) != len(s.links) {
		return fmt.Errorf("inconsistent lengths between children array and Links array")
	}

	return nil
}
