package importer

import (
	"context"
	"io"

	"github.com/ipfs/dagkit/blockstore"
	chunk "github.com/ipfs/dagkit/chunker"
	"github.com/ipfs/dagkit/unixfs"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("unixfs/importer")

// dagNode is a stored block as its parent sees it.
type dagNode struct {
	cid cid.Cid
	// dagSize is the block length plus the Tsize of every link, the value
	// parents record as Tsize.
	dagSize uint64
	// fileSize is the content length below the node.
	fileSize uint64
}

func (n dagNode) link(name string) unixfs.PBLink {
	return unixfs.PBLink{Hash: n.cid, Name: name, Tsize: n.dagSize}
}

// leaf is a hashed chunk that has not been written yet.
type leaf struct {
	blk  blocks.Block
	data []byte
	node dagNode
}

// dagBuilder turns a stream of chunks into leaves and stores the link nodes
// that the layouts assemble. Leaves are hashed Concurrency at a time and
// handed out in input order.
type dagBuilder struct {
	ctx      context.Context
	bs       blockstore.Putter
	spl      chunk.Splitter
	settings *Settings

	builder     cid.Builder
	leafBuilder cid.Builder

	pending []leaf
	eof     bool
	nleaves int
	err     error
}

func newDagBuilder(ctx context.Context, bs blockstore.Putter, spl chunk.Splitter, settings *Settings) *dagBuilder {
	return &dagBuilder{
		ctx:         ctx,
		bs:          bs,
		spl:         spl,
		settings:    settings,
		builder:     settings.CidBuilder(),
		leafBuilder: settings.LeafBuilder(),
	}
}

// Done returns whether there are no more leaves. A read or hashing failure
// also ends the stream; it is reported by the next nextLeaf call or by err.
func (db *dagBuilder) Done() bool {
	if db.err != nil {
		return true
	}
	if len(db.pending) > 0 {
		return false
	}
	if db.err = db.prefetch(); db.err != nil {
		return true
	}
	return len(db.pending) == 0
}

// prefetch reads the next batch of chunks and hashes them in parallel.
func (db *dagBuilder) prefetch() error {
	if db.eof {
		return nil
	}
	if err := db.ctx.Err(); err != nil {
		return err
	}

	var chunks [][]byte
	for len(chunks) < db.settings.Concurrency {
		b, err := db.spl.NextBytes()
		if err == io.EOF {
			db.eof = true
			break
		}
		if err != nil {
			return err
		}
		chunks = append(chunks, b)
	}
	if len(chunks) == 0 && db.nleaves == 0 {
		// empty input still gets a (single, empty) leaf
		chunks = append(chunks, []byte{})
	}

	leaves := make([]leaf, len(chunks))
	if len(chunks) == 1 {
		l, err := db.newLeaf(chunks[0])
		if err != nil {
			return err
		}
		leaves[0] = l
	} else {
		g := new(errgroup.Group)
		for i := range chunks {
			i := i
			g.Go(func() error {
				l, err := db.newLeaf(chunks[i])
				leaves[i] = l
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	db.nleaves += len(leaves)
	db.pending = leaves
	return nil
}

// newLeaf hashes a chunk as a raw block or as a dag-pb file node holding the
// data inline.
func (db *dagBuilder) newLeaf(data []byte) (leaf, error) {
	var raw []byte
	if db.settings.RawLeaves {
		raw = data
	} else {
		raw = unixfs.Encode(nil, unixfs.FilePBData(data))
	}
	if len(raw) > chunk.BlockSizeLimit {
		return leaf{}, ErrSizeLimitExceeded
	}

	c, err := db.leafBuilder.Sum(raw)
	if err != nil {
		return leaf{}, err
	}
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return leaf{}, err
	}
	return leaf{
		blk:  blk,
		data: data,
		node: dagNode{cid: c, dagSize: uint64(len(raw)), fileSize: uint64(len(data))},
	}, nil
}

// nextLeaf returns the next leaf without storing it.
func (db *dagBuilder) nextLeaf() (leaf, error) {
	if db.Done() {
		if db.err != nil {
			return leaf{}, db.err
		}
		return leaf{}, io.ErrUnexpectedEOF
	}
	l := db.pending[0]
	db.pending = db.pending[1:]
	return l, nil
}

// nextStoredLeaf returns the next leaf after writing it.
func (db *dagBuilder) nextStoredLeaf() (dagNode, error) {
	l, err := db.nextLeaf()
	if err != nil {
		return dagNode{}, err
	}
	return l.node, db.put(l.blk)
}

func (db *dagBuilder) put(blk blocks.Block) error {
	log.Debugw("put block", "cid", blk.Cid(), "size", len(blk.RawData()))
	return db.bs.Put(db.ctx, blk)
}

// fileNode is a File node under construction.
type fileNode struct {
	links []unixfs.PBLink
	fs    *unixfs.FSNode
}

func newFileNode() *fileNode {
	return &fileNode{fs: unixfs.NewFSNode(unixfs.TFile)}
}

func (n *fileNode) addChild(child dagNode) {
	n.links = append(n.links, child.link(""))
	n.fs.AddBlockSize(child.fileSize)
}

func (n *fileNode) numChildren() int {
	return len(n.links)
}

// commit encodes and stores a dag-pb node.
func (db *dagBuilder) commit(links []unixfs.PBLink, fs *unixfs.FSNode) (dagNode, error) {
	return storeNode(db.ctx, db.bs, db.builder, links, fs)
}

func (db *dagBuilder) commitFile(n *fileNode) (dagNode, error) {
	return db.commit(n.links, n.fs)
}

// commitRoot stores the root of a file, carrying the metadata.
func (db *dagBuilder) commitRoot(n *fileNode) (dagNode, error) {
	db.settings.applyMetadata(n.fs)
	return db.commitFile(n)
}

// singleLeafRoot makes the root of a one-chunk file. Without metadata it is
// the leaf itself; with metadata the data moves inline into a File node and
// the leaf is never written.
func (db *dagBuilder) singleLeafRoot(l leaf) (dagNode, error) {
	if !db.settings.hasMetadata() {
		return l.node, db.put(l.blk)
	}
	fs := unixfs.FilePBData(l.data)
	db.settings.applyMetadata(fs)
	return db.commit(nil, fs)
}

func storeNode(ctx context.Context, bs blockstore.Putter, builder cid.Builder, links []unixfs.PBLink, fs *unixfs.FSNode) (dagNode, error) {
	data := unixfs.Encode(links, fs)
	if len(data) > chunk.BlockSizeLimit {
		return dagNode{}, ErrSizeLimitExceeded
	}
	c, err := builder.Sum(data)
	if err != nil {
		return dagNode{}, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return dagNode{}, err
	}
	log.Debugw("put node", "cid", c, "type", fs.Type, "links", len(links))
	if err := bs.Put(ctx, blk); err != nil {
		return dagNode{}, err
	}

	n := dagNode{cid: c, dagSize: uint64(len(data)), fileSize: fs.Size()}
	for _, l := range links {
		n.dagSize += l.Tsize
	}
	return n, nil
}
