package unixfs

import (
	"encoding"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

var _ fmt.Stringer = Kind(0)
var _ encoding.TextMarshaler = Kind(0)
var _ encoding.TextUnmarshaler = (*Kind)(nil)

// Kind tags the variant held by a [Node].
type Kind uint8

const (
	KindRaw Kind = iota
	KindFile
	KindDirectory
	KindShardedDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindShardedDirectory:
		return "hamt-sharded-directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k > KindSymlink {
		return nil, fmt.Errorf("unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindRaw; c <= KindSymlink; c++ {
		if string(b) == c.String() {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", b)
}

// IsDirectory reports whether k is one of the directory representations.
func (k Kind) IsDirectory() bool {
	return k == KindDirectory || k == KindShardedDirectory
}

// HashMurmur3 is the multihash code of the only HAMT hash function in use.
const HashMurmur3 uint64 = mh.MURMUR3X64_64

// Node is a decoded block. Kind selects which fields are meaningful:
// raw nodes only have Cid and RawData, every other kind also carries the
// dag-pb links and the UnixFS Data message in FS.
type Node struct {
	Kind    Kind
	Cid     cid.Cid
	RawData []byte
	Links   []PBLink
	FS      *FSNode
}

// DecodeBlock decodes b, see [Decode].
func DecodeBlock(b blocks.Block) (*Node, error) {
	return Decode(b.Cid(), b.RawData())
}

// Decode parses data, which must be the block addressed by c. The codec of c
// selects between raw and dag-pb decoding. The hash is not checked.
func Decode(c cid.Cid, data []byte) (*Node, error) {
	switch codec := multicodec.Code(c.Prefix().Codec); codec {
	case multicodec.Raw:
		return &Node{Kind: KindRaw, Cid: c, RawData: data}, nil
	case multicodec.DagPb:
		return decodeDagPB(c, data)
	default:
		return nil, fmt.Errorf("%w: codec %s", ErrUnsupportedNode, codec)
	}
}

func decodeDagPB(c cid.Cid, data []byte) (*Node, error) {
	pbn, err := UnmarshalPBNode(data)
	if err != nil {
		return nil, err
	}
	if pbn.Data == nil {
		return nil, malformedf("dag-pb node has no unixfs data")
	}
	fs, err := FSNodeFromBytes(pbn.Data)
	if err != nil {
		return nil, err
	}

	n := &Node{Cid: c, RawData: data, Links: pbn.Links, FS: fs}
	switch fs.Type {
	case TFile, TRaw:
		if len(pbn.Links) != len(fs.BlockSizes) {
			return nil, malformedf("unmatched links (%d) and blocksizes (%d) sisterlists", len(pbn.Links), len(fs.BlockSizes))
		}
		// some historic encoders emitted present but empty names on file
		// links, so only non-empty names are rejected
		for _, l := range pbn.Links {
			if l.Name != "" {
				return nil, malformedf("named link %q in file", l.Name)
			}
		}
		n.Kind = KindFile
	case TDirectory:
		if len(fs.BlockSizes) != 0 {
			return nil, malformedf("blocksizes in directory")
		}
		n.Kind = KindDirectory
	case THAMTShard:
		if fs.HashType == nil {
			return nil, malformedf("hamt shard without hash type")
		}
		if *fs.HashType != HashMurmur3 {
			return nil, fmt.Errorf("%w: hamt hash type %#x", ErrUnsupportedNode, *fs.HashType)
		}
		if fs.Fanout == nil {
			return nil, malformedf("hamt shard without fanout")
		}
		if f := *fs.Fanout; f < 8 || f > 1024 || f&(f-1) != 0 {
			return nil, malformedf("hamt fanout %d is not a power of two between 8 and 1024", f)
		}
		n.Kind = KindShardedDirectory
	case TSymlink:
		if len(pbn.Links) != 0 {
			return nil, malformedf("symlink with links")
		}
		n.Kind = KindSymlink
	case TMetadata:
		return nil, fmt.Errorf("%w: metadata nodes", ErrUnsupportedNode)
	}
	return n, nil
}

// FileSize returns the logical size of the content: the bytes of a raw
// block, the filesize of a file, the target length of a symlink and zero
// for directories.
func (n *Node) FileSize() uint64 {
	if n.Kind == KindRaw {
		return uint64(len(n.RawData))
	}
	return n.FS.Size()
}

// Data returns the inline content: the whole block for raw nodes, the data
// field otherwise.
func (n *Node) Data() []byte {
	if n.Kind == KindRaw {
		return n.RawData
	}
	return n.FS.Data
}

// DagSize is the cumulative size of the DAG rooted at n as recorded in its
// links.
func (n *Node) DagSize() uint64 {
	s := uint64(len(n.RawData))
	for _, l := range n.Links {
		s += l.Tsize
	}
	return s
}

// Mode returns the mode of the node and whether it has one. Raw nodes have
// none; UnixFS nodes fall back to the default for their type.
func (n *Node) Mode() (uint32, bool) {
	if n.Kind == KindRaw {
		return 0, false
	}
	return n.FS.ModeOrDefault(), true
}

// Mtime returns the modification time, or nil.
func (n *Node) Mtime() *Mtime {
	if n.Kind == KindRaw {
		return nil
	}
	return n.FS.Mtime
}

// Encode serializes fs with links into a dag-pb block.
func Encode(links []PBLink, fs *FSNode) []byte {
	pbn := PBNode{Links: links, Data: fs.Bytes()}
	return pbn.Marshal()
}
