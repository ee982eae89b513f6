package importer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/alecthomas/units"
	chunk "github.com/ipfs/dagkit/chunker"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/hamt"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-cidutil"
	mh "github.com/multiformats/go-multihash"
)

// DefaultLinksPerBlock governs how many links a file node may carry. It
// follows from a rough 8KiB target for link blocks:
//
//	var roughLinkBlockSize = 1 << 13 // 8KB
//	var roughLinkSize = 34 + 8 + 5   // sha256 multihash + size + no name
//	                                 // + protobuf framing
//	var DefaultLinksPerBlock = (roughLinkBlockSize / roughLinkSize)
//	                         = ( 8192 / 47 )
//	                         = (approximately) 174
const DefaultLinksPerBlock = 174

// DefaultShardSplitThreshold is the estimated directory size above which a
// flat directory becomes sharded.
const DefaultShardSplitThreshold = int(256 * units.KiB)

// LayoutType selects how leaves are arranged under a file root.
type LayoutType int

const (
	// Balanced fills every link node to MaxLinks before adding a level.
	Balanced LayoutType = iota
	// Trickle keeps the first leaves close to the root, for streaming.
	Trickle
)

func (l LayoutType) String() string {
	switch l {
	case Balanced:
		return "balanced"
	case Trickle:
		return "trickle"
	default:
		return fmt.Sprintf("LayoutType(%d)", int(l))
	}
}

// SizeEstimationMode defines how directory size is estimated for sharding
// decisions.
type SizeEstimationMode int

const (
	// SizeEstimationLinks sums link name and CID byte lengths. It ignores
	// Tsize, protobuf overhead and metadata, which is the legacy behavior.
	SizeEstimationLinks SizeEstimationMode = iota

	// SizeEstimationBlock computes the exact serialized dag-pb block size.
	SizeEstimationBlock

	// SizeEstimationDisabled ignores size entirely and relies on
	// MaxDirectoryLinks alone.
	SizeEstimationDisabled
)

// Settings holds every knob of an import. Use the Option functions to change
// it; the zero value is not meaningful.
type Settings struct {
	CidVersion             int
	HashFunc               uint64
	Chunker                string
	RawLeaves              bool
	rawLeavesSet           bool
	ReduceSingleLeafToSelf bool
	MaxLinks               int
	Layout                 LayoutType
	InlineLimit            int
	Concurrency            int

	Mode  *uint32
	Mtime *unixfs.Mtime

	ShardSplitThreshold int
	SizeEstimation      SizeEstimationMode
	MaxDirectoryLinks   int
	ShardFanout         int
	Shard               bool
	Strict              bool
	WrapWithDirectory   bool
}

// Option changes one import setting.
type Option func(*Settings) error

// Options applies opts over the defaults: CIDv1, sha2-256, 256KiB fixed
// size chunks, raw leaves, balanced layout with 174 links per node.
func Options(opts ...Option) (*Settings, error) {
	options := &Settings{
		CidVersion:             1,
		HashFunc:               mh.SHA2_256,
		Chunker:                fmt.Sprintf("size-%d", chunk.DefaultBlockSize),
		RawLeaves:              true,
		ReduceSingleLeafToSelf: true,
		MaxLinks:               DefaultLinksPerBlock,
		Layout:                 Balanced,
		Concurrency:            runtime.NumCPU(),
		ShardSplitThreshold:    DefaultShardSplitThreshold,
		SizeEstimation:         SizeEstimationLinks,
		ShardFanout:            hamt.DefaultFanout,
	}

	for _, opt := range opts {
		err := opt(options)
		if err != nil {
			return nil, err
		}
	}

	// CIDv0 can only address dag-pb blocks.
	if options.CidVersion == 0 {
		if options.RawLeaves && options.rawLeavesSet {
			return nil, fmt.Errorf("raw leaves are not supported with CIDv0")
		}
		options.RawLeaves = false
		if options.HashFunc != mh.SHA2_256 {
			return nil, fmt.Errorf("CIDv0 only supports sha2-256")
		}
	}
	return options, nil
}

// CidBuilder returns the builder for dag-pb nodes.
func (s *Settings) CidBuilder() cid.Builder {
	return s.inline(cid.Prefix{
		Version:  uint64(s.CidVersion),
		Codec:    cid.DagProtobuf,
		MhType:   s.HashFunc,
		MhLength: -1,
	})
}

// LeafBuilder returns the builder for file leaves.
func (s *Settings) LeafBuilder() cid.Builder {
	if !s.RawLeaves {
		return s.CidBuilder()
	}
	return s.inline(cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   s.HashFunc,
		MhLength: -1,
	})
}

func (s *Settings) inline(b cid.Builder) cid.Builder {
	if s.InlineLimit <= 0 {
		return b
	}
	return cidutil.InlineBuilder{Builder: b, Limit: s.InlineLimit}
}

func (s *Settings) hasMetadata() bool {
	return s.Mode != nil || s.Mtime != nil
}

// applyMetadata records the configured mode and mtime on fs.
func (s *Settings) applyMetadata(fs *unixfs.FSNode) {
	if s.Mode != nil {
		fs.SetMode(*s.Mode)
	}
	if s.Mtime != nil {
		fs.SetMtime(*s.Mtime)
	}
}

// CidVersion selects CIDv0 or CIDv1. CIDv0 implies dag-pb leaves.
func CidVersion(version int) Option {
	return func(settings *Settings) error {
		if version != 0 && version != 1 {
			return fmt.Errorf("invalid CID version %d", version)
		}
		settings.CidVersion = version
		return nil
	}
}

// HashFunc selects the multihash function by code.
func HashFunc(code uint64) Option {
	return func(settings *Settings) error {
		if _, ok := mh.Codes[code]; !ok {
			return fmt.Errorf("unknown multihash code %#x", code)
		}
		settings.HashFunc = code
		return nil
	}
}

// Chunker selects the chunking policy, see chunk.FromString.
func Chunker(policy string) Option {
	return func(settings *Settings) error {
		if _, err := chunk.ParseGen(policy); err != nil {
			return err
		}
		settings.Chunker = policy
		return nil
	}
}

// RawLeaves selects raw leaves (true) or dag-pb file leaves (false).
func RawLeaves(raw bool) Option {
	return func(settings *Settings) error {
		settings.RawLeaves = raw
		settings.rawLeavesSet = true
		return nil
	}
}

// ReduceSingleLeafToSelf makes a single-chunk input its own root instead of
// wrapping it in a one-link file node.
func ReduceSingleLeafToSelf(reduce bool) Option {
	return func(settings *Settings) error {
		settings.ReduceSingleLeafToSelf = reduce
		return nil
	}
}

// MaxLinks bounds the fan-out of file link nodes.
func MaxLinks(n int) Option {
	return func(settings *Settings) error {
		if n < 2 {
			return fmt.Errorf("max links must be at least 2, got %d", n)
		}
		settings.MaxLinks = n
		return nil
	}
}

// Layout selects the file DAG layout.
func Layout(l LayoutType) Option {
	return func(settings *Settings) error {
		if l != Balanced && l != Trickle {
			return fmt.Errorf("unknown layout %s", l)
		}
		settings.Layout = l
		return nil
	}
}

// InlineLimit embeds blocks of at most n bytes in identity CIDs. Zero
// disables inlining.
func InlineLimit(n int) Option {
	return func(settings *Settings) error {
		if n < 0 {
			return fmt.Errorf("inline limit must not be negative")
		}
		settings.InlineLimit = n
		return nil
	}
}

// Concurrency bounds how many leaves are hashed in parallel.
func Concurrency(n int) Option {
	return func(settings *Settings) error {
		if n < 1 {
			n = 1
		}
		settings.Concurrency = n
		return nil
	}
}

// Mode sets the permission bits of the node being created.
func Mode(m uint32) Option {
	return func(settings *Settings) error {
		m &= unixfs.ModePermsMask
		settings.Mode = &m
		return nil
	}
}

// Mtime sets the modification time of the node being created.
func Mtime(t unixfs.Mtime) Option {
	return func(settings *Settings) error {
		if err := t.Validate(); err != nil {
			return err
		}
		settings.Mtime = &t
		return nil
	}
}

// ModTime is Mtime for a time.Time.
func ModTime(t time.Time) Option {
	return Mtime(unixfs.MtimeFromTime(t))
}

// ShardSplitThreshold sets the estimated size above which flat directories
// are sharded. Zero disables size based sharding.
func ShardSplitThreshold(n int) Option {
	return func(settings *Settings) error {
		if n < 0 {
			return fmt.Errorf("shard split threshold must not be negative")
		}
		settings.ShardSplitThreshold = n
		return nil
	}
}

// SizeEstimation selects how the directory size is estimated.
func SizeEstimation(m SizeEstimationMode) Option {
	return func(settings *Settings) error {
		settings.SizeEstimation = m
		return nil
	}
}

// MaxDirectoryLinks shards a directory once it would hold more than n
// entries. Zero means no limit.
func MaxDirectoryLinks(n int) Option {
	return func(settings *Settings) error {
		settings.MaxDirectoryLinks = n
		return nil
	}
}

// ShardFanout sets the HAMT width. It must be a power of two and a multiple
// of 8.
func ShardFanout(n int) Option {
	return func(settings *Settings) error {
		if n < 8 || n > 1024 || n&(n-1) != 0 {
			return fmt.Errorf("shard fanout must be a power of two between 8 and 1024, got %d", n)
		}
		settings.ShardFanout = n
		return nil
	}
}

// Shard forces the sharded representation for new directories.
func Shard(force bool) Option {
	return func(settings *Settings) error {
		settings.Shard = force
		return nil
	}
}

// Strict makes AddDirectoryEntry fail with ErrDuplicateName instead of
// overwriting.
func Strict(strict bool) Option {
	return func(settings *Settings) error {
		settings.Strict = strict
		return nil
	}
}

// WrapWithDirectory makes AddAll emit a directory holding every top level
// entry as its last result.
func WrapWithDirectory(wrap bool) Option {
	return func(settings *Settings) error {
		settings.WrapWithDirectory = wrap
		return nil
	}
}

// Profile applies every CID affecting setting of p.
func Profile(p UnixFSProfile) Option {
	return func(settings *Settings) error {
		settings.CidVersion = p.CIDVersion
		settings.HashFunc = p.MhType
		settings.Chunker = fmt.Sprintf("size-%d", p.ChunkSize)
		settings.MaxLinks = p.FileDAGWidth
		settings.RawLeaves = p.RawLeaves
		settings.rawLeavesSet = true
		settings.ShardSplitThreshold = p.HAMTShardingSize
		settings.SizeEstimation = p.HAMTSizeEstimation
		settings.ShardFanout = p.HAMTShardWidth
		return nil
	}
}
