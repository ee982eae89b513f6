package importer

import (
	"github.com/alecthomas/units"
	mh "github.com/multiformats/go-multihash"
)

// UnixFSProfile is a named bundle of every setting that changes the CID of
// imported data. Two importers using the same profile agree on CIDs for the
// same input. The presets follow IPIP-499.
type UnixFSProfile struct {
	CIDVersion int
	MhType     uint64

	// ChunkSize is the fixed size chunker width.
	ChunkSize int64
	// FileDAGWidth bounds the links of a file node.
	FileDAGWidth int
	RawLeaves    bool

	// HAMTShardingSize is the directory size estimate above which a
	// directory is sharded, 0 turns size based sharding off.
	HAMTShardingSize   int
	HAMTSizeEstimation SizeEstimationMode
	HAMTShardWidth     int
}

var (
	// UnixFS_v0_2015 reproduces the historical defaults: CIDv0, dag-pb
	// leaves, 256KiB chunks and 174 links per file node.
	UnixFS_v0_2015 = UnixFSProfile{
		CIDVersion:         0,
		MhType:             mh.SHA2_256,
		ChunkSize:          int64(256 * units.KiB),
		FileDAGWidth:       174,
		HAMTShardingSize:   int(256 * units.KiB),
		HAMTSizeEstimation: SizeEstimationLinks,
		HAMTShardWidth:     256,
	}

	// UnixFS_v1_2025 is CIDv1 with raw leaves, 1MiB chunks, 1024 links per
	// file node and block size estimation for sharding.
	UnixFS_v1_2025 = UnixFSProfile{
		CIDVersion:         1,
		MhType:             mh.SHA2_256,
		ChunkSize:          int64(1 * units.MiB),
		FileDAGWidth:       1024,
		RawLeaves:          true,
		HAMTShardingSize:   int(256 * units.KiB),
		HAMTSizeEstimation: SizeEstimationBlock,
		HAMTShardWidth:     256,
	}
)
