// Package unixfs implements the UnixFS data format: the dag-pb node codec
// and the UnixFS Data message carried in a node's data field.
//
// It handles encoding, decoding and validation of single blocks but does not
// follow links across blocks; that is the job of the importer and io
// packages.
package unixfs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedNode is returned when a block is not a structurally valid
	// dag-pb or UnixFS encoding.
	ErrMalformedNode = errors.New("malformed unixfs node")
	// ErrUnsupportedNode is returned for valid encodings this package does not
	// implement, such as the Metadata type or codecs other than dag-pb and raw.
	ErrUnsupportedNode = errors.New("unsupported unixfs node")
	// ErrInvalidMtime is returned for modification times that cannot be
	// encoded, such as nanoseconds of a second or more.
	ErrInvalidMtime = errors.New("invalid unixfs mtime")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedNode, err)
}

func malformedf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedNode}, a...)...)
}

// DataType is the UnixFS Data.Type enum.
type DataType uint64

const (
	TRaw DataType = iota
	TDirectory
	TFile
	TMetadata
	TSymlink
	THAMTShard
)

func (t DataType) String() string {
	switch t {
	case TRaw:
		return "Raw"
	case TDirectory:
		return "Directory"
	case TFile:
		return "File"
	case TMetadata:
		return "Metadata"
	case TSymlink:
		return "Symlink"
	case THAMTShard:
		return "HAMTShard"
	default:
		return fmt.Sprintf("DataType(%d)", uint64(t))
	}
}

const (
	// DefaultFileMode is the mode reported for files and symlinks that do
	// not carry one.
	DefaultFileMode uint32 = 0o644
	// DefaultDirectoryMode is the mode reported for directories that do not
	// carry one.
	DefaultDirectoryMode uint32 = 0o755

	// ModePermsMask keeps the permission, sticky, setuid and setgid bits.
	ModePermsMask uint32 = 0o7777

	maxNsecs = 999_999_999
)

// DefaultMode returns the mode implied for a node of type t.
func DefaultMode(t DataType) uint32 {
	if t == TDirectory || t == THAMTShard {
		return DefaultDirectoryMode
	}
	return DefaultFileMode
}

// Mtime is a UnixFS modification time.
type Mtime struct {
	Secs  int64
	Nsecs uint32
}

// MtimeFromTime converts t to an Mtime.
func MtimeFromTime(t time.Time) Mtime {
	return Mtime{Secs: t.Unix(), Nsecs: uint32(t.Nanosecond())}
}

// Validate checks that m round-trips through the encoding.
func (m Mtime) Validate() error {
	if m.Nsecs > maxNsecs {
		return fmt.Errorf("%w: nanoseconds out of range: %d", ErrInvalidMtime, m.Nsecs)
	}
	return nil
}

// Time returns m as a time.Time.
func (m Mtime) Time() time.Time {
	return time.Unix(m.Secs, int64(m.Nsecs))
}

// FSNode is the UnixFS Data message. Nil pointer fields are absent from the
// encoding.
type FSNode struct {
	Type       DataType
	Data       []byte
	FileSize   *uint64
	BlockSizes []uint64
	HashType   *uint64
	Fanout     *uint64
	Mode       *uint32
	Mtime      *Mtime
}

// NewFSNode returns an empty FSNode of the given type. Files and raw nodes
// start with an explicit zero filesize.
func NewFSNode(t DataType) *FSNode {
	n := &FSNode{Type: t}
	if t == TFile || t == TRaw {
		var zero uint64
		n.FileSize = &zero
	}
	return n
}

// FilePBData returns a File node holding data inline.
func FilePBData(data []byte) *FSNode {
	n := NewFSNode(TFile)
	n.SetData(data)
	return n
}

// FolderPBData returns a Directory node.
func FolderPBData() *FSNode {
	return NewFSNode(TDirectory)
}

// SymlinkData returns a Symlink node pointing at target.
func SymlinkData(target string) *FSNode {
	return &FSNode{Type: TSymlink, Data: []byte(target)}
}

// HAMTShardData returns a HAMTShard node with the given occupancy bitfield.
func HAMTShardData(bitfield []byte, fanout, hashType uint64) *FSNode {
	return &FSNode{
		Type:     THAMTShard,
		Data:     bitfield,
		HashType: &hashType,
		Fanout:   &fanout,
	}
}

// SetData replaces the inline data and updates filesize for file nodes.
func (n *FSNode) SetData(data []byte) {
	n.Data = data
	n.updateFileSize()
}

// AddBlockSize records the size of a new child.
func (n *FSNode) AddBlockSize(s uint64) {
	n.BlockSizes = append(n.BlockSizes, s)
	n.updateFileSize()
}

// RemoveBlockSize drops the size of the i-th child.
func (n *FSNode) RemoveBlockSize(i int) {
	n.BlockSizes = append(n.BlockSizes[:i], n.BlockSizes[i+1:]...)
	n.updateFileSize()
}

func (n *FSNode) updateFileSize() {
	if n.Type != TFile && n.Type != TRaw {
		return
	}
	total := uint64(len(n.Data))
	for _, s := range n.BlockSizes {
		total += s
	}
	n.FileSize = &total
}

// NumChildren is the number of blocksizes recorded.
func (n *FSNode) NumChildren() int {
	return len(n.BlockSizes)
}

// Size returns the logical size of the content described by the node.
func (n *FSNode) Size() uint64 {
	switch n.Type {
	case TFile, TRaw:
		if n.FileSize != nil {
			return *n.FileSize
		}
		total := uint64(len(n.Data))
		for _, s := range n.BlockSizes {
			total += s
		}
		return total
	case TSymlink:
		return uint64(len(n.Data))
	default:
		return 0
	}
}

// SetMode stores the permission bits of m. A mode equal to the default for
// the node type is left out of the encoding.
func (n *FSNode) SetMode(m uint32) {
	m &= ModePermsMask
	if m == DefaultMode(n.Type) {
		n.Mode = nil
		return
	}
	n.Mode = &m
}

// SetMtime stores the modification time.
func (n *FSNode) SetMtime(m Mtime) {
	n.Mtime = &m
}

// ModeOrDefault returns the stored mode or the default for the node type.
func (n *FSNode) ModeOrDefault() uint32 {
	if n.Mode != nil {
		return *n.Mode & ModePermsMask
	}
	return DefaultMode(n.Type)
}
