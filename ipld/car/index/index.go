// Package index maps the blocks of an archive to the offsets of their
// sections, so that a block can be read without scanning the archive.
package index

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/ipfs/dagkit/ipld/car"
	"github.com/ipfs/go-cid"
	"github.com/petar/GoLLRB/llrb"
)

// ErrNotFound is returned by Get for multihashes with no section.
var ErrNotFound = errors.New("not found")

// Record is the offset of the section holding Cid.
type Record struct {
	cid.Cid
	Offset uint64
}

// recordKey orders records by multihash, so that CIDs differing only in
// version or codec share an entry.
type recordKey struct {
	mh []byte
	Record
}

func (r recordKey) Less(than llrb.Item) bool {
	other, ok := than.(recordKey)
	if !ok {
		return false
	}
	return bytes.Compare(r.mh, other.mh) < 0
}

// Index is an in-memory index of an archive.
type Index struct {
	// Roots and Version are copied from the archive header.
	Roots   []cid.Cid
	Version uint64
	// DataOffset is where the first section starts.
	DataOffset uint64

	items llrb.LLRB
}

// Insert records that the section of c starts at offset. The first
// insertion of a multihash wins.
func (idx *Index) Insert(c cid.Cid, offset uint64) {
	idx.items.InsertNoReplace(recordKey{mh: c.Hash(), Record: Record{Cid: c, Offset: offset}})
}

// Get returns the offset of the section holding the block of c.
func (idx *Index) Get(c cid.Cid) (uint64, error) {
	r, err := idx.GetRecord(c)
	if err != nil {
		return 0, err
	}
	return r.Offset, nil
}

// GetRecord returns the record for the multihash of c. Its Cid is the one
// stored in the archive.
func (idx *Index) GetRecord(c cid.Cid) (Record, error) {
	e := idx.items.Get(recordKey{mh: c.Hash()})
	if e == nil {
		return Record{}, ErrNotFound
	}
	return e.(recordKey).Record, nil
}

// Len is the number of indexed blocks.
func (idx *Index) Len() int {
	return idx.items.Len()
}

// ForEach calls f for every record in multihash order until f returns
// false.
func (idx *Index) ForEach(f func(Record) bool) {
	if idx.items.Len() == 0 {
		return
	}
	idx.items.AscendGreaterOrEqual(idx.items.Min(), func(i llrb.Item) bool {
		return f(i.(recordKey).Record)
	})
}

// countingReader tracks how many bytes were consumed through it.
type countingReader struct {
	r *bufio.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// Generate reads the whole archive in r and indexes every section.
func Generate(r io.Reader, opts ...car.Option) (*Index, error) {
	cr := &countingReader{r: bufio.NewReader(r)}
	br, err := car.NewBlockReader(cr, opts...)
	if err != nil {
		return nil, err
	}

	idx := &Index{Roots: br.Roots, Version: br.Version, DataOffset: cr.n}
	for {
		offset := cr.n
		blk, err := br.Next()
		if err == io.EOF {
			return idx, nil
		}
		if err != nil {
			return nil, err
		}
		idx.Insert(blk.Cid(), offset)
	}
}
