package hamt

import (
	"context"
	"io"

	"github.com/ipfs/dagkit/unixfs"
)

// LinkIterator lists the entries of a shard tree one at a time, loading
// sub-shards only when the walk reaches them.
type LinkIterator struct {
	stack []iterFrame
}

type iterFrame struct {
	sd *Shard
	i  int
}

// Iterator returns a LinkIterator positioned before the first entry.
func (ds *Shard) Iterator() *LinkIterator {
	return &LinkIterator{stack: []iterFrame{{sd: ds}}}
}

// Next returns the next entry link, named by the entry name, or io.EOF once
// every entry has been returned.
func (it *LinkIterator) Next(ctx context.Context) (unixfs.PBLink, error) {
	for len(it.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return unixfs.PBLink{}, err
		}

		top := &it.stack[len(it.stack)-1]
		if top.i >= top.sd.childer.length() {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		child, err := top.sd.childer.get(ctx, top.i)
		if err != nil {
			return unixfs.PBLink{}, err
		}
		top.i++

		if child.isValueNode() {
			lnk := *child.val
			lnk.Name = child.key
			return lnk, nil
		}
		it.stack = append(it.stack, iterFrame{sd: child})
	}
	return unixfs.PBLink{}, io.EOF
}
