package car_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/dagkit/ipld/car"
	"github.com/ipfs/dagkit/ipld/car/util"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/importer"
	uio "github.com/ipfs/dagkit/unixfs/io"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	u "github.com/ipfs/go-ipfs-util"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() blockstore.Blockstore {
	return blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func randomFile(t testing.TB, bs blockstore.Blockstore, size int) (cid.Cid, []byte) {
	data := make([]byte, size)
	_, err := io.ReadFull(u.NewTimeSeededRand(), data)
	require.NoError(t, err)
	c, err := importer.AddBytes(context.Background(), bs, bytes.NewReader(data),
		importer.Chunker("size-256"), importer.MaxLinks(4))
	require.NoError(t, err)
	return c, data
}

func exportBytes(t testing.TB, bs blockstore.Getter, roots ...cid.Cid) []byte {
	var buf bytes.Buffer
	require.NoError(t, car.Export(context.Background(), bs, roots, &buf))
	return buf.Bytes()
}

func TestStreamMatchesExport(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	small, err := importer.AddBytes(ctx, bs, bytes.NewReader([]byte{0, 1, 2, 3, 4}))
	require.NoError(t, err)
	big, _ := randomFile(t, bs, 10_000)

	for _, roots := range [][]cid.Cid{{small}, {big}, {big, small}} {
		exported := exportBytes(t, bs, roots...)
		streamed, err := io.ReadAll(car.Stream(ctx, bs, roots))
		require.NoError(t, err)
		assert.Equal(t, exported, streamed)

		// the fragments are the header and then one section per block
		s := car.Stream(ctx, bs, roots)
		var joined []byte
		for {
			f, err := s.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			joined = append(joined, f...)
		}
		assert.Equal(t, exported, joined)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	root, data := randomFile(t, bs, 20_000)

	archive := exportBytes(t, bs, root)

	dst := newStore()
	roots, err := car.LoadCar(ctx, dst, bytes.NewReader(archive), car.VerifyBlocks(true))
	require.NoError(t, err)
	assert.Equal(t, []cid.Cid{root}, roots)

	r, err := uio.Cat(ctx, dst, root)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// exporting again from the copy gives the same bytes
	assert.Equal(t, archive, exportBytes(t, dst, root))
}

func TestExportOrder(t *testing.T) {
	bs := newStore()
	root, _ := randomFile(t, bs, 5000)

	br, err := car.NewBlockReader(bytes.NewReader(exportBytes(t, bs, root)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), br.Version)
	assert.Equal(t, []cid.Cid{root}, br.Roots)

	// pre-order: every block but the root appears after a block linking it
	seen := map[cid.Cid]bool{}
	first := true
	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if first {
			assert.Equal(t, root, blk.Cid())
			first = false
		} else {
			assert.True(t, seen[blk.Cid()], "%s emitted before its parent", blk.Cid())
		}
		if blk.Cid().Type() == cid.DagProtobuf {
			nd, err := unixfs.DecodeBlock(blk)
			require.NoError(t, err)
			for _, l := range nd.Links {
				seen[l.Hash] = true
			}
		}
	}
	assert.False(t, first)
}

func TestExportDeduplicates(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	shared := bytes.Repeat([]byte{7}, 256)
	a, err := importer.AddBytes(ctx, bs, bytes.NewReader(append(append([]byte{}, shared...), 1)), importer.Chunker("size-256"))
	require.NoError(t, err)
	b, err := importer.AddBytes(ctx, bs, bytes.NewReader(append(append([]byte{}, shared...), 2)), importer.Chunker("size-256"))
	require.NoError(t, err)
	dir, err := importer.AddDirectoryEntry(ctx, bs, cid.Undef, "a", a)
	require.NoError(t, err)
	dir, err = importer.AddDirectoryEntry(ctx, bs, dir, "b", b)
	require.NoError(t, err)

	sharedCid, err := importer.AddBytes(ctx, bs, bytes.NewReader(shared))
	require.NoError(t, err)

	br, err := car.NewBlockReader(bytes.NewReader(exportBytes(t, bs, dir, a)))
	require.NoError(t, err)
	counts := map[cid.Cid]int{}
	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		counts[blk.Cid()]++
	}
	assert.Equal(t, 1, counts[sharedCid])
	assert.Equal(t, 1, counts[a])
	for c, n := range counts {
		assert.Equal(t, 1, n, c.String())
	}
	// dir, two file roots, the shared leaf and the two tail leaves
	assert.Len(t, counts, 6)
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	root, _ := randomFile(t, bs, 2000)

	assert.Error(t, car.Export(ctx, bs, nil, io.Discard))

	missing, _ := randomFile(t, newStore(), 10)
	err := car.Export(ctx, bs, []cid.Cid{missing}, io.Discard)
	assert.Error(t, err)

	boom := errors.New("boom")
	err = car.Export(ctx, bs, []cid.Cid{root}, failingWriter{err: boom})
	assert.Equal(t, boom, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = car.Export(canceled, bs, []cid.Cid{root}, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)

	s := car.Stream(canceled, bs, []cid.Cid{root})
	_, err = io.ReadAll(s)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportSizeLimits(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	root, _ := randomFile(t, bs, 2000)

	err := car.Export(ctx, bs, []cid.Cid{root}, io.Discard, car.MaxAllowedSectionSize(100))
	assert.ErrorIs(t, err, util.ErrSectionTooLarge)
	_, err = io.ReadAll(car.Stream(ctx, bs, []cid.Cid{root}, car.MaxAllowedSectionSize(100)))
	assert.ErrorIs(t, err, util.ErrSectionTooLarge)

	err = car.Export(ctx, bs, []cid.Cid{root}, io.Discard, car.MaxAllowedHeaderSize(10))
	assert.ErrorIs(t, err, util.ErrSectionTooLarge)
	_, err = car.Stream(ctx, bs, []cid.Cid{root}, car.MaxAllowedHeaderSize(10)).Next()
	assert.ErrorIs(t, err, util.ErrSectionTooLarge)

	// what is written under a limit reads back under the same limit
	var buf bytes.Buffer
	require.NoError(t, car.Export(ctx, bs, []cid.Cid{root}, &buf, car.MaxAllowedSectionSize(1024)))
	br, err := car.NewBlockReader(&buf, car.MaxAllowedSectionSize(1024))
	require.NoError(t, err)
	for {
		_, err := br.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
}

func TestExportUnsupportedCodec(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	c, err := cid.V1Builder{Codec: cid.DagCBOR, MhType: mh.SHA2_256}.Sum([]byte{0xa0})
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid([]byte{0xa0}, c)
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, blk))

	err = car.Export(ctx, bs, []cid.Cid{c}, io.Discard)
	assert.ErrorIs(t, err, unixfs.ErrUnsupportedNode)
}

func TestExportIdentity(t *testing.T) {
	ctx := context.Background()
	bs := newStore()

	leaf, err := importer.AddBytes(ctx, bs, bytes.NewReader([]byte("tiny")), importer.InlineLimit(32))
	require.NoError(t, err)
	dir, err := importer.AddDirectoryEntry(ctx, bs, cid.Undef, "tiny", leaf)
	require.NoError(t, err)

	// the identity leaf is never looked up in the store
	require.NoError(t, bs.DeleteBlock(ctx, leaf))

	br, err := car.NewBlockReader(bytes.NewReader(exportBytes(t, bs, dir)))
	require.NoError(t, err)
	_, err = br.Next()
	require.NoError(t, err)
	blk, err := br.Next()
	require.NoError(t, err)
	assert.Equal(t, leaf, blk.Cid())
	assert.Equal(t, []byte("tiny"), blk.RawData())
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func headerWith(t testing.TB, h car.CarHeader) []byte {
	hb, err := h.Bytes()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, util.LdWrite(&buf, hb))
	return buf.Bytes()
}

func TestMalformedHeader(t *testing.T) {
	root, _ := randomFile(t, newStore(), 10)

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": {0x20, 0xa2},
		"not cbor":  {0x03, 0xff, 0xff, 0xff},
		"version 2": headerWith(t, car.CarHeader{Roots: []cid.Cid{root}, Version: 2}),
		"no roots":  headerWith(t, car.CarHeader{Version: 1}),
	}
	for name, in := range cases {
		_, err := car.NewBlockReader(bytes.NewReader(in))
		assert.ErrorIs(t, err, car.ErrMalformedHeader, name)
	}

	big := headerWith(t, car.CarHeader{Roots: []cid.Cid{root}, Version: 1})
	_, err := car.NewBlockReader(bytes.NewReader(big), car.MaxAllowedHeaderSize(4))
	assert.ErrorIs(t, err, car.ErrMalformedHeader)
}

func TestMalformedRecord(t *testing.T) {
	bs := newStore()
	root, _ := randomFile(t, bs, 10)
	archive := exportBytes(t, bs, root)
	header := headerWith(t, car.CarHeader{Roots: []cid.Cid{root}, Version: 1})
	require.Equal(t, header, archive[:len(header)])

	readAll := func(in []byte, opts ...car.Option) (int, error) {
		br, err := car.NewBlockReader(bytes.NewReader(in), opts...)
		require.NoError(t, err)
		n := 0
		for {
			_, err := br.Next()
			if err == io.EOF {
				return n, nil
			}
			if err != nil {
				return n, err
			}
			n++
		}
	}

	n, err := readAll(archive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = readAll(archive[:len(archive)-1])
	assert.ErrorIs(t, err, car.ErrMalformedRecord)

	badCid := append(append([]byte{}, header...), 0x03, 0x01, 0x55, 0x12)
	_, err = readAll(badCid)
	assert.ErrorIs(t, err, car.ErrMalformedRecord)

	padded := append(append([]byte{}, archive...), 0, 0, 0)
	_, err = readAll(padded)
	assert.ErrorIs(t, err, car.ErrMalformedRecord)
	n, err = readAll(padded, car.ZeroLengthSectionAsEOF(true))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = readAll(archive, car.MaxAllowedSectionSize(8))
	assert.ErrorIs(t, err, car.ErrMalformedRecord)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	root, _ := randomFile(t, bs, 3000)
	archive := exportBytes(t, bs, root)

	report, err := car.Verify(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []cid.Cid{root}, report.Roots)
	assert.Greater(t, report.Blocks, 1)

	// flip the last byte, which belongs to the last leaf
	tampered := append([]byte{}, archive...)
	tampered[len(tampered)-1] ^= 0xff

	report, err = car.Verify(ctx, bytes.NewReader(tampered))
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Bad, 1)
	assert.ErrorIs(t, report.Bad[0].Err, blockstore.ErrHashMismatch)

	// decoding does not check hashes, loading with verification does
	_, err = car.LoadCar(ctx, newStore(), bytes.NewReader(tampered))
	require.NoError(t, err)
	_, err = car.LoadCar(ctx, newStore(), bytes.NewReader(tampered), car.VerifyBlocks(true))
	assert.ErrorIs(t, err, blockstore.ErrHashMismatch)
}

func TestVerifyMissingRoot(t *testing.T) {
	ctx := context.Background()
	bs := newStore()
	root, _ := randomFile(t, bs, 10)
	other, _ := randomFile(t, newStore(), 10)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root, other}, Version: 1}, &buf))
	blk, err := bs.Get(ctx, root)
	require.NoError(t, err)
	require.NoError(t, util.LdWrite(&buf, root.Bytes(), blk.RawData()))

	report, err := car.Verify(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, []cid.Cid{other}, report.MissingRoots)
	assert.False(t, report.OK())
}
