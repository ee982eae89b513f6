package unixfs_test

import (
	"testing"

	. "github.com/ipfs/dagkit/unixfs"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

var v1 = cid.Prefix{Version: 1, Codec: cid.DagProtobuf, MhType: mh.SHA2_256, MhLength: -1}

func TestRaw(t *testing.T) {
	t.Parallel()
	data := []byte("👋🌍️")
	hash, err := mh.Sum(data, mh.BLAKE3, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(cid.Raw, hash)

	b, err := blocks.NewBlockWithCid(data, c)
	require.NoError(t, err)
	n, err := DecodeBlock(b)
	require.NoError(t, err)

	require.Equal(t, KindRaw, n.Kind)
	require.Equal(t, data, n.Data())
	require.Equal(t, uint64(len(data)), n.FileSize())
	require.Equal(t, uint64(len(data)), n.DagSize())
	_, ok := n.Mode()
	require.False(t, ok)
	require.Nil(t, n.Mtime())
}

func TestEmptyDirectory(t *testing.T) {
	t.Parallel()
	data := Encode(nil, FolderPBData())
	require.Equal(t, []byte{0x0a, 0x02, 0x08, 0x01}, data)

	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	require.NoError(t, err)
	require.Equal(t, "QmUNLLsPACCz1vLxQVkXqqLX5R1X345qqfHbsf67hvA3Nn", cid.NewCidV0(hash).String())

	c, err := v1.Sum(data)
	require.NoError(t, err)
	require.Equal(t, "bafybeiczsscdsbs7ffqz55asqdf3smv6klcw3gofszvwlyarci47bgf354", c.String())

	n, err := Decode(c, data)
	require.NoError(t, err)
	require.Equal(t, KindDirectory, n.Kind)
	mode, ok := n.Mode()
	require.True(t, ok)
	require.Equal(t, DefaultDirectoryMode, mode)
}

func TestDirectoryMetadata(t *testing.T) {
	t.Parallel()
	fs := FolderPBData()
	fs.SetMode(0x123)
	fs.SetMtime(Mtime{Secs: 5, Nsecs: 5})
	data := Encode(nil, fs)

	c, err := v1.Sum(data)
	require.NoError(t, err)
	require.Equal(t, "bafybeifj2yuv5mnnbw57oceooov4rrphvs7grxhbien42g3orki2t6xgae", c.String())

	n, err := Decode(c, data)
	require.NoError(t, err)
	mode, _ := n.Mode()
	require.Equal(t, uint32(0x123), mode)
	require.Equal(t, &Mtime{Secs: 5, Nsecs: 5}, n.Mtime())
}

func TestDefaultModeIsOmitted(t *testing.T) {
	t.Parallel()
	fs := FolderPBData()
	fs.SetMode(0o755)
	require.Nil(t, fs.Mode)
	require.Equal(t, FolderPBData().Bytes(), fs.Bytes())

	f := FilePBData([]byte("x"))
	f.SetMode(0o100644)
	require.Nil(t, f.Mode)
}

func TestNegativeMtime(t *testing.T) {
	t.Parallel()
	fs := FilePBData([]byte("before the epoch"))
	fs.SetMtime(Mtime{Secs: -86400})
	back, err := FSNodeFromBytes(fs.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(-86400), back.Mtime.Secs)
	require.Equal(t, uint32(0), back.Mtime.Nsecs)
}

func TestFileNode(t *testing.T) {
	t.Parallel()
	leaf := cid.NewCidV1(cid.Raw, mustSum(t, []byte("leaf")))

	fs := NewFSNode(TFile)
	fs.AddBlockSize(4)
	fs.AddBlockSize(4)
	data := Encode([]PBLink{{Hash: leaf, Tsize: 4}, {Hash: leaf, Tsize: 4}}, fs)
	c, err := v1.Sum(data)
	require.NoError(t, err)

	n, err := Decode(c, data)
	require.NoError(t, err)
	require.Equal(t, KindFile, n.Kind)
	require.Equal(t, uint64(8), n.FileSize())
	require.Equal(t, uint64(len(data)+8), n.DagSize())
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	leaf := cid.NewCidV1(cid.Raw, mustSum(t, []byte("leaf")))

	mismatched := NewFSNode(TFile)
	mismatched.AddBlockSize(4)

	shard := HAMTShardData([]byte{1}, 256, mh.SHA2_256)
	badFanout := HAMTShardData([]byte{1}, 100, HashMurmur3)

	cases := []struct {
		name string
		data []byte
		err  error
	}{
		{"links without blocksizes", Encode([]PBLink{{Hash: leaf}, {Hash: leaf}}, mismatched), ErrMalformedNode},
		{"named file link", Encode([]PBLink{{Hash: leaf, Name: "x"}}, mismatched), ErrMalformedNode},
		{"metadata", Encode(nil, &FSNode{Type: TMetadata}), ErrUnsupportedNode},
		{"unknown hamt hash", Encode(nil, shard), ErrUnsupportedNode},
		{"bad fanout", Encode(nil, badFanout), ErrMalformedNode},
		{"no unixfs data", (&PBNode{}).Marshal(), ErrMalformedNode},
		{"unknown type", (&PBNode{Data: []byte{0x08, 0x09}}).Marshal(), ErrMalformedNode},
		{"symlink with links", Encode([]PBLink{{Hash: leaf}}, SymlinkData("/x")), ErrMalformedNode},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c, err := v1.Sum(tc.data)
			require.NoError(t, err)
			_, err = Decode(c, tc.data)
			require.ErrorIs(t, err, tc.err)
		})
	}

	cbor := cid.NewCidV1(cid.DagCBOR, mustSum(t, []byte{0xa0}))
	_, err := Decode(cbor, []byte{0xa0})
	require.ErrorIs(t, err, ErrUnsupportedNode)
}

func TestKindText(t *testing.T) {
	t.Parallel()
	for k := KindRaw; k <= KindSymlink; k++ {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(b))
		require.Equal(t, k, back)
	}
	require.True(t, KindShardedDirectory.IsDirectory())
	require.False(t, KindSymlink.IsDirectory())
}

func mustSum(t *testing.T, b []byte) mh.Multihash {
	h, err := mh.Sum(b, mh.SHA2_256, -1)
	require.NoError(t, err)
	return h
}
