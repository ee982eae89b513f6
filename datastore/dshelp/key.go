// Package dshelp maps block identities onto datastore keys. Blocks are keyed
// by multihash alone so that the same bytes stored under a CIDv0 and a raw
// CIDv1 share one entry.
package dshelp

import (
	"errors"

	cid "github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-base32"
	mh "github.com/multiformats/go-multihash"
)

// ErrInvalidKey is returned for keys that are not a single base32 segment.
var ErrInvalidKey = errors.New("dshelp: invalid block key")

// NewKeyFromBinary creates a new key from a byte slice.
func NewKeyFromBinary(rawKey []byte) datastore.Key {
	buf := make([]byte, 1+base32.RawStdEncoding.EncodedLen(len(rawKey)))
	buf[0] = '/'
	base32.RawStdEncoding.Encode(buf[1:], rawKey)
	return datastore.RawKey(string(buf))
}

// BinaryFromDsKey returns the byte slice corresponding to the given Key.
func BinaryFromDsKey(k datastore.Key) ([]byte, error) {
	s := k.String()
	if len(s) < 2 || s[0] != '/' {
		return nil, ErrInvalidKey
	}
	return base32.RawStdEncoding.DecodeString(s[1:])
}

// MultihashToDsKey creates a Key from the given Multihash.
func MultihashToDsKey(k mh.Multihash) datastore.Key {
	return NewKeyFromBinary(k)
}

// DsKeyToMultihash converts a dsKey to the corresponding Multihash.
func DsKeyToMultihash(dsKey datastore.Key) (mh.Multihash, error) {
	kb, err := BinaryFromDsKey(dsKey)
	if err != nil {
		return nil, err
	}
	return mh.Cast(kb)
}

// DsKeyToCidV1 rebuilds a CIDv1 with the given codec from a block key. The
// original codec is not recoverable from the key.
func DsKeyToCidV1(dsKey datastore.Key, codec uint64) (cid.Cid, error) {
	hash, err := DsKeyToMultihash(dsKey)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, hash), nil
}
