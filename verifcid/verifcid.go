// Package verifcid checks that the multihash behind a CID is one we are
// willing to trust when reading blocks from an untrusted source such as a
// CAR file.
package verifcid

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

const (
	// MinDigestSize is the minimum size for hash digests (except for identity hashes)
	MinDigestSize = 20
	// MaxDigestSize is the maximum size for cryptographic hash digests
	MaxDigestSize = 128
	// MaxIdentityDigestSize bounds the data an identity CID may embed.
	MaxIdentityDigestSize = 128
)

var (
	ErrPossiblyInsecureHashFunction = errors.New("potentially insecure hash functions not allowed")
	ErrDigestTooSmall               = fmt.Errorf("digest too small: must be at least %d bytes", MinDigestSize)
	ErrDigestTooLarge               = fmt.Errorf("digest too large: must be at most %d bytes", MaxDigestSize)
	ErrIdentityDigestTooLarge       = fmt.Errorf("identity digest too large: must be at most %d bytes", MaxIdentityDigestSize)
)

// Allowlist defines which hash functions are accepted.
type Allowlist interface {
	IsAllowed(code uint64) bool
}

type allowlist map[uint64]struct{}

// NewAllowlist returns an Allowlist accepting exactly the given multihash
// codes.
func NewAllowlist(codes ...uint64) Allowlist {
	al := make(allowlist, len(codes))
	for _, c := range codes {
		al[c] = struct{}{}
	}
	return al
}

func (al allowlist) IsAllowed(code uint64) bool {
	_, ok := al[code]
	return ok
}

// DefaultAllowlist accepts the cryptographic hashes in common use plus
// identity.
var DefaultAllowlist Allowlist = defaultAllowlist()

func defaultAllowlist() Allowlist {
	codes := []uint64{
		mh.IDENTITY,
		mh.SHA2_256,
		mh.SHA2_512,
		mh.SHA1,
		mh.DBL_SHA2_256,
		mh.KECCAK_224,
		mh.KECCAK_256,
		mh.KECCAK_384,
		mh.KECCAK_512,
		mh.SHA3_224,
		mh.SHA3_256,
		mh.SHA3_384,
		mh.SHA3_512,
		mh.SHAKE_256,
		mh.BLAKE3,
	}
	// blake2b-160 and up, blake2s-160 and up
	for c := uint64(mh.BLAKE2B_MIN + 19); c <= mh.BLAKE2B_MAX; c++ {
		codes = append(codes, c)
	}
	for c := uint64(mh.BLAKE2S_MIN + 19); c <= mh.BLAKE2S_MAX; c++ {
		codes = append(codes, c)
	}
	return NewAllowlist(codes...)
}

// ValidateCid validates multihash allowance behind given CID.
func ValidateCid(allowlist Allowlist, c cid.Cid) error {
	pref := c.Prefix()
	if !allowlist.IsAllowed(pref.MhType) {
		return ErrPossiblyInsecureHashFunction
	}

	if pref.MhType == mh.IDENTITY {
		if pref.MhLength > MaxIdentityDigestSize {
			return ErrIdentityDigestTooLarge
		}
		return nil
	}
	if pref.MhLength < MinDigestSize {
		return ErrDigestTooSmall
	}
	if pref.MhLength > MaxDigestSize {
		return ErrDigestTooLarge
	}
	return nil
}
