package car

import (
	"github.com/alecthomas/units"
	"github.com/ipfs/dagkit/verifcid"
)

const (
	// DefaultMaxAllowedHeaderSize is the largest header accepted by default.
	DefaultMaxAllowedHeaderSize uint64 = uint64(32 * units.MiB)
	// DefaultMaxAllowedSectionSize is the largest section accepted by
	// default, comfortably above the 2MiB block limit.
	DefaultMaxAllowedSectionSize uint64 = uint64(8 * units.MiB)
)

// Options holds the configured options after applying a number of Option
// funcs.
type Options struct {
	ZeroLengthSectionAsEOF bool
	MaxAllowedHeaderSize   uint64
	MaxAllowedSectionSize  uint64

	VerifyBlocks bool
	Allowlist    verifcid.Allowlist
}

// Option describes an option which affects reading or writing archives.
type Option func(*Options)

// ApplyOptions applies opts over the defaults.
func ApplyOptions(opts ...Option) Options {
	o := Options{
		MaxAllowedHeaderSize:  DefaultMaxAllowedHeaderSize,
		MaxAllowedSectionSize: DefaultMaxAllowedSectionSize,
		Allowlist:             verifcid.DefaultAllowlist,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ZeroLengthSectionAsEOF is a read option which allows a CARv1 decoder to
// treat a zero-length section as the end of the input. This is useful to
// accept "null padding" after an archive without knowing where it begins.
func ZeroLengthSectionAsEOF(enable bool) Option {
	return func(o *Options) {
		o.ZeroLengthSectionAsEOF = enable
	}
}

// MaxAllowedHeaderSize overrides the default maximum header size.
func MaxAllowedHeaderSize(max uint64) Option {
	return func(o *Options) {
		o.MaxAllowedHeaderSize = max
	}
}

// MaxAllowedSectionSize overrides the default maximum section size.
func MaxAllowedSectionSize(max uint64) Option {
	return func(o *Options) {
		o.MaxAllowedSectionSize = max
	}
}

// VerifyBlocks makes LoadCar check every block with VerifyBlock before
// storing it.
func VerifyBlocks(enable bool) Option {
	return func(o *Options) {
		o.VerifyBlocks = enable
	}
}

// WithAllowlist sets the hash functions VerifyBlock accepts.
func WithAllowlist(allowlist verifcid.Allowlist) Option {
	return func(o *Options) {
		o.Allowlist = allowlist
	}
}
